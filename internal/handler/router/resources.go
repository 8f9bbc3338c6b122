package router

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/webitel/im-realtime-service/internal/adapter/stream"
	"github.com/webitel/im-realtime-service/internal/domain/model"
	"github.com/webitel/im-realtime-service/internal/service"
)

// Resource is a collaborative object family clients can watch.
// Namespace names the routes ("/threads/..."), Prefix the stream keys ("thread:<id>").
type Resource struct {
	Namespace string
	Prefix    string
}

var DefaultResources = []Resource{
	{Namespace: "threads", Prefix: "thread:"},
	{Namespace: "dashboards", Prefix: "dashboard:"},
	{Namespace: "collections", Prefix: "collection:"},
	{Namespace: "permission_groups", Prefix: "permission_group:"},
}

// Reply events.
const (
	EventSubscribed   model.Event = "subscribed"
	EventUnsubscribed model.Event = "unsubscribed"
	EventDraft        model.Event = "draft"
	EventDraftSaved   model.Event = "draft_saved"
	EventDraftDeleted model.Event = "draft_deleted"
)

func (res Resource) Route(action string) model.Route {
	return model.Route("/" + res.Namespace + "/" + action)
}

func (res Resource) StreamKey(id string) string {
	return res.Prefix + id
}

type resourceRequest struct {
	ID string `json:"id"`
}

type broadcastRequest struct {
	ID         string           `json:"id"`
	Event      model.Event      `json:"event"`
	Data       json.RawMessage  `json:"data"`
	SendMethod model.SendMethod `json:"send_method"`
}

type draftRequest struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

type draftReply struct {
	StreamKey string          `json:"stream_key"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// registerResource wires the table-driven route set of one namespace.
func (r *Router) registerResource(res Resource) {
	routes := []struct {
		action  string
		handler func(Resource) HandlerFunc
	}{
		{"subscribe", r.subscribe},
		{"unsubscribe", r.unsubscribe},
		{"broadcast", r.broadcast},
		{"drafts/save", r.saveDraft},
		{"drafts/get", r.getDraft},
		{"drafts/delete", r.deleteDraft},
	}

	for _, rt := range routes {
		r.Handle(res.Route(rt.action), rt.handler(res))
	}
}

// subscriptionTimeout bounds a subscription change once it has started.
const subscriptionTimeout = 5 * time.Second

// detach lets a subscription change finish after the request is cancelled, so
// the group and the registry entry are created or removed together.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), subscriptionTimeout)
}

func (r *Router) subscribe(res Resource) HandlerFunc {
	return func(ctx context.Context, c Caller, req model.Request) error {
		key, err := decodeID(res, req.Payload)
		if err != nil {
			return err
		}

		opCtx, cancel := detach(ctx)
		defer cancel()

		if err := c.Subscribe(opCtx, key); err != nil {
			if !service.IsMirrorError(err) {
				return err
			}
			r.logger.Warn("SUBSCRIPTION_MIRROR_FAILED", "err", err, "stream", key)
		}

		return r.reply(c, req.Route, EventSubscribed, model.SubscriptionSignal{StreamKey: key})
	}
}

func (r *Router) unsubscribe(res Resource) HandlerFunc {
	return func(ctx context.Context, c Caller, req model.Request) error {
		key, err := decodeID(res, req.Payload)
		if err != nil {
			return err
		}

		opCtx, cancel := detach(ctx)
		defer cancel()

		if err := c.Unsubscribe(opCtx, key); err != nil {
			if !service.IsMirrorError(err) {
				return err
			}
			r.logger.Warn("SUBSCRIPTION_MIRROR_FAILED", "err", err, "stream", key)
		}

		return r.reply(c, req.Route, EventUnsubscribed, model.SubscriptionSignal{StreamKey: key})
	}
}

// broadcast publishes the caller's change to everyone watching the resource.
// The caller receives it too, through its own subscription, when the send
// method allows.
func (r *Router) broadcast(res Resource) HandlerFunc {
	return func(ctx context.Context, c Caller, req model.Request) error {
		var body broadcastRequest
		if err := decodePayload(req.Payload, &body); err != nil {
			return err
		}
		if strings.TrimSpace(body.ID) == "" {
			return badRequest("Field 'id' is required", nil)
		}
		if body.Event == "" {
			return badRequest("Field 'event' is required", nil)
		}
		if body.SendMethod == "" {
			body.SendMethod = model.All
		}
		if !body.SendMethod.Valid() {
			return badRequest("Unknown send_method: "+string(body.SendMethod), nil)
		}
		if len(body.Data) == 0 {
			body.Data = json.RawMessage("null")
		}

		user := c.Identity()
		env := model.Envelope{
			Route:      req.Route,
			Event:      body.Event,
			Payload:    body.Data,
			SentBy:     &user,
			SendMethod: body.SendMethod,
		}

		return r.publisher.Publish(ctx, res.StreamKey(body.ID), env)
	}
}

func (r *Router) saveDraft(res Resource) HandlerFunc {
	return func(ctx context.Context, c Caller, req model.Request) error {
		var body draftRequest
		if err := decodePayload(req.Payload, &body); err != nil {
			return err
		}
		if strings.TrimSpace(body.ID) == "" {
			return badRequest("Field 'id' is required", nil)
		}
		if len(body.Data) == 0 {
			return badRequest("Field 'data' is required", nil)
		}

		key := res.StreamKey(body.ID)
		if err := r.kv.SetValue(ctx, model.DraftKey(key), body.Data, r.draftTTL); err != nil {
			return err
		}

		return r.reply(c, req.Route, EventDraftSaved, draftReply{StreamKey: key})
	}
}

func (r *Router) getDraft(res Resource) HandlerFunc {
	return func(ctx context.Context, c Caller, req model.Request) error {
		key, err := decodeID(res, req.Payload)
		if err != nil {
			return err
		}

		data, err := r.kv.GetValue(ctx, model.DraftKey(key))
		if errors.Is(err, stream.ErrNotFound) {
			return model.NewCodedError(model.CodeNotFound, "Draft not found", err)
		}
		if err != nil {
			return err
		}

		return r.reply(c, req.Route, EventDraft, draftReply{StreamKey: key, Data: data})
	}
}

func (r *Router) deleteDraft(res Resource) HandlerFunc {
	return func(ctx context.Context, c Caller, req model.Request) error {
		key, err := decodeID(res, req.Payload)
		if err != nil {
			return err
		}

		if err := r.kv.DeleteValue(ctx, model.DraftKey(key)); err != nil {
			return err
		}

		return r.reply(c, req.Route, EventDraftDeleted, draftReply{StreamKey: key})
	}
}

func (r *Router) reply(c Caller, route model.Route, event model.Event, data any) error {
	user := c.Identity()
	return c.Reply(model.NewEnvelope(route, event, data, model.SenderOnly, &user))
}

func decodeID(res Resource, payload json.RawMessage) (string, error) {
	var body resourceRequest
	if err := decodePayload(payload, &body); err != nil {
		return "", err
	}
	if strings.TrimSpace(body.ID) == "" {
		return "", badRequest("Field 'id' is required", nil)
	}
	return res.StreamKey(body.ID), nil
}

func decodePayload(payload json.RawMessage, dst any) error {
	if len(payload) == 0 {
		return badRequest("Payload is required", nil)
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return badRequest("Malformed payload", err)
	}
	return nil
}
