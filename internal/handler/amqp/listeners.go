package amqp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/webitel/im-realtime-service/internal/domain/model"
	"github.com/webitel/im-realtime-service/internal/service"
)

// StreamPublishV1 asks the service to append an envelope to a stream.
type StreamPublishV1 struct {
	StreamKey string         `json:"stream_key"`
	Envelope  model.Envelope `json:"envelope"`
}

// UserNotifyV1 is a system notification for every session of one user.
// The recipient comes from the body or, when absent, the routing key.
type UserNotifyV1 struct {
	UserID uuid.UUID       `json:"user_id"`
	Route  model.Route     `json:"route"`
	Event  model.Event     `json:"event"`
	Data   json.RawMessage `json:"data"`
}

// [ON_STREAM_PUBLISH]
func (i *Ingress) OnStreamPublishV1(ctx context.Context, _ string, msg *StreamPublishV1) error {
	if msg.StreamKey == "" || msg.Envelope.Event == "" {
		i.logger.Warn("INGRESS_MESSAGE_DROPPED", "reason", "stream_key and envelope.event are required")
		return nil
	}

	env := msg.Envelope
	if env.SendMethod == "" {
		env.SendMethod = model.All
	}
	if !env.SendMethod.Valid() {
		i.logger.Warn("INGRESS_MESSAGE_DROPPED", "reason", "unknown send_method", "send_method", env.SendMethod)
		return nil
	}
	if len(env.Payload) == 0 {
		env.Payload = json.RawMessage("null")
	}

	if err := i.publisher.Publish(ctx, msg.StreamKey, env); err != nil {
		return fmt.Errorf("ingress publish %s: %w", msg.StreamKey, err)
	}
	return nil
}

// [ON_USER_NOTIFY]
func (i *Ingress) OnUserNotifyV1(ctx context.Context, rk string, msg *UserNotifyV1) error {
	userID := msg.UserID
	if userID == uuid.Nil {
		var ok bool
		if userID, ok = resolveUserID(rk); !ok {
			i.logger.Warn("INGRESS_MESSAGE_DROPPED", "reason", "recipient missing", "routing_key", rk)
			return nil
		}
	}
	if msg.Event == "" {
		i.logger.Warn("INGRESS_MESSAGE_DROPPED", "reason", "event is required", "user_id", userID)
		return nil
	}

	data := msg.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}

	// System originated: no sent_by, so the policy never filters it.
	env := model.Envelope{
		Route:      msg.Route,
		Event:      msg.Event,
		Payload:    data,
		SendMethod: model.All,
	}

	key := service.UserStreamKey(model.Identity{ID: userID})
	if err := i.publisher.Publish(ctx, key, env); err != nil {
		return fmt.Errorf("ingress notify %s: %w", userID, err)
	}
	return nil
}
