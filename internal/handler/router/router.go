// Package router dispatches inbound WebSocket requests to business handlers
// through an explicit route table.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"time"

	"github.com/webitel/im-realtime-service/internal/adapter/pubsub"
	"github.com/webitel/im-realtime-service/internal/domain/model"
)

// EventError is the event tag of error envelopes produced by the router.
const EventError model.Event = "error"

// Caller is the connection a request arrived on.
type Caller interface {
	Identity() model.Identity
	Subscribe(ctx context.Context, streamKey string) error
	Unsubscribe(ctx context.Context, streamKey string) error
	// Reply writes straight to the caller's socket, bypassing streams.
	Reply(env model.Envelope) error
}

// KeyValueStore is the side channel handlers keep drafts in.
type KeyValueStore interface {
	SetValue(ctx context.Context, key string, value []byte, ttl time.Duration) error
	GetValue(ctx context.Context, key string) ([]byte, error)
	DeleteValue(ctx context.Context, key string) error
}

// HandlerFunc serves one route. A returned error becomes an error envelope
// sent back to the caller only.
type HandlerFunc func(ctx context.Context, c Caller, req model.Request) error

// Router resolves routes through a static table filled at construction.
type Router struct {
	routes    map[model.Route]HandlerFunc
	publisher pubsub.Publisher
	kv        KeyValueStore
	draftTTL  time.Duration
	logger    *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithDraftTTL overrides how long saved drafts live.
func WithDraftTTL(ttl time.Duration) Option {
	return func(r *Router) {
		if ttl > 0 {
			r.draftTTL = ttl
		}
	}
}

// WithResources replaces the default resource namespaces.
func WithResources(resources ...Resource) Option {
	return func(r *Router) {
		r.routes = make(map[model.Route]HandlerFunc)
		for _, res := range resources {
			r.registerResource(res)
		}
	}
}

func New(publisher pubsub.Publisher, kv KeyValueStore, logger *slog.Logger, opts ...Option) *Router {
	r := &Router{
		routes:    make(map[model.Route]HandlerFunc),
		publisher: publisher,
		kv:        kv,
		draftTTL:  time.Hour,
		logger:    logger,
	}
	for _, res := range DefaultResources {
		r.registerResource(res)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle registers fn for route, replacing any previous handler.
func (r *Router) Handle(route model.Route, fn HandlerFunc) {
	r.routes[route] = fn
}

// Routes lists the registered routes in lexical order.
func (r *Router) Routes() []model.Route {
	out := make([]model.Route, 0, len(r.routes))
	for route := range r.routes {
		out = append(out, route)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Dispatch runs the handler registered for req.Route.
func (r *Router) Dispatch(ctx context.Context, c Caller, req model.Request) error {
	fn, ok := r.routes[req.Route]
	if !ok {
		return &UnknownRouteError{Route: req.Route}
	}
	return fn(ctx, c, req)
}

// Serve dispatches req and reports any failure to the caller as a SenderOnly
// error envelope. Panics are contained here so one request never takes the
// connection down.
func (r *Router) Serve(ctx context.Context, c Caller, req model.Request) {
	user := c.Identity()
	log := r.logger.With("route", req.Route, "user_id", user.ID)

	err := func() (err error) {
		// [PANIC_RECOVERY]
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("HANDLER_PANIC_RECOVERED", "err", rec, "stack", string(debug.Stack()))
				err = fmt.Errorf("handler panic: %v", rec)
			}
		}()
		return r.Dispatch(ctx, c, req)
	}()
	if err == nil {
		return
	}

	if ctx.Err() != nil {
		// The session is draining; nobody is left to read the reply.
		log.Debug("HANDLER_CANCELLED", "err", err)
		return
	}

	log.Warn("HANDLER_FAILED", "err", err)

	code, message := toEnvelopeError(err)
	env := model.NewErrorEnvelope(req.Route, EventError, code, message, &user)
	if werr := c.Reply(env); werr != nil {
		log.Warn("ERROR_REPLY_FAILED", "err", werr)
	}
}
