package registry

import (
	"context"
	"log/slog"
)

// Option defines a functional configuration type for the Hub.
type Option func(*Hub)

// WithLogger sets the logger used for lifecycle events.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithParentContext derives the hub's [SHUTDOWN_SIGNAL] from ctx instead of
// context.Background, so cancelling ctx drains every session.
func WithParentContext(ctx context.Context) Option {
	return func(h *Hub) {
		h.parent = ctx
	}
}
