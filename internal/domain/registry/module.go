package registry

import (
	"context"
	"log/slog"

	"go.uber.org/fx"
)

var Module = fx.Module("registry",
	fx.Provide(
		// [CLEAN_INJECTION] Configure Hub using Functional Options
		func(logger *slog.Logger) *Hub {
			return NewHub(WithLogger(logger))
		},
		func(h *Hub) Hubber { return h },
	),
	fx.Invoke(func(lc fx.Lifecycle, h Hubber) {
		lc.Append(fx.Hook{
			// [GRACEFUL_SHUTDOWN] Drain every session before Redis is closed.
			OnStop: func(ctx context.Context) error {
				return h.Shutdown(ctx)
			},
		})
	}),
)
