package http

import (
	"log/slog"

	"github.com/webitel/im-realtime-service/config"
	"github.com/webitel/im-realtime-service/infra/server/http/middleware"
	"github.com/webitel/im-realtime-service/internal/adapter/stream"
	"github.com/webitel/im-realtime-service/internal/domain/registry"
	"github.com/webitel/im-realtime-service/internal/handler/ws"
	"go.uber.org/fx"
)

var Module = fx.Module("http-server",
	fx.Provide(
		func(cfg *config.Config, h *ws.WSHandler, resolver middleware.IdentityResolver,
			store *stream.RedisStore, hub registry.Hubber, logger *slog.Logger) *Server {
			handler := NewRouter(RouterDeps{
				WSPath:   cfg.HTTP.WSPath,
				WS:       h,
				Resolver: resolver,
				Store:    store,
				Stats:    hub,
				Logger:   logger,
			})
			return New(cfg.HTTP, handler, logger)
		},
	),
	fx.Invoke(func(lc fx.Lifecycle, s *Server) {
		lc.Append(fx.StartStopHook(s.Start, s.Stop))
	}),
)
