package router

import (
	"log/slog"

	"github.com/webitel/im-realtime-service/config"
	"github.com/webitel/im-realtime-service/internal/adapter/pubsub"
	"github.com/webitel/im-realtime-service/internal/adapter/stream"
	"go.uber.org/fx"
)

var Module = fx.Module("router",
	fx.Provide(
		func(cfg *config.Config, publisher pubsub.Publisher, store *stream.RedisStore, logger *slog.Logger) *Router {
			r := New(publisher, store, logger, WithDraftTTL(cfg.Stream.DraftTTL))
			logger.Debug("ROUTER_READY", "routes", len(r.Routes()))
			return r
		},
	),
)
