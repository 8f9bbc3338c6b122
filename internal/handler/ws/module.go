package ws

import (
	"log/slog"

	"github.com/webitel/im-realtime-service/config"
	"github.com/webitel/im-realtime-service/infra/server/http/middleware"
	"github.com/webitel/im-realtime-service/internal/domain/registry"
	"github.com/webitel/im-realtime-service/internal/handler/router"
	"github.com/webitel/im-realtime-service/internal/service"
	"go.uber.org/fx"
)

var Module = fx.Module("ws-handler",
	fx.Provide(
		func(cfg *config.Config) SessionConfig {
			return SessionConfig{
				PingInterval:   cfg.Session.PingInterval,
				PingTimeout:    cfg.Session.PingTimeout,
				IdleTimeout:    cfg.Session.IdleTimeout,
				CheckInterval:  cfg.Session.CheckInterval,
				WriteTimeout:   cfg.Session.WriteTimeout,
				MaxMessageSize: cfg.Session.MaxMessageSize,
				CleanupTimeout: cfg.Session.CleanupTimeout,
				CleanupWorkers: cfg.Session.CleanupWorkers,
			}
		},
		func(
			hub registry.Hubber,
			subs service.Subscriptions,
			reader service.StreamReader,
			decoder service.EntryDecoder,
			r *router.Router,
			consumer service.ConsumerConfig,
			sessionCfg SessionConfig,
			logger *slog.Logger,
		) SessionDeps {
			return SessionDeps{
				Hub:           hub,
				Subscriptions: subs,
				Reader:        reader,
				Decoder:       decoder,
				Dispatcher:    r,
				Consumer:      consumer,
				Config:        sessionCfg,
				Logger:        logger,
			}
		},
		func() middleware.IdentityResolver { return middleware.HeaderResolver{} },
		NewWSHandler,
	),
)
