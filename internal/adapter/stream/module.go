package stream

import (
	"context"
	"log/slog"

	"github.com/webitel/im-realtime-service/config"
	"go.uber.org/fx"
)

var Module = fx.Module("stream",
	fx.Provide(
		func(cfg *config.Config, logger *slog.Logger) (*RedisStore, error) {
			store, err := NewRedisStore(cfg.Redis.URL)
			if err != nil {
				return nil, err
			}
			logger.Info("REDIS_CONNECTED")
			return store, nil
		},
	),
	// [TEARDOWN_ORDER] Registered first so Redis is closed after sessions drained.
	fx.Invoke(func(lc fx.Lifecycle, store *RedisStore) {
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				return store.Close()
			},
		})
	}),
)
