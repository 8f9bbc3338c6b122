package pubsub

import (
	"log/slog"

	"github.com/sony/gobreaker"
	"github.com/webitel/im-realtime-service/config"
	"github.com/webitel/im-realtime-service/internal/adapter/codec"
	"github.com/webitel/im-realtime-service/internal/adapter/stream"
	"go.uber.org/fx"
)

var Module = fx.Module(
	"pubsub",

	fx.Provide(
		func(cfg *config.Config) (*codec.Codec, error) {
			format, err := codec.ParseFormat(cfg.Stream.Codec)
			if err != nil {
				return nil, err
			}
			return codec.New(format), nil
		},
		func(cfg *config.Config, store *stream.RedisStore, c *codec.Codec, logger *slog.Logger) Publisher {
			opts := []Option{WithMaxLen(cfg.Stream.MaxLen)}
			if cfg.Breaker.Enabled {
				settings := DefaultBreakerSettings("stream-publisher", cfg.Breaker.ConsecutiveFailures, cfg.Breaker.Timeout)
				settings.OnStateChange = func(name string, from, to gobreaker.State) {
					logger.Warn("PUBLISHER_BREAKER_STATE_CHANGED",
						"breaker", name,
						"from", from.String(),
						"to", to.String(),
					)
				}
				opts = append(opts, WithBreaker(settings))
			}
			// [DECORATION_LAYER] Logging around every publish.
			return NewPublisherMiddleware(NewStreamPublisher(store, c, opts...), logger)
		},
	),
)
