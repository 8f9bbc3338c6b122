package service

import (
	"github.com/webitel/im-realtime-service/config"
	"github.com/webitel/im-realtime-service/internal/adapter/codec"
	"github.com/webitel/im-realtime-service/internal/adapter/stream"
	"go.uber.org/fx"
)

var Module = fx.Module(
	"service",

	fx.Provide(
		// [STORE_VIEWS] The Redis store seen through the narrow contracts of this package.
		func(s *stream.RedisStore) GroupStore { return s },
		func(s *stream.RedisStore) StreamReader { return s },

		// Domain services
		fx.Annotate(
			NewSubscriber,
			fx.As(new(Subscriptions)),
		),
		func(cfg *config.Config, c *codec.Codec) (EntryDecoder, error) {
			return NewCachedDecoder(c, cfg.Stream.CacheSize)
		},
		func(cfg *config.Config) ConsumerConfig {
			return ConsumerConfig{
				ReadCount:   cfg.Stream.ReadCount,
				MinBlock:    cfg.Stream.MinBlock,
				MaxBlock:    cfg.Stream.MaxBlock,
				BlockFactor: cfg.Stream.BlockFactor,
			}
		},
	),
)
