package amqp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wamqp "github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/webitel/im-realtime-service/config"
	"github.com/webitel/im-realtime-service/internal/adapter/pubsub"
	"go.uber.org/fx"
)

var Module = fx.Module("amqp-handler",
	fx.Provide(
		func(logger *slog.Logger) watermill.LoggerAdapter {
			return watermill.NewSlogLogger(logger.With("component", "amqp"))
		},
		func(cfg *config.Config, wlogger watermill.LoggerAdapter) SubscriberFactory {
			return &amqpSubscribers{url: cfg.AMQP.URL, exchange: cfg.AMQP.Exchange, logger: wlogger}
		},
		func(cfg *config.Config, wlogger watermill.LoggerAdapter, lc fx.Lifecycle) (message.Publisher, error) {
			pub, err := wamqp.NewPublisher(amqpConfig(cfg.AMQP.URL, cfg.AMQP.Exchange, IngressPoisonTopic), wlogger)
			if err != nil {
				return nil, fmt.Errorf("amqp poison publisher: %w", err)
			}
			lc.Append(fx.StopHook(pub.Close))
			return pub, nil
		},
		func(publisher pubsub.Publisher, logger *slog.Logger, cfg *config.Config) *Ingress {
			return NewIngress(publisher, logger, DefaultPipeline(), cfg.AMQP.QueueSuffix)
		},
		NewWatermillRouter,
	),

	fx.Invoke(func(i *Ingress, r *message.Router, subs SubscriberFactory, poison message.Publisher) error {
		return i.RegisterHandlers(r, subs, poison)
	}),
)

// NewWatermillRouter builds the router and ties its run loop to the app lifecycle.
func NewWatermillRouter(lc fx.Lifecycle, wlogger watermill.LoggerAdapter, logger *slog.Logger) (*message.Router, error) {
	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: 30 * time.Second}, wlogger)
	if err != nil {
		return nil, fmt.Errorf("watermill router: %w", err)
	}
	router.AddMiddleware(middleware.Recoverer)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := router.Run(context.Background()); err != nil {
					logger.Error("AMQP_ROUTER_STOPPED", "err", err)
				}
			}()
			select {
			case <-router.Running():
				return nil
			case <-ctx.Done():
				return fmt.Errorf("watermill router start: %w", ctx.Err())
			}
		},
		OnStop: func(context.Context) error {
			return router.Close()
		},
	})
	return router, nil
}

type amqpSubscribers struct {
	url      string
	exchange string
	logger   watermill.LoggerAdapter
}

func (f *amqpSubscribers) Build(queue, _ string) (message.Subscriber, error) {
	return wamqp.NewSubscriber(amqpConfig(f.url, f.exchange, queue), f.logger)
}

// amqpConfig binds a durable queue to the topic exchange by routing key.
func amqpConfig(url, exchange, queue string) wamqp.Config {
	cfg := wamqp.NewDurablePubSubConfig(url, wamqp.GenerateQueueNameConstant(queue))
	cfg.Exchange.GenerateName = func(string) string { return exchange }
	cfg.Exchange.Type = "topic"
	cfg.QueueBind.GenerateRoutingKey = func(topic string) string { return topic }
	cfg.Publish.GenerateRoutingKey = func(topic string) string { return topic }
	return cfg
}
