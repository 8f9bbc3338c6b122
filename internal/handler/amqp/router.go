package amqp

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/webitel/im-realtime-service/internal/adapter/pubsub"
)

const (
	// ------------------- TOPICS (ROUTING KEYS) -----------------
	TopicStreamPublish = "realtime.#.stream.publish.v1"
	TopicUserNotify    = "realtime.#.user.notify.v1"

	// ------------------- QUEUES (CONSUMERS) --------------------
	IngressQueue       = "im-realtime.ingress.v1"
	IngressPoisonTopic = "im-realtime.ingress.v1.poison"
)

// SubscriberFactory builds one subscriber per handler queue.
type SubscriberFactory interface {
	Build(queue, topic string) (message.Subscriber, error)
}

// Pipeline tunes the middleware chain of every ingress handler.
type Pipeline struct {
	Retry         RetryPolicy
	ThrottleCount int64
	ThrottleEvery time.Duration
	Timeout       time.Duration
}

func DefaultPipeline() Pipeline {
	return Pipeline{
		Retry:         DefaultRetryPolicy(),
		ThrottleCount: 100,
		ThrottleEvery: time.Second,
		Timeout:       30 * time.Second,
	}
}

// Ingress republishes envelopes produced by other services into streams.
type Ingress struct {
	publisher pubsub.Publisher
	logger    *slog.Logger
	wlogger   watermill.LoggerAdapter
	pipeline  Pipeline
	suffix    string
}

func NewIngress(publisher pubsub.Publisher, logger *slog.Logger, pipeline Pipeline, queueSuffix string) *Ingress {
	return &Ingress{
		publisher: publisher,
		logger:    logger,
		wlogger:   watermill.NewSlogLogger(logger),
		pipeline:  pipeline,
		suffix:    queueSuffix,
	}
}

// [REGISTRATION_PIPELINE]
func (i *Ingress) RegisterHandlers(router *message.Router, subs SubscriberFactory, poisonPub message.Publisher) error {
	poison, err := middleware.PoisonQueue(poisonPub, IngressPoisonTopic)
	if err != nil {
		return fmt.Errorf("POISON_SETUP_FAILED: %w", err)
	}

	configs := []struct {
		name    string
		topic   string
		handler message.NoPublishHandlerFunc
	}{
		{"ON_STREAM_PUBLISH", TopicStreamPublish, Bind(i, i.OnStreamPublishV1)},
		{"ON_USER_NOTIFY", TopicUserNotify, Bind(i, i.OnUserNotifyV1)},
	}

	for _, c := range configs {
		// [SHARED_HANDLER_QUEUE]
		// Appending to a stream is cluster-wide, so every node competes on
		// the same durable queue and each message is republished once.
		queue := fmt.Sprintf("%s.%s", IngressQueue, c.name)
		if i.suffix != "" {
			queue += "." + i.suffix
		}

		sub, err := subs.Build(queue, c.topic)
		if err != nil {
			return fmt.Errorf("build subscriber %s: %w", queue, err)
		}

		router.AddConsumerHandler(c.name, c.topic, sub, c.handler).AddMiddleware(
			TraceIDMiddleware,
			LoggingMiddleware(i.logger),
			// Poison wraps retry so only exhausted messages are parked.
			poison,
			NewRetryMiddleware(i.pipeline.Retry, i.wlogger).Middleware,
			middleware.NewThrottle(i.pipeline.ThrottleCount, i.pipeline.ThrottleEvery).Middleware,
			middleware.Timeout(i.pipeline.Timeout),
		)
	}

	i.logger.Info("AMQP_PIPELINE_READY", "queue", IngressQueue, "handlers", len(configs))
	return nil
}
