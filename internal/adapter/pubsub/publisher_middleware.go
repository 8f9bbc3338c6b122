package pubsub

import (
	"context"
	"log/slog"
	"time"

	"github.com/webitel/im-realtime-service/internal/domain/model"
)

// PublisherMiddleware implements [DECORATOR_PATTERN] to add observability
// to publishing without touching the stream logic.
type PublisherMiddleware struct {
	Next   Publisher
	Logger *slog.Logger
}

// NewPublisherMiddleware creates a new logging decorator for the Publisher.
func NewPublisherMiddleware(next Publisher, logger *slog.Logger) Publisher {
	return &PublisherMiddleware{
		Next:   next,
		Logger: logger,
	}
}

func (m *PublisherMiddleware) Publish(ctx context.Context, streamKey string, env model.Envelope) error {
	start := time.Now()

	err := m.Next.Publish(ctx, streamKey, env)

	duration := time.Since(start)
	if err != nil {
		m.Logger.Error("STREAM_PUBLISH_FAILED",
			"err", err,
			"stream", streamKey,
			"route", env.Route,
			"event", env.Event,
			"duration_ms", duration.Milliseconds(),
		)
		return err
	}

	m.Logger.Debug("STREAM_PUBLISHED",
		"stream", streamKey,
		"event", env.Event,
		"duration_ms", duration.Milliseconds(),
	)
	return nil
}
