package pubsub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"github.com/webitel/im-realtime-service/internal/domain/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultMaxLen is the approximate ring-buffer size of every stream.
	DefaultMaxLen int64 = 50

	tracerName = "github.com/webitel/im-realtime-service/internal/adapter/pubsub"
)

var ErrEmptyStreamKey = errors.New("publisher: stream key is required")

// Publisher is the primitive every business handler uses to emit an event.
type Publisher interface {
	Publish(ctx context.Context, streamKey string, env model.Envelope) error
}

// Appender is the storage side of a publish.
type Appender interface {
	Append(ctx context.Context, key string, data []byte, maxLen int64) (string, error)
}

// Encoder turns an envelope into stream-entry bytes.
type Encoder interface {
	Encode(env model.Envelope) ([]byte, error)
}

// Option configures a stream publisher.
type Option func(*streamPublisher)

// WithMaxLen overrides the approximate stream length cap.
func WithMaxLen(n int64) Option {
	return func(p *streamPublisher) {
		if n > 0 {
			p.maxLen = n
		}
	}
}

// WithBreaker wraps appends in a [CIRCUIT_BREAKER] so a dead Redis fails fast
// instead of stalling every handler on dial timeouts.
func WithBreaker(settings gobreaker.Settings) Option {
	return func(p *streamPublisher) {
		p.breaker = gobreaker.NewCircuitBreaker(settings)
	}
}

// WithTracer replaces the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(p *streamPublisher) {
		p.tracer = t
	}
}

type streamPublisher struct {
	store   Appender
	codec   Encoder
	maxLen  int64
	breaker *gobreaker.CircuitBreaker
	tracer  trace.Tracer
}

// NewStreamPublisher returns the interface instead of the pointer to the struct.
func NewStreamPublisher(store Appender, codec Encoder, opts ...Option) Publisher {
	p := &streamPublisher{
		store:  store,
		codec:  codec,
		maxLen: DefaultMaxLen,
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish encodes env and appends it to streamKey. There is no retry here:
// callers decide whether to repeat the business operation as a whole.
func (p *streamPublisher) Publish(ctx context.Context, streamKey string, env model.Envelope) error {
	if streamKey == "" {
		return ErrEmptyStreamKey
	}

	ctx, span := p.tracer.Start(ctx, "stream.publish", trace.WithAttributes(
		attribute.String("stream.key", streamKey),
		attribute.String("envelope.route", string(env.Route)),
		attribute.String("envelope.event", string(env.Event)),
	))
	defer span.End()

	data, err := p.codec.Encode(env)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode")
		return fmt.Errorf("publisher: encode envelope for %s: %w", streamKey, err)
	}

	if err := p.append(ctx, streamKey, data); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "append")
		return fmt.Errorf("publisher: publish to %s: %w", streamKey, err)
	}

	span.SetAttributes(attribute.Int("envelope.bytes", len(data)))
	return nil
}

func (p *streamPublisher) append(ctx context.Context, key string, data []byte) error {
	if p.breaker == nil {
		_, err := p.store.Append(ctx, key, data, p.maxLen)
		return err
	}

	_, err := p.breaker.Execute(func() (any, error) {
		return p.store.Append(ctx, key, data, p.maxLen)
	})
	return err
}

// DefaultBreakerSettings trips after consecutive failures and probes again
// after timeout.
func DefaultBreakerSettings(name string, consecutiveFailures uint32, timeout time.Duration) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= consecutiveFailures
		},
	}
}
