package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/webitel/im-realtime-service/internal/adapter/codec"
	"github.com/webitel/im-realtime-service/internal/adapter/pubsub"
	"github.com/webitel/im-realtime-service/internal/adapter/stream"
	"github.com/webitel/im-realtime-service/internal/domain/model"
	"github.com/webitel/im-realtime-service/internal/domain/registry"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type testEnv struct {
	redis      *miniredis.Miniredis
	store      *stream.RedisStore
	codec      *codec.Codec
	publisher  pubsub.Publisher
	subscriber *Subscriber
	decoder    *CachedDecoder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	store, err := stream.NewRedisStore("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	c := codec.New(codec.FormatJSON)
	pub := pubsub.NewStreamPublisher(store, c)

	dec, err := NewCachedDecoder(c, 128)
	require.NoError(t, err)

	return &testEnv{
		redis:      mr,
		store:      store,
		codec:      c,
		publisher:  pub,
		subscriber: NewSubscriber(store, pub, discardLogger),
		decoder:    dec,
	}
}

// collectingSink records every envelope written to it.
type collectingSink struct {
	mu   sync.Mutex
	envs []model.Envelope
	err  error
}

func (s *collectingSink) WriteEnvelope(env model.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.envs = append(s.envs, env)
	return nil
}

func (s *collectingSink) events() []model.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Event, 0, len(s.envs))
	for _, e := range s.envs {
		out = append(out, e.Event)
	}
	return out
}

func (s *collectingSink) count(event model.Event) int {
	n := 0
	for _, e := range s.events() {
		if e == event {
			n++
		}
	}
	return n
}

// testSession is the consumer-side state of one simulated connection.
type testSession struct {
	user     model.Identity
	group    string
	subs     *registry.Subscriptions
	sink     *collectingSink
	consumer *Consumer
}

func (e *testEnv) newSession(t *testing.T, name string) *testSession {
	t.Helper()

	user := model.Identity{ID: uuid.New(), Name: name}
	s := &testSession{
		user:  user,
		group: "user:" + user.ID.String() + ":" + uuid.NewString(),
		subs:  registry.NewSubscriptions(),
		sink:  &collectingSink{},
	}

	cfg := DefaultConsumerConfig()
	cfg.MaxBlock = 50 * time.Millisecond

	s.consumer = NewConsumer(ConsumerDeps{
		Reader:  e.store,
		Subs:    s.subs,
		Healer:  e.subscriber,
		Decoder: e.decoder,
		Sink:    s.sink,
		Logger:  discardLogger,
	}, cfg, s.group, "consumer:"+uuid.NewString(), user.ID)

	t.Cleanup(func() {
		s.consumer.Stop()
		<-s.consumer.Done()
	})
	return s
}

func (e *testEnv) subscribe(t *testing.T, s *testSession, key string) {
	t.Helper()
	require.NoError(t, e.subscriber.Subscribe(context.Background(), s.subs, key, s.group, s.user))
}

// failingPublisher fails every publish.
type failingPublisher struct{}

var errPublishDown = errors.New("publisher down")

func (failingPublisher) Publish(context.Context, string, model.Envelope) error {
	return errPublishDown
}
