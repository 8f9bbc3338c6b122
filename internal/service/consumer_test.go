package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webitel/im-realtime-service/internal/domain/model"
	"github.com/webitel/im-realtime-service/internal/domain/registry"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

func (e *testEnv) publish(t *testing.T, key string, event model.Event, method model.SendMethod, sender *model.Identity) {
	t.Helper()
	env := model.NewEnvelope("/threads/broadcast", event, map[string]string{"event": string(event)}, method, sender)
	require.NoError(t, e.publisher.Publish(context.Background(), key, env))
}

func TestConsumerDeliversEveryEntryOnce(t *testing.T) {
	env := newTestEnv(t)
	s := env.newSession(t, "ada")
	env.subscribe(t, s, "thread:T1")
	s.consumer.Start(context.Background())

	want := make([]model.Event, 0, 5)
	for i := 0; i < 5; i++ {
		ev := model.Event(fmt.Sprintf("message_%d", i))
		want = append(want, ev)
		env.publish(t, "thread:T1", ev, model.All, nil)
	}

	require.Eventually(t, func() bool { return len(s.sink.events()) >= 5 }, waitFor, tick)

	// Give a duplicate the chance to show up.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, want, s.sink.events())
}

func TestConsumerAppliesDeliveryPolicy(t *testing.T) {
	env := newTestEnv(t)
	a := env.newSession(t, "ada")
	b := env.newSession(t, "bob")
	c := env.newSession(t, "cyd")

	for _, s := range []*testSession{a, b, c} {
		env.subscribe(t, s, "dashboard:D1")
		s.consumer.Start(context.Background())
	}

	env.publish(t, "dashboard:D1", "all_but_a", model.AllButSender, &a.user)
	env.publish(t, "dashboard:D1", "only_b", model.SenderOnly, &b.user)
	env.publish(t, "dashboard:D1", "all_from_c", model.All, &c.user)
	env.publish(t, "dashboard:D1", "system", model.SenderOnly, nil)

	expected := map[*testSession][]model.Event{
		a: {"all_from_c", "system"},
		b: {"all_but_a", "only_b", "all_from_c", "system"},
		c: {"all_but_a", "all_from_c", "system"},
	}

	for s, want := range expected {
		require.Eventually(t, func() bool { return s.sink.count("system") == 1 }, waitFor, tick, s.user.Name)
		assert.Equal(t, want, s.sink.events(), s.user.Name)
	}

	assert.Equal(t, 4, env.decoder.Len(), "each entry is decoded once for all local subscribers")
}

func TestLateSubscriberSkipsBacklog(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		env.publish(t, "thread:T1", "backlog", model.All, nil)
	}

	n, err := env.store.Len(ctx, "thread:T1")
	require.NoError(t, err)
	assert.LessOrEqual(t, n, int64(100))

	s := env.newSession(t, "ada")
	env.subscribe(t, s, "thread:T1")
	s.consumer.Start(ctx)

	env.publish(t, "thread:T1", "fresh", model.All, nil)

	require.Eventually(t, func() bool { return s.sink.count("fresh") == 1 }, waitFor, tick)
	assert.Zero(t, s.sink.count("backlog"))
}

func TestConsumerSkipsUndecodableEntries(t *testing.T) {
	env := newTestEnv(t)
	s := env.newSession(t, "ada")
	env.subscribe(t, s, "collection:C1")
	s.consumer.Start(context.Background())

	_, err := env.store.Append(context.Background(), "collection:C1", []byte("not gzip"), 50)
	require.NoError(t, err)
	env.publish(t, "collection:C1", "valid", model.All, nil)

	require.Eventually(t, func() bool { return s.sink.count("valid") == 1 }, waitFor, tick)
	assert.Len(t, s.sink.events(), 1)
}

func TestConsumerHealsMissingGroup(t *testing.T) {
	env := newTestEnv(t)
	s := env.newSession(t, "ada")
	env.subscribe(t, s, "thread:T1")
	s.consumer.Start(context.Background())

	require.NoError(t, env.store.DestroyGroup(context.Background(), "thread:T1", s.group))

	// Entries published before the group is recreated are not visible to it.
	require.Eventually(t, func() bool {
		env.publish(t, "thread:T1", "after_heal", model.All, nil)
		return s.sink.count("after_heal") > 0
	}, waitFor, 100*time.Millisecond)
}

// gatedReader holds the first ReadGroup until released, then fails it.
type gatedReader struct {
	StreamReader
	once    sync.Once
	entered chan struct{}
	release chan error
}

func (r *gatedReader) ReadGroup(ctx context.Context, group, consumer string, keys []string, count int64, block time.Duration) ([]model.StreamEntry, error) {
	first := false
	r.once.Do(func() { first = true })
	if first {
		close(r.entered)
		select {
		case err := <-r.release:
			return nil, err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.StreamReader.ReadGroup(ctx, group, consumer, keys, count, block)
}

func TestConsumerHealKeepsReleasedStreamsReleased(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := model.Identity{ID: uuid.New(), Name: "ada"}
	group := "user:" + user.ID.String() + ":" + uuid.NewString()
	subs := registry.NewSubscriptions()

	reader := &gatedReader{
		StreamReader: env.store,
		entered:      make(chan struct{}),
		release:      make(chan error, 1),
	}
	cfg := DefaultConsumerConfig()
	cfg.MaxBlock = 50 * time.Millisecond
	c := NewConsumer(ConsumerDeps{
		Reader:  reader,
		Subs:    subs,
		Healer:  env.subscriber,
		Decoder: env.decoder,
		Sink:    &collectingSink{},
		Logger:  discardLogger,
	}, cfg, group, "consumer:"+uuid.NewString(), user.ID)
	t.Cleanup(func() {
		c.Stop()
		<-c.Done()
	})

	require.NoError(t, env.subscriber.Subscribe(ctx, subs, "thread:T1", group, user))
	c.Start(ctx)

	select {
	case <-reader.entered:
	case <-time.After(waitFor):
		t.Fatal("consumer never read")
	}

	require.NoError(t, env.subscriber.Unsubscribe(ctx, subs, "thread:T1", group, user))
	require.False(t, env.redis.Exists("thread:T1"))

	reader.release <- errors.New("NOGROUP No such key 'thread:T1' or consumer group")

	require.Never(t, func() bool { return env.redis.Exists("thread:T1") }, 2*healDelay, tick)
	assert.Empty(t, subs.Snapshot())
}

func TestConsumerStopsOnSinkFailure(t *testing.T) {
	env := newTestEnv(t)
	s := env.newSession(t, "ada")
	s.sink.err = errors.New("broken pipe")
	env.subscribe(t, s, "thread:T1")
	s.consumer.Start(context.Background())

	env.publish(t, "thread:T1", "doomed", model.All, nil)

	select {
	case <-s.consumer.Done():
	case <-time.After(waitFor):
		t.Fatal("consumer did not stop after a sink failure")
	}
	assert.ErrorIs(t, s.consumer.Err(), s.sink.err)
	assert.Equal(t, ConsumerStopped, s.consumer.State())
}

func TestConsumerIdleWithoutSubscriptions(t *testing.T) {
	env := newTestEnv(t)
	s := env.newSession(t, "ada")
	s.consumer.Start(context.Background())

	require.Eventually(t, func() bool { return s.consumer.State() == ConsumerIdle }, waitFor, tick)

	s.consumer.Stop()
	select {
	case <-s.consumer.Done():
	case <-time.After(time.Second):
		t.Fatal("idle consumer did not stop")
	}
	assert.NoError(t, s.consumer.Err())
	assert.Equal(t, ConsumerStopped, s.consumer.State())
}

func TestConsumerStopInterruptsPoll(t *testing.T) {
	env := newTestEnv(t)
	s := env.newSession(t, "ada")
	env.subscribe(t, s, "thread:T1")
	s.consumer.Start(context.Background())

	require.Eventually(t, func() bool { return s.consumer.State() == ConsumerPolling }, waitFor, tick)

	start := time.Now()
	s.consumer.Stop()
	<-s.consumer.Done()

	// Bounded by the in-flight block, capped at 50ms in these tests.
	assert.Less(t, time.Since(start), time.Second)
}

func TestConsumerStateString(t *testing.T) {
	assert.Equal(t, "polling", ConsumerPolling.String())
	assert.Equal(t, "ConsumerState(9)", ConsumerState(9).String())
}
