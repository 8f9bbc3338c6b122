package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webitel/im-realtime-service/internal/domain/model"
)

type published struct {
	key string
	env model.Envelope
}

type recordingPublisher struct {
	mu       sync.Mutex
	got      []published
	failures int
}

func (p *recordingPublisher) Publish(_ context.Context, key string, env model.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return errors.New("redis down")
	}
	p.got = append(p.got, published{key: key, env: env})
	return nil
}

func (p *recordingPublisher) snapshot() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.got...)
}

type channelSubscribers struct{ ch *gochannel.GoChannel }

func (f channelSubscribers) Build(string, string) (message.Subscriber, error) { return f.ch, nil }

type testPipeline struct {
	ch     *gochannel.GoChannel
	pub    *recordingPublisher
	poison <-chan *message.Message
}

func startPipeline(t *testing.T, pub *recordingPublisher) *testPipeline {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	wlogger := watermill.NewSlogLogger(logger)

	ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, wlogger)

	poison, err := ch.Subscribe(context.Background(), IngressPoisonTopic)
	require.NoError(t, err)

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: time.Second}, wlogger)
	require.NoError(t, err)

	pipeline := DefaultPipeline()
	pipeline.Retry = RetryPolicy{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}

	ingress := NewIngress(pub, logger, pipeline, "")
	require.NoError(t, ingress.RegisterHandlers(router, channelSubscribers{ch}, ch))

	go func() { _ = router.Run(context.Background()) }()
	select {
	case <-router.Running():
	case <-time.After(2 * time.Second):
		t.Fatal("router did not start")
	}

	t.Cleanup(func() {
		_ = router.Close()
		_ = ch.Close()
	})

	return &testPipeline{ch: ch, pub: pub, poison: poison}
}

func (p *testPipeline) send(t *testing.T, topic string, body any, meta map[string]string) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	msg := message.NewMessage(watermill.NewUUID(), raw)
	for k, v := range meta {
		msg.Metadata.Set(k, v)
	}
	require.NoError(t, p.ch.Publish(topic, msg))
}

func TestStreamPublishIsRepublished(t *testing.T) {
	p := startPipeline(t, &recordingPublisher{})
	sender := &model.Identity{ID: uuid.New(), Name: "billing"}

	p.send(t, TopicStreamPublish, StreamPublishV1{
		StreamKey: "dashboard:D1",
		Envelope: model.NewEnvelope("/dashboards/broadcast", "dashboard_updated",
			map[string]int{"v": 2}, model.AllButSender, sender),
	}, nil)

	require.Eventually(t, func() bool { return len(p.pub.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)

	got := p.pub.snapshot()[0]
	assert.Equal(t, "dashboard:D1", got.key)
	assert.Equal(t, model.Event("dashboard_updated"), got.env.Event)
	assert.Equal(t, model.AllButSender, got.env.SendMethod)
	assert.Equal(t, sender, got.env.SentBy)
	assert.JSONEq(t, `{"v":2}`, string(got.env.Payload))
}

func TestMalformedMessagesAreDropped(t *testing.T) {
	p := startPipeline(t, &recordingPublisher{})

	require.NoError(t, p.ch.Publish(TopicStreamPublish, message.NewMessage(watermill.NewUUID(), []byte("{nope"))))
	p.send(t, TopicStreamPublish, StreamPublishV1{Envelope: model.Envelope{Event: "x"}}, nil)
	p.send(t, TopicStreamPublish, StreamPublishV1{
		StreamKey: "thread:T1",
		Envelope:  model.Envelope{Event: "x", SendMethod: "Nobody"},
	}, nil)
	p.send(t, TopicStreamPublish, StreamPublishV1{
		StreamKey: "thread:T1",
		Envelope:  model.Envelope{Event: "ok"},
	}, nil)

	require.Eventually(t, func() bool { return len(p.pub.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)

	got := p.pub.snapshot()[0]
	assert.Equal(t, model.Event("ok"), got.env.Event)
	assert.Equal(t, model.All, got.env.SendMethod)
	assert.Equal(t, "null", string(got.env.Payload))

	select {
	case msg := <-p.poison:
		t.Fatalf("malformed message reached the poison queue: %s", msg.UUID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTransientFailureIsRetried(t *testing.T) {
	p := startPipeline(t, &recordingPublisher{failures: 1})

	p.send(t, TopicStreamPublish, StreamPublishV1{
		StreamKey: "collection:C1",
		Envelope:  model.Envelope{Event: "collection_updated"},
	}, nil)

	require.Eventually(t, func() bool { return len(p.pub.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestExhaustedRetriesGoToPoisonQueue(t *testing.T) {
	p := startPipeline(t, &recordingPublisher{failures: 100})

	p.send(t, TopicStreamPublish, StreamPublishV1{
		StreamKey: "collection:C1",
		Envelope:  model.Envelope{Event: "collection_updated"},
	}, nil)

	select {
	case msg := <-p.poison:
		msg.Ack()
		assert.NotEmpty(t, msg.Metadata.Get("trace_id"))
	case <-time.After(2 * time.Second):
		t.Fatal("message was not moved to the poison queue")
	}
}

func TestUserNotifyTargetsPersonalStream(t *testing.T) {
	p := startPipeline(t, &recordingPublisher{})
	fromBody := uuid.New()
	fromKey := uuid.New()

	p.send(t, TopicUserNotify, UserNotifyV1{UserID: fromBody, Event: "quota_exceeded"}, nil)
	p.send(t, TopicUserNotify, UserNotifyV1{Event: "password_expiring"},
		map[string]string{"x-routing-key": "realtime.1." + fromKey.String() + ".user.notify.v1"})
	p.send(t, TopicUserNotify, UserNotifyV1{Event: "orphan"}, nil)

	require.Eventually(t, func() bool { return len(p.pub.snapshot()) == 2 }, 2*time.Second, 5*time.Millisecond)

	keys := map[string]model.Event{}
	for _, got := range p.pub.snapshot() {
		keys[got.key] = got.env.Event
		assert.Nil(t, got.env.SentBy)
	}
	assert.Equal(t, map[string]model.Event{
		fromBody.String(): "quota_exceeded",
		fromKey.String():  "password_expiring",
	}, keys)
}

func TestResolveUserID(t *testing.T) {
	id := uuid.New()

	got, ok := resolveUserID("realtime.7." + id.String() + ".user.notify.v1")
	require.True(t, ok)
	assert.Equal(t, id, got)

	_, ok = resolveUserID("realtime.7.user.notify.v1")
	assert.False(t, ok)
}
