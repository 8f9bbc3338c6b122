package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/im-realtime-service/internal/domain/model"
)

const DefaultReadCount int64 = 250

// ConsumerState is the observable phase of a consumer loop.
type ConsumerState int32

const (
	ConsumerIdle ConsumerState = iota
	ConsumerPolling
	ConsumerDelivering
	ConsumerStopped
)

func (s ConsumerState) String() string {
	switch s {
	case ConsumerIdle:
		return "idle"
	case ConsumerPolling:
		return "polling"
	case ConsumerDelivering:
		return "delivering"
	case ConsumerStopped:
		return "stopped"
	default:
		return fmt.Sprintf("ConsumerState(%d)", int32(s))
	}
}

// StreamReader is the read side of the stream store.
type StreamReader interface {
	ReadGroup(ctx context.Context, group, consumer string, keys []string, count int64, block time.Duration) ([]model.StreamEntry, error)
	Ack(ctx context.Context, key, group string, ids ...string) error
}

// Sink is the outbound side of a connection.
type Sink interface {
	WriteEnvelope(env model.Envelope) error
}

// Healer recreates a consumer group after a failed read.
type Healer interface {
	Resubscribe(ctx context.Context, subs SubscriptionSet, key, groupID string) error
}

// ConsumerConfig holds the long-poll tuning.
type ConsumerConfig struct {
	ReadCount   int64
	MinBlock    time.Duration
	MaxBlock    time.Duration
	BlockFactor float64
}

// DefaultConsumerConfig reproduces the production tuning: 250 entries per
// read, block 5ms..30s growing by 1.5.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		ReadCount:   DefaultReadCount,
		MinBlock:    DefaultMinBlock,
		MaxBlock:    DefaultMaxBlock,
		BlockFactor: DefaultBlockFactor,
	}
}

// ConsumerDeps bundles the collaborators of one consumer.
type ConsumerDeps struct {
	Reader  StreamReader
	Subs    SubscriptionSet
	Healer  Healer
	Decoder EntryDecoder
	Sink    Sink
	Logger  *slog.Logger
}

// healDelay keeps a consumer from spinning while Redis is unreachable.
const healDelay = 250 * time.Millisecond

var errConsumerStopped = errors.New("consumer stopped")

// Consumer is the background fan-out reader of one connection. It long-polls
// every subscribed stream through the connection's consumer group, filters
// entries by delivery policy and writes survivors to the sink.
type Consumer struct {
	deps    ConsumerDeps
	cfg     ConsumerConfig
	group   string
	name    string
	userID  uuid.UUID
	backoff *Backoff

	state    atomic.Int32
	started  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
	err      error
}

// NewConsumer creates a consumer reading as consumer name within group for
// the connection authenticated as userID.
func NewConsumer(deps ConsumerDeps, cfg ConsumerConfig, group, name string, userID uuid.UUID) *Consumer {
	if cfg.ReadCount <= 0 {
		cfg.ReadCount = DefaultReadCount
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	return &Consumer{
		deps:    deps,
		cfg:     cfg,
		group:   group,
		name:    name,
		userID:  userID,
		backoff: NewBackoff(cfg.MinBlock, cfg.MaxBlock, cfg.BlockFactor),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start launches the loop. ctx carries values and tracing only: the loop is
// ended with Stop so the supervisor controls the teardown order.
func (c *Consumer) Start(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}

	go func() {
		defer close(c.doneCh)
		c.err = c.run(context.WithoutCancel(ctx))
		c.setState(ConsumerStopped)
	}()
}

// Stop signals the loop to finish. It returns immediately; wait on Done.
// A consumer stopped before Start never runs.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })

	if c.started.CompareAndSwap(false, true) {
		c.setState(ConsumerStopped)
		close(c.doneCh)
	}
}

// Done is closed when the loop has exited.
func (c *Consumer) Done() <-chan struct{} { return c.doneCh }

// Err is the transport-fatal error that ended the loop, valid after Done.
func (c *Consumer) Err() error {
	<-c.doneCh
	return c.err
}

func (c *Consumer) State() ConsumerState {
	return ConsumerState(c.state.Load())
}

func (c *Consumer) setState(s ConsumerState) {
	c.state.Store(int32(s))
}

func (c *Consumer) run(ctx context.Context) error {
	log := c.deps.Logger.With("group", c.group, "consumer", c.name)
	log.Debug("CONSUMER_STARTED")
	defer log.Debug("CONSUMER_STOPPED")

	for {
		select {
		case <-c.stopCh:
			return nil
		default:
		}

		keys := c.deps.Subs.Snapshot()
		if len(keys) == 0 {
			// [IDLE] Nothing to read: wait one minimum interval without touching Redis.
			c.setState(ConsumerIdle)
			if !c.sleep(c.backoff.Min()) {
				return nil
			}
			continue
		}

		c.setState(ConsumerPolling)
		entries, err := c.read(ctx, keys, c.backoff.Current())
		if errors.Is(err, errConsumerStopped) {
			return nil
		}
		if err != nil {
			// [SELF_HEAL] A missing group or stream surfaces here: recreate every
			// group still subscribed. Keys released during the read stay released.
			log.Warn("CONSUMER_READ_FAILED", "err", err, "streams", len(keys))
			c.heal(ctx, log)
			c.backoff.Reset()
			if !c.sleep(healDelay) {
				return nil
			}
			continue
		}

		if len(entries) == 0 {
			c.backoff.Grow()
			continue
		}
		c.backoff.Reset()

		c.setState(ConsumerDelivering)
		if err := c.deliver(ctx, entries, log); err != nil {
			return err
		}
	}
}

type readResult struct {
	entries []model.StreamEntry
	err     error
}

// read runs one blocking group read raced against Stop. On Stop it still
// waits for the in-flight read so no goroutine outlives the consumer.
func (c *Consumer) read(ctx context.Context, keys []string, block time.Duration) ([]model.StreamEntry, error) {
	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	resCh := make(chan readResult, 1)
	go func() {
		entries, err := c.deps.Reader.ReadGroup(readCtx, c.group, c.name, keys, c.cfg.ReadCount, block)
		resCh <- readResult{entries: entries, err: err}
	}()

	select {
	case res := <-resCh:
		return res.entries, res.err
	case <-c.stopCh:
		cancel()
		<-resCh
		return nil, errConsumerStopped
	}
}

// deliver forwards entries in read order. Undecodable entries are skipped;
// a sink failure ends the consumer.
func (c *Consumer) deliver(ctx context.Context, entries []model.StreamEntry, log *slog.Logger) error {
	acks := make(map[string][]string)
	defer func() {
		for stream, ids := range acks {
			if err := c.deps.Reader.Ack(ctx, stream, c.group, ids...); err != nil {
				log.Warn("CONSUMER_ACK_FAILED", "err", err, "stream", stream, "entries", len(ids))
			}
		}
	}()

	for _, entry := range entries {
		acks[entry.Stream] = append(acks[entry.Stream], entry.ID)

		env, err := c.deps.Decoder.DecodeEntry(entry)
		if err != nil {
			log.Warn("CONSUMER_DECODE_FAILED", "err", err, "stream", entry.Stream, "entry_id", entry.ID)
			continue
		}

		if !env.DeliverTo(c.userID) {
			continue
		}

		if err := c.deps.Sink.WriteEnvelope(env); err != nil {
			return fmt.Errorf("consumer %s: write to sink: %w", c.name, err)
		}
	}
	return nil
}

func (c *Consumer) heal(ctx context.Context, log *slog.Logger) {
	for _, key := range c.deps.Subs.Snapshot() {
		if err := c.deps.Healer.Resubscribe(ctx, c.deps.Subs, key, c.group); err != nil {
			log.Error("CONSUMER_RESUBSCRIBE_FAILED", "err", err, "stream", key)
		}
	}
}

// sleep waits for d and reports false if Stop arrived first.
func (c *Consumer) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-c.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
