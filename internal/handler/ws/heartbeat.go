package ws

import (
	"log/slog"
	"sync"
	"time"
)

// heartbeat pings the peer every interval. Each ping that finds no other ping
// outstanding arms a deadline of timeout; a pong disarms it, and an expired
// deadline fires Timeout.
type heartbeat struct {
	sink     *Sink
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	pongCh    chan struct{}
	timeoutCh chan struct{}
	stopCh    chan struct{}
	stopOnce  sync.Once
	doneCh    chan struct{}
}

func newHeartbeat(sink *Sink, interval, timeout time.Duration, logger *slog.Logger) *heartbeat {
	return &heartbeat{
		sink:      sink,
		interval:  interval,
		timeout:   timeout,
		logger:    logger,
		pongCh:    make(chan struct{}, 1),
		timeoutCh: make(chan struct{}),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Pong records a pong from the peer. Never blocks.
func (hb *heartbeat) Pong() {
	select {
	case hb.pongCh <- struct{}{}:
	default:
	}
}

// Timeout is closed when the peer left a ping unanswered for timeout.
func (hb *heartbeat) Timeout() <-chan struct{} { return hb.timeoutCh }

func (hb *heartbeat) Done() <-chan struct{} { return hb.doneCh }

func (hb *heartbeat) Start() {
	go hb.run()
}

func (hb *heartbeat) Stop() {
	hb.stopOnce.Do(func() { close(hb.stopCh) })
}

func (hb *heartbeat) run() {
	defer close(hb.doneCh)

	ticker := time.NewTicker(hb.interval)
	defer ticker.Stop()

	deadline := time.NewTimer(hb.timeout)
	deadline.Stop()
	defer deadline.Stop()

	var sentAt time.Time
	awaiting := false

	for {
		select {
		case <-hb.stopCh:
			return

		case <-hb.pongCh:
			if awaiting {
				deadline.Stop()
				awaiting = false
				hb.logger.Debug("PONG_RECEIVED", "rtt_ms", time.Since(sentAt).Milliseconds())
			}

		case <-ticker.C:
			if err := hb.sink.Ping(); err != nil {
				// A dead socket surfaces through the reader; the deadline still runs.
				hb.logger.Debug("PING_WRITE_FAILED", "err", err)
			}
			if !awaiting {
				sentAt = time.Now()
				deadline.Reset(hb.timeout)
				awaiting = true
			}

		case <-deadline.C:
			// [PONG_RACE] A pong queued alongside the deadline still counts.
			select {
			case <-hb.pongCh:
				awaiting = false
				continue
			default:
			}

			hb.logger.Info("PING_TIMEOUT", "since_ping_ms", time.Since(sentAt).Milliseconds())
			close(hb.timeoutCh)
			return
		}
	}
}
