/*
Package registry tracks what is live in the process.

  - Subscriptions: the per-connection set of stream keys the consumer reads from.
  - Hub: every live WebSocket session grouped per user in a Cell. The hub owns
    the process-wide shutdown context each session watches, so a single
    Shutdown call drains all of them.
*/
package registry

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

// ErrHubClosed is returned by Register once shutdown has begun.
var ErrHubClosed = errors.New("registry: hub is shutting down")

// Hubber defines the gateway for session bookkeeping.
type Hubber interface {
	Register(conn Connector) error
	Unregister(userID, connID uuid.UUID)
	IsConnected(userID uuid.UUID) bool
	Context() context.Context
	Stats() model.HubStats
	Shutdown(ctx context.Context) error
}

// Hub implements a [SCALABLE_REGISTRY] using the Virtual Cell pattern.
type Hub struct {
	// cells stores Map[uuid.UUID]*Cell. Optimized for [READ_HEAVY] workloads.
	cells sync.Map

	// mu serializes cell creation and removal against Register/Unregister.
	mu sync.Mutex

	parent   context.Context
	ctx      context.Context
	cancel   context.CancelFunc
	draining atomic.Bool

	startedAt time.Time
	logger    *slog.Logger
}

var _ Hubber = (*Hub)(nil)

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		parent:    context.Background(),
		startedAt: time.Now(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.ctx, h.cancel = context.WithCancel(h.parent)
	return h
}

// Context is cancelled when the hub starts shutting down.
func (h *Hub) Context() context.Context {
	return h.ctx
}

func (h *Hub) IsConnected(userID uuid.UUID) bool {
	val, ok := h.cells.Load(userID)
	return ok && val.(*Cell).Len() > 0
}

// Register attaches a session to its user's cell.
// The draining check shares h.mu with Shutdown, so a session either lands
// before the pending snapshot or is refused.
func (h *Hub) Register(conn Connector) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.draining.Load() {
		return ErrHubClosed
	}

	uID := conn.GetUserID()
	// [LAZY_INIT] Create cell only when the first session arrives.
	val, _ := h.cells.LoadOrStore(uID, NewCell(uID))
	val.(*Cell).Attach(conn)
	return nil
}

// Unregister performs [GRACEFUL_RECLAMATION] when a session ends.
func (h *Hub) Unregister(userID, connID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if val, ok := h.cells.Load(userID); ok {
		cell := val.(*Cell)
		if cell.Detach(connID) {
			h.cells.Delete(userID)
			h.logger.Debug("HUB_CELL_RELEASED",
				"user_id", cell.UserID(),
				"online_ms", cell.Online().Milliseconds(),
			)
		}
	}
}

func (h *Hub) Stats() model.HubStats {
	stats := model.HubStats{
		Uptime:   time.Since(h.startedAt),
		Draining: h.draining.Load(),
	}
	h.cells.Range(func(_, val any) bool {
		cell := val.(*Cell)
		if n := cell.Len(); n > 0 {
			stats.TotalUsers++
			stats.TotalSessions += n
			stats.LongestOnline = max(stats.LongestOnline, cell.Online())
		}
		return true
	})
	return stats
}

// Shutdown cancels the hub context and waits until every registered session
// has drained or ctx expires.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if !h.draining.CompareAndSwap(false, true) {
		h.mu.Unlock()
		return nil
	}
	h.cancel()

	var pending []Connector
	h.cells.Range(func(_, val any) bool {
		pending = append(pending, val.(*Cell).Sessions()...)
		return true
	})
	h.mu.Unlock()

	stats := h.Stats()
	h.logger.Info("HUB_SHUTDOWN_STARTED",
		"users", stats.TotalUsers,
		"sessions", stats.TotalSessions,
	)

	for _, conn := range pending {
		select {
		case <-conn.Done():
		case <-ctx.Done():
			return fmt.Errorf("hub shutdown: %d sessions still draining: %w", h.Stats().TotalSessions, ctx.Err())
		}
	}

	h.logger.Info("HUB_SHUTDOWN_COMPLETED", "sessions", len(pending))
	return nil
}
