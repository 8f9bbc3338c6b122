package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Cell groups every live session of one user (mobile, web, desktop tabs).
type Cell struct {
	// [IDENTITY]
	userID uuid.UUID

	// [SESSIONS]
	sessions map[uuid.UUID]Connector

	// [CONCURRENCY_CONTROL]
	mu sync.RWMutex

	createdAt time.Time
}

func NewCell(userID uuid.UUID) *Cell {
	return &Cell{
		userID:    userID,
		sessions:  make(map[uuid.UUID]Connector),
		createdAt: time.Now(),
	}
}

func (c *Cell) UserID() uuid.UUID { return c.userID }

// Online is the time since the first session of this cell arrived.
func (c *Cell) Online() time.Duration { return time.Since(c.createdAt) }

func (c *Cell) Attach(conn Connector) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[conn.GetID()] = conn
}

// Detach reports whether the cell became empty.
func (c *Cell) Detach(connID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, connID)
	return len(c.sessions) == 0
}

func (c *Cell) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

// Sessions returns a copy safe to range over without the lock.
func (c *Cell) Sessions() []Connector {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Connector, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	return out
}
