package registry

import (
	"github.com/google/uuid"
)

// [CONNECTOR] THE VIEW OF A LIVE SESSION THE HUB NEEDS
// The transport layer owns the concrete type; the hub only tracks it.
type Connector interface {
	GetID() uuid.UUID
	GetUserID() uuid.UUID
	// Done is closed once the session reached its terminal state.
	Done() <-chan struct{}
}
