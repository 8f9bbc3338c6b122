package registry

import (
	"sort"
	"sync"
)

// Subscriptions is the set of stream keys one connection is subscribed to.
// Writers are the subscribe and unsubscribe paths; the consumer only reads.
type Subscriptions struct {
	mu   sync.RWMutex
	keys map[string]struct{}
}

func NewSubscriptions() *Subscriptions {
	return &Subscriptions{keys: make(map[string]struct{})}
}

// Add reports whether key was newly added.
func (s *Subscriptions) Add(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[key]; ok {
		return false
	}
	s.keys[key] = struct{}{}
	return true
}

// Remove reports whether key was present.
func (s *Subscriptions) Remove(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[key]; !ok {
		return false
	}
	delete(s.keys, key)
	return true
}

func (s *Subscriptions) Contains(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.keys[key]
	return ok
}

func (s *Subscriptions) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.keys)
}

// Snapshot returns a sorted copy of the keys. Later mutations never show
// through a snapshot already taken.
func (s *Subscriptions) Snapshot() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.keys))
	for k := range s.keys {
		out = append(out, k)
	}
	s.mu.RUnlock()

	sort.Strings(out)
	return out
}
