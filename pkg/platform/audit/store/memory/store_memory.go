package memory

import (
	"context"
	"sync"

	audit "halalledger/pkg/platform/audit"
)

// InMemoryStore keeps audit events in append order, bounded by capacity.
type InMemoryStore struct {
	mu       sync.RWMutex
	events   []audit.Event
	capacity int
}

const defaultCapacity = 10000

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{capacity: defaultCapacity}
}

func (s *InMemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
}

func (s *InMemoryStore) Append(_ context.Context, event audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	if len(s.events) > s.capacity {
		s.events = append([]audit.Event(nil), s.events[len(s.events)-s.capacity:]...)
	}
	return nil
}

// ListByPrincipal returns events attributed to principal, oldest first.
func (s *InMemoryStore) ListByPrincipal(_ context.Context, principal string) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []audit.Event
	for _, e := range s.events {
		if e.Principal == principal {
			out = append(out, e)
		}
	}
	return out, nil
}

// ListRecent returns the most recent limit events, oldest first.
func (s *InMemoryStore) ListRecent(_ context.Context, limit int) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := len(s.events) - limit
	if start < 0 || limit <= 0 {
		start = 0
	}
	return append([]audit.Event{}, s.events[start:]...), nil
}
