package audit

import (
	"context"
	"sync"
)

// InMemorySink keeps events in memory. Used by tests and by deployments that
// only need the movement log's own persistence for audit.
type InMemorySink struct {
	mu     sync.RWMutex
	events []Event
}

func NewInMemorySink() *InMemorySink {
	return &InMemorySink{}
}

func (s *InMemorySink) Append(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events returns a copy of everything appended so far.
func (s *InMemorySink) Events() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Event{}, s.events...)
}

// ListByBody filters events for one body id.
func (s *InMemorySink) ListByBody(bodyID string) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, e := range s.events {
		if e.BodyID == bodyID {
			out = append(out, e)
		}
	}
	return out
}
