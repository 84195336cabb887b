package event

import (
	"context"
	"sync"
)

// MemorySink collects events in memory; used by tests and local mode.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// NewMemorySink creates an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Publish appends the event.
func (s *MemorySink) Publish(ctx context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *event)
	return nil
}

// Events returns a copy of everything published so far.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := make([]Event, len(s.events))
	copy(ret, s.events)
	return ret
}

var _ Sink = (*MemorySink)(nil)
