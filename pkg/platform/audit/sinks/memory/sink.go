// Package memory keeps audit events in process. Used by tests and local runs.
package memory

import (
	"context"
	"sync"

	"relay/pkg/platform/audit"
)

type Sink struct {
	mu     sync.RWMutex
	name   string
	events []audit.Event
}

func New(name string) *Sink {
	if name == "" {
		name = "memory"
	}
	return &Sink{name: name}
}

func (s *Sink) Name() string {
	return s.name
}

func (s *Sink) Send(_ context.Context, event audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events returns a snapshot of everything received, in arrival order.
func (s *Sink) Events() []audit.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]audit.Event, len(s.events))
	copy(out, s.events)
	return out
}

// ByEntity filters events for one entity id.
func (s *Sink) ByEntity(entityID string) []audit.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []audit.Event
	for _, e := range s.events {
		if e.EntityID == entityID {
			out = append(out, e)
		}
	}
	return out
}

func (s *Sink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
