// Package memory contains an in-memory event publisher for development and tests.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/bookmark-pipeline/internal/bookmark"
)

// Publisher stores published events for inspection.
type Publisher struct {
	mu     sync.RWMutex
	events []bookmark.Event
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the event.
func (p *Publisher) Publish(_ context.Context, event bookmark.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

// Events returns a copy of the recorded events.
func (p *Publisher) Events() []bookmark.Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]bookmark.Event, len(p.events))
	copy(out, p.events)
	return out
}
