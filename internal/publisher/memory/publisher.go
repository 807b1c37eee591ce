// Package memory provides an in-memory completion-event publisher for
// development and tests.
package memory

import (
	"context"
	"sync"

	"github.com/creatorlift/engagement-ingest/internal/ingest"
)

// Publisher records published events in memory.
type Publisher struct {
	mu     sync.RWMutex
	events []ingest.CompletionEvent
}

// New creates a Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish appends the event to the in-memory log.
func (p *Publisher) Publish(_ context.Context, event ingest.CompletionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

// Events returns a copy of everything published so far.
func (p *Publisher) Events() []ingest.CompletionEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]ingest.CompletionEvent, len(p.events))
	copy(out, p.events)
	return out
}
