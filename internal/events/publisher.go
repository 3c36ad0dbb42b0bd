// Package events defines the domain events the service emits after state
// mutations are applied, and the publisher implementations that deliver them.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Event names emitted by the service.
const (
	LicenseIssued    = "license.issued"
	LicenseRevoked   = "license.revoked"
	KeyRotated       = "key.rotated"
	PackageCompleted = "package.completed"
)

// Event is a domain event published to the audit/observability collaborator.
type Event struct {
	Name      string         `json:"name"`
	ContentID string         `json:"content_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	At        time.Time      `json:"at"`
}

// Publisher delivers domain events. Publish is called only after the
// underlying mutation has been applied, never optimistically before.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// LogPublisher writes events to the structured log.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a publisher backed by the given logger.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger.With(slog.String("component", "events"))}
}

// Publish implements Publisher.
func (p *LogPublisher) Publish(ctx context.Context, event Event) {
	p.logger.InfoContext(ctx, "domain event",
		slog.String("event", event.Name),
		slog.String("content_id", event.ContentID),
		slog.Any("payload", event.Payload),
		slog.Time("at", event.At),
	)
}

// MemoryPublisher records events in memory for tests.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryPublisher creates an empty in-memory publisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// Publish implements Publisher.
func (p *MemoryPublisher) Publish(_ context.Context, event Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

// Events returns a copy of everything published so far.
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// Named returns the published events matching the given name.
func (p *MemoryPublisher) Named(name string) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Event
	for _, e := range p.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}
