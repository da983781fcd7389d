package persist

import (
	"context"
	"sync"

	"github.com/procbus/procbus/pkg/procbus/event"
)

// MemoryStorage is an in-memory event store for testing and
// single-process use. Data is lost when the process exits.
type MemoryStorage struct {
	mu            sync.RWMutex
	events        []*event.Event
	byCorrelation map[string][]*event.Event
	closed        bool
}

// Compile-time interface check.
var _ Storage = (*MemoryStorage)(nil)

// NewMemoryStorage creates an empty in-memory event store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		byCorrelation: make(map[string][]*event.Event),
	}
}

// SaveEvent implements Storage.
func (m *MemoryStorage) SaveEvent(_ context.Context, evt *event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	// Store a copy so later metadata additions don't mutate history.
	stored := evt.Clone()
	m.events = append(m.events, stored)
	if id := stored.CorrelationID(); id != "" {
		m.byCorrelation[id] = append(m.byCorrelation[id], stored)
	}
	return nil
}

// GetEvents implements Storage.
func (m *MemoryStorage) GetEvents(_ context.Context, filter Filter) ([]*event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	results := make([]*event.Event, 0)
	for _, evt := range m.events {
		if !filter.matches(evt) {
			continue
		}
		results = append(results, evt.Clone())
		if filter.Limit > 0 && len(results) >= filter.Limit {
			break
		}
	}
	return results, nil
}

// GetEventsByCorrelationID implements Storage.
func (m *MemoryStorage) GetEventsByCorrelationID(_ context.Context, correlationID string) ([]*event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	group := m.byCorrelation[correlationID]
	results := make([]*event.Event, 0, len(group))
	for _, evt := range group {
		results = append(results, evt.Clone())
	}
	return results, nil
}

// Close implements Storage.
func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.events = nil
	m.byCorrelation = nil
	return nil
}

// Len returns the number of stored events. Useful for testing.
func (m *MemoryStorage) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}
