// Package persist wraps the event bus with durable storage, replay,
// correlation lookup, and router-based fan-out.
package persist

import (
	"context"
	"errors"

	"github.com/procbus/procbus/pkg/procbus/event"
)

// Sentinel errors for persistence operations.
var (
	// ErrReplayInProgress indicates a replay is already running.
	// The caller must retry later; replays are never queued.
	ErrReplayInProgress = errors.New("persist: replay already in progress")

	// ErrPersistenceNotEnabled indicates a storage-backed operation was
	// attempted while persistence is disabled.
	ErrPersistenceNotEnabled = errors.New("persist: persistence not enabled")

	// ErrStorageClosed indicates the storage backend has been closed.
	ErrStorageClosed = errors.New("persist: storage closed")
)

// Filter selects stored events. Zero values mean "no constraint".
// It is passed opaquely to the storage backend.
type Filter struct {
	// CorrelationID restricts results to one correlation group.
	CorrelationID string `json:"correlationId,omitempty"`

	// Type restricts results to one event type.
	Type string `json:"type,omitempty"`

	// Since is the inclusive lower timestamp bound, epoch milliseconds.
	Since int64 `json:"since,omitempty"`

	// Until is the inclusive upper timestamp bound, epoch milliseconds.
	Until int64 `json:"until,omitempty"`

	// Limit caps the number of results. 0 means unlimited.
	Limit int `json:"limit,omitempty"`
}

// Storage is the durable event store contract.
// Implementations must be safe for concurrent use and must return an
// empty slice (not an error) for filters matching zero events.
type Storage interface {
	// SaveEvent appends an event to the store.
	SaveEvent(ctx context.Context, evt *event.Event) error

	// GetEvents returns events matching the filter. Callers must not
	// rely on the returned order.
	GetEvents(ctx context.Context, filter Filter) ([]*event.Event, error)

	// GetEventsByCorrelationID returns all events in a correlation group.
	GetEventsByCorrelationID(ctx context.Context, correlationID string) ([]*event.Event, error)

	// Close releases any resources (connections, files).
	Close() error
}

// matches reports whether evt satisfies the filter.
// Shared by in-memory filtering; SQL backends filter in the query.
func (f Filter) matches(evt *event.Event) bool {
	if f.CorrelationID != "" && evt.CorrelationID() != f.CorrelationID {
		return false
	}
	if f.Type != "" && evt.Type != f.Type {
		return false
	}
	if f.Since != 0 && evt.Timestamp < f.Since {
		return false
	}
	if f.Until != 0 && evt.Timestamp > f.Until {
		return false
	}
	return true
}
