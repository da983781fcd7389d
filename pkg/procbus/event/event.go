// Package event provides the event bus and event envelope used by procbus.
//
// Events are plain envelopes: an ID, a type (which doubles as the bus
// channel), an opaque payload, an epoch-millisecond timestamp, and a
// free-form metadata map. The persistence layer adds metadata keys
// (isReplay, originalTimestamp, routedFrom) but never rewrites the
// caller-supplied identity fields.
package event

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// Metadata keys written by the persistence and replay machinery.
// External consumers may read them; they should not set isReplay or
// routedFrom themselves.
const (
	MetaCorrelationID     = "correlationId"
	MetaIsReplay          = "isReplay"
	MetaOriginalTimestamp = "originalTimestamp"
	MetaRoutedFrom        = "routedFrom"
)

// Event is the wire envelope published on the bus.
//
// Timestamp is epoch milliseconds. Metadata may be nil; the persistence
// layer ensures it exists before storing an event.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Payload   any            `json:"payload"`
	Timestamp int64          `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Option configures event creation.
type Option func(*Event)

// WithID sets a specific event ID (default: auto-generated UUID).
func WithID(id string) Option {
	return func(e *Event) {
		e.ID = id
	}
}

// WithTimestamp sets a specific timestamp in epoch milliseconds
// (default: time.Now).
func WithTimestamp(ms int64) Option {
	return func(e *Event) {
		e.Timestamp = ms
	}
}

// WithCorrelationID sets the correlation ID metadata key.
func WithCorrelationID(id string) Option {
	return func(e *Event) {
		if e.Metadata == nil {
			e.Metadata = make(map[string]any)
		}
		e.Metadata[MetaCorrelationID] = id
	}
}

// WithMetadata merges the given keys into the event's metadata.
func WithMetadata(meta map[string]any) Option {
	return func(e *Event) {
		if e.Metadata == nil {
			e.Metadata = make(map[string]any, len(meta))
		}
		maps.Copy(e.Metadata, meta)
	}
}

// New creates an event of the given type carrying payload.
// The type is also the channel the event is published on.
func New(eventType string, payload any, opts ...Option) *Event {
	e := &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Now returns the current time as epoch milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}

// CorrelationID returns the correlation ID metadata value, or "" if unset.
func (e *Event) CorrelationID() string {
	if e.Metadata == nil {
		return ""
	}
	if id, ok := e.Metadata[MetaCorrelationID].(string); ok {
		return id
	}
	return ""
}

// IsReplay reports whether the event carries the replay marker.
func (e *Event) IsReplay() bool {
	if e.Metadata == nil {
		return false
	}
	replay, ok := e.Metadata[MetaIsReplay].(bool)
	return ok && replay
}

// RoutedFrom returns the original type of a fanned-out event, or "" if
// the event was not produced by router fan-out.
func (e *Event) RoutedFrom() string {
	if e.Metadata == nil {
		return ""
	}
	if from, ok := e.Metadata[MetaRoutedFrom].(string); ok {
		return from
	}
	return ""
}

// Clone returns a copy of the event with its own metadata map.
// The payload is shared; events are treated as immutable after publish.
func (e *Event) Clone() *Event {
	dup := *e
	if e.Metadata != nil {
		dup.Metadata = make(map[string]any, len(e.Metadata))
		maps.Copy(dup.Metadata, e.Metadata)
	}
	return &dup
}
