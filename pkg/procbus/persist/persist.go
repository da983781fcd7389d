package persist

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/procbus/procbus/pkg/procbus/event"
	"github.com/procbus/procbus/pkg/procbus/observability"
)

// Reserved bus channels published by the persistence layer.
// External consumers may subscribe but must not republish on them.
const (
	ChannelReplayStarted   = "replay:started"
	ChannelReplayCompleted = "replay:completed"
)

// Router derives additional channels an event should also be published
// on. Routers must be pure: no side effects, no indefinite blocking.
// A router returning nil contributes nothing.
type Router func(evt *event.Event) []string

// ReplayStarted is the payload of a replay:started event.
type ReplayStarted struct {
	Filter    Filter `json:"filter"`
	Timestamp int64  `json:"timestamp"`
}

// ReplayCompleted is the payload of a replay:completed event.
type ReplayCompleted struct {
	Filter    Filter `json:"filter"`
	Count     int    `json:"count"`
	Timestamp int64  `json:"timestamp"`
}

// System wraps a bus with durable storage, replay, correlation lookup,
// and router fan-out.
//
// Configuration mutations (Enable/Disable, AddEventRouter,
// RemoveEventRouter) are not synchronized against in-flight PersistEvent
// or ReplayEvents calls beyond their own locking; callers that
// reconfigure a live system must serialize those changes themselves.
type System struct {
	bus *event.Bus

	mu      sync.RWMutex
	storage Storage
	enabled bool
	routers []Router

	// replayMu is the single-flight replay guard. TryLock gives
	// acquire-before-work semantics and the deferred Unlock guarantees
	// release on every exit path.
	replayMu sync.Mutex

	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager
}

// SystemOption configures a System.
type SystemOption func(*System)

// WithLogger sets the structured logger. Nil disables logging.
func WithLogger(logger *slog.Logger) SystemOption {
	return func(s *System) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) SystemOption {
	return func(s *System) {
		s.metrics = m
	}
}

// WithSpans sets the trace span manager.
func WithSpans(sm observability.SpanManager) SystemOption {
	return func(s *System) {
		s.spans = sm
	}
}

// NewSystem creates a persistence system over the given bus.
// Persistence starts disabled; call EnablePersistence with a storage
// backend to begin recording events.
func NewSystem(bus *event.Bus, opts ...SystemOption) *System {
	s := &System{
		bus:     bus,
		metrics: observability.NoopMetrics{},
		spans:   observability.NoopSpanManager{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnablePersistence attaches a storage backend and opens the gate.
func (s *System) EnablePersistence(storage Storage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storage = storage
	s.enabled = true
}

// DisablePersistence closes the gate. The storage handle is retained so
// persistence can be re-enabled without reconfiguring.
func (s *System) DisablePersistence() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = false
}

// Enabled reports whether events are currently being recorded.
func (s *System) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled
}

// AddEventRouter registers a fan-out router. Routers run in registration
// order on every persisted event.
func (s *System) AddEventRouter(r Router) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routers = append(s.routers, r)
}

// RemoveEventRouter removes a previously registered router.
// Removing a router that is not present is a no-op.
func (s *System) RemoveEventRouter(r Router) {
	target := reflect.ValueOf(r).Pointer()

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, registered := range s.routers {
		if reflect.ValueOf(registered).Pointer() == target {
			s.routers = append(s.routers[:i:i], s.routers[i+1:]...)
			return
		}
	}
}

// PersistEvent durably records evt and fans it out to any channels the
// registered routers derive for it.
//
// While persistence is disabled this is a no-op. Missing id and
// timestamp fields are populated before the write; caller-supplied
// values are never overwritten. Storage and router failures propagate
// to the caller unmodified.
func (s *System) PersistEvent(ctx context.Context, evt *event.Event) error {
	s.mu.RLock()
	enabled := s.enabled
	storage := s.storage
	routers := make([]Router, len(s.routers))
	copy(routers, s.routers)
	s.mu.RUnlock()

	if !enabled {
		return nil
	}

	if evt.Metadata == nil {
		evt.Metadata = make(map[string]any)
	}
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.Timestamp == 0 {
		evt.Timestamp = event.Now()
	}

	if err := storage.SaveEvent(ctx, evt); err != nil {
		return fmt.Errorf("persist event %s: %w", evt.ID, err)
	}
	observability.LogEventPersisted(s.logger, evt.ID, evt.Type)
	s.metrics.RecordEventPersisted(ctx, evt.Type)

	var channels []string
	for _, r := range routers {
		channels = append(channels, r(evt)...)
	}
	for _, channel := range channels {
		routed := evt.Clone()
		routed.ID = uuid.New().String()
		routed.Type = channel
		routed.Metadata[event.MetaRoutedFrom] = evt.Type

		observability.LogFanOut(s.logger, evt.ID, evt.Type, channel)
		if err := s.bus.Publish(ctx, routed); err != nil {
			return err
		}
	}
	return nil
}

// ReplayEvents republishes stored events matching the filter on their
// original channels, in ascending timestamp order, tagged as historical.
//
// Replay is single-flight: if one is already running the call fails
// immediately with ErrReplayInProgress and performs no work. The guard
// is released on every exit path, success or failure, so a transient
// storage error never wedges the system.
//
// Returns the number of events replayed.
func (s *System) ReplayEvents(ctx context.Context, filter Filter) (int, error) {
	if !s.replayMu.TryLock() {
		return 0, ErrReplayInProgress
	}
	defer s.replayMu.Unlock()

	// Replay reads history; it needs a storage handle but not the
	// persistence gate, so events can be replayed after recording stops.
	s.mu.RLock()
	storage := s.storage
	s.mu.RUnlock()
	if storage == nil {
		return 0, ErrPersistenceNotEnabled
	}

	ctx, span := s.spans.StartReplaySpan(ctx)
	start := time.Now()
	observability.LogReplayStarted(s.logger)

	count, err := s.replay(ctx, storage, filter)
	elapsed := time.Since(start)
	s.metrics.RecordReplay(ctx, count, elapsed, err)
	s.spans.EndSpanWithError(span, err)
	if err != nil {
		observability.LogReplayError(s.logger, err, float64(elapsed.Milliseconds()))
		return count, err
	}

	observability.LogReplayCompleted(s.logger, count, float64(elapsed.Milliseconds()))
	return count, nil
}

func (s *System) replay(ctx context.Context, storage Storage, filter Filter) (int, error) {
	started := event.New(ChannelReplayStarted, ReplayStarted{
		Filter:    filter,
		Timestamp: event.Now(),
	})
	if err := s.bus.Publish(ctx, started); err != nil {
		return 0, err
	}

	events, err := storage.GetEvents(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("replay: fetch events: %w", err)
	}

	// Storage order is not trusted.
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp < events[j].Timestamp
	})

	for i, stored := range events {
		replayed := stored.Clone()
		if replayed.Metadata == nil {
			replayed.Metadata = make(map[string]any)
		}
		replayed.Metadata[event.MetaIsReplay] = true
		replayed.Metadata[event.MetaOriginalTimestamp] = stored.Timestamp

		if err := s.bus.Publish(ctx, replayed); err != nil {
			return i, err
		}
	}

	completed := event.New(ChannelReplayCompleted, ReplayCompleted{
		Filter:    filter,
		Count:     len(events),
		Timestamp: event.Now(),
	})
	if err := s.bus.Publish(ctx, completed); err != nil {
		return len(events), err
	}
	return len(events), nil
}

// CorrelateEvents returns all stored events sharing a correlation ID.
// Fails with ErrPersistenceNotEnabled while persistence is disabled.
func (s *System) CorrelateEvents(ctx context.Context, correlationID string) ([]*event.Event, error) {
	s.mu.RLock()
	enabled := s.enabled
	storage := s.storage
	s.mu.RUnlock()

	if !enabled || storage == nil {
		return nil, ErrPersistenceNotEnabled
	}
	return storage.GetEventsByCorrelationID(ctx, correlationID)
}
