package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/procbus/procbus/pkg/procbus/event"
	"github.com/procbus/procbus/pkg/procbus/extension"
	"github.com/procbus/procbus/pkg/procbus/observability"
)

// ChannelTransitioned is the reserved bus channel for transition events.
// External consumers may subscribe but must not republish on it.
const ChannelTransitioned = "process:transitioned"

// Extension points executed around transitions.
const (
	PointBeforeTransition = "beforeTransition"
	PointAfterTransition  = "afterTransition"
)

// Hook context keys for the transition extension points.
const (
	HookKeyInstance   = "instance"
	HookKeyTransition = "transition"
	HookKeyCancel     = "cancel"
)

// Sentinel errors for machine operations.
var (
	// ErrProcessNotFound indicates an unknown process definition ID.
	ErrProcessNotFound = errors.New("process: definition not found")

	// ErrProcessExists indicates a definition ID is already registered.
	ErrProcessExists = errors.New("process: definition already registered")

	// ErrInstanceNotFound indicates an unknown instance ID.
	ErrInstanceNotFound = errors.New("process: instance not found")

	// ErrNoMatchingTransition indicates no transition matches the
	// instance's current state and the given event. The instance is
	// left unchanged.
	ErrNoMatchingTransition = errors.New("process: no matching transition")

	// ErrTransitionCancelled indicates a beforeTransition hook aborted
	// the transition. The instance is left unchanged.
	ErrTransitionCancelled = errors.New("process: transition cancelled")
)

// TransitionPayload is the payload of a process:transitioned event.
type TransitionPayload struct {
	ProcessID  string `json:"processId"`
	InstanceID string `json:"instanceId"`
	From       string `json:"from"`
	To         string `json:"to"`
	On         string `json:"on"`
}

// Machine holds process definitions and live instances, validates
// transitions, runs lifecycle hooks around them, and publishes
// transition events through the bus.
type Machine struct {
	mu          sync.RWMutex
	definitions map[string]*Definition
	instances   map[string]*Instance

	bus      *event.Bus
	pipeline *extension.Pipeline
	logger   *slog.Logger
	metrics  observability.MetricsRecorder
	spans    observability.SpanManager
	now      func() time.Time
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithLogger sets the structured logger. Nil disables logging.
func WithLogger(logger *slog.Logger) MachineOption {
	return func(m *Machine) {
		m.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(rec observability.MetricsRecorder) MachineOption {
	return func(m *Machine) {
		m.metrics = rec
	}
}

// WithSpans sets the trace span manager.
func WithSpans(sm observability.SpanManager) MachineOption {
	return func(m *Machine) {
		m.spans = sm
	}
}

// WithClock overrides the time source. Useful for testing.
func WithClock(now func() time.Time) MachineOption {
	return func(m *Machine) {
		m.now = now
	}
}

// NewMachine creates a machine publishing on bus and running hooks
// through pipeline. The transition extension points are declared here so
// extensions can attach hooks immediately.
func NewMachine(bus *event.Bus, pipeline *extension.Pipeline, opts ...MachineOption) *Machine {
	m := &Machine{
		definitions: make(map[string]*Definition),
		instances:   make(map[string]*Instance),
		bus:         bus,
		pipeline:    pipeline,
		metrics:     observability.NoopMetrics{},
		spans:       observability.NoopSpanManager{},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	pipeline.RegisterPoint(extension.Point{
		Name:        PointBeforeTransition,
		Description: "runs before a transition is applied; cancel: true aborts it",
	})
	pipeline.RegisterPoint(extension.Point{
		Name:        PointAfterTransition,
		Description: "runs after a transition event has been published",
	})
	return m
}

// RegisterProcess validates and stores a definition.
func (m *Machine) RegisterProcess(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.definitions[def.ID]; exists {
		return fmt.Errorf("%w: %s", ErrProcessExists, def.ID)
	}
	m.definitions[def.ID] = def
	return nil
}

// Definition returns a registered definition by ID.
func (m *Machine) Definition(processID string) (*Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.definitions[processID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProcessNotFound, processID)
	}
	return def, nil
}

// CreateInstance instantiates a registered process. The instance starts
// in the definition's initial state with the given context (may be nil).
func (m *Machine) CreateInstance(processID string, instanceCtx map[string]any) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	def, ok := m.definitions[processID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProcessNotFound, processID)
	}

	if instanceCtx == nil {
		instanceCtx = make(map[string]any)
	}
	now := m.now()
	inst := &Instance{
		ID:           uuid.New().String(),
		ProcessID:    processID,
		CurrentState: def.InitialState,
		Context:      instanceCtx,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.instances[inst.ID] = inst
	return inst, nil
}

// Instance returns a snapshot of an instance by ID.
func (m *Machine) Instance(instanceID string) (Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[instanceID]
	if !ok {
		return Instance{}, fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}
	return inst.Snapshot(), nil
}

// Trigger applies event on to an instance.
//
// The first transition (in declaration order) matching the instance's
// current state and on is selected. The beforeTransition point runs with
// a snapshot of the instance and the chosen transition; a hook patch of
// cancel: true aborts with ErrTransitionCancelled. On success the
// instance state and UpdatedAt are mutated and a process:transitioned
// event is published; the result describes the applied transition.
//
// If no transition matches, Trigger fails with ErrNoMatchingTransition
// and the instance is left unchanged — no partial mutation.
func (m *Machine) Trigger(ctx context.Context, instanceID, on string) (*TransitionPayload, error) {
	start := time.Now()
	result, err := m.trigger(ctx, instanceID, on)

	processID := ""
	if result != nil {
		processID = result.ProcessID
	}
	m.metrics.RecordTransition(ctx, processID, time.Since(start), err)
	return result, err
}

func (m *Machine) trigger(ctx context.Context, instanceID, on string) (*TransitionPayload, error) {
	m.mu.RLock()
	inst, ok := m.instances[instanceID]
	if !ok {
		m.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}
	def := m.definitions[inst.ProcessID]
	snapshot := inst.Snapshot()
	m.mu.RUnlock()

	if def == nil {
		return nil, fmt.Errorf("%w: %s", ErrProcessNotFound, inst.ProcessID)
	}

	tctx, span := m.spans.StartTransitionSpan(ctx, inst.ProcessID, instanceID)

	transition, found := def.Match(snapshot.CurrentState, on)
	if !found {
		err := fmt.Errorf("%w: state %q, event %q", ErrNoMatchingTransition, snapshot.CurrentState, on)
		observability.LogTransitionRejected(m.logger, instanceID, snapshot.CurrentState, on, err)
		m.spans.EndSpanWithError(span, err)
		return nil, err
	}

	hookCtx := extension.Context{
		HookKeyInstance:   snapshot,
		HookKeyTransition: transition,
	}
	merged, err := m.pipeline.Execute(tctx, PointBeforeTransition, hookCtx)
	if err != nil {
		m.spans.EndSpanWithError(span, err)
		return nil, err
	}
	if cancelled, _ := merged[HookKeyCancel].(bool); cancelled {
		err := fmt.Errorf("%w: state %q, event %q", ErrTransitionCancelled, snapshot.CurrentState, on)
		observability.LogTransitionRejected(m.logger, instanceID, snapshot.CurrentState, on, err)
		m.spans.EndSpanWithError(span, err)
		return nil, err
	}

	m.mu.Lock()
	// Re-check under the write lock; a concurrent Trigger may have moved
	// the instance since the snapshot was taken.
	if inst.CurrentState != transition.From {
		m.mu.Unlock()
		err := fmt.Errorf("%w: state %q, event %q", ErrNoMatchingTransition, inst.CurrentState, on)
		m.spans.EndSpanWithError(span, err)
		return nil, err
	}
	inst.CurrentState = transition.To
	inst.UpdatedAt = m.now()
	after := inst.Snapshot()
	m.mu.Unlock()

	payload := &TransitionPayload{
		ProcessID:  inst.ProcessID,
		InstanceID: instanceID,
		From:       transition.From,
		To:         transition.To,
		On:         on,
	}
	observability.LogTransition(m.logger, instanceID, payload.From, payload.To, on)

	evt := event.New(ChannelTransitioned, *payload, event.WithCorrelationID(instanceID))
	if err := m.bus.Publish(tctx, evt); err != nil {
		m.spans.EndSpanWithError(span, err)
		return payload, err
	}

	if _, err := m.pipeline.Execute(tctx, PointAfterTransition, extension.Context{
		HookKeyInstance:   after,
		HookKeyTransition: transition,
	}); err != nil {
		m.spans.EndSpanWithError(span, err)
		return payload, err
	}

	m.spans.EndSpanWithError(span, nil)
	return payload, nil
}
