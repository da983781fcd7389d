// Package procbus wires process state machines, the event bus, the
// persistence system, the extension pipeline, and the task executor
// into one engine.
//
// # Quick Start
//
//	eng, err := procbus.New(
//	    procbus.WithStorage(persist.NewMemoryStorage()),
//	)
//	if err != nil { ... }
//	defer eng.Close()
//
//	err = eng.Machine().RegisterProcess(&process.Definition{...})
//	inst, err := eng.Machine().CreateInstance("order", nil)
//	_, err = eng.Machine().Trigger(ctx, inst.ID, "START")
//
// Every transition is published on the process:transitioned channel,
// durably recorded when a storage backend is configured, and fanned out
// to any channels the registered routers derive.
package procbus

import (
	"context"
	"log/slog"

	"github.com/procbus/procbus/pkg/procbus/config"
	"github.com/procbus/procbus/pkg/procbus/event"
	"github.com/procbus/procbus/pkg/procbus/extension"
	"github.com/procbus/procbus/pkg/procbus/observability"
	"github.com/procbus/procbus/pkg/procbus/persist"
	"github.com/procbus/procbus/pkg/procbus/process"
	"github.com/procbus/procbus/pkg/procbus/task"
)

// Engine owns one bus, one extension pipeline, one persistence system,
// one process machine, and one task executor, wired together.
type Engine struct {
	bus         *event.Bus
	pipeline    *extension.Pipeline
	persistence *persist.System
	machine     *process.Machine
	tasks       *task.Executor

	storage persist.Storage
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger for all subsystems.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithStorage enables persistence with the given backend.
func WithStorage(storage persist.Storage) Option {
	return func(e *Engine) {
		e.storage = storage
	}
}

// WithMetrics sets the metrics recorder for all subsystems.
func WithMetrics(rec observability.MetricsRecorder) Option {
	return func(e *Engine) {
		e.metrics = rec
	}
}

// WithSpans sets the trace span manager for all subsystems.
func WithSpans(sm observability.SpanManager) Option {
	return func(e *Engine) {
		e.spans = sm
	}
}

// New creates an engine.
//
// When a storage backend is configured, the engine subscribes the
// persistence system to the bus with a wildcard subscription so every
// published event is recorded and router fan-out applies. Replayed
// events and the replay control channels are skipped to avoid feedback
// loops: replay republishes history, it must not extend it.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		bus:     event.NewBus(),
		metrics: observability.NoopMetrics{},
		spans:   observability.NoopSpanManager{},
	}
	for _, opt := range opts {
		opt(e)
	}

	e.pipeline = extension.NewPipeline()
	e.persistence = persist.NewSystem(e.bus,
		persist.WithLogger(e.logger),
		persist.WithMetrics(e.metrics),
		persist.WithSpans(e.spans),
	)
	e.machine = process.NewMachine(e.bus, e.pipeline,
		process.WithLogger(e.logger),
		process.WithMetrics(e.metrics),
		process.WithSpans(e.spans),
	)
	e.tasks = task.NewExecutor(e.bus, task.WithLogger(e.logger))

	e.bus.SubscribeAll(func(ctx context.Context, evt *event.Event) error {
		e.metrics.RecordEventPublished(ctx, evt.Type)
		return nil
	})

	if e.storage != nil {
		e.persistence.EnablePersistence(e.storage)
		e.bus.SubscribeAll(func(ctx context.Context, evt *event.Event) error {
			if evt.IsReplay() {
				return nil
			}
			switch evt.Type {
			case persist.ChannelReplayStarted, persist.ChannelReplayCompleted:
				return nil
			}
			return e.persistence.PersistEvent(ctx, evt)
		})
	}

	return e, nil
}

// FromSettings creates an engine from loaded configuration.
func FromSettings(s config.Settings, opts ...Option) (*Engine, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	var base []Option
	if s.Metrics {
		base = append(base, WithMetrics(observability.NewMetricsRecorder()))
	}
	if s.Tracing {
		base = append(base, WithSpans(observability.NewSpanManager()))
	}
	if s.Persistence {
		storage, err := openStorage(s.Storage)
		if err != nil {
			return nil, err
		}
		base = append(base, WithStorage(storage))
	}

	return New(append(base, opts...)...)
}

func openStorage(s config.StorageSettings) (persist.Storage, error) {
	if s.Driver == config.DriverSQLite {
		return persist.NewSQLiteStorage(s.Path)
	}
	return persist.NewMemoryStorage(), nil
}

// Bus returns the engine's event bus.
func (e *Engine) Bus() *event.Bus { return e.bus }

// Pipeline returns the engine's extension pipeline.
func (e *Engine) Pipeline() *extension.Pipeline { return e.pipeline }

// Persistence returns the engine's persistence system.
func (e *Engine) Persistence() *persist.System { return e.persistence }

// Machine returns the engine's process state machine.
func (e *Engine) Machine() *process.Machine { return e.machine }

// Tasks returns the engine's task executor.
func (e *Engine) Tasks() *task.Executor { return e.tasks }

// Close detaches the task executor and closes the storage backend.
func (e *Engine) Close() error {
	e.tasks.Close()
	if e.storage != nil {
		return e.storage.Close()
	}
	return nil
}
