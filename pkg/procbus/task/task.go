// Package task executes discrete units of work in reaction to process
// transitions.
//
// A task binds to a (process, event) pair. The Executor subscribes to
// the process:transitioned channel and, for every transition event,
// runs the handlers of all matching tasks with per-task retry.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/procbus/procbus/pkg/procbus/event"
	"github.com/procbus/procbus/pkg/procbus/process"
	"github.com/procbus/procbus/pkg/procbus/retry"
)

// Sentinel errors for task registration.
var (
	// ErrTaskExists indicates a task ID is already registered.
	ErrTaskExists = errors.New("task: already registered")

	// ErrNilHandler indicates a task definition without a handler.
	ErrNilHandler = errors.New("task: handler cannot be nil")
)

// Handler is the work a task performs. It receives the transition that
// triggered it and the raw event envelope.
type Handler func(ctx context.Context, transition process.TransitionPayload, evt *event.Event) error

// Definition binds a handler to transitions of one process.
type Definition struct {
	// ID names the task. Unique within one Executor.
	ID string

	// ProcessID selects which process's transitions trigger the task.
	ProcessID string

	// On selects the transition event name. Empty matches every
	// transition of the process.
	On string

	// Handler is the work to perform.
	Handler Handler

	// Retry configures handler retries. The zero value means a single
	// attempt.
	Retry retry.Config
}

// Executor runs registered tasks in reaction to transition events.
// It is one bus subscriber among others; its handler errors propagate
// to the publisher like any subscriber failure.
type Executor struct {
	mu    sync.RWMutex
	tasks []Definition

	sub    *event.Subscription
	logger *slog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithLogger sets the structured logger. Nil disables logging.
func WithLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger
	}
}

// NewExecutor creates an executor subscribed to the bus's transition
// channel. Call Close to detach it.
func NewExecutor(bus *event.Bus, opts ...ExecutorOption) *Executor {
	e := &Executor{}
	for _, opt := range opts {
		opt(e)
	}
	e.sub = bus.Subscribe(process.ChannelTransitioned, e.handle)
	return e
}

// Register adds a task definition.
func (e *Executor) Register(def Definition) error {
	if def.Handler == nil {
		return fmt.Errorf("%w: %s", ErrNilHandler, def.ID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, existing := range e.tasks {
		if existing.ID == def.ID {
			return fmt.Errorf("%w: %s", ErrTaskExists, def.ID)
		}
	}
	e.tasks = append(e.tasks, def)
	return nil
}

// Close unsubscribes the executor from the bus.
func (e *Executor) Close() {
	e.sub.Unsubscribe()
}

// handle is the bus subscriber: it decodes the transition payload and
// runs every matching task in registration order.
func (e *Executor) handle(ctx context.Context, evt *event.Event) error {
	transition, ok := evt.Payload.(process.TransitionPayload)
	if !ok {
		// Replayed events round-trip through storage as generic maps.
		decoded, err := decodeTransition(evt.Payload)
		if err != nil {
			return fmt.Errorf("task: unexpected payload on %s: %w", process.ChannelTransitioned, err)
		}
		transition = decoded
	}

	e.mu.RLock()
	tasks := make([]Definition, len(e.tasks))
	copy(tasks, e.tasks)
	e.mu.RUnlock()

	for _, def := range tasks {
		if def.ProcessID != transition.ProcessID {
			continue
		}
		if def.On != "" && def.On != transition.On {
			continue
		}

		if e.logger != nil {
			e.logger.Debug("task triggered",
				slog.String("task_id", def.ID),
				slog.String("instance_id", transition.InstanceID),
				slog.String("on", transition.On),
			)
		}
		err := retry.Do(ctx, def.Retry, func(ctx context.Context) error {
			return def.Handler(ctx, transition, evt)
		})
		if err != nil {
			return fmt.Errorf("task %s: %w", def.ID, err)
		}
	}
	return nil
}

// decodeTransition recovers a TransitionPayload from a generic map, the
// shape JSON storage backends return after a replay.
func decodeTransition(payload any) (process.TransitionPayload, error) {
	m, ok := payload.(map[string]any)
	if !ok {
		return process.TransitionPayload{}, fmt.Errorf("payload is %T", payload)
	}
	str := func(key string) string {
		s, _ := m[key].(string)
		return s
	}
	return process.TransitionPayload{
		ProcessID:  str("processId"),
		InstanceID: str("instanceId"),
		From:       str("from"),
		To:         str("to"),
		On:         str("on"),
	}, nil
}
