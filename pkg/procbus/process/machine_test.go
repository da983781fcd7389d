package process_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procbus/procbus/pkg/procbus/event"
	"github.com/procbus/procbus/pkg/procbus/extension"
	"github.com/procbus/procbus/pkg/procbus/process"
)

func newTestMachine(t *testing.T, opts ...process.MachineOption) (*process.Machine, *event.Bus, *extension.Pipeline) {
	t.Helper()
	bus := event.NewBus()
	pipeline := extension.NewPipeline()
	m := process.NewMachine(bus, pipeline, opts...)
	require.NoError(t, m.RegisterProcess(orderDefinition()))
	return m, bus, pipeline
}

func TestRegisterProcessRejectsInvalid(t *testing.T) {
	m := process.NewMachine(event.NewBus(), extension.NewPipeline())

	def := orderDefinition()
	def.InitialState = "nowhere"
	assert.ErrorIs(t, m.RegisterProcess(def), process.ErrInitialStateUnknown)
}

func TestRegisterProcessRejectsDuplicate(t *testing.T) {
	m, _, _ := newTestMachine(t)
	assert.ErrorIs(t, m.RegisterProcess(orderDefinition()), process.ErrProcessExists)
}

func TestDefinitionLookup(t *testing.T) {
	m, _, _ := newTestMachine(t)

	def, err := m.Definition("order")
	require.NoError(t, err)
	assert.Equal(t, "order", def.ID)

	_, err = m.Definition("missing")
	assert.ErrorIs(t, err, process.ErrProcessNotFound)
}

func TestCreateInstance(t *testing.T) {
	m, _, _ := newTestMachine(t)

	inst, err := m.CreateInstance("order", map[string]any{"customer": "acme"})
	require.NoError(t, err)
	assert.NotEmpty(t, inst.ID)
	assert.Equal(t, "order", inst.ProcessID)
	assert.Equal(t, "initial", inst.CurrentState)
	assert.Equal(t, "acme", inst.Context["customer"])
	assert.Equal(t, inst.CreatedAt, inst.UpdatedAt)

	_, err = m.CreateInstance("missing", nil)
	assert.ErrorIs(t, err, process.ErrProcessNotFound)
}

func TestTriggerHappyPath(t *testing.T) {
	m, bus, _ := newTestMachine(t)
	inst, err := m.CreateInstance("order", nil)
	require.NoError(t, err)

	var published []*event.Event
	bus.Subscribe(process.ChannelTransitioned, func(ctx context.Context, evt *event.Event) error {
		published = append(published, evt)
		return nil
	})

	result, err := m.Trigger(context.Background(), inst.ID, "START")
	require.NoError(t, err)
	assert.Equal(t, &process.TransitionPayload{
		ProcessID:  "order",
		InstanceID: inst.ID,
		From:       "initial",
		To:         "processing",
		On:         "START",
	}, result)

	got, err := m.Instance(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "processing", got.CurrentState)

	require.Len(t, published, 1)
	assert.Equal(t, inst.ID, published[0].CorrelationID())
	payload, ok := published[0].Payload.(process.TransitionPayload)
	require.True(t, ok)
	assert.Equal(t, *result, payload)
}

func TestTriggerFullScenario(t *testing.T) {
	m, bus, _ := newTestMachine(t)
	inst, err := m.CreateInstance("order", nil)
	require.NoError(t, err)

	var hops []string
	bus.Subscribe(process.ChannelTransitioned, func(ctx context.Context, evt *event.Event) error {
		payload := evt.Payload.(process.TransitionPayload)
		hops = append(hops, payload.From+">"+payload.To)
		return nil
	})

	_, err = m.Trigger(context.Background(), inst.ID, "START")
	require.NoError(t, err)
	_, err = m.Trigger(context.Background(), inst.ID, "COMPLETE")
	require.NoError(t, err)

	assert.Equal(t, []string{"initial>processing", "processing>completed"}, hops)

	got, err := m.Instance(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", got.CurrentState)
}

func TestTriggerNoMatchingTransitionLeavesInstanceUntouched(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	clock := fixed
	m, bus, _ := newTestMachine(t, process.WithClock(func() time.Time { return clock }))

	inst, err := m.CreateInstance("order", nil)
	require.NoError(t, err)

	var published int
	bus.Subscribe(process.ChannelTransitioned, func(ctx context.Context, evt *event.Event) error {
		published++
		return nil
	})

	clock = fixed.Add(time.Hour)
	_, err = m.Trigger(context.Background(), inst.ID, "COMPLETE")
	require.ErrorIs(t, err, process.ErrNoMatchingTransition)

	got, err := m.Instance(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "initial", got.CurrentState)
	assert.Equal(t, fixed, got.UpdatedAt, "a rejected trigger must not touch UpdatedAt")
	assert.Zero(t, published)
}

func TestTriggerUnknownInstance(t *testing.T) {
	m, _, _ := newTestMachine(t)

	_, err := m.Trigger(context.Background(), "missing", "START")
	assert.ErrorIs(t, err, process.ErrInstanceNotFound)
}

func TestTriggerBeforeHookSeesSnapshotAndTransition(t *testing.T) {
	m, _, pipeline := newTestMachine(t)
	inst, err := m.CreateInstance("order", map[string]any{"customer": "acme"})
	require.NoError(t, err)

	var seenState string
	var seenTransition process.Transition
	require.NoError(t, pipeline.RegisterExtension(extension.Extension{
		Name: "observer",
		Hooks: map[string]extension.HookFunc{
			process.PointBeforeTransition: func(ctx context.Context, ec extension.Context) (extension.Context, error) {
				snap := ec[process.HookKeyInstance].(process.Instance)
				seenState = snap.CurrentState
				seenTransition = ec[process.HookKeyTransition].(process.Transition)

				// Hooks get a snapshot; writes to it don't reach the machine.
				snap.Context["tamper"] = true
				return nil, nil
			},
		},
	}))

	_, err = m.Trigger(context.Background(), inst.ID, "START")
	require.NoError(t, err)

	assert.Equal(t, "initial", seenState)
	assert.Equal(t, process.Transition{From: "initial", To: "processing", On: "START"}, seenTransition)

	got, err := m.Instance(inst.ID)
	require.NoError(t, err)
	assert.NotContains(t, got.Context, "tamper")
}

func TestTriggerCancelledByHook(t *testing.T) {
	m, bus, pipeline := newTestMachine(t)
	inst, err := m.CreateInstance("order", nil)
	require.NoError(t, err)

	require.NoError(t, pipeline.RegisterExtension(extension.Extension{
		Name: "guard",
		Hooks: map[string]extension.HookFunc{
			process.PointBeforeTransition: func(ctx context.Context, ec extension.Context) (extension.Context, error) {
				return extension.Context{process.HookKeyCancel: true}, nil
			},
		},
	}))

	var published int
	bus.Subscribe(process.ChannelTransitioned, func(ctx context.Context, evt *event.Event) error {
		published++
		return nil
	})

	_, err = m.Trigger(context.Background(), inst.ID, "START")
	require.ErrorIs(t, err, process.ErrTransitionCancelled)

	got, err := m.Instance(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "initial", got.CurrentState)
	assert.Zero(t, published)
}

func TestTriggerAfterHookSeesNewState(t *testing.T) {
	m, _, pipeline := newTestMachine(t)
	inst, err := m.CreateInstance("order", nil)
	require.NoError(t, err)

	var afterState string
	require.NoError(t, pipeline.RegisterExtension(extension.Extension{
		Name: "observer",
		Hooks: map[string]extension.HookFunc{
			process.PointAfterTransition: func(ctx context.Context, ec extension.Context) (extension.Context, error) {
				snap := ec[process.HookKeyInstance].(process.Instance)
				afterState = snap.CurrentState
				return nil, nil
			},
		},
	}))

	_, err = m.Trigger(context.Background(), inst.ID, "START")
	require.NoError(t, err)
	assert.Equal(t, "processing", afterState)
}

func TestTriggerConcurrentSameInstance(t *testing.T) {
	m, _, _ := newTestMachine(t)
	inst, err := m.CreateInstance("order", nil)
	require.NoError(t, err)

	// Two racing triggers for the same transition: exactly one wins.
	results := make(chan error, 2)
	for range 2 {
		go func() {
			_, err := m.Trigger(context.Background(), inst.ID, "START")
			results <- err
		}()
	}

	var failures int
	for range 2 {
		if err := <-results; err != nil {
			require.ErrorIs(t, err, process.ErrNoMatchingTransition)
			failures++
		}
	}
	assert.Equal(t, 1, failures)

	got, err := m.Instance(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "processing", got.CurrentState)
}
