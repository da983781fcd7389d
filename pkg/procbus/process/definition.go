// Package process implements finite-state-machine process definitions
// and the machine that executes transitions on live instances.
package process

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for definition validation.
var (
	// ErrEmptyID indicates a definition without an ID.
	ErrEmptyID = errors.New("process: definition ID cannot be empty")

	// ErrInitialStateUnknown indicates the initial state is not in the state set.
	ErrInitialStateUnknown = errors.New("process: initial state not in state set")

	// ErrTransitionStateUnknown indicates a transition references an unknown state.
	ErrTransitionStateUnknown = errors.New("process: transition references unknown state")

	// ErrAmbiguousTransition indicates two transitions share the same (from, on)
	// pair. Ambiguity is rejected at definition time rather than silently
	// resolved first-match at runtime.
	ErrAmbiguousTransition = errors.New("process: ambiguous transition")
)

// Transition declares one allowed state change: when event On arrives
// while an instance is in state From, the instance moves to state To.
type Transition struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
	On   string `json:"on" yaml:"on"`
}

// Definition is an immutable description of a process state machine.
// Build it, Validate it, then register it with a Machine. Definitions
// are not mutated after registration.
type Definition struct {
	ID           string       `json:"id" yaml:"id"`
	InitialState string       `json:"initialState" yaml:"initialState"`
	States       []string     `json:"states" yaml:"states"`
	Transitions  []Transition `json:"transitions" yaml:"transitions"`
}

// Validate checks the definition's structural invariants:
//   - the initial state is a member of the state set
//   - every transition's From and To are members of the state set
//   - no two transitions share the same (From, On) pair
func (d *Definition) Validate() error {
	if d.ID == "" {
		return ErrEmptyID
	}

	states := make(map[string]bool, len(d.States))
	for _, s := range d.States {
		states[s] = true
	}

	if !states[d.InitialState] {
		return fmt.Errorf("%w: %q", ErrInitialStateUnknown, d.InitialState)
	}

	seen := make(map[[2]string]bool, len(d.Transitions))
	for _, t := range d.Transitions {
		if !states[t.From] {
			return fmt.Errorf("%w: from %q", ErrTransitionStateUnknown, t.From)
		}
		if !states[t.To] {
			return fmt.Errorf("%w: to %q", ErrTransitionStateUnknown, t.To)
		}
		key := [2]string{t.From, t.On}
		if seen[key] {
			return fmt.Errorf("%w: duplicate (from=%q, on=%q)", ErrAmbiguousTransition, t.From, t.On)
		}
		seen[key] = true
	}
	return nil
}

// Match returns the first transition in declaration order matching the
// given state and event name, or false if none matches.
func (d *Definition) Match(state, on string) (Transition, bool) {
	for _, t := range d.Transitions {
		if t.From == state && t.On == on {
			return t, true
		}
	}
	return Transition{}, false
}

// TerminalStates returns the states with no outgoing transition.
// Terminal states are implicit; they are never declared.
func (d *Definition) TerminalStates() []string {
	outgoing := make(map[string]bool, len(d.Transitions))
	for _, t := range d.Transitions {
		outgoing[t.From] = true
	}

	var terminal []string
	for _, s := range d.States {
		if !outgoing[s] {
			terminal = append(terminal, s)
		}
	}
	return terminal
}

// Instance is a live, mutable occurrence of a process definition.
// The definition is referenced by ID, not owned.
type Instance struct {
	ID           string         `json:"id"`
	ProcessID    string         `json:"processId"`
	CurrentState string         `json:"currentState"`
	Context      map[string]any `json:"context"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// Snapshot returns a copy of the instance with its own context map.
// Hooks receive snapshots, never the live instance.
func (i *Instance) Snapshot() Instance {
	dup := *i
	dup.Context = make(map[string]any, len(i.Context))
	for k, v := range i.Context {
		dup.Context[k] = v
	}
	return dup
}
