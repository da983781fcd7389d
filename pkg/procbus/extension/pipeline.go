// Package extension implements the lifecycle-hook pipeline.
//
// Named extension points hold an ordered list of hook functions. Executing
// a point folds the hooks over a context map: each hook receives the
// accumulated context and returns a partial patch that is shallow-merged
// on top of it. Hooks never see mutable shared state — the pipeline owns
// the merge.
//
// A separate interceptor chain transforms raw events in registration
// order, each interceptor receiving the previous one's output.
package extension

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/procbus/procbus/pkg/procbus/event"
)

// ErrUnknownPoint indicates an extension referenced an extension point
// that has not been registered. Points must be declared before
// extensions attach hooks to them.
var ErrUnknownPoint = errors.New("extension: unknown extension point")

// Context is the value folded through a point's hooks.
type Context map[string]any

// HookFunc receives the accumulated context and returns a partial patch.
// Returning a nil patch leaves the context unchanged. An error aborts the
// fold and propagates to the caller of Execute.
type HookFunc func(ctx context.Context, ec Context) (Context, error)

// Interceptor transforms a raw event. Returning the input event unchanged
// is valid; returning nil drops nothing — interceptors must return an event.
type Interceptor func(ctx context.Context, evt *event.Event) (*event.Event, error)

// Point declares a named extension point.
type Point struct {
	Name        string
	Description string
}

// Extension bundles hooks for one or more extension points under a name.
type Extension struct {
	Name  string
	Hooks map[string]HookFunc
}

// Pipeline owns the extension-point registry and the interceptor chain.
// It is safe for concurrent use; registration order is preserved.
type Pipeline struct {
	mu           sync.RWMutex
	points       map[string]*registeredPoint
	interceptors []Interceptor
}

type registeredPoint struct {
	description string
	handlers    []HookFunc
}

// NewPipeline creates an empty pipeline.
func NewPipeline() *Pipeline {
	return &Pipeline{
		points: make(map[string]*registeredPoint),
	}
}

// RegisterPoint declares a named point with an empty handler list.
// Re-registering an existing name discards its handlers.
func (p *Pipeline) RegisterPoint(point Point) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.points[point.Name] = &registeredPoint{description: point.Description}
}

// HasPoint reports whether a point with the given name is registered.
func (p *Pipeline) HasPoint(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.points[name]
	return ok
}

// RegisterExtension appends each of the extension's hooks to its point,
// preserving registration order across extensions.
//
// Every point named in Hooks must already be registered; otherwise
// RegisterExtension fails with ErrUnknownPoint and attaches nothing.
// Failing loudly here beats silently losing a hook to a registration
// ordering mistake.
func (p *Pipeline) RegisterExtension(ext Extension) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for name := range ext.Hooks {
		if _, ok := p.points[name]; !ok {
			return fmt.Errorf("%w: extension %q references %q", ErrUnknownPoint, ext.Name, name)
		}
	}
	for name, hook := range ext.Hooks {
		point := p.points[name]
		point.handlers = append(point.handlers, hook)
	}
	return nil
}

// Execute runs the named point's hooks strictly in registration order.
// Each hook sees the accumulated context and its returned patch is
// shallow-merged on top. The final merged context is returned.
//
// An unknown point is an explicit passthrough: a copy of the input
// context is returned unchanged, with no error.
func (p *Pipeline) Execute(ctx context.Context, name string, ec Context) (Context, error) {
	p.mu.RLock()
	point, ok := p.points[name]
	var handlers []HookFunc
	if ok {
		handlers = make([]HookFunc, len(point.handlers))
		copy(handlers, point.handlers)
	}
	p.mu.RUnlock()

	merged := make(Context, len(ec))
	maps.Copy(merged, ec)

	if !ok {
		return merged, nil
	}

	for _, hook := range handlers {
		patch, err := hook(ctx, merged)
		if err != nil {
			return nil, fmt.Errorf("extension point %q: %w", name, err)
		}
		maps.Copy(merged, patch)
	}
	return merged, nil
}

// AddInterceptor appends an interceptor to the event chain.
func (p *Pipeline) AddInterceptor(i Interceptor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interceptors = append(p.interceptors, i)
}

// Intercept folds all interceptors over evt in registration order, each
// receiving the output of the previous one. With no interceptors the
// input event is returned unmodified.
func (p *Pipeline) Intercept(ctx context.Context, evt *event.Event) (*event.Event, error) {
	p.mu.RLock()
	chain := make([]Interceptor, len(p.interceptors))
	copy(chain, p.interceptors)
	p.mu.RUnlock()

	current := evt
	for _, interceptor := range chain {
		next, err := interceptor(ctx, current)
		if err != nil {
			return nil, fmt.Errorf("event interceptor: %w", err)
		}
		current = next
	}
	return current, nil
}
