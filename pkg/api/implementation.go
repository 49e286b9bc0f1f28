package api

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Implementation executes steps of one Name.
//
// A step may be rerun on a different worker or process than its previous
// attempt, so implementations must not keep per-step state in memory and
// must not assume any ordering relative to sibling steps.
//
// Returning a non-nil error other than a FailNowError reruns the step with
// backoff and leaves its State untouched.
type Implementation interface {
	Execute(ctx context.Context, step *Step) (ExecutionResult, error)
}

// ImplementationFunc adapts a function to Implementation.
type ImplementationFunc func(ctx context.Context, step *Step) (ExecutionResult, error)

func (f ImplementationFunc) Execute(ctx context.Context, step *Step) (ExecutionResult, error) {
	return f(ctx, step)
}

// Registry resolves implementations by step name.
//
// Lookup returns false, not an error, when nothing is registered; the
// engine reschedules such steps instead of failing them.
type Registry interface {
	Lookup(name string) (Implementation, bool)
}

// MapRegistry is a goroutine-safe Registry backed by a map. It is
// normally filled once at startup.
type MapRegistry struct {
	mu    sync.RWMutex
	impls map[string]Implementation
}

// NewMapRegistry creates an empty MapRegistry.
func NewMapRegistry() *MapRegistry {
	return &MapRegistry{impls: make(map[string]Implementation)}
}

// Ensure MapRegistry implements Registry.
var _ Registry = (*MapRegistry)(nil)

// Register binds name to impl. Registering a name twice is an error.
func (r *MapRegistry) Register(name string, impl Implementation) error {
	if name == "" {
		return ErrStepNameRequired
	}
	if impl == nil {
		return fmt.Errorf("implementation for step %q is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.impls[name]; exists {
		return fmt.Errorf("step %q already registered", name)
	}
	r.impls[name] = impl
	return nil
}

// RegisterFunc is Register for plain functions.
func (r *MapRegistry) RegisterFunc(name string, fn func(ctx context.Context, step *Step) (ExecutionResult, error)) error {
	return r.Register(name, ImplementationFunc(fn))
}

// MustRegister is like Register but panics on error.
func (r *MapRegistry) MustRegister(name string, impl Implementation) {
	if err := r.Register(name, impl); err != nil {
		panic(err)
	}
}

func (r *MapRegistry) Lookup(name string) (Implementation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	impl, ok := r.impls[name]
	return impl, ok
}

// Names returns the registered names, sorted.
func (r *MapRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.impls))
	for name := range r.impls {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
