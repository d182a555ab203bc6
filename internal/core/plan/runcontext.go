package plan

import (
	"fmt"
	"sync"
)

// =============================================================================
// Run-Scoped Values
// =============================================================================

// Key names a run-scoped value produced by one step and read by later ones
// (deploy path, image references, extracted endpoints).
type Key string

// NotSetError reports a run value read before the producing step has run.
// Reads fail loudly instead of defaulting silently.
type NotSetError struct {
	Key Key
}

func (e *NotSetError) Error() string {
	return fmt.Sprintf("run value %q read before it was produced", string(e.Key))
}

// RunContext is the explicit run-scoped value store threaded through step
// execution. It is safe for concurrent use by independent steps.
type RunContext struct {
	mu     sync.RWMutex
	values map[Key]any
}

// NewRunContext returns an empty run context.
func NewRunContext() *RunContext {
	return &RunContext{values: make(map[Key]any)}
}

// Set records a value for later steps.
func (rc *RunContext) Set(key Key, value any) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.values[key] = value
}

// Has reports whether a value has been produced.
func (rc *RunContext) Has(key Key) bool {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	_, ok := rc.values[key]
	return ok
}

// Value returns the typed value for key, failing loudly if it was never
// set or holds a different type.
func Value[T any](rc *RunContext, key Key) (T, error) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()

	var zero T
	raw, ok := rc.values[key]
	if !ok {
		return zero, &NotSetError{Key: key}
	}
	v, ok := raw.(T)
	if !ok {
		return zero, fmt.Errorf("run value %q holds %T, not %T", string(key), raw, zero)
	}
	return v, nil
}
