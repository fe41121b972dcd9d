package functions

import (
	"slices"
	"sync"
)

// Registry maps runtime kinds to the executors that run them. A kind without
// an executor is a normal, typed error from Resolve.
type Registry struct {
	mu        sync.RWMutex
	executors map[RuntimeKind]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[RuntimeKind]Executor),
	}
}

// Register installs x as the executor for kind, replacing any previous one.
func (r *Registry) Register(kind RuntimeKind, x Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[kind] = x
}

// Resolve returns the executor for kind, or an unsupported error.
func (r *Registry) Resolve(kind RuntimeKind) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	x, ok := r.executors[kind]
	if !ok {
		return nil, newError(KindUnsupported, nil, "runtime %q has no executor", kind)
	}
	return x, nil
}

// generations snapshots the cache generation of functionID in every
// Versioned executor.
func (r *Registry) generations(functionID string) map[RuntimeKind]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var gens map[RuntimeKind]uint64
	for kind, x := range r.executors {
		v, ok := x.(Versioned)
		if !ok {
			continue
		}
		if gens == nil {
			gens = make(map[RuntimeKind]uint64)
		}
		gens[kind] = v.Generation(functionID)
	}
	return gens
}

// Supports reports whether kind has an executor.
func (r *Registry) Supports(kind RuntimeKind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[kind]
	return ok
}

// Kinds returns the supported kinds, sorted for a stable listing.
func (r *Registry) Kinds() []RuntimeKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]RuntimeKind, 0, len(r.executors))
	for k := range r.executors {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}
