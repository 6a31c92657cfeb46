package executor

import (
	"fmt"
	"sort"
	"sync"
)

type registration struct {
	cancelled bool
	finished  bool
}

// Registry tracks running executions and their cancellation flags.
// Entries live from Register until Deregister.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*registration
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*registration)}
}

// Register adds an execution. Registering a live id twice is an error.
func (r *Registry) Register(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; ok {
		return fmt.Errorf("execution %s already registered", id)
	}
	r.entries[id] = &registration{}
	return nil
}

// Cancel flags a running execution. It returns false for unknown or
// already finished executions.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.finished {
		return false
	}
	e.cancelled = true
	return true
}

// IsCancelled reports whether Cancel was accepted for id.
func (r *Registry) IsCancelled(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	return ok && e.cancelled
}

// IsActive reports whether id is registered and not finished.
func (r *Registry) IsActive(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	return ok && !e.finished
}

// Finish marks id finished so later Cancel calls are refused, and returns
// whether a cancellation was accepted first.
func (r *Registry) Finish(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return false
	}
	e.finished = true
	return e.cancelled
}

// Deregister drops id.
func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Active lists ids that are registered and not finished, sorted.
func (r *Registry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.entries))
	for id, e := range r.entries {
		if !e.finished {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
