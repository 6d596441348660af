package hub

import (
	"sync"

	"github.com/zyahav/mcp-skills-hub/pkg/errors"
	"github.com/zyahav/mcp-skills-hub/pkg/worker"
)

// ErrWorkerNotFound is returned by Lookup for a name nobody holds.
var ErrWorkerNotFound = errors.New(errors.CodeNotFound, "worker not found", nil)

// Registry holds the live workers by name, remembering the order they were
// registered in. That order is the enumeration order used everywhere else.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	workers map[string]*worker.Worker
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{workers: make(map[string]*worker.Worker)}
}

// Add registers w under its name. It returns false if the name is taken.
func (r *Registry) Add(w *worker.Worker) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workers[w.Name()]; exists {
		return false
	}
	r.workers[w.Name()] = w
	r.order = append(r.order, w.Name())
	return true
}

// Get returns the worker registered under name.
func (r *Registry) Get(name string) (*worker.Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[name]
	return w, ok
}

// Lookup is Get with an error naming the missing worker.
func (r *Registry) Lookup(name string) (*worker.Worker, error) {
	if w, ok := r.Get(name); ok {
		return w, nil
	}
	return nil, errors.New(errors.CodeNotFound, ErrWorkerNotFound.Message, nil).WithContext("worker", name)
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Remove unregisters w. Nothing happens if another worker now holds the name.
func (r *Registry) Remove(w *worker.Worker) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.workers[w.Name()]; !ok || cur != w {
		return false
	}
	delete(r.workers, w.Name())
	for i, name := range r.order {
		if name == w.Name() {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// List returns the workers in enumeration order.
func (r *Registry) List() []*worker.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*worker.Worker, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.workers[name])
	}
	return out
}

// Names returns the registered names in enumeration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Len returns the number of registered workers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Clear unregisters everything and returns what was registered.
func (r *Registry) Clear() []*worker.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*worker.Worker, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.workers[name])
	}
	r.order = nil
	r.workers = make(map[string]*worker.Worker)
	return out
}
