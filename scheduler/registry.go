package scheduler

import (
	"sync"

	"github.com/diwan-erp/diwan/errors"
)

// Registry maps job IDs to their handlers.
// All registrations happen at startup before the engine starts ticking.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]JobHandler
}

// NewRegistry creates an empty handler registry
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]JobHandler),
	}
}

// Register adds a handler for a job ID.
// Duplicate registration is a programming error and panics.
func (r *Registry) Register(jobID string, handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[jobID]; exists {
		panic(errors.Newf("handler already registered for job: %s", jobID))
	}
	r.handlers[jobID] = handler
}

// Get returns the handler for a job ID
func (r *Registry) Get(jobID string) (JobHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, exists := r.handlers[jobID]
	if !exists {
		return nil, errors.Newf("no handler registered for job: %s", jobID)
	}
	return handler, nil
}

// Names returns all registered job IDs
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}
