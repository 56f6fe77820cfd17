package tasks

import (
	"fmt"
	"sync"
)

// Handler executes the work for one task kind. Kind-specific parameters
// travel in the task's payload; handlers own the serialization of their
// side effects.
type Handler = WorkFunc

// Registry maps task kinds to handlers. It is populated at startup; kinds
// submitted through it must have been registered first.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Kind]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Kind]Handler)}
}

func (r *Registry) Register(kind Kind, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[kind]; ok {
		return fmt.Errorf("handler already registered for kind %q", kind)
	}
	r.handlers[kind] = h
	return nil
}

func (r *Registry) Handler(kind Kind) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}
