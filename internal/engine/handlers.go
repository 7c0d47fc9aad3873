package engine

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/flowmonkey/engine/pkg/api"
)

// HandlerRegistry maps handler types to implementations. Registration
// happens during bootstrap; duplicate types are rejected
type HandlerRegistry struct {
	handlers map[api.HandlerType]api.Handler
	mu       sync.RWMutex
}

var ErrHandlerExists = errors.New("handler type already registered")

// NewHandlerRegistry creates an empty handler registry
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: map[api.HandlerType]api.Handler{},
	}
}

func (r *HandlerRegistry) Register(h api.Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handlers[h.Type()]; ok {
		return fmt.Errorf("%w: %s", ErrHandlerExists, h.Type())
	}
	r.handlers[h.Type()] = h
	return nil
}

func (r *HandlerRegistry) Get(t api.HandlerType) (api.Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	return h, ok
}

func (r *HandlerRegistry) List() []api.HandlerType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res := make([]api.HandlerType, 0, len(r.handlers))
	for t := range r.handlers {
		res = append(res, t)
	}
	slices.Sort(res)
	return res
}
