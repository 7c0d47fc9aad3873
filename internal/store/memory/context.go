package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/flowmonkey/engine/pkg/api"
	"github.com/flowmonkey/engine/pkg/store"
)

// ContextStorage keeps offloaded context values in a map keyed by
// execution ID and context key
type ContextStorage struct {
	values map[string]any
	mu     sync.RWMutex
}

// NewContextStorage creates an empty in-memory context side store
func NewContextStorage() *ContextStorage {
	return &ContextStorage{
		values: map[string]any{},
	}
}

func (s *ContextStorage) Put(
	_ context.Context, id api.ExecutionID, key string, value any,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[refKey(id, key)] = cloneValue(value)
	return nil
}

func (s *ContextStorage) Get(
	_ context.Context, id api.ExecutionID, key string,
) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.values[refKey(id, key)]
	if !ok {
		return nil, fmt.Errorf(
			"%w: context value %s/%s", store.ErrNotFound, id, key,
		)
	}
	return cloneValue(value), nil
}

func (s *ContextStorage) Delete(
	_ context.Context, id api.ExecutionID, key string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, refKey(id, key))
	return nil
}

func refKey(id api.ExecutionID, key string) string {
	return string(id) + "/" + key
}
