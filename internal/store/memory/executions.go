package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/flowmonkey/engine/pkg/api"
	"github.com/flowmonkey/engine/pkg/store"
)

// ExecutionStore keeps execution records in a map, cloned on every read
// and write so callers never alias stored state
type ExecutionStore struct {
	execs map[api.ExecutionID]*api.Execution
	mu    sync.RWMutex
}

// NewExecutionStore creates an empty in-memory execution store
func NewExecutionStore() *ExecutionStore {
	return &ExecutionStore{
		execs: map[api.ExecutionID]*api.Execution{},
	}
}

func (s *ExecutionStore) Load(
	_ context.Context, id api.ExecutionID,
) (*api.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.execs[id]
	if !ok {
		return nil, fmt.Errorf("%w: execution %s", store.ErrNotFound, id)
	}
	return cloneExecution(exec), nil
}

func (s *ExecutionStore) Save(
	_ context.Context, exec *api.Execution,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs[exec.ID] = cloneExecution(exec)
	return nil
}

func (s *ExecutionStore) Delete(
	_ context.Context, id api.ExecutionID,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.execs, id)
	return nil
}

func (s *ExecutionStore) ListByStatus(
	_ context.Context, status api.ExecutionStatus, limit int,
) ([]*api.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var res []*api.Execution
	for _, exec := range s.execs {
		if exec.Status == status {
			res = append(res, cloneExecution(exec))
		}
	}
	sortByCreatedAt(res)
	return capped(res, limit), nil
}

func (s *ExecutionStore) ListWakeReady(
	_ context.Context, now time.Time, limit int,
) ([]*api.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var res []*api.Execution
	for _, exec := range s.execs {
		if exec.Status != api.ExecutionWaiting || exec.WakeAt == nil {
			continue
		}
		if !exec.WakeAt.After(now) {
			res = append(res, cloneExecution(exec))
		}
	}
	sortByCreatedAt(res)
	return capped(res, limit), nil
}

func (s *ExecutionStore) FindByIdempotencyKey(
	_ context.Context, flowID api.FlowID, key string,
) (*api.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, exec := range s.execs {
		if exec.FlowID == flowID && exec.IdempotencyKey == key {
			return cloneExecution(exec), nil
		}
	}
	return nil, fmt.Errorf("%w: idempotency key %s", store.ErrNotFound, key)
}

func (s *ExecutionStore) FindChildren(
	_ context.Context, parent api.ExecutionID,
) ([]*api.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var res []*api.Execution
	for _, exec := range s.execs {
		if exec.ParentExecutionID == parent {
			res = append(res, cloneExecution(exec))
		}
	}
	sortByCreatedAt(res)
	return res, nil
}

func sortByCreatedAt(execs []*api.Execution) {
	slices.SortFunc(execs, func(a, b *api.Execution) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}

func capped[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
