package redis

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowmonkey/engine/pkg/api"
	"github.com/flowmonkey/engine/pkg/store"
)

// ExecutionStore persists executions as JSON with status sets, a wake
// sorted set, idempotency pointers, and parent-child sets as indexes
type ExecutionStore struct {
	handle
}

func (s *ExecutionStore) recordKey(id api.ExecutionID) string {
	return s.key("exec", string(id))
}

func (s *ExecutionStore) statusKey(status api.ExecutionStatus) string {
	return s.key("exec", "status", string(status))
}

func (s *ExecutionStore) wakeKey() string {
	return s.key("exec", "wake")
}

func (s *ExecutionStore) idemKey(flowID api.FlowID, key string) string {
	return s.key("exec", "idem", string(flowID), key)
}

func (s *ExecutionStore) childrenKey(parent api.ExecutionID) string {
	return s.key("exec", "children", string(parent))
}

func (s *ExecutionStore) Load(
	ctx context.Context, id api.ExecutionID,
) (*api.Execution, error) {
	data, err := s.client.Get(ctx, s.recordKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: execution %s", store.ErrNotFound, id)
		}
		return nil, err
	}
	return unmarshal[api.Execution](data)
}

func (s *ExecutionStore) Save(
	ctx context.Context, exec *api.Execution,
) error {
	data, err := marshal(exec)
	if err != nil {
		return err
	}
	prior, err := s.Load(ctx, exec.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.recordKey(exec.ID), data, 0)
		if prior != nil && prior.Status != exec.Status {
			p.SRem(ctx, s.statusKey(prior.Status), string(exec.ID))
		}
		p.SAdd(ctx, s.statusKey(exec.Status), string(exec.ID))

		if exec.Status == api.ExecutionWaiting && exec.WakeAt != nil {
			p.ZAdd(ctx, s.wakeKey(), redis.Z{
				Score:  float64(exec.WakeAt.UnixMilli()),
				Member: string(exec.ID),
			})
		} else {
			p.ZRem(ctx, s.wakeKey(), string(exec.ID))
		}

		if exec.IdempotencyKey != "" {
			idem := s.idemKey(exec.FlowID, exec.IdempotencyKey)
			var ttl time.Duration
			if exec.IdempotencyExpiresAt != nil {
				ttl = time.Until(*exec.IdempotencyExpiresAt)
				if ttl <= 0 {
					ttl = time.Millisecond
				}
			}
			p.Set(ctx, idem, string(exec.ID), ttl)
		}
		if exec.ParentExecutionID != "" {
			p.SAdd(ctx,
				s.childrenKey(exec.ParentExecutionID), string(exec.ID))
		}
		return nil
	})
	return err
}

func (s *ExecutionStore) Delete(
	ctx context.Context, id api.ExecutionID,
) error {
	exec, err := s.Load(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.recordKey(id))
		p.SRem(ctx, s.statusKey(exec.Status), string(id))
		p.ZRem(ctx, s.wakeKey(), string(id))
		if exec.IdempotencyKey != "" {
			p.Del(ctx, s.idemKey(exec.FlowID, exec.IdempotencyKey))
		}
		if exec.ParentExecutionID != "" {
			p.SRem(ctx,
				s.childrenKey(exec.ParentExecutionID), string(id))
		}
		return nil
	})
	return err
}

func (s *ExecutionStore) ListByStatus(
	ctx context.Context, status api.ExecutionStatus, limit int,
) ([]*api.Execution, error) {
	ids, err := s.client.SMembers(ctx, s.statusKey(status)).Result()
	if err != nil {
		return nil, err
	}
	res, err := s.loadAll(ctx, ids)
	if err != nil {
		return nil, err
	}
	// membership can lag a concurrent Save; trust the record
	res = slices.DeleteFunc(res, func(exec *api.Execution) bool {
		return exec.Status != status
	})
	sortByCreatedAt(res)
	return capped(res, limit), nil
}

func (s *ExecutionStore) ListWakeReady(
	ctx context.Context, now time.Time, limit int,
) ([]*api.Execution, error) {
	opt := &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}
	if limit > 0 {
		opt.Count = int64(limit)
	}
	ids, err := s.client.ZRangeByScore(ctx, s.wakeKey(), opt).Result()
	if err != nil {
		return nil, err
	}
	res, err := s.loadAll(ctx, ids)
	if err != nil {
		return nil, err
	}
	res = slices.DeleteFunc(res, func(exec *api.Execution) bool {
		return exec.Status != api.ExecutionWaiting || exec.WakeAt == nil ||
			exec.WakeAt.After(now)
	})
	return res, nil
}

func (s *ExecutionStore) FindByIdempotencyKey(
	ctx context.Context, flowID api.FlowID, key string,
) (*api.Execution, error) {
	id, err := s.client.Get(ctx, s.idemKey(flowID, key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf(
				"%w: idempotency key %s", store.ErrNotFound, key)
		}
		return nil, err
	}
	return s.Load(ctx, api.ExecutionID(id))
}

func (s *ExecutionStore) FindChildren(
	ctx context.Context, parent api.ExecutionID,
) ([]*api.Execution, error) {
	ids, err := s.client.SMembers(ctx, s.childrenKey(parent)).Result()
	if err != nil {
		return nil, err
	}
	res, err := s.loadAll(ctx, ids)
	if err != nil {
		return nil, err
	}
	sortByCreatedAt(res)
	return res, nil
}

func (s *ExecutionStore) loadAll(
	ctx context.Context, ids []string,
) ([]*api.Execution, error) {
	res := make([]*api.Execution, 0, len(ids))
	for _, id := range ids {
		exec, err := s.Load(ctx, api.ExecutionID(id))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		res = append(res, exec)
	}
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
