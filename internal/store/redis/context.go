package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/flowmonkey/engine/pkg/api"
	"github.com/flowmonkey/engine/pkg/store"
)

// ContextStorage keeps offloaded context values as JSON keyed by
// (executionID, key)
type ContextStorage struct {
	handle
}

func (s *ContextStorage) refKey(id api.ExecutionID, key string) string {
	return s.key("ctx", string(id), key)
}

func (s *ContextStorage) Put(
	ctx context.Context, id api.ExecutionID, key string, value any,
) error {
	data, err := marshal(value)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.refKey(id, key), data, 0).Err()
}

func (s *ContextStorage) Get(
	ctx context.Context, id api.ExecutionID, key string,
) (any, error) {
	data, err := s.client.Get(ctx, s.refKey(id, key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf(
				"%w: context value %s/%s", store.ErrNotFound, id, key)
		}
		return nil, err
	}
	value, err := unmarshal[any](data)
	if err != nil {
		return nil, err
	}
	return *value, nil
}

func (s *ContextStorage) Delete(
	ctx context.Context, id api.ExecutionID, key string,
) error {
	return s.client.Del(ctx, s.refKey(id, key)).Err()
}
