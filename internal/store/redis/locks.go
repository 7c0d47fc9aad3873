package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/flowmonkey/engine/pkg/store"
)

type (
	// LockProvider issues TTL advisory locks via SET NX PX. The lock
	// value is an owner token so an expired holder cannot release a
	// successor's lock
	LockProvider struct {
		handle
	}

	redisLock struct {
		client *redis.Client
		key    string
		owner  string
	}
)

// releaseScript deletes the lock only when the caller still owns it
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

func (p *LockProvider) Acquire(
	ctx context.Context, key string, ttl time.Duration,
) (store.Lock, error) {
	owner := uuid.NewString()
	lockKey := p.key("lock", key)
	ok, err := p.client.SetNX(ctx, lockKey, owner, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrLockHeld, key)
	}
	return &redisLock{client: p.client, key: lockKey, owner: owner}, nil
}

func (l *redisLock) Release(ctx context.Context) error {
	return releaseScript.Run(
		ctx, l.client, []string{l.key}, l.owner,
	).Err()
}
