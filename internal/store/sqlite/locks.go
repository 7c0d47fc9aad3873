package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowmonkey/engine/pkg/store"
)

type (
	// LockProvider issues TTL advisory locks backed by a single-row
	// upsert: an insert that steals only expired holders
	LockProvider struct {
		handle
	}

	sqliteLock struct {
		handle
		lockKey string
		owner   string
	}
)

func (p *LockProvider) Acquire(
	ctx context.Context, key string, ttl time.Duration,
) (store.Lock, error) {
	owner := uuid.NewString()
	now := time.Now().UnixMilli()
	expires := now + ttl.Milliseconds()

	res, err := p.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (key, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			owner = excluded.owner,
			expires_at = excluded.expires_at
		WHERE expires_at <= ?`,
		p.table("locks")),
		key, owner, expires, now,
	)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, fmt.Errorf("%w: %s", store.ErrLockHeld, key)
	}
	return &sqliteLock{handle: p.handle, lockKey: key, owner: owner}, nil
}

func (l *sqliteLock) Release(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE key = ? AND owner = ?`,
			l.table("locks")),
		l.lockKey, l.owner,
	)
	return err
}
