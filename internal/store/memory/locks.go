package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowmonkey/engine/pkg/store"
)

type (
	// LockProvider hands out per-key advisory locks with TTL expiry
	LockProvider struct {
		locks map[string]*lockEntry
		mu    sync.Mutex
	}

	lockEntry struct {
		expiresAt time.Time
		owner     string
	}

	memLock struct {
		provider *LockProvider
		key      string
		owner    string
	}
)

// NewLockProvider creates an empty in-memory lock provider
func NewLockProvider() *LockProvider {
	return &LockProvider{
		locks: map[string]*lockEntry{},
	}
}

func (p *LockProvider) Acquire(
	_ context.Context, key string, ttl time.Duration,
) (store.Lock, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if held, ok := p.locks[key]; ok && held.expiresAt.After(now) {
		return nil, fmt.Errorf("%w: %s", store.ErrLockHeld, key)
	}
	owner := uuid.NewString()
	p.locks[key] = &lockEntry{
		owner:     owner,
		expiresAt: now.Add(ttl),
	}
	return &memLock{provider: p, key: key, owner: owner}, nil
}

func (l *memLock) Release(context.Context) error {
	l.provider.mu.Lock()
	defer l.provider.mu.Unlock()

	if held, ok := l.provider.locks[l.key]; ok && held.owner == l.owner {
		delete(l.provider.locks, l.key)
	}
	return nil
}

