package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowmonkey/engine/pkg/api"
	"github.com/flowmonkey/engine/pkg/store"
)

// TokenStore persists resume tokens keyed by their opaque value, with a
// per-execution set and a global set for expiry sweeps. Key lookup is
// exact-match; token values never appear in scan patterns
type TokenStore struct {
	handle
}

func (s *TokenStore) recordKey(token string) string {
	return s.key("token", token)
}

func (s *TokenStore) execKey(id api.ExecutionID) string {
	return s.key("token", "exec", string(id))
}

func (s *TokenStore) allKey() string {
	return s.key("token", "all")
}

func (s *TokenStore) Save(
	ctx context.Context, token *api.ResumeToken,
) error {
	data, err := marshal(token)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.recordKey(token.Token), data, 0)
		p.SAdd(ctx, s.execKey(token.ExecutionID), token.Token)
		p.SAdd(ctx, s.allKey(), token.Token)
		return nil
	})
	return err
}

func (s *TokenStore) Get(
	ctx context.Context, token string,
) (*api.ResumeToken, error) {
	data, err := s.client.Get(ctx, s.recordKey(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: resume token", store.ErrNotFound)
		}
		return nil, err
	}
	return unmarshal[api.ResumeToken](data)
}

func (s *TokenStore) MarkUsed(
	ctx context.Context, token string, now time.Time,
) (bool, error) {
	return s.transition(ctx, token, func(rec *api.ResumeToken) bool {
		if rec.Status != api.TokenActive || rec.IsExpired(now) {
			return false
		}
		rec.Status = api.TokenUsed
		usedAt := now
		rec.UsedAt = &usedAt
		return true
	})
}

func (s *TokenStore) Revoke(
	ctx context.Context, token string,
) (bool, error) {
	return s.transition(ctx, token, func(rec *api.ResumeToken) bool {
		if rec.Status != api.TokenActive {
			return false
		}
		rec.Status = api.TokenRevoked
		return true
	})
}

func (s *TokenStore) ListByExecution(
	ctx context.Context, id api.ExecutionID,
) ([]*api.ResumeToken, error) {
	tokens, err := s.client.SMembers(ctx, s.execKey(id)).Result()
	if err != nil {
		return nil, err
	}
	res := make([]*api.ResumeToken, 0, len(tokens))
	for _, token := range tokens {
		rec, err := s.Get(ctx, token)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		res = append(res, rec)
	}
	return res, nil
}

func (s *TokenStore) CleanupExpired(
	ctx context.Context, now time.Time,
) (int, error) {
	tokens, err := s.client.SMembers(ctx, s.allKey()).Result()
	if err != nil {
		return 0, err
	}
	count := 0
	for _, token := range tokens {
		ok, err := s.transition(ctx, token,
			func(rec *api.ResumeToken) bool {
				if rec.Status != api.TokenActive || !rec.IsExpired(now) {
					return false
				}
				rec.Status = api.TokenExpired
				return true
			})
		if err != nil {
			return count, err
		}
		if ok {
			count++
		}
	}
	return count, nil
}

// transition applies a conditional status change inside a WATCH
// transaction. A missing token reports a failed transition, not an error
func (s *TokenStore) transition(
	ctx context.Context, token string, fn func(*api.ResumeToken) bool,
) (bool, error) {
	key := s.recordKey(token)
	var applied bool

	txn := func(tx *redis.Tx) error {
		applied = false
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil
			}
			return err
		}
		rec, err := unmarshal[api.ResumeToken](data)
		if err != nil {
			return err
		}
		if !fn(rec) {
			return nil
		}
		payload, err := marshal(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, payload, 0)
			return nil
		})
		if err == nil {
			applied = true
		}
		return err
	}

	for range maxTxRetries {
		err := s.client.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return applied, err
	}
	return false, redis.TxFailedErr
}
