package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flowmonkey/engine/pkg/api"
	"github.com/flowmonkey/engine/pkg/store"
)

// TokenStore keeps resume tokens in a map keyed by token string
type TokenStore struct {
	tokens map[string]*api.ResumeToken
	mu     sync.Mutex
}

// NewTokenStore creates an empty in-memory token store
func NewTokenStore() *TokenStore {
	return &TokenStore{
		tokens: map[string]*api.ResumeToken{},
	}
}

func (s *TokenStore) Save(_ context.Context, token *api.ResumeToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *token
	s.tokens[token.Token] = &copied
	return nil
}

func (s *TokenStore) Get(
	_ context.Context, token string,
) (*api.ResumeToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// constant-time match so lookups don't leak token prefixes
	for value, rec := range s.tokens {
		if api.TokensEqual(value, token) {
			copied := *rec
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("%w: resume token", store.ErrNotFound)
}

func (s *TokenStore) MarkUsed(
	_ context.Context, token string, now time.Time,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tokens[token]
	if !ok || rec.Status != api.TokenActive || rec.IsExpired(now) {
		return false, nil
	}
	rec.Status = api.TokenUsed
	usedAt := now
	rec.UsedAt = &usedAt
	return true, nil
}

func (s *TokenStore) Revoke(_ context.Context, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tokens[token]
	if !ok || rec.Status != api.TokenActive {
		return false, nil
	}
	rec.Status = api.TokenRevoked
	return true, nil
}

func (s *TokenStore) ListByExecution(
	_ context.Context, id api.ExecutionID,
) ([]*api.ResumeToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res []*api.ResumeToken
	for _, rec := range s.tokens {
		if rec.ExecutionID == id {
			copied := *rec
			res = append(res, &copied)
		}
	}
	return res, nil
}

func (s *TokenStore) CleanupExpired(
	_ context.Context, now time.Time,
) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, rec := range s.tokens {
		if rec.Status == api.TokenActive && rec.IsExpired(now) {
			rec.Status = api.TokenExpired
			count++
		}
	}
	return count, nil
}
