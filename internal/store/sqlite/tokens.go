package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/flowmonkey/engine/pkg/api"
	"github.com/flowmonkey/engine/pkg/store"
)

// TokenStore persists resume tokens keyed by their opaque value. Lookup
// is exact-match; token values never appear in pattern queries
type TokenStore struct {
	handle
}

func (s *TokenStore) Save(
	ctx context.Context, token *api.ResumeToken,
) error {
	data, err := encode(token)
	if err != nil {
		return err
	}
	var expires any
	if token.ExpiresAt != nil {
		expires = token.ExpiresAt.UnixMilli()
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (token, execution_id, status, expires_at, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET
			status = excluded.status,
			expires_at = excluded.expires_at,
			data = excluded.data`,
		s.table("tokens")),
		token.Token, string(token.ExecutionID), string(token.Status),
		expires, data,
	)
	return err
}

func (s *TokenStore) Get(
	ctx context.Context, token string,
) (*api.ResumeToken, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT data FROM %s WHERE token = ?`,
			s.table("tokens")),
		token,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: resume token", store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return decode[api.ResumeToken](data)
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
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT data FROM %s WHERE execution_id = ?`,
		s.table("tokens")),
		string(id),
	)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var res []*api.ResumeToken
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		rec, err := decode[api.ResumeToken](data)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

func (s *TokenStore) CleanupExpired(
	ctx context.Context, now time.Time,
) (int, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT token FROM %s
		WHERE status = ? AND expires_at IS NOT NULL AND expires_at <= ?`,
		s.table("tokens")),
		string(api.TokenActive), now.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	var expired []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			_ = rows.Close()
			return 0, err
		}
		expired = append(expired, token)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	count := 0
	for _, token := range expired {
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

// transition applies a conditional status change inside a transaction. A
// missing token reports a failed transition, not an error
func (s *TokenStore) transition(
	ctx context.Context, token string, fn func(*api.ResumeToken) bool,
) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var data string
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT data FROM %s WHERE token = ?`,
			s.table("tokens")),
		token,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	rec, err := decode[api.ResumeToken](data)
	if err != nil {
		return false, err
	}
	if !fn(rec) {
		return false, nil
	}
	payload, err := encode(rec)
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET status = ?, data = ? WHERE token = ?`,
		s.table("tokens")),
		string(rec.Status), payload, token,
	); err != nil {
		return false, err
	}
	return true, tx.Commit()
}
