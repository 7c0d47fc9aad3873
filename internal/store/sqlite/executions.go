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

// ExecutionStore persists executions as JSON documents with the status,
// wake, idempotency, and parent columns the engine queries on
type ExecutionStore struct {
	handle
}

func (s *ExecutionStore) Load(
	ctx context.Context, id api.ExecutionID,
) (*api.Execution, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT data FROM %s WHERE id = ?`,
			s.table("executions")),
		string(id),
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: execution %s", store.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return decode[api.Execution](data)
}

func (s *ExecutionStore) Save(
	ctx context.Context, exec *api.Execution,
) error {
	data, err := encode(exec)
	if err != nil {
		return err
	}
	var wakeAt, idemExpires any
	if exec.WakeAt != nil {
		wakeAt = exec.WakeAt.UnixMilli()
	}
	if exec.IdempotencyExpiresAt != nil {
		idemExpires = exec.IdempotencyExpiresAt.UnixMilli()
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, flow_id, status, wake_at, idempotency_key,
			idempotency_expires_at, parent_id, created_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			wake_at = excluded.wake_at,
			idempotency_key = excluded.idempotency_key,
			idempotency_expires_at = excluded.idempotency_expires_at,
			data = excluded.data`,
		s.table("executions")),
		string(exec.ID), string(exec.FlowID), string(exec.Status),
		wakeAt, exec.IdempotencyKey, idemExpires,
		string(exec.ParentExecutionID), exec.CreatedAt.UnixMilli(), data,
	)
	return err
}

func (s *ExecutionStore) Delete(
	ctx context.Context, id api.ExecutionID,
) error {
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id = ?`,
			s.table("executions")),
		string(id),
	)
	return err
}

func (s *ExecutionStore) ListByStatus(
	ctx context.Context, status api.ExecutionStatus, limit int,
) ([]*api.Execution, error) {
	return s.query(ctx, fmt.Sprintf(`
		SELECT data FROM %s WHERE status = ?
		ORDER BY created_at ASC %s`,
		s.table("executions"), limitClause(limit)),
		string(status),
	)
}

func (s *ExecutionStore) ListWakeReady(
	ctx context.Context, now time.Time, limit int,
) ([]*api.Execution, error) {
	return s.query(ctx, fmt.Sprintf(`
		SELECT data FROM %s
		WHERE status = ? AND wake_at IS NOT NULL AND wake_at <= ?
		ORDER BY wake_at ASC %s`,
		s.table("executions"), limitClause(limit)),
		string(api.ExecutionWaiting), now.UnixMilli(),
	)
}

func (s *ExecutionStore) FindByIdempotencyKey(
	ctx context.Context, flowID api.FlowID, key string,
) (*api.Execution, error) {
	var data string
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT data FROM %s
		WHERE flow_id = ? AND idempotency_key = ?
		ORDER BY created_at DESC LIMIT 1`,
		s.table("executions")),
		string(flowID), key,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf(
			"%w: idempotency key %s", store.ErrNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	return decode[api.Execution](data)
}

func (s *ExecutionStore) FindChildren(
	ctx context.Context, parent api.ExecutionID,
) ([]*api.Execution, error) {
	return s.query(ctx, fmt.Sprintf(`
		SELECT data FROM %s WHERE parent_id = ?
		ORDER BY created_at ASC`,
		s.table("executions")),
		string(parent),
	)
}

func (s *ExecutionStore) query(
	ctx context.Context, query string, args ...any,
) ([]*api.Execution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var res []*api.Execution
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		exec, err := decode[api.Execution](data)
		if err != nil {
			return nil, err
		}
		res = append(res, exec)
	}
	return res, rows.Err()
}

func limitClause(limit int) string {
	if limit > 0 {
		return fmt.Sprintf("LIMIT %d", limit)
	}
	return ""
}
