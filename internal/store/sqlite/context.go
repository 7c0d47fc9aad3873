package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/flowmonkey/engine/pkg/api"
	"github.com/flowmonkey/engine/pkg/store"
)

// ContextStorage keeps offloaded context values as JSON keyed by
// (executionID, key)
type ContextStorage struct {
	handle
}

func (s *ContextStorage) Put(
	ctx context.Context, id api.ExecutionID, key string, value any,
) error {
	data, err := encode(value)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (execution_id, key, data) VALUES (?, ?, ?)
		ON CONFLICT(execution_id, key) DO UPDATE SET
			data = excluded.data`,
		s.table("context")),
		string(id), key, data,
	)
	return err
}

func (s *ContextStorage) Get(
	ctx context.Context, id api.ExecutionID, key string,
) (any, error) {
	var data string
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT data FROM %s WHERE execution_id = ? AND key = ?`,
		s.table("context")),
		string(id), key,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf(
			"%w: context value %s/%s", store.ErrNotFound, id, key)
	}
	if err != nil {
		return nil, err
	}
	value, err := decode[any](data)
	if err != nil {
		return nil, err
	}
	return *value, nil
}

func (s *ContextStorage) Delete(
	ctx context.Context, id api.ExecutionID, key string,
) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE execution_id = ? AND key = ?`,
		s.table("context")),
		string(id), key,
	)
	return err
}
