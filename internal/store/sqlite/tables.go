package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowmonkey/engine/pkg/api"
	"github.com/flowmonkey/engine/pkg/store"
)

type (
	// TableRegistry keeps table definitions as JSON documents
	TableRegistry struct {
		handle
	}

	// TableStore keeps rows as JSON documents; the autoincrement
	// sequence preserves insertion order for queries
	TableStore struct {
		handle
	}
)

func (r *TableRegistry) Register(
	ctx context.Context, def *api.TableDef,
) error {
	if err := def.Validate(); err != nil {
		return err
	}
	copied := *def
	now := time.Now()
	if existing, err := r.Get(ctx, def.ID); err == nil {
		copied.CreatedAt = existing.CreatedAt
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	} else {
		copied.CreatedAt = now
	}
	copied.UpdatedAt = now

	data, err := encode(&copied)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, data) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data`,
		r.table("table_defs")),
		def.ID, data,
	)
	return err
}

func (r *TableRegistry) Get(
	ctx context.Context, id string,
) (*api.TableDef, error) {
	var data string
	err := r.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT data FROM %s WHERE id = ?`,
			r.table("table_defs")),
		id,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: table %s", store.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return decode[api.TableDef](data)
}

func (r *TableRegistry) List(ctx context.Context) ([]*api.TableDef, error) {
	rows, err := r.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT data FROM %s ORDER BY id ASC`,
			r.table("table_defs")),
	)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var res []*api.TableDef
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		def, err := decode[api.TableDef](data)
		if err != nil {
			return nil, err
		}
		res = append(res, def)
	}
	return res, rows.Err()
}

func (r *TableRegistry) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id = ?`,
			r.table("table_defs")),
		id,
	)
	return err
}

func (s *TableStore) Insert(
	ctx context.Context, tableID string, row api.Row,
) (string, error) {
	rowID := uuid.NewString()
	stored := make(api.Row, len(row)+1)
	for k, v := range row {
		stored[k] = v
	}
	stored["id"] = rowID
	data, err := encode(stored)
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (table_id, row_id, data) VALUES (?, ?, ?)`,
		s.table("rows")),
		tableID, rowID, data,
	)
	if err != nil {
		return "", err
	}
	return rowID, nil
}

func (s *TableStore) Get(
	ctx context.Context, tableID, rowID string,
) (api.Row, error) {
	var data string
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT data FROM %s WHERE table_id = ? AND row_id = ?`,
		s.table("rows")),
		tableID, rowID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf(
			"%w: row %s/%s", store.ErrNotFound, tableID, rowID)
	}
	if err != nil {
		return nil, err
	}
	row, err := decode[api.Row](data)
	if err != nil {
		return nil, err
	}
	return *row, nil
}

func (s *TableStore) Update(
	ctx context.Context, tableID, rowID string, row api.Row,
) error {
	stored := make(api.Row, len(row)+1)
	for k, v := range row {
		stored[k] = v
	}
	stored["id"] = rowID
	data, err := encode(stored)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET data = ? WHERE table_id = ? AND row_id = ?`,
		s.table("rows")),
		data, tableID, rowID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf(
			"%w: row %s/%s", store.ErrNotFound, tableID, rowID)
	}
	return nil
}

func (s *TableStore) Delete(
	ctx context.Context, tableID, rowID string,
) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE table_id = ? AND row_id = ?`,
		s.table("rows")),
		tableID, rowID,
	)
	return err
}

func (s *TableStore) Query(
	ctx context.Context, tableID string, query *api.RowQuery,
) ([]api.Row, error) {
	if query == nil {
		query = &api.RowQuery{}
	}
	if err := query.Validate(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT data FROM %s WHERE table_id = ? ORDER BY seq ASC`,
		s.table("rows")),
		tableID,
	)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var res []api.Row
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		decoded, err := decode[api.Row](data)
		if err != nil {
			return nil, err
		}
		row := *decoded
		if !rowMatches(row, query.Filters) {
			continue
		}
		res = append(res, row)
		if query.Limit > 0 && len(res) >= query.Limit {
			break
		}
	}
	return res, rows.Err()
}

func rowMatches(row api.Row, filters []*api.Filter) bool {
	for _, f := range filters {
		if !f.Matches(row) {
			return false
		}
	}
	return true
}
