package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"github.com/flowmonkey/engine/pkg/api"
	"github.com/flowmonkey/engine/pkg/store"
)

// FlowRegistry persists immutable flow templates keyed by (ID, version)
type FlowRegistry struct {
	handle
}

func (r *FlowRegistry) Register(
	ctx context.Context, flow *api.Flow,
) error {
	if err := flow.Validate(); err != nil {
		return err
	}
	data, err := encode(flow)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, version, data) VALUES (?, ?, ?)
		ON CONFLICT(id, version) DO NOTHING`,
		r.table("flows")),
		string(flow.ID), flow.Version, data,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s@%s",
			store.ErrVersionExists, flow.ID, flow.Version)
	}
	return nil
}

func (r *FlowRegistry) Get(
	ctx context.Context, id api.FlowID, version string,
) (*api.Flow, error) {
	if version == "" {
		return r.Latest(ctx, id)
	}
	var data string
	err := r.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT data FROM %s WHERE id = ? AND version = ?`,
		r.table("flows")),
		string(id), version,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf(
			"%w: flow %s@%s", store.ErrNotFound, id, version)
	}
	if err != nil {
		return nil, err
	}
	return decode[api.Flow](data)
}

func (r *FlowRegistry) Latest(
	ctx context.Context, id api.FlowID,
) (*api.Flow, error) {
	versions, err := r.Versions(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: flow %s", store.ErrNotFound, id)
	}
	return r.Get(ctx, id, versions[len(versions)-1])
}

func (r *FlowRegistry) Versions(
	ctx context.Context, id api.FlowID,
) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT version FROM %s WHERE id = ?`,
			r.table("flows")),
		string(id),
	)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var versions []string
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		versions = append(versions, version)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.SortFunc(versions, api.CompareVersions)
	return versions, nil
}
