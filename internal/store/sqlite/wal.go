package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/flowmonkey/engine/pkg/api"
	"github.com/flowmonkey/engine/pkg/store"
)

// WriteAheadLog persists failed pipe inserts; the autoincrement sequence
// preserves append order for replay
type WriteAheadLog struct {
	handle
}

func (w *WriteAheadLog) Append(
	ctx context.Context, entry *api.WALEntry,
) error {
	copied := *entry
	if copied.ID == "" {
		copied.ID = uuid.NewString()
	}
	data, err := encode(&copied)
	if err != nil {
		return err
	}
	_, err = w.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, acked, data) VALUES (?, 0, ?)`,
		w.table("wal")),
		copied.ID, data,
	)
	return err
}

func (w *WriteAheadLog) ReadPending(
	ctx context.Context, limit int,
) ([]*api.WALEntry, error) {
	rows, err := w.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT data FROM %s WHERE acked = 0 ORDER BY seq ASC %s`,
		w.table("wal"), limitClause(limit)),
	)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var res []*api.WALEntry
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		entry, err := decode[api.WALEntry](data)
		if err != nil {
			return nil, err
		}
		res = append(res, entry)
	}
	return res, rows.Err()
}

func (w *WriteAheadLog) Ack(ctx context.Context, id string) error {
	return w.mutate(ctx, id, func(entry *api.WALEntry) {
		entry.Acked = true
	})
}

func (w *WriteAheadLog) IncrementAttempts(
	ctx context.Context, id string,
) error {
	return w.mutate(ctx, id, func(entry *api.WALEntry) {
		entry.Attempts++
	})
}

func (w *WriteAheadLog) Compact(ctx context.Context) (int, error) {
	res, err := w.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE acked = 1`, w.table("wal")),
	)
	if err != nil {
		return 0, err
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(removed), nil
}

func (w *WriteAheadLog) mutate(
	ctx context.Context, id string, fn func(*api.WALEntry),
) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var data string
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT data FROM %s WHERE id = ?`, w.table("wal")),
		id,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: wal entry %s", store.ErrNotFound, id)
	}
	if err != nil {
		return err
	}
	entry, err := decode[api.WALEntry](data)
	if err != nil {
		return err
	}
	fn(entry)
	payload, err := encode(entry)
	if err != nil {
		return err
	}
	acked := 0
	if entry.Acked {
		acked = 1
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET acked = ?, data = ? WHERE id = ?`,
		w.table("wal")),
		acked, payload, id,
	); err != nil {
		return err
	}
	return tx.Commit()
}
