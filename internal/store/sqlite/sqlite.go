// Package sqlite provides a single-file relational backend for the store
// contracts. Records are stored as JSON documents alongside the columns
// the engine queries on; lease guards run inside transactions, which the
// single-writer connection serializes. Table names carry a configurable
// prefix so several deployments can share a database file
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

type (
	// Stores bundles one of each sqlite backend sharing a database
	// handle and table prefix
	Stores struct {
		Executions *ExecutionStore
		Locks      *LockProvider
		Jobs       *JobStore
		Tokens     *TokenStore
		Tables     *TableRegistry
		Rows       *TableStore
		WAL        *WriteAheadLog
		Flows      *FlowRegistry
		Context    *ContextStorage

		db *sql.DB
	}

	handle struct {
		db     *sql.DB
		prefix string
	}
)

// Open creates a sqlite-backed store set at the given path (":memory:"
// for tests), migrating the schema on first use
func Open(path, prefix string) (*Stores, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// sqlite supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	h := handle{db: db, prefix: prefix}
	if err := migrate(ctx, h); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Stores{
		Executions: &ExecutionStore{handle: h},
		Locks:      &LockProvider{handle: h},
		Jobs:       &JobStore{handle: h},
		Tokens:     &TokenStore{handle: h},
		Tables:     &TableRegistry{handle: h},
		Rows:       &TableStore{handle: h},
		WAL:        &WriteAheadLog{handle: h},
		Flows:      &FlowRegistry{handle: h},
		Context:    &ContextStorage{handle: h},
		db:         db,
	}, nil
}

// Close closes the underlying database
func (s *Stores) Close() error {
	return s.db.Close()
}

func (h *handle) table(name string) string {
	return h.prefix + "_" + name
}

func migrate(ctx context.Context, h handle) error {
	schemas := []string{
		`CREATE TABLE IF NOT EXISTS %executions% (
			id TEXT PRIMARY KEY,
			flow_id TEXT NOT NULL,
			status TEXT NOT NULL,
			wake_at INTEGER,
			idempotency_key TEXT,
			idempotency_expires_at INTEGER,
			parent_id TEXT,
			created_at INTEGER NOT NULL,
			data TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS %executions%_status
			ON %executions%(status)`,
		`CREATE INDEX IF NOT EXISTS %executions%_wake
			ON %executions%(status, wake_at)`,
		`CREATE INDEX IF NOT EXISTS %executions%_idem
			ON %executions%(flow_id, idempotency_key)`,
		`CREATE INDEX IF NOT EXISTS %executions%_parent
			ON %executions%(parent_id)`,
		`CREATE TABLE IF NOT EXISTS %locks% (
			key TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS %jobs% (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			status TEXT NOT NULL,
			heartbeat_at INTEGER,
			created_at INTEGER NOT NULL,
			data TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS %jobs%_status
			ON %jobs%(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS %jobs%_execution
			ON %jobs%(execution_id)`,
		`CREATE TABLE IF NOT EXISTS %tokens% (
			token TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			status TEXT NOT NULL,
			expires_at INTEGER,
			data TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS %tokens%_execution
			ON %tokens%(execution_id)`,
		`CREATE TABLE IF NOT EXISTS %table_defs% (
			id TEXT PRIMARY KEY,
			data TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS %rows% (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			table_id TEXT NOT NULL,
			row_id TEXT NOT NULL,
			data TEXT NOT NULL,
			UNIQUE(table_id, row_id)
		)`,
		`CREATE TABLE IF NOT EXISTS %wal% (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			acked INTEGER NOT NULL DEFAULT 0,
			data TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS %flows% (
			id TEXT NOT NULL,
			version TEXT NOT NULL,
			data TEXT NOT NULL,
			PRIMARY KEY(id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS %context% (
			execution_id TEXT NOT NULL,
			key TEXT NOT NULL,
			data TEXT NOT NULL,
			PRIMARY KEY(execution_id, key)
		)`,
	}
	replacer := strings.NewReplacer(
		"%executions%", h.table("executions"),
		"%locks%", h.table("locks"),
		"%jobs%", h.table("jobs"),
		"%tokens%", h.table("tokens"),
		"%table_defs%", h.table("table_defs"),
		"%rows%", h.table("rows"),
		"%wal%", h.table("wal"),
		"%flows%", h.table("flows"),
		"%context%", h.table("context"),
	)
	for _, schema := range schemas {
		if _, err := h.db.ExecContext(
			ctx, replacer.Replace(schema),
		); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func encode(value any) (string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decode[T any](data string) (*T, error) {
	var out T
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, err
	}
	return &out, nil
}
