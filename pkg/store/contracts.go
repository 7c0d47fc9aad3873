// Package store defines the narrow persistence contracts the engine
// depends on. The engine is indifferent to storage layout provided these
// contracts are honored; memory, Redis, and relational backends are
// provided under internal/store
package store

import (
	"context"
	"errors"
	"time"

	"github.com/flowmonkey/engine/pkg/api"
)

type (
	// ExecutionStore persists execution records. Save is a single-document
	// write; readers observe either the prior or the new state, never a
	// partial one
	ExecutionStore interface {
		Load(ctx context.Context, id api.ExecutionID) (*api.Execution, error)
		Save(ctx context.Context, exec *api.Execution) error
		Delete(ctx context.Context, id api.ExecutionID) error
		ListByStatus(
			ctx context.Context, status api.ExecutionStatus, limit int,
		) ([]*api.Execution, error)
		ListWakeReady(
			ctx context.Context, now time.Time, limit int,
		) ([]*api.Execution, error)
		FindByIdempotencyKey(
			ctx context.Context, flowID api.FlowID, key string,
		) (*api.Execution, error)
		FindChildren(
			ctx context.Context, parent api.ExecutionID,
		) ([]*api.Execution, error)
	}

	// Lock is a held advisory lock
	Lock interface {
		Release(ctx context.Context) error
	}

	// LockProvider issues TTL-bounded advisory locks scoped per key.
	// Acquire returns ErrLockHeld on contention; contention is a soft
	// signal, never a failure of the locked operation
	LockProvider interface {
		Acquire(
			ctx context.Context, key string, ttl time.Duration,
		) (Lock, error)
	}

	// JobStore persists deterministically-keyed work records with lease
	// semantics. Claim-family operations return false, not an error, when
	// the guard condition fails
	JobStore interface {
		GetOrCreate(ctx context.Context, job *api.Job) (*api.Job, bool, error)
		Get(ctx context.Context, id api.JobID) (*api.Job, error)
		Claim(ctx context.Context, id api.JobID, runnerID string) (bool, error)
		ClaimWithInstance(
			ctx context.Context, id api.JobID, runnerID, instanceID string,
		) (bool, error)
		Heartbeat(
			ctx context.Context, id api.JobID, runnerID string,
		) (bool, error)
		Complete(
			ctx context.Context, id api.JobID, runnerID string, result any,
		) (bool, error)
		Fail(
			ctx context.Context, id api.JobID, runnerID string,
			errInfo *api.ErrorInfo,
		) (bool, error)
		Cancel(ctx context.Context, id api.JobID) error
		ListPending(ctx context.Context, limit int) ([]*api.Job, error)
		FindStalled(
			ctx context.Context, now time.Time, limit int,
		) ([]*api.Job, error)
		ResetStalled(ctx context.Context, id api.JobID) (bool, error)
		SaveCheckpoint(
			ctx context.Context, id api.JobID, instanceID string,
			checkpoint any,
		) (bool, error)
		GetCheckpoint(ctx context.Context, id api.JobID) (any, bool, error)
		UpdateProgress(
			ctx context.Context, id api.JobID, instanceID string,
			progress *api.Progress,
		) (bool, error)
	}

	// ContextStorage is the side store for context values that exceed the
	// inline threshold, keyed by (executionID, key)
	ContextStorage interface {
		Put(
			ctx context.Context, id api.ExecutionID, key string, value any,
		) error
		Get(
			ctx context.Context, id api.ExecutionID, key string,
		) (any, error)
		Delete(ctx context.Context, id api.ExecutionID, key string) error
	}

	// ResumeTokenStore persists one-shot resume tokens. MarkUsed and
	// Revoke are conditional transitions from active; they return false
	// when the token was not active
	ResumeTokenStore interface {
		Save(ctx context.Context, token *api.ResumeToken) error
		Get(ctx context.Context, token string) (*api.ResumeToken, error)
		MarkUsed(ctx context.Context, token string, now time.Time) (bool, error)
		Revoke(ctx context.Context, token string) (bool, error)
		ListByExecution(
			ctx context.Context, id api.ExecutionID,
		) ([]*api.ResumeToken, error)
		CleanupExpired(ctx context.Context, now time.Time) (int, error)
	}

	// TableRegistry holds user-defined table definitions
	TableRegistry interface {
		Register(ctx context.Context, def *api.TableDef) error
		Get(ctx context.Context, id string) (*api.TableDef, error)
		List(ctx context.Context) ([]*api.TableDef, error)
		Delete(ctx context.Context, id string) error
	}

	// TableStore holds table rows. Query applies every filter
	// conjunctively
	TableStore interface {
		Insert(ctx context.Context, tableID string, row api.Row) (string, error)
		Get(ctx context.Context, tableID, rowID string) (api.Row, error)
		Update(ctx context.Context, tableID, rowID string, row api.Row) error
		Delete(ctx context.Context, tableID, rowID string) error
		Query(
			ctx context.Context, tableID string, query *api.RowQuery,
		) ([]api.Row, error)
	}

	// WriteAheadLog records pipe inserts that failed transiently until a
	// replay acks them
	WriteAheadLog interface {
		Append(ctx context.Context, entry *api.WALEntry) error
		ReadPending(ctx context.Context, limit int) ([]*api.WALEntry, error)
		Ack(ctx context.Context, id string) error
		IncrementAttempts(ctx context.Context, id string) error
		Compact(ctx context.Context) (int, error)
	}

	// FlowRegistry stores immutable flow templates keyed by (ID, version).
	// Get with an empty version resolves the highest registered version
	FlowRegistry interface {
		Register(ctx context.Context, flow *api.Flow) error
		Get(
			ctx context.Context, id api.FlowID, version string,
		) (*api.Flow, error)
		Latest(ctx context.Context, id api.FlowID) (*api.Flow, error)
		Versions(ctx context.Context, id api.FlowID) ([]string, error)
	}

	// HandlerRegistry maps handler types to implementations. It is
	// process-scoped and mutated during bootstrap only
	HandlerRegistry interface {
		Register(h api.Handler) error
		Get(t api.HandlerType) (api.Handler, bool)
		List() []api.HandlerType
	}

	// EventSink receives lifecycle events as they are emitted. A sink
	// must never block engine progress; failures are the sink's problem
	EventSink interface {
		Emit(event *api.Event)
	}
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrLockHeld      = errors.New("lock held")
	ErrVersionExists = errors.New("flow version already registered")
)
