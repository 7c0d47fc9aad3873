package redis_test

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rstore "github.com/flowmonkey/engine/internal/store/redis"
	"github.com/flowmonkey/engine/pkg/api"
	"github.com/flowmonkey/engine/pkg/store"
)

func newStores(t *testing.T) (*rstore.Stores, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: server.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})
	return rstore.NewStores(client, "fmtest"), server
}

func TestExecutionRoundTrip(t *testing.T) {
	stores, _ := newStores(t)
	ctx := t.Context()

	exec := &api.Execution{
		ID:            "e1",
		FlowID:        "order-flow",
		FlowVersion:   "1.0.0",
		CurrentStepID: "start",
		Status:        api.ExecutionPending,
		Context:       api.Context{"n": float64(1)},
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, stores.Executions.Save(ctx, exec))

	got, err := stores.Executions.Load(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, exec.FlowID, got.FlowID)
	assert.Equal(t, exec.Context, got.Context)

	_, err = stores.Executions.Load(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExecutionStatusIndex(t *testing.T) {
	stores, _ := newStores(t)
	ctx := t.Context()

	exec := &api.Execution{
		ID:        "e1",
		FlowID:    "f",
		Status:    api.ExecutionPending,
		Context:   api.Context{},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, stores.Executions.Save(ctx, exec))

	pending, err := stores.Executions.ListByStatus(
		ctx, api.ExecutionPending, 10,
	)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	exec.Status = api.ExecutionRunning
	require.NoError(t, stores.Executions.Save(ctx, exec))

	pending, err = stores.Executions.ListByStatus(
		ctx, api.ExecutionPending, 10,
	)
	require.NoError(t, err)
	assert.Empty(t, pending)
	running, err := stores.Executions.ListByStatus(
		ctx, api.ExecutionRunning, 10,
	)
	require.NoError(t, err)
	assert.Len(t, running, 1)
}

func TestExecutionWakeIndex(t *testing.T) {
	stores, _ := newStores(t)
	ctx := t.Context()
	now := time.Now().UTC()

	due := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	for id, wake := range map[api.ExecutionID]time.Time{
		"due": due, "future": future,
	} {
		w := wake
		require.NoError(t, stores.Executions.Save(ctx, &api.Execution{
			ID:        id,
			FlowID:    "f",
			Status:    api.ExecutionWaiting,
			WakeAt:    &w,
			Context:   api.Context{},
			CreatedAt: now,
		}))
	}

	ready, err := stores.Executions.ListWakeReady(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, api.ExecutionID("due"), ready[0].ID)
}

func TestExecutionIdempotencyPointer(t *testing.T) {
	stores, _ := newStores(t)
	ctx := t.Context()
	expires := time.Now().Add(time.Hour)

	require.NoError(t, stores.Executions.Save(ctx, &api.Execution{
		ID:                   "e1",
		FlowID:               "pay",
		Status:               api.ExecutionPending,
		Context:              api.Context{},
		IdempotencyKey:       "k1",
		IdempotencyExpiresAt: &expires,
		CreatedAt:            time.Now().UTC(),
	}))

	got, err := stores.Executions.FindByIdempotencyKey(ctx, "pay", "k1")
	require.NoError(t, err)
	assert.Equal(t, api.ExecutionID("e1"), got.ID)

	_, err = stores.Executions.FindByIdempotencyKey(ctx, "pay", "k2")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = stores.Executions.FindByIdempotencyKey(ctx, "other", "k1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExecutionChildren(t *testing.T) {
	stores, _ := newStores(t)
	ctx := t.Context()

	require.NoError(t, stores.Executions.Save(ctx, &api.Execution{
		ID: "parent", FlowID: "f", Status: api.ExecutionRunning,
		Context: api.Context{}, CreatedAt: time.Now().UTC(),
	}))
	for _, id := range []api.ExecutionID{"c1", "c2"} {
		require.NoError(t, stores.Executions.Save(ctx, &api.Execution{
			ID: id, FlowID: "f", Status: api.ExecutionPending,
			ParentExecutionID: "parent",
			Context:           api.Context{},
			CreatedAt:         time.Now().UTC(),
		}))
	}

	children, err := stores.Executions.FindChildren(ctx, "parent")
	require.NoError(t, err)
	assert.Len(t, children, 2)
}

func TestLockAcquireContention(t *testing.T) {
	stores, server := newStores(t)
	ctx := t.Context()

	lock, err := stores.Locks.Acquire(ctx, "exec:e1", time.Minute)
	require.NoError(t, err)

	_, err = stores.Locks.Acquire(ctx, "exec:e1", time.Minute)
	assert.ErrorIs(t, err, store.ErrLockHeld)

	require.NoError(t, lock.Release(ctx))
	second, err := stores.Locks.Acquire(ctx, "exec:e1", time.Minute)
	require.NoError(t, err)

	// TTL expiry frees the key without a release
	server.FastForward(2 * time.Minute)
	_, err = stores.Locks.Acquire(ctx, "exec:e1", time.Minute)
	require.NoError(t, err)

	// the expired holder must not release the successor's lock
	require.NoError(t, second.Release(ctx))
	_, err = stores.Locks.Acquire(ctx, "exec:e1", time.Minute)
	assert.ErrorIs(t, err, store.ErrLockHeld)
}

func newJob(t *testing.T, input any) *api.Job {
	t.Helper()
	id, err := api.NewJobID(api.JobKey{
		ExecutionID: "e1",
		StepID:      "s1",
		Handler:     "batch",
		Input:       input,
	})
	require.NoError(t, err)
	return &api.Job{
		ID:          id,
		ExecutionID: "e1",
		StepID:      "s1",
		Handler:     "batch",
		Input:       input,
		Status:      api.JobPending,
		HeartbeatMs: api.DefaultJobHeartbeatMs,
		MaxAttempts: api.DefaultJobMaxAttempts,
		CreatedAt:   time.Now().UTC(),
	}
}

func TestJobLeaseLifecycle(t *testing.T) {
	stores, _ := newStores(t)
	ctx := t.Context()

	job, created, err := stores.Jobs.GetOrCreate(ctx, newJob(t, nil))
	require.NoError(t, err)
	assert.True(t, created)

	_, created, err = stores.Jobs.GetOrCreate(ctx, newJob(t, nil))
	require.NoError(t, err)
	assert.False(t, created)

	pending, err := stores.Jobs.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	ok, err := stores.Jobs.ClaimWithInstance(ctx, job.ID, "r1", "i1")
	require.NoError(t, err)
	assert.True(t, ok)

	// a second claim loses
	ok, err = stores.Jobs.Claim(ctx, job.ID, "r2")
	require.NoError(t, err)
	assert.False(t, ok)

	pending, err = stores.Jobs.ListPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// only the claiming runner may complete
	ok, err = stores.Jobs.Complete(ctx, job.ID, "r2", "x")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = stores.Jobs.Complete(ctx, job.ID, "r1",
		map[string]any{"rows": 3})
	require.NoError(t, err)
	assert.True(t, ok)

	final, err := stores.Jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, api.JobCompleted, final.Status)
}

func TestJobCheckpointGuards(t *testing.T) {
	stores, _ := newStores(t)
	ctx := t.Context()

	job, _, err := stores.Jobs.GetOrCreate(ctx, newJob(t, "in"))
	require.NoError(t, err)
	ok, err := stores.Jobs.ClaimWithInstance(ctx, job.ID, "r1", "i1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = stores.Jobs.SaveCheckpoint(ctx, job.ID, "i1",
		map[string]any{"offset": float64(10)})
	require.NoError(t, err)
	assert.True(t, ok)

	// a stale instance cannot write
	ok, err = stores.Jobs.SaveCheckpoint(ctx, job.ID, "i0", "stale")
	require.NoError(t, err)
	assert.False(t, ok)

	cp, found, err := stores.Jobs.GetCheckpoint(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, map[string]any{"offset": float64(10)}, cp)
}

func TestJobStallReset(t *testing.T) {
	stores, _ := newStores(t)
	ctx := t.Context()

	rec := newJob(t, nil)
	rec.HeartbeatMs = 10
	job, _, err := stores.Jobs.GetOrCreate(ctx, rec)
	require.NoError(t, err)
	ok, err := stores.Jobs.Claim(ctx, job.ID, "r1")
	require.NoError(t, err)
	require.True(t, ok)

	stalled, err := stores.Jobs.FindStalled(
		ctx, time.Now().Add(time.Minute), 10,
	)
	require.NoError(t, err)
	require.Len(t, stalled, 1)

	reset, err := stores.Jobs.ResetStalled(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, reset)

	got, err := stores.Jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, api.JobPending, got.Status)
	assert.Empty(t, got.RunnerID)
}

func TestTokenOneShot(t *testing.T) {
	stores, _ := newStores(t)
	ctx := t.Context()
	now := time.Now().UTC()

	token := &api.ResumeToken{
		Token:       api.NewTokenString(),
		ExecutionID: "e1",
		StepID:      "s1",
		Status:      api.TokenActive,
		CreatedAt:   now,
	}
	require.NoError(t, stores.Tokens.Save(ctx, token))

	ok, err := stores.Tokens.MarkUsed(ctx, token.Token, now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = stores.Tokens.MarkUsed(ctx, token.Token, now)
	require.NoError(t, err)
	assert.False(t, ok)

	listed, err := stores.Tokens.ListByExecution(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, api.TokenUsed, listed[0].Status)
}

func TestTokenExpiryCleanup(t *testing.T) {
	stores, _ := newStores(t)
	ctx := t.Context()
	now := time.Now().UTC()
	past := now.Add(-time.Minute)

	expired := &api.ResumeToken{
		Token:       api.NewTokenString(),
		ExecutionID: "e1",
		Status:      api.TokenActive,
		ExpiresAt:   &past,
		CreatedAt:   now.Add(-time.Hour),
	}
	live := &api.ResumeToken{
		Token:       api.NewTokenString(),
		ExecutionID: "e1",
		Status:      api.TokenActive,
		CreatedAt:   now,
	}
	require.NoError(t, stores.Tokens.Save(ctx, expired))
	require.NoError(t, stores.Tokens.Save(ctx, live))

	ok, err := stores.Tokens.MarkUsed(ctx, expired.Token, now)
	require.NoError(t, err)
	assert.False(t, ok)

	count, err := stores.Tokens.CleanupExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := stores.Tokens.Get(ctx, expired.Token)
	require.NoError(t, err)
	assert.Equal(t, api.TokenExpired, got.Status)
}

func TestTableRowsAndQuery(t *testing.T) {
	stores, _ := newStores(t)
	ctx := t.Context()

	require.NoError(t, stores.Tables.Register(ctx, &api.TableDef{
		ID: "orders",
		Columns: []*api.Column{
			{ID: "order_id", Name: "Order", Type: api.ColumnString,
				Required: true},
			{ID: "total", Name: "Total", Type: api.ColumnNumber},
		},
	}))
	def, err := stores.Tables.Get(ctx, "orders")
	require.NoError(t, err)
	assert.Len(t, def.Columns, 2)

	for i, total := range []float64{10, 20, 30} {
		_, err := stores.Rows.Insert(ctx, "orders", api.Row{
			"order_id": string(rune('a' + i)),
			"total":    total,
		})
		require.NoError(t, err)
	}

	rows, err := stores.Rows.Query(ctx, "orders", &api.RowQuery{
		Filters: []*api.Filter{{
			ColumnID: "total", Op: api.FilterGte, Value: float64(20),
		}},
	})
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	rows, err = stores.Rows.Query(ctx, "orders", &api.RowQuery{Limit: 1})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "a", rows[0]["order_id"])
}

func TestWALPendingAckCompact(t *testing.T) {
	stores, _ := newStores(t)
	ctx := t.Context()

	for i := range 3 {
		require.NoError(t, stores.WAL.Append(ctx, &api.WALEntry{
			TableID:   "orders",
			Data:      api.Row{"n": float64(i)},
			Error:     "insert unavailable",
			Attempts:  1,
			CreatedAt: time.Now().UTC(),
		}))
	}

	pending, err := stores.WAL.ReadPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 3)

	require.NoError(t, stores.WAL.Ack(ctx, pending[0].ID))
	require.NoError(t, stores.WAL.IncrementAttempts(ctx, pending[1].ID))

	pending, err = stores.WAL.ReadPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, 2, pending[0].Attempts)

	removed, err := stores.WAL.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestFlowVersions(t *testing.T) {
	stores, _ := newStores(t)
	ctx := t.Context()

	flow := func(version string) *api.Flow {
		return &api.Flow{
			ID:            "order-flow",
			Version:       version,
			InitialStepID: "only",
			Steps: map[api.StepID]*api.Step{
				"only": {
					Type: "noop",
					Transitions: api.Transitions{
						api.TransitionSuccess: nil,
					},
				},
			},
		}
	}
	require.NoError(t, stores.Flows.Register(ctx, flow("1.0.0")))
	require.NoError(t, stores.Flows.Register(ctx, flow("1.10.0")))
	require.NoError(t, stores.Flows.Register(ctx, flow("1.2.0")))

	err := stores.Flows.Register(ctx, flow("1.0.0"))
	assert.ErrorIs(t, err, store.ErrVersionExists)

	latest, err := stores.Flows.Latest(ctx, "order-flow")
	require.NoError(t, err)
	assert.Equal(t, "1.10.0", latest.Version)

	got, err := stores.Flows.Get(ctx, "order-flow", "")
	require.NoError(t, err)
	assert.Equal(t, "1.10.0", got.Version)

	versions, err := stores.Flows.Versions(ctx, "order-flow")
	require.NoError(t, err)
	assert.Equal(t, []string{"1.0.0", "1.2.0", "1.10.0"}, versions)
}

func TestContextStorageRoundTrip(t *testing.T) {
	stores, _ := newStores(t)
	ctx := t.Context()

	value := map[string]any{"payload": "large"}
	require.NoError(t, stores.Context.Put(ctx, "e1", "k", value))

	got, err := stores.Context.Get(ctx, "e1", "k")
	require.NoError(t, err)
	assert.Equal(t, value, got)

	require.NoError(t, stores.Context.Delete(ctx, "e1", "k"))
	_, err = stores.Context.Get(ctx, "e1", "k")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
