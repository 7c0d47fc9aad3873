package engine_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmonkey/engine/internal/config"
	"github.com/flowmonkey/engine/internal/engine"
	"github.com/flowmonkey/engine/internal/store/memory"
	"github.com/flowmonkey/engine/pkg/api"
	"github.com/flowmonkey/engine/pkg/events"
	"github.com/flowmonkey/engine/pkg/store"
)

type (
	manualClock struct {
		mu  sync.Mutex
		now time.Time
	}

	recorder struct {
		mu     sync.Mutex
		events []*api.Event
	}

	harness struct {
		engine *engine.Engine
		stores *memory.Stores
		clock  *manualClock
		sink   *recorder
	}
)

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (r *recorder) Emit(ev *api.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []api.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := make([]api.EventType, len(r.events))
	for i, ev := range r.events {
		res[i] = ev.Type
	}
	return res
}

func (r *recorder) count(t api.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	stores := memory.NewStores()
	clock := &manualClock{now: time.Now()}
	sink := &recorder{}

	dispatcher := events.NewDispatcher(events.Sync)
	dispatcher.Subscribe(sink)

	e := engine.New(
		makeDeps(stores, dispatcher), config.NewDefaultConfig(),
	).WithClock(clock)

	return &harness{engine: e, stores: stores, clock: clock, sink: sink}
}

func makeDeps(
	stores *memory.Stores, sink store.EventSink,
) engine.Dependencies {
	return engine.Dependencies{
		Executions:     stores.Executions,
		Locks:          stores.Locks,
		Jobs:           stores.Jobs,
		Tokens:         stores.Tokens,
		Tables:         stores.Rows,
		TableRegistry:  stores.Tables,
		WAL:            stores.WAL,
		Flows:          stores.Flows,
		ContextStorage: stores.Context,
		Events:         sink,
	}
}

func stepTo(id api.StepID) *api.StepID {
	return &id
}

func registerGreetingHandlers(t *testing.T, h *harness) {
	t.Helper()
	require.NoError(t, h.engine.Handlers().Register(api.NewHandlerFunc(
		"greet",
		func(_ context.Context, p *api.HandlerParams) (*api.StepResult, error) {
			name, _ := p.Input.(string)
			return api.Success(map[string]any{
				"greeting": "Hello, " + name + "!",
			}), nil
		},
	)))
	require.NoError(t, h.engine.Handlers().Register(api.NewHandlerFunc(
		"shout",
		func(_ context.Context, p *api.HandlerParams) (*api.StepResult, error) {
			s, _ := p.Input.(string)
			return api.Success(strings.ToUpper(s)), nil
		},
	)))
}

func helloFlow() *api.Flow {
	return &api.Flow{
		ID:            "hello",
		Version:       "1.0.0",
		InitialStepID: "greet",
		Steps: map[api.StepID]*api.Step{
			"greet": {
				Type:      "greet",
				Input:     &api.Selector{Type: api.SelectKey, Key: "name"},
				OutputKey: "greetResult",
				Transitions: api.Transitions{
					api.TransitionSuccess: stepTo("shout"),
				},
			},
			"shout": {
				Type: "shout",
				Input: &api.Selector{
					Type: api.SelectPath,
					Path: "greetResult.greeting",
				},
				OutputKey: "result",
				Transitions: api.Transitions{
					api.TransitionSuccess: nil,
				},
			},
		},
	}
}

func TestLinearSuccess(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	registerGreetingHandlers(t, h)
	require.NoError(t, h.engine.RegisterFlow(ctx, helloFlow()))

	created, err := h.engine.Create(ctx, "hello", api.Context{
		"name": "FlowMonkey",
	}, &api.CreateOptions{RecordHistory: true})
	require.NoError(t, err)
	assert.True(t, created.Created)
	assert.Equal(t, api.ExecutionPending, created.Execution.Status)

	res, err := h.engine.Run(ctx, created.Execution.ID, &api.RunOptions{
		SimulateTime: true,
	})
	require.NoError(t, err)
	assert.True(t, res.Done)
	assert.Equal(t, api.ExecutionCompleted, res.Status)

	final, err := h.engine.Get(ctx, created.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, "FlowMonkey", final.Context["name"])
	assert.Equal(t, "HELLO, FLOWMONKEY!", final.Context["result"])
	greet, ok := final.Context["greetResult"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Hello, FlowMonkey!", greet["greeting"])

	require.Len(t, final.History, 2)
	assert.Equal(t, api.StepID("greet"), final.History[0].StepID)
	assert.Equal(t, api.OutcomeSuccess, final.History[0].Outcome)
	assert.Equal(t, api.StepID("shout"), final.History[1].StepID)
	assert.Equal(t, api.OutcomeSuccess, final.History[1].Outcome)

	assert.Equal(t, []api.EventType{
		api.EventExecutionCreated,
		api.EventExecutionStarted,
		api.EventStepStarted,
		api.EventStepCompleted,
		api.EventStepStarted,
		api.EventStepCompleted,
		api.EventExecutionCompleted,
	}, h.sink.types())
}

func registerValidationHandlers(t *testing.T, h *harness) {
	t.Helper()
	require.NoError(t, h.engine.Handlers().Register(api.NewHandlerFunc(
		"validate",
		func(_ context.Context, p *api.HandlerParams) (*api.StepResult, error) {
			email, _ := p.Input.(string)
			if email == "" {
				return api.Failure(
					"VALIDATION_ERROR", "email is required",
				), nil
			}
			return api.Success(email), nil
		},
	)))
	require.NoError(t, h.engine.Handlers().Register(api.NewHandlerFunc(
		"log-error",
		func(context.Context, *api.HandlerParams) (*api.StepResult, error) {
			return api.Success(map[string]any{"logged": true}), nil
		},
	)))
}

func validationFlow(id api.FlowID, withFallback bool) *api.Flow {
	validate := &api.Step{
		Type: "validate",
		Input: &api.Selector{
			Type: api.SelectKey, Key: "email", Optional: true,
		},
		Transitions: api.Transitions{
			api.TransitionSuccess: nil,
			api.TransitionFailure: nil,
		},
	}
	flow := &api.Flow{
		ID:            id,
		Version:       "1.0.0",
		InitialStepID: "validate",
		Steps:         map[api.StepID]*api.Step{"validate": validate},
	}
	if withFallback {
		validate.Transitions[api.TransitionFailure] = stepTo("log-error")
		flow.Steps["log-error"] = &api.Step{
			Type:      "log-error",
			OutputKey: "errorLog",
			Transitions: api.Transitions{
				api.TransitionSuccess: nil,
			},
		}
	}
	return flow
}

func TestFailureWithFallback(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	registerValidationHandlers(t, h)
	require.NoError(t, h.engine.RegisterFlow(
		ctx, validationFlow("signup", true),
	))

	created, err := h.engine.Create(ctx, "signup", api.Context{}, nil)
	require.NoError(t, err)
	res, err := h.engine.Run(ctx, created.Execution.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, api.ExecutionCompleted, res.Status)

	final, err := h.engine.Get(ctx, created.Execution.ID)
	require.NoError(t, err)
	errorLog, ok := final.Context["errorLog"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, errorLog["logged"])
}

func TestFailureWithoutFallback(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	registerValidationHandlers(t, h)
	require.NoError(t, h.engine.RegisterFlow(
		ctx, validationFlow("signup-strict", false),
	))

	created, err := h.engine.Create(
		ctx, "signup-strict", api.Context{}, nil,
	)
	require.NoError(t, err)
	res, err := h.engine.Run(ctx, created.Execution.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, api.ExecutionFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, "VALIDATION_ERROR", res.Error.Code)
}

func approvalFlow() *api.Flow {
	return &api.Flow{
		ID:            "approval",
		Version:       "1.0.0",
		InitialStepID: "wait-approval",
		Steps: map[api.StepID]*api.Step{
			"wait-approval": {
				Type:      "wait-approval",
				OutputKey: "approval",
				Transitions: api.Transitions{
					api.TransitionSuccess: stepTo("finish"),
					api.TransitionResume:  stepTo("finish"),
				},
			},
			"finish": {
				Type:      "finish",
				OutputKey: "done",
				Transitions: api.Transitions{
					api.TransitionSuccess: nil,
				},
			},
		},
	}
}

func registerApprovalHandlers(
	t *testing.T, h *harness, tokens bool,
) {
	t.Helper()
	require.NoError(t, h.engine.Handlers().Register(api.NewHandlerFunc(
		"wait-approval",
		func(_ context.Context, p *api.HandlerParams) (*api.StepResult, error) {
			res := api.Wait(h.clock.Now().Add(time.Hour)).
				WithReason("Awaiting approval")
			if tokens {
				res = res.WithToken(&api.TokenRequest{})
			}
			return res, nil
		},
	)))
	require.NoError(t, h.engine.Handlers().Register(api.NewHandlerFunc(
		"finish",
		func(context.Context, *api.HandlerParams) (*api.StepResult, error) {
			return api.Success(true), nil
		},
	)))
}

func TestWaitThenCancel(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	registerApprovalHandlers(t, h, false)
	require.NoError(t, h.engine.RegisterFlow(ctx, approvalFlow()))

	created, err := h.engine.Create(ctx, "approval", api.Context{}, nil)
	require.NoError(t, err)
	id := created.Execution.ID

	res, err := h.engine.Tick(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, api.ExecutionWaiting, res.Status)
	require.NotNil(t, res.WakeAt)

	// a second tick before the wake time changes nothing
	res, err = h.engine.Tick(ctx, id)
	require.NoError(t, err)
	assert.False(t, res.Done)
	assert.Equal(t, api.ExecutionWaiting, res.Status)

	waiting, err := h.engine.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Awaiting approval", waiting.WaitReason)

	cancelled, err := h.engine.Cancel(
		ctx, id, api.CancelSourceUser, "rejected",
	)
	require.NoError(t, err)
	assert.True(t, cancelled.Cancelled)
	assert.Equal(t, api.ExecutionWaiting, cancelled.PreviousStatus)
	assert.GreaterOrEqual(t, cancelled.TokensInvalidated, 0)

	final, err := h.engine.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, api.ExecutionCancelled, final.Status)
	require.NotNil(t, final.Cancellation)
	assert.Equal(t, api.CancelSourceUser, final.Cancellation.Source)
	assert.Equal(t, "rejected", final.Cancellation.Reason)

	res, err = h.engine.Tick(ctx, id)
	require.NoError(t, err)
	assert.True(t, res.Done)
	assert.Equal(t, api.ExecutionCancelled, res.Status)
}

func TestWakeElapsedResumesExecution(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	registerApprovalHandlers(t, h, false)
	require.NoError(t, h.engine.RegisterFlow(ctx, approvalFlow()))

	created, err := h.engine.Create(ctx, "approval", api.Context{}, nil)
	require.NoError(t, err)
	id := created.Execution.ID

	_, err = h.engine.Tick(ctx, id)
	require.NoError(t, err)

	h.clock.Advance(2 * time.Hour)
	h.engine.SweepWakesOnce(ctx)

	mid, err := h.engine.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, api.ExecutionRunning, mid.Status)
	assert.Equal(t, api.StepID("finish"), mid.CurrentStepID)
	assert.Nil(t, mid.WakeAt)

	res, err := h.engine.Tick(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, api.ExecutionCompleted, res.Status)
	assert.Equal(t, 1, h.sink.count(api.EventExecutionResumed))
}

func TestResumeWithToken(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	registerApprovalHandlers(t, h, true)
	require.NoError(t, h.engine.RegisterFlow(ctx, approvalFlow()))

	created, err := h.engine.Create(ctx, "approval", api.Context{}, nil)
	require.NoError(t, err)
	id := created.Execution.ID

	_, err = h.engine.Tick(ctx, id)
	require.NoError(t, err)

	tokens, err := h.stores.Tokens.ListByExecution(ctx, id)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	token := tokens[0].Token

	exec, err := h.engine.Resume(ctx, id, api.Context{
		"approved": true,
	}, token)
	require.NoError(t, err)
	assert.Equal(t, api.ExecutionRunning, exec.Status)
	approval, ok := exec.Context["approval"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, approval["approved"])

	// the token is one-shot; the execution must wait again to reuse it
	_, err = h.engine.Resume(ctx, id, nil, token)
	require.Error(t, err)
	var info *api.ErrorInfo
	require.ErrorAs(t, err, &info)
	assert.Equal(t, api.CodeInvalidExecutionState, info.Code)

	res, err := h.engine.Run(ctx, id, nil)
	require.NoError(t, err)
	assert.Equal(t, api.ExecutionCompleted, res.Status)
}

func TestResumeRejectsBadTokens(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	registerApprovalHandlers(t, h, true)
	require.NoError(t, h.engine.RegisterFlow(ctx, approvalFlow()))

	created, err := h.engine.Create(ctx, "approval", api.Context{}, nil)
	require.NoError(t, err)
	id := created.Execution.ID
	_, err = h.engine.Tick(ctx, id)
	require.NoError(t, err)

	_, err = h.engine.Resume(ctx, id, nil, "no-such-token")
	var info *api.ErrorInfo
	require.ErrorAs(t, err, &info)
	assert.Equal(t, api.CodeTokenNotFound, info.Code)

	tokens, err := h.stores.Tokens.ListByExecution(ctx, id)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	_, err = h.stores.Tokens.Revoke(ctx, tokens[0].Token)
	require.NoError(t, err)

	_, err = h.engine.Resume(ctx, id, nil, tokens[0].Token)
	require.ErrorAs(t, err, &info)
	assert.Equal(t, api.CodeTokenRevoked, info.Code)

	// still waiting; a tokenless resume remains possible
	exec, err := h.engine.Resume(ctx, id, nil, "")
	require.NoError(t, err)
	assert.Equal(t, api.ExecutionRunning, exec.Status)
}

// failingExecutions rejects saves while tripped, delegating otherwise
type failingExecutions struct {
	store.ExecutionStore
	mu   sync.Mutex
	fail bool
}

func (f *failingExecutions) setFail(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = v
}

func (f *failingExecutions) Save(
	ctx context.Context, exec *api.Execution,
) error {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return fmt.Errorf("save unavailable")
	}
	return f.ExecutionStore.Save(ctx, exec)
}

func TestResumeSaveFailureKeepsTokenUsable(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	execs := &failingExecutions{ExecutionStore: h.stores.Executions}
	deps := makeDeps(h.stores, h.sink)
	deps.Executions = execs
	e := engine.New(deps, config.NewDefaultConfig()).WithClock(h.clock)

	require.NoError(t, e.Handlers().Register(api.NewHandlerFunc(
		"wait-approval",
		func(context.Context, *api.HandlerParams) (*api.StepResult, error) {
			return api.Wait(h.clock.Now().Add(time.Hour)).
				WithToken(&api.TokenRequest{}), nil
		},
	)))
	require.NoError(t, e.Handlers().Register(api.NewHandlerFunc(
		"finish",
		func(context.Context, *api.HandlerParams) (*api.StepResult, error) {
			return api.Success(true), nil
		},
	)))
	require.NoError(t, e.RegisterFlow(ctx, approvalFlow()))

	created, err := e.Create(ctx, "approval", api.Context{}, nil)
	require.NoError(t, err)
	id := created.Execution.ID
	_, err = e.Tick(ctx, id)
	require.NoError(t, err)

	tokens, err := h.stores.Tokens.ListByExecution(ctx, id)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	token := tokens[0].Token

	execs.setFail(true)
	_, err = e.Resume(ctx, id, api.Context{"approved": true}, token)
	require.Error(t, err)

	// the failed save must not burn the token
	rec, err := h.stores.Tokens.Get(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, api.TokenActive, rec.Status)
	assert.Nil(t, rec.UsedAt)

	execs.setFail(false)
	exec, err := e.Resume(ctx, id, api.Context{"approved": true}, token)
	require.NoError(t, err)
	assert.Equal(t, api.ExecutionRunning, exec.Status)
}

func TestIdempotentCreate(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	registerGreetingHandlers(t, h)
	flow := helloFlow()
	flow.ID = "pay"
	require.NoError(t, h.engine.RegisterFlow(ctx, flow))

	window := int64(60_000)
	opts := &api.CreateOptions{
		IdempotencyKey:      "k1",
		IdempotencyWindowMs: &window,
	}
	first, err := h.engine.Create(ctx, "pay", api.Context{
		"name": "a", "amount": 99.99,
	}, opts)
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.False(t, first.IdempotencyHit)

	second, err := h.engine.Create(ctx, "pay", api.Context{
		"name": "a", "amount": 99.99,
	}, opts)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.True(t, second.IdempotencyHit)
	assert.Equal(t, first.Execution.ID, second.Execution.ID)

	third, err := h.engine.Create(ctx, "pay", api.Context{
		"name": "a",
	}, &api.CreateOptions{
		IdempotencyKey:      "k2",
		IdempotencyWindowMs: &window,
	})
	require.NoError(t, err)
	assert.True(t, third.Created)
	assert.NotEqual(t, first.Execution.ID, third.Execution.ID)

	// an expired window no longer matches
	h.clock.Advance(2 * time.Minute)
	fourth, err := h.engine.Create(ctx, "pay", api.Context{
		"name": "a",
	}, opts)
	require.NoError(t, err)
	assert.True(t, fourth.Created)
	assert.NotEqual(t, first.Execution.ID, fourth.Execution.ID)
}

func TestConcurrentIdempotentCreate(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	registerGreetingHandlers(t, h)
	flow := helloFlow()
	flow.ID = "pay"
	require.NoError(t, h.engine.RegisterFlow(ctx, flow))

	window := int64(60_000)
	opts := &api.CreateOptions{
		IdempotencyKey:      "k1",
		IdempotencyWindowMs: &window,
	}

	const callers = 8
	results := make([]*api.CreateResult, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Go(func() {
			results[i], errs[i] = h.engine.Create(ctx, "pay", api.Context{
				"name": "a",
			}, opts)
		})
	}
	wg.Wait()

	// exactly one caller creates; the rest hit the prior record or lose
	// the creation lock outright
	created := 0
	var winner api.ExecutionID
	for i := range callers {
		if errs[i] != nil {
			var info *api.ErrorInfo
			require.ErrorAs(t, errs[i], &info)
			assert.Equal(t, api.CodeLockContention, info.Code)
			continue
		}
		if results[i].Created {
			created++
			winner = results[i].Execution.ID
		}
	}
	require.Equal(t, 1, created)
	for i := range callers {
		if errs[i] == nil && !results[i].Created {
			assert.True(t, results[i].IdempotencyHit)
			assert.Equal(t, winner, results[i].Execution.ID)
		}
	}
}

func ordersTable() *api.TableDef {
	return &api.TableDef{
		ID: "orders-table",
		Columns: []*api.Column{
			{ID: "order_id", Name: "Order", Type: api.ColumnString,
				Required: true},
			{ID: "total", Name: "Total", Type: api.ColumnNumber,
				Required: true},
			{ID: "status", Name: "Status", Type: api.ColumnString},
			{ID: "processed_at", Name: "Processed",
				Type: api.ColumnString},
		},
	}
}

func orderFlow() *api.Flow {
	return &api.Flow{
		ID:            "order-pipeline",
		Version:       "1.0.0",
		InitialStepID: "process",
		Steps: map[api.StepID]*api.Step{
			"process": {
				Type:      "process-order",
				OutputKey: "order",
				Transitions: api.Transitions{
					api.TransitionSuccess: nil,
				},
			},
		},
		Pipes: []*api.Pipe{{
			ID:      "orders-pipe",
			StepID:  "process",
			On:      api.PipeOnSuccess,
			TableID: "orders-table",
			Mappings: []*api.PipeMapping{
				{SourcePath: "orderId", ColumnID: "order_id"},
				{SourcePath: "total", ColumnID: "total"},
				{SourcePath: "status", ColumnID: "status"},
				{SourcePath: "processedAt", ColumnID: "processed_at"},
			},
		}},
	}
}

func TestPipeToTable(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	require.NoError(t, h.stores.Tables.Register(ctx, ordersTable()))
	require.NoError(t, h.engine.Handlers().Register(api.NewHandlerFunc(
		"process-order",
		func(_ context.Context, p *api.HandlerParams) (*api.StepResult, error) {
			qty, _ := p.Context.Get("qty")
			price, _ := p.Context.Get("price")
			id, _ := p.Context.Get("orderId")
			return api.Success(map[string]any{
				"orderId":     id,
				"total":       qty.(float64) * price.(float64),
				"status":      "processed",
				"processedAt": h.clock.Now().Format(time.RFC3339),
			}), nil
		},
	)))
	require.NoError(t, h.engine.RegisterFlow(ctx, orderFlow()))

	for i, qty := range []float64{1, 2, 3} {
		created, err := h.engine.Create(ctx, "order-pipeline",
			api.Context{
				"orderId": fmt.Sprintf("ord-%d", i+1),
				"qty":     qty,
				"price":   10.0,
			}, nil)
		require.NoError(t, err)
		res, err := h.engine.Run(ctx, created.Execution.ID, nil)
		require.NoError(t, err)
		assert.Equal(t, api.ExecutionCompleted, res.Status)
	}

	rows, err := h.stores.Rows.Query(ctx, "orders-table", nil)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, float64(10), rows[0]["total"])
	assert.Equal(t, float64(20), rows[1]["total"])
	assert.Equal(t, float64(30), rows[2]["total"])

	pending, err := h.stores.WAL.ReadPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, 3, h.sink.count(api.EventPipeInserted))
}

func TestPipeOutcomeTriggers(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	require.NoError(t, h.stores.Tables.Register(ctx, &api.TableDef{
		ID: "audit-table",
		Columns: []*api.Column{
			{ID: "note", Name: "Note", Type: api.ColumnString},
		},
	}))
	require.NoError(t, h.engine.Handlers().Register(api.NewHandlerFunc(
		"always-fails",
		func(context.Context, *api.HandlerParams) (*api.StepResult, error) {
			return api.Failure("BOOM", "nope"), nil
		},
	)))
	require.NoError(t, h.engine.RegisterFlow(ctx, &api.Flow{
		ID:            "audited",
		Version:       "1.0.0",
		InitialStepID: "work",
		Steps: map[api.StepID]*api.Step{
			"work": {
				Type: "always-fails",
				Transitions: api.Transitions{
					api.TransitionSuccess: nil,
				},
			},
		},
		Pipes: []*api.Pipe{
			{
				ID:           "on-failure",
				StepID:       "work",
				On:           api.PipeOnFailure,
				TableID:      "audit-table",
				StaticValues: map[string]any{"note": "failed"},
			},
			{
				ID:           "on-success",
				StepID:       "work",
				On:           api.PipeOnSuccess,
				TableID:      "audit-table",
				StaticValues: map[string]any{"note": "succeeded"},
			},
		},
	}))

	created, err := h.engine.Create(ctx, "audited", api.Context{}, nil)
	require.NoError(t, err)
	res, err := h.engine.Run(ctx, created.Execution.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, api.ExecutionFailed, res.Status)

	// only the failure-triggered pipe fires
	rows, err := h.stores.Rows.Query(ctx, "audit-table", nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "failed", rows[0]["note"])
	assert.Equal(t, 1, h.sink.count(api.EventPipeInserted))
}

// flakyTables fails the first N inserts before delegating
type flakyTables struct {
	store.TableStore
	mu        sync.Mutex
	remaining int
}

func (f *flakyTables) Insert(
	ctx context.Context, tableID string, row api.Row,
) (string, error) {
	f.mu.Lock()
	fail := f.remaining > 0
	if fail {
		f.remaining--
	}
	f.mu.Unlock()
	if fail {
		return "", fmt.Errorf("insert unavailable")
	}
	return f.TableStore.Insert(ctx, tableID, row)
}

func TestPipeFailureLandsInWALAndReplays(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	require.NoError(t, h.stores.Tables.Register(ctx, ordersTable()))

	deps := makeDeps(h.stores, h.sink)
	deps.Tables = &flakyTables{TableStore: h.stores.Rows, remaining: 1}
	e := engine.New(deps, config.NewDefaultConfig()).WithClock(h.clock)

	require.NoError(t, e.Handlers().Register(api.NewHandlerFunc(
		"process-order",
		func(context.Context, *api.HandlerParams) (*api.StepResult, error) {
			return api.Success(map[string]any{
				"orderId": "ord-1", "total": 5.0,
			}), nil
		},
	)))
	require.NoError(t, e.RegisterFlow(ctx, orderFlow()))

	created, err := e.Create(ctx, "order-pipeline", api.Context{}, nil)
	require.NoError(t, err)
	res, err := e.Run(ctx, created.Execution.ID, nil)
	require.NoError(t, err)

	// pipe failure never fails the step
	assert.Equal(t, api.ExecutionCompleted, res.Status)

	pending, err := h.stores.WAL.ReadPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "orders-table", pending[0].TableID)

	e.ReplayWALOnce(ctx)

	pending, err = h.stores.WAL.ReadPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
	rows, err := h.stores.Rows.Query(ctx, "orders-table", nil)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestRejectsPipeWithUnmappedRequiredColumn(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	require.NoError(t, h.stores.Tables.Register(ctx, ordersTable()))
	require.NoError(t, h.engine.Handlers().Register(api.NewHandlerFunc(
		"process-order",
		func(context.Context, *api.HandlerParams) (*api.StepResult, error) {
			return api.Success(nil), nil
		},
	)))

	flow := orderFlow()
	flow.Pipes[0].Mappings = flow.Pipes[0].Mappings[:1]
	err := h.engine.RegisterFlow(ctx, flow)
	assert.ErrorIs(t, err, engine.ErrPipeRequiredGap)

	flow = orderFlow()
	flow.Pipes[0].TableID = "missing-table"
	err = h.engine.RegisterFlow(ctx, flow)
	assert.ErrorIs(t, err, engine.ErrPipeTableMissing)

	flow = orderFlow()
	flow.Pipes[0].Mappings[0].ColumnID = "nope"
	err = h.engine.RegisterFlow(ctx, flow)
	assert.ErrorIs(t, err, engine.ErrPipeColumnMissing)
}

func TestCascadeCancellation(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	registerApprovalHandlers(t, h, false)
	require.NoError(t, h.engine.RegisterFlow(ctx, approvalFlow()))

	parent, err := h.engine.Create(ctx, "approval", api.Context{}, nil)
	require.NoError(t, err)
	child, err := h.engine.Create(ctx, "approval", api.Context{},
		&api.CreateOptions{
			ParentExecutionID: parent.Execution.ID,
		})
	require.NoError(t, err)

	_, err = h.engine.Tick(ctx, parent.Execution.ID)
	require.NoError(t, err)
	_, err = h.engine.Tick(ctx, child.Execution.ID)
	require.NoError(t, err)

	_, err = h.engine.Cancel(
		ctx, parent.Execution.ID, api.CancelSourceUser, "shutdown",
	)
	require.NoError(t, err)

	got, err := h.engine.Get(ctx, child.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, api.ExecutionCancelled, got.Status)
	require.NotNil(t, got.Cancellation)
	assert.Equal(t, api.CancelSourceParent, got.Cancellation.Source)
}

func TestTerminalStability(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	registerGreetingHandlers(t, h)
	require.NoError(t, h.engine.RegisterFlow(ctx, helloFlow()))

	created, err := h.engine.Create(ctx, "hello", api.Context{
		"name": "x",
	}, nil)
	require.NoError(t, err)
	_, err = h.engine.Run(ctx, created.Execution.ID, nil)
	require.NoError(t, err)

	before, err := h.engine.Get(ctx, created.Execution.ID)
	require.NoError(t, err)
	for range 3 {
		res, err := h.engine.Tick(ctx, created.Execution.ID)
		require.NoError(t, err)
		assert.True(t, res.Done)
		assert.Equal(t, api.ExecutionCompleted, res.Status)
	}
	after, err := h.engine.Get(ctx, created.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
	assert.Equal(t, before.StepCount, after.StepCount)
	assert.Equal(t, before.Context, after.Context)
}

func TestStepCountMonotonic(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	registerGreetingHandlers(t, h)
	require.NoError(t, h.engine.RegisterFlow(ctx, helloFlow()))

	created, err := h.engine.Create(ctx, "hello", api.Context{
		"name": "x",
	}, nil)
	require.NoError(t, err)

	last := 0
	for {
		res, err := h.engine.Tick(ctx, created.Execution.ID)
		require.NoError(t, err)
		exec, err := h.engine.Get(ctx, created.Execution.ID)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, exec.StepCount, last)
		last = exec.StepCount
		if res.Done {
			break
		}
	}
	assert.Equal(t, 2, last)
}

func TestLockContention(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	registerGreetingHandlers(t, h)
	require.NoError(t, h.engine.RegisterFlow(ctx, helloFlow()))

	created, err := h.engine.Create(ctx, "hello", api.Context{
		"name": "x",
	}, nil)
	require.NoError(t, err)

	lock, err := h.stores.Locks.Acquire(
		ctx, "exec:"+string(created.Execution.ID), time.Minute,
	)
	require.NoError(t, err)

	res, err := h.engine.Tick(ctx, created.Execution.ID)
	require.NoError(t, err)
	assert.False(t, res.Done)
	require.NotNil(t, res.Error)
	assert.Equal(t, api.CodeLockContention, res.Error.Code)

	require.NoError(t, lock.Release(ctx))
	res, err = h.engine.Tick(ctx, created.Execution.ID)
	require.NoError(t, err)
	assert.Nil(t, res.Error)
}

func TestExecutionTimeout(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	registerGreetingHandlers(t, h)
	require.NoError(t, h.engine.RegisterFlow(ctx, helloFlow()))

	created, err := h.engine.Create(ctx, "hello", api.Context{
		"name": "x",
	}, &api.CreateOptions{
		Timeouts: &api.TimeoutConfig{ExecutionTimeoutMs: 1000},
	})
	require.NoError(t, err)

	h.clock.Advance(2 * time.Second)
	res, err := h.engine.Tick(ctx, created.Execution.ID)
	require.NoError(t, err)
	assert.True(t, res.Done)
	assert.Equal(t, api.ExecutionFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, api.CodeExecutionTimeout, res.Error.Code)
}

func TestWaitTimeout(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	registerApprovalHandlers(t, h, false)
	require.NoError(t, h.engine.RegisterFlow(ctx, approvalFlow()))

	created, err := h.engine.Create(ctx, "approval", api.Context{},
		&api.CreateOptions{
			Timeouts: &api.TimeoutConfig{WaitTimeoutMs: 60_000},
		})
	require.NoError(t, err)
	_, err = h.engine.Tick(ctx, created.Execution.ID)
	require.NoError(t, err)

	h.clock.Advance(2 * time.Minute)
	res, err := h.engine.Tick(ctx, created.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, api.ExecutionFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, api.CodeWaitTimeout, res.Error.Code)
}

func TestContextCapFailsHard(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	registerGreetingHandlers(t, h)
	require.NoError(t, h.engine.RegisterFlow(ctx, helloFlow()))

	big := api.Context{}
	for i := range 2000 {
		big[fmt.Sprintf("k%d", i)] = i
	}
	_, err := h.engine.Create(ctx, "hello", big, nil)
	require.Error(t, err)
	var info *api.ErrorInfo
	require.ErrorAs(t, err, &info)
	assert.Equal(t, api.CodeContextKeyLimit, info.Code)
}

func TestUnknownFlowAndHandler(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	_, err := h.engine.Create(ctx, "ghost", api.Context{}, nil)
	var info *api.ErrorInfo
	require.ErrorAs(t, err, &info)
	assert.Equal(t, api.CodeFlowNotFound, info.Code)

	err = h.engine.RegisterFlow(ctx, helloFlow())
	assert.ErrorIs(t, err, engine.ErrUnknownHandlerType)
}

func TestTickFailsWhenHandlerMissing(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	// registered behind the engine's back; the handler never exists
	require.NoError(t, h.stores.Flows.Register(ctx, &api.Flow{
		ID:            "orphan",
		Version:       "1.0.0",
		InitialStepID: "lone",
		Steps: map[api.StepID]*api.Step{
			"lone": {
				Type:        "not-a-handler",
				Transitions: api.Transitions{api.TransitionSuccess: nil},
			},
		},
	}))

	created, err := h.engine.Create(ctx, "orphan", api.Context{}, nil)
	require.NoError(t, err)
	res, err := h.engine.Run(ctx, created.Execution.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, api.ExecutionFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, api.CodeHandlerNotFound, res.Error.Code)
}

func TestDeterministicJobs(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	first, created, err := h.engine.EnqueueJob(
		ctx, "e1", "s1", "h", map[string]any{"n": 1},
	)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := h.engine.EnqueueJob(
		ctx, "e1", "s1", "h", map[string]any{"n": 1},
	)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	ok, err := h.stores.Jobs.Claim(ctx, first.ID, "runnerA")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = h.stores.Jobs.Complete(ctx, first.ID, "runnerB",
		map[string]any{})
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = h.stores.Jobs.Complete(ctx, first.ID, "runnerA",
		map[string]any{"ok": true})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLargeValueOffload(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	require.NoError(t, h.engine.Handlers().Register(api.NewHandlerFunc(
		"produce",
		func(context.Context, *api.HandlerParams) (*api.StepResult, error) {
			return api.Success(strings.Repeat("x", 200_000)), nil
		},
	)))
	require.NoError(t, h.engine.Handlers().Register(api.NewHandlerFunc(
		"consume",
		func(_ context.Context, p *api.HandlerParams) (*api.StepResult, error) {
			payload, ok := p.Context.Get("payload")
			if !ok {
				return api.Failure("MISSING", "payload gone"), nil
			}
			s, _ := payload.(string)
			return api.Success(len(s)), nil
		},
	)))
	require.NoError(t, h.engine.RegisterFlow(ctx, &api.Flow{
		ID:            "offload",
		Version:       "1.0.0",
		InitialStepID: "produce",
		Steps: map[api.StepID]*api.Step{
			"produce": {
				Type:      "produce",
				OutputKey: "payload",
				Transitions: api.Transitions{
					api.TransitionSuccess: stepTo("consume"),
				},
			},
			"consume": {
				Type:      "consume",
				OutputKey: "length",
				Transitions: api.Transitions{
					api.TransitionSuccess: nil,
				},
			},
		},
	}))

	created, err := h.engine.Create(ctx, "offload", api.Context{}, nil)
	require.NoError(t, err)
	res, err := h.engine.Run(ctx, created.Execution.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, api.ExecutionCompleted, res.Status)

	final, err := h.engine.Get(ctx, created.Execution.ID)
	require.NoError(t, err)
	// the oversized value was moved aside, leaving a ref marker
	assert.NotNil(t, api.AsRef(final.Context["payload"]))
	assert.Equal(t, float64(200_000), final.Context["length"])
}

func TestRunnerExecutesJobs(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	require.NoError(t, h.engine.Handlers().Register(api.NewHandlerFunc(
		"batch",
		func(ctx context.Context, p *api.HandlerParams) (*api.StepResult, error) {
			if err := p.Checkpoints.Save(ctx, map[string]any{
				"offset": 10,
			}); err != nil {
				return nil, err
			}
			return api.Success(map[string]any{"rows": 10}), nil
		},
	)))

	job, _, err := h.engine.EnqueueJob(
		ctx, "e1", "s1", "batch", map[string]any{"limit": 10},
	)
	require.NoError(t, err)

	runner := engine.NewRunner(h.engine, time.Minute)
	runner.Poll(ctx)

	final, err := h.stores.Jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, api.JobCompleted, final.Status)
	result, ok := final.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(10), result["rows"])

	cp, found, err := h.stores.Jobs.GetCheckpoint(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, float64(10), cp.(map[string]any)["offset"])
}

func TestReaperResetsStalledJobs(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	job, _, err := h.engine.EnqueueJob(ctx, "e1", "s1", "batch", nil)
	require.NoError(t, err)
	ok, err := h.stores.Jobs.Claim(ctx, job.ID, "dead-runner")
	require.NoError(t, err)
	require.True(t, ok)

	h.clock.Advance(10 * time.Minute)
	reaper := engine.NewReaper(h.engine, time.Minute)
	reaper.Sweep(ctx)

	reset, err := h.stores.Jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, api.JobPending, reset.Status)
	assert.Empty(t, reset.RunnerID)
}

func TestMaxStepsExceeded(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	require.NoError(t, h.engine.Handlers().Register(api.NewHandlerFunc(
		"spin",
		func(context.Context, *api.HandlerParams) (*api.StepResult, error) {
			return api.Success(nil), nil
		},
	)))
	require.NoError(t, h.engine.RegisterFlow(ctx, &api.Flow{
		ID:            "loop",
		Version:       "1.0.0",
		InitialStepID: "spin",
		Steps: map[api.StepID]*api.Step{
			"spin": {
				Type: "spin",
				Transitions: api.Transitions{
					api.TransitionSuccess: stepTo("spin"),
				},
			},
		},
	}))

	created, err := h.engine.Create(ctx, "loop", api.Context{}, nil)
	require.NoError(t, err)
	res, err := h.engine.Run(ctx, created.Execution.ID, &api.RunOptions{
		MaxSteps: 5,
	})
	require.NoError(t, err)
	assert.False(t, res.Done)
	require.NotNil(t, res.Error)
	assert.Equal(t, api.CodeMaxStepsExceeded, res.Error.Code)
}
