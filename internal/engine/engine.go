// Package engine implements durable flow execution: ticks advance one
// step at a time under a per-execution lock, suspending executions
// survive restarts, and handler outcomes route through outcome-keyed
// transitions
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/flowmonkey/engine/internal/config"
	"github.com/flowmonkey/engine/pkg/api"
	"github.com/flowmonkey/engine/pkg/log"
	"github.com/flowmonkey/engine/pkg/store"
)

type (
	// Dependencies is the full set of backends the engine operates on.
	// ContextStorage is optional; when nil, large values stay inline
	Dependencies struct {
		Executions     store.ExecutionStore
		Locks          store.LockProvider
		Jobs           store.JobStore
		Tokens         store.ResumeTokenStore
		Tables         store.TableStore
		TableRegistry  store.TableRegistry
		WAL            store.WriteAheadLog
		Flows          store.FlowRegistry
		ContextStorage store.ContextStorage
		Events         store.EventSink
	}

	// Engine coordinates execution state transitions over the stores.
	// All mutation goes through Create, Tick, Run, Resume, and Cancel
	Engine struct {
		deps     Dependencies
		config   *config.Config
		handlers *HandlerRegistry
		clock    Clock
		ctx      context.Context
		cancel   context.CancelFunc
		inflight sync.Map // map[api.ExecutionID]context.CancelFunc
		wg       sync.WaitGroup
		started  sync.Once
		stopped  sync.Once
	}
)

var (
	ErrExecutionNotFound = errors.New("execution not found")
	ErrShutdownTimeout   = errors.New("shutdown timeout exceeded")
)

// New creates an engine over the given backends. Start launches the
// background loops; an unstarted engine still serves all operations
func New(deps Dependencies, cfg *config.Config) *Engine {
	if cfg == nil {
		cfg = config.NewDefaultConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		deps:     deps,
		config:   cfg,
		handlers: NewHandlerRegistry(),
		clock:    realClock{},
		ctx:      ctx,
		cancel:   cancel,
	}
}

// WithClock substitutes the time source. Tests use this to drive wake
// and timeout handling deterministically
func (e *Engine) WithClock(clock Clock) *Engine {
	e.clock = clock
	return e
}

// Handlers exposes the engine's handler registry for bootstrap
// registration
func (e *Engine) Handlers() *HandlerRegistry {
	return e.handlers
}

// RegisterFlow validates the flow against the handler and table
// registries and stores it. Registration is the only validation point;
// execution assumes a well-formed flow
func (e *Engine) RegisterFlow(ctx context.Context, flow *api.Flow) error {
	if err := e.validateFlow(ctx, flow); err != nil {
		return err
	}
	return e.deps.Flows.Register(ctx, flow)
}

// Get reads an execution through the store, or nil when absent
func (e *Engine) Get(
	ctx context.Context, id api.ExecutionID,
) (*api.Execution, error) {
	exec, err := e.deps.Executions.Load(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return exec, err
}

// Start launches the wake sweeper and WAL replayer
func (e *Engine) Start() {
	e.started.Do(func() {
		e.wg.Go(func() {
			e.runWakeSweeper(e.ctx)
		})
		e.wg.Go(func() {
			e.runWALReplayer(e.ctx)
		})
		slog.Info("Engine started")
	})
}

// Stop halts the background loops, waiting up to the shutdown timeout
func (e *Engine) Stop() error {
	var err error
	e.stopped.Do(func() {
		e.cancel()
		done := make(chan struct{})
		go func() {
			e.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			slog.Info("Engine stopped")
		case <-time.After(e.config.ShutdownTimeout):
			err = ErrShutdownTimeout
		}
	})
	return err
}

func (e *Engine) emit(ev *api.Event) {
	if e.deps.Events == nil {
		return
	}
	ev.Timestamp = e.clock.Now()
	e.deps.Events.Emit(ev)
}

// trackCancel registers a cancel func for an in-flight handler
// invocation so Cancel can interrupt it mid-step
func (e *Engine) trackCancel(
	id api.ExecutionID, cancel context.CancelFunc,
) func() {
	e.inflight.Store(id, cancel)
	return func() {
		e.inflight.Delete(id)
	}
}

func (e *Engine) interruptInflight(id api.ExecutionID) {
	if cancel, ok := e.inflight.Load(id); ok {
		cancel.(context.CancelFunc)()
	}
}

func (e *Engine) logTickError(id api.ExecutionID, err error) {
	slog.Error("Tick failed", log.ExecutionID(id), log.Error(err))
}
