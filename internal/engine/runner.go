package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowmonkey/engine/pkg/api"
	"github.com/flowmonkey/engine/pkg/log"
	"github.com/flowmonkey/engine/pkg/store"
)

// Runner claims pending jobs and executes their handlers, heartbeating
// while the work runs. A runner tolerates its own death: abandoned
// claims are detected by missed heartbeats and reset by the reaper
type Runner struct {
	engine   *Engine
	jobs     store.JobStore
	id       string
	interval time.Duration
	backoff  int
	skip     int
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  sync.Once
	stopped  sync.Once
}

// maxClaimBackoff bounds how many poll cycles a runner sits out after
// losing every claim race in a pass
const maxClaimBackoff = 8

// NewRunner creates a runner polling at the given interval
func NewRunner(e *Engine, interval time.Duration) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		engine:   e,
		jobs:     e.deps.Jobs,
		id:       "runner-" + uuid.NewString(),
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// ID returns the runner's identity used in job claims
func (r *Runner) ID() string {
	return r.id
}

// Start launches the claim loop
func (r *Runner) Start() {
	r.started.Do(func() {
		r.wg.Go(func() {
			ticker := time.NewTicker(r.interval)
			defer ticker.Stop()
			for {
				select {
				case <-r.ctx.Done():
					return
				case <-ticker.C:
					r.poll(r.ctx)
				}
			}
		})
		slog.Info("Runner started", log.RunnerID(r.id))
	})
}

// Stop halts the claim loop and waits for in-flight work
func (r *Runner) Stop() {
	r.stopped.Do(func() {
		r.cancel()
		r.wg.Wait()
		slog.Info("Runner stopped", log.RunnerID(r.id))
	})
}

// Poll runs one claim pass synchronously. Exposed for tests
func (r *Runner) Poll(ctx context.Context) {
	r.poll(ctx)
}

func (r *Runner) poll(ctx context.Context) {
	if r.skip > 0 {
		r.skip--
		return
	}
	pending, err := r.jobs.ListPending(ctx, r.engine.config.SweepBatch)
	if err != nil {
		slog.Error("Job poll failed",
			log.RunnerID(r.id), log.Error(err))
		return
	}
	won := 0
	for _, job := range pending {
		if ctx.Err() != nil {
			return
		}
		if r.tryExecute(ctx, job) {
			won++
		}
	}

	// losing every claim race means another runner is draining the
	// queue; back off exponentially instead of thrashing the store
	if len(pending) > 0 && won == 0 {
		r.backoff = min(max(r.backoff*2, 1), maxClaimBackoff)
	} else {
		r.backoff = 0
	}
	r.skip = r.backoff
}

func (r *Runner) tryExecute(ctx context.Context, job *api.Job) bool {
	instanceID := uuid.NewString()
	claimed, err := r.jobs.ClaimWithInstance(
		ctx, job.ID, r.id, instanceID,
	)
	if err != nil || !claimed {
		return false
	}

	slog.Debug("Job claimed",
		log.JobID(job.ID), log.RunnerID(r.id),
		log.ExecutionID(job.ExecutionID))

	hbCtx, stopHB := context.WithCancel(ctx)
	defer stopHB()
	r.wg.Go(func() {
		r.heartbeatLoop(hbCtx, job)
	})

	result, errInfo := r.execute(ctx, job, instanceID)
	stopHB()

	if errInfo != nil {
		if _, err := r.jobs.Fail(ctx, job.ID, r.id, errInfo); err != nil {
			slog.Error("Job fail write lost",
				log.JobID(job.ID), log.Error(err))
		}
		return true
	}
	if _, err := r.jobs.Complete(ctx, job.ID, r.id, result); err != nil {
		slog.Error("Job completion write lost",
			log.JobID(job.ID), log.Error(err))
	}
	return true
}

func (r *Runner) heartbeatLoop(ctx context.Context, job *api.Job) {
	interval := time.Duration(job.HeartbeatMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Duration(api.DefaultJobHeartbeatMs) *
			time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := r.jobs.Heartbeat(ctx, job.ID, r.id)
			if err != nil || !ok {
				return
			}
		}
	}
}

// execute invokes the job's handler with checkpoints bound to this
// claim instance
func (r *Runner) execute(
	ctx context.Context, job *api.Job, instanceID string,
) (any, *api.ErrorInfo) {
	handler, ok := r.engine.handlers.Get(job.Handler)
	if !ok {
		return nil, api.Errorf(api.CodeNoHandler,
			"no handler registered for type %s", job.Handler)
	}

	params := &api.HandlerParams{
		Input: job.Input,
		Step:  &api.Step{ID: job.StepID, Type: job.Handler},
		Execution: api.ExecutionInfo{
			ID: job.ExecutionID,
		},
		Checkpoints: &jobCheckpoints{
			engine:     r.engine,
			jobID:      job.ID,
			instanceID: instanceID,
		},
	}
	if exec, err := r.engine.Get(ctx, job.ExecutionID); err == nil &&
		exec != nil {
		params.Context = r.engine.newAccessor(
			ctx, exec.ID, exec.Context,
		)
		params.Execution.FlowID = exec.FlowID
		params.Execution.TenantID = exec.TenantID
		params.Execution.ParentExecutionID = exec.ParentExecutionID
	}

	result, err := handler.Execute(ctx, params)
	if err != nil {
		return nil, api.NewError(api.CodeInternal, err.Error())
	}
	if result == nil {
		return nil, nil
	}
	if result.Outcome == api.OutcomeFailure {
		return nil, result.Error
	}
	return result.Output, nil
}
