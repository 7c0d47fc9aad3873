package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/flowmonkey/engine/pkg/api"
)

type (
	// jobCheckpoints binds checkpoint and progress writes to one claimed
	// job instance. Used by the runner, which already holds the claim
	jobCheckpoints struct {
		engine     *Engine
		jobID      api.JobID
		instanceID string
	}

	// lazyCheckpoints backs the tick path, where no job exists until a
	// handler first saves a checkpoint. The first write creates and
	// claims the job record
	lazyCheckpoints struct {
		engine  *Engine
		execID  api.ExecutionID
		stepID  api.StepID
		handler api.HandlerType
		bound   *jobCheckpoints
		mu      sync.Mutex
	}
)

var ErrCheckpointRejected = errors.New(
	"checkpoint rejected: instance no longer owns the job",
)

// checkpointManager returns the checkpoint surface for a tick-path
// handler invocation, or nil when no job store is configured
func (e *Engine) checkpointManager(
	exec *api.Execution, step *api.Step,
) api.CheckpointManager {
	if e.deps.Jobs == nil {
		return nil
	}
	return &lazyCheckpoints{
		engine:  e,
		execID:  exec.ID,
		stepID:  step.ID,
		handler: step.Type,
	}
}

// EnqueueJob records a unit of stateful work for the given step.
// Concurrent enqueues of identical work converge on one record
func (e *Engine) EnqueueJob(
	ctx context.Context, execID api.ExecutionID, stepID api.StepID,
	handler api.HandlerType, input any,
) (*api.Job, bool, error) {
	id, err := api.NewJobID(api.JobKey{
		ExecutionID: execID,
		StepID:      stepID,
		Handler:     handler,
		Input:       input,
	})
	if err != nil {
		return nil, false, err
	}
	now := e.clock.Now()
	return e.deps.Jobs.GetOrCreate(ctx, &api.Job{
		ID:          id,
		ExecutionID: execID,
		StepID:      stepID,
		Handler:     handler,
		Input:       input,
		Status:      api.JobPending,
		HeartbeatMs: e.config.JobHeartbeatMs,
		MaxAttempts: e.config.JobMaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
}

func (c *jobCheckpoints) Save(ctx context.Context, checkpoint any) error {
	ok, err := c.engine.deps.Jobs.SaveCheckpoint(
		ctx, c.jobID, c.instanceID, checkpoint,
	)
	if err != nil {
		return err
	}
	if !ok {
		return ErrCheckpointRejected
	}
	return nil
}

func (c *jobCheckpoints) Load(ctx context.Context) (any, bool, error) {
	return c.engine.deps.Jobs.GetCheckpoint(ctx, c.jobID)
}

func (c *jobCheckpoints) Progress(
	ctx context.Context, done, total int, message string,
) error {
	ok, err := c.engine.deps.Jobs.UpdateProgress(
		ctx, c.jobID, c.instanceID, &api.Progress{
			Done:      done,
			Total:     total,
			Message:   message,
			UpdatedAt: c.engine.clock.Now(),
		},
	)
	if err != nil {
		return err
	}
	if !ok {
		return ErrCheckpointRejected
	}
	return nil
}

func (c *lazyCheckpoints) Save(ctx context.Context, checkpoint any) error {
	bound, err := c.bind(ctx)
	if err != nil {
		return err
	}
	return bound.Save(ctx, checkpoint)
}

func (c *lazyCheckpoints) Load(ctx context.Context) (any, bool, error) {
	bound, err := c.bind(ctx)
	if err != nil {
		return nil, false, err
	}
	return bound.Load(ctx)
}

func (c *lazyCheckpoints) Progress(
	ctx context.Context, done, total int, message string,
) error {
	bound, err := c.bind(ctx)
	if err != nil {
		return err
	}
	return bound.Progress(ctx, done, total, message)
}

// bind creates the backing job on first use and claims it for this
// invocation. A pre-existing claim from a crashed attempt is fine; the
// reaper will have reset it before the step re-runs
func (c *lazyCheckpoints) bind(
	ctx context.Context,
) (*jobCheckpoints, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bound != nil {
		return c.bound, nil
	}

	job, _, err := c.engine.EnqueueJob(
		ctx, c.execID, c.stepID, c.handler, nil,
	)
	if err != nil {
		return nil, err
	}
	instanceID := uuid.NewString()
	runnerID := "engine:" + instanceID
	if job.Status == api.JobPending {
		if _, err := c.engine.deps.Jobs.ClaimWithInstance(
			ctx, job.ID, runnerID, instanceID,
		); err != nil {
			return nil, err
		}
	}
	c.bound = &jobCheckpoints{
		engine:     c.engine,
		jobID:      job.ID,
		instanceID: instanceID,
	}
	return c.bound, nil
}
