package engine

import (
	"context"
	"time"

	"github.com/flowmonkey/engine/pkg/api"
)

// Run ticks the execution until it reaches a terminal state, suspends on
// a future wake, or hits the step cap. With SimulateTime set, wake
// delays are skipped and waiting executions advance immediately
func (e *Engine) Run(
	ctx context.Context, id api.ExecutionID, opts *api.RunOptions,
) (*api.TickResult, error) {
	if opts == nil {
		opts = &api.RunOptions{}
	}
	maxSteps := opts.MaxSteps
	if maxSteps <= 0 {
		maxSteps = e.config.MaxStepsPerRun
	}

	var res *api.TickResult
	for step := 0; step < maxSteps; step++ {
		var err error
		res, err = e.Tick(ctx, id)
		if err != nil {
			return nil, err
		}
		if res.Done {
			return res, nil
		}
		if res.Error != nil &&
			res.Error.Code == api.CodeLockContention {
			return res, nil
		}
		if res.Status == api.ExecutionWaiting {
			if !opts.SimulateTime {
				return res, nil
			}
			if res.WakeAt != nil {
				e.skipWait(ctx, id)
			}
		}
	}
	if res != nil && !res.Done {
		res.Error = api.Errorf(api.CodeMaxStepsExceeded,
			"run stopped after %d steps", maxSteps)
	}
	return res, nil
}

// skipWait pulls a waiting execution's wake time into the past so the
// next tick takes the wake path. Simulated time only; failures here
// surface on the following tick
func (e *Engine) skipWait(ctx context.Context, id api.ExecutionID) {
	exec, err := e.deps.Executions.Load(ctx, id)
	if err != nil || exec.Status != api.ExecutionWaiting {
		return
	}
	past := e.clock.Now().Add(-time.Millisecond)
	exec.WakeAt = &past
	_ = e.deps.Executions.Save(ctx, exec)
}
