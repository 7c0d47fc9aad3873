package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/flowmonkey/engine/pkg/api"
	"github.com/flowmonkey/engine/pkg/log"
	"github.com/flowmonkey/engine/pkg/store"
)

// tickState carries one tick's working set: the locked execution, its
// flow, and the events to emit once the mutation commits
type tickState struct {
	exec   *api.Execution
	flow   *api.Flow
	events []*api.Event
}

// Tick advances the execution by exactly one step. It is idempotent
// against terminal states and safe under concurrent callers; a
// contending tick returns without advancing
func (e *Engine) Tick(
	ctx context.Context, id api.ExecutionID,
) (*api.TickResult, error) {
	exec, err := e.deps.Executions.Load(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
		}
		return nil, err
	}
	if exec.Status.IsTerminal() {
		return terminalResult(exec), nil
	}

	lock, err := e.deps.Locks.Acquire(
		ctx, lockKey(id), e.config.LockTTL,
	)
	if err != nil {
		if errors.Is(err, store.ErrLockHeld) {
			return &api.TickResult{
				Status: exec.Status,
				Error: api.Errorf(api.CodeLockContention,
					"execution %s is being advanced elsewhere", id),
			}, nil
		}
		return nil, err
	}
	defer func() {
		_ = lock.Release(ctx)
	}()

	// re-read under the lock; the pre-check raced with other writers
	exec, err = e.deps.Executions.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if exec.Status.IsTerminal() {
		return terminalResult(exec), nil
	}

	st := &tickState{exec: exec}
	res, err := e.advance(ctx, st)
	if err != nil {
		e.logTickError(id, err)
		return nil, err
	}
	for _, ev := range st.events {
		e.emit(ev)
	}
	return res, nil
}

func (e *Engine) advance(
	ctx context.Context, st *tickState,
) (*api.TickResult, error) {
	exec := st.exec
	now := e.clock.Now()

	if exec.Status == api.ExecutionCancelling {
		e.finalizeCancel(st, now)
		return e.commit(ctx, st)
	}

	if expired := e.executionExpired(exec, now); expired != nil {
		e.failExecution(st, expired, now)
		return e.commit(ctx, st)
	}

	if exec.Status == api.ExecutionWaiting {
		return e.advanceWaiting(ctx, st, now)
	}

	flow, err := e.deps.Flows.Get(ctx, exec.FlowID, exec.FlowVersion)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			e.failExecution(st, api.Errorf(api.CodeFlowNotFound,
				"flow %s@%s not found",
				exec.FlowID, exec.FlowVersion), now)
			return e.commit(ctx, st)
		}
		return nil, err
	}
	st.flow = flow

	step := flow.GetStep(exec.CurrentStepID)
	if step == nil {
		e.failExecution(st, api.Errorf(api.CodeStepNotFound,
			"step %s not found in flow %s",
			exec.CurrentStepID, exec.FlowID), now)
		return e.commit(ctx, st)
	}

	return e.executeStep(ctx, st, step)
}

// advanceWaiting handles the wake path: a due wake behaves like a resume
// with an empty payload, a blown wait budget fails the execution, and an
// undue wake leaves the execution untouched
func (e *Engine) advanceWaiting(
	ctx context.Context, st *tickState, now time.Time,
) (*api.TickResult, error) {
	exec := st.exec

	if budget := exec.Timeouts.WaitTimeout(); budget > 0 &&
		exec.WaitStartedAt != nil &&
		now.Sub(*exec.WaitStartedAt) > budget {
		e.failExecution(st, api.Errorf(api.CodeWaitTimeout,
			"wait exceeded %s", budget), now)
		return e.commit(ctx, st)
	}

	if exec.WakeAt == nil || exec.WakeAt.After(now) {
		return &api.TickResult{
			Status: exec.Status,
			WakeAt: exec.WakeAt,
		}, nil
	}

	flow, err := e.deps.Flows.Get(ctx, exec.FlowID, exec.FlowVersion)
	if err != nil {
		return nil, err
	}
	st.flow = flow
	step := flow.GetStep(exec.CurrentStepID)
	if step == nil {
		e.failExecution(st, api.Errorf(api.CodeStepNotFound,
			"step %s not found in flow %s",
			exec.CurrentStepID, exec.FlowID), now)
		return e.commit(ctx, st)
	}

	e.applyResume(st, step, nil, now)
	return e.commit(ctx, st)
}

// executeStep resolves input, invokes the handler, and applies the
// resulting outcome
func (e *Engine) executeStep(
	ctx context.Context, st *tickState, step *api.Step,
) (*api.TickResult, error) {
	exec := st.exec
	startedAt := e.clock.Now()

	if exec.Status == api.ExecutionPending {
		exec.Status = api.ExecutionRunning
		st.events = append(st.events, &api.Event{
			Type:        api.EventExecutionStarted,
			ExecutionID: exec.ID,
			FlowID:      exec.FlowID,
			Status:      exec.Status,
		})
	}
	st.events = append(st.events, &api.Event{
		Type:        api.EventStepStarted,
		ExecutionID: exec.ID,
		FlowID:      exec.FlowID,
		StepID:      step.ID,
	})

	input, inputErr := resolveInput(step.Input, exec.Context)
	var result *api.StepResult
	if inputErr != nil {
		result = api.FailureErr(inputErr)
	} else {
		result = e.invokeHandler(ctx, st, step, input)
	}

	// a cancel that landed mid-step wins over the step outcome
	if cancelled, err := e.cancelledMeanwhile(ctx, exec.ID); err != nil {
		return nil, err
	} else if cancelled {
		e.finalizeCancel(st, e.clock.Now())
		return e.commit(ctx, st)
	}

	return e.applyOutcome(ctx, st, step, result, startedAt)
}

func (e *Engine) invokeHandler(
	ctx context.Context, st *tickState, step *api.Step, input any,
) *api.StepResult {
	exec := st.exec
	handler, ok := e.handlers.Get(step.Type)
	if !ok {
		return api.FailureErr(api.Errorf(api.CodeHandlerNotFound,
			"no handler registered for type %s", step.Type))
	}

	var hctx context.Context
	var cancel context.CancelFunc
	if budget := exec.Timeouts.StepTimeout(); budget > 0 {
		hctx, cancel = context.WithTimeout(ctx, budget)
	} else {
		hctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	untrack := e.trackCancel(exec.ID, cancel)
	defer untrack()

	params := &api.HandlerParams{
		Input:   input,
		Step:    step,
		Context: e.newAccessor(ctx, exec.ID, exec.Context),
		Execution: api.ExecutionInfo{
			ID:                exec.ID,
			FlowID:            exec.FlowID,
			TenantID:          exec.TenantID,
			ParentExecutionID: exec.ParentExecutionID,
		},
		Checkpoints: e.checkpointManager(exec, step),
		Tokens: &tokenIssuer{
			engine: e,
			execID: exec.ID,
			stepID: step.ID,
		},
	}

	result, err := handler.Execute(hctx, params)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return api.FailureErr(api.Errorf(api.CodeStepTimeout,
				"step %s exceeded its time budget", step.ID))
		}
		var info *api.ErrorInfo
		if errors.As(err, &info) {
			return api.FailureErr(info)
		}
		return api.FailureErr(
			api.NewError(api.CodeInternal, err.Error()),
		)
	}
	if result == nil {
		result = api.Success(nil)
	}
	return result
}

// applyOutcome routes the handler's result: success stores output and
// transitions, failure routes onFailure or terminates, wait suspends
func (e *Engine) applyOutcome(
	ctx context.Context, st *tickState, step *api.Step,
	result *api.StepResult, startedAt time.Time,
) (*api.TickResult, error) {
	exec := st.exec
	now := e.clock.Now()
	e.recordHistory(exec, step, result, startedAt, now)

	switch result.Outcome {
	case api.OutcomeSuccess:
		if step.OutputKey != "" {
			exec.Context[step.OutputKey] = result.Output
		}
		if errInfo := e.validateContext(exec.Context); errInfo != nil {
			e.failExecution(st, errInfo, now)
			return e.commit(ctx, st)
		}
		st.events = append(st.events, &api.Event{
			Type:        api.EventStepCompleted,
			ExecutionID: exec.ID,
			FlowID:      exec.FlowID,
			StepID:      step.ID,
			DurationMs:  now.Sub(startedAt).Milliseconds(),
		})
		e.runPipes(ctx, st, step, api.OutcomeSuccess, result.Output)
		e.applyTransition(st, step, api.TransitionSuccess, now)
		return e.commit(ctx, st)

	case api.OutcomeFailure:
		st.events = append(st.events, &api.Event{
			Type:        api.EventStepFailed,
			ExecutionID: exec.ID,
			FlowID:      exec.FlowID,
			StepID:      step.ID,
			Error:       result.Error,
			DurationMs:  now.Sub(startedAt).Milliseconds(),
		})
		e.runPipes(ctx, st, step, api.OutcomeFailure, result.Output)
		if target, ok := step.Target(api.TransitionFailure); ok &&
			target != nil {
			exec.CurrentStepID = *target
			exec.Status = api.ExecutionRunning
			exec.StepCount++
			return e.commit(ctx, st)
		}
		e.failExecution(st, result.Error, now)
		return e.commit(ctx, st)

	case api.OutcomeWait:
		return e.applyWait(ctx, st, step, result, now)

	default:
		e.failExecution(st, api.Errorf(api.CodeInternal,
			"handler returned unknown outcome %q", result.Outcome), now)
		return e.commit(ctx, st)
	}
}

func (e *Engine) applyWait(
	ctx context.Context, st *tickState, step *api.Step,
	result *api.StepResult, now time.Time,
) (*api.TickResult, error) {
	exec := st.exec
	wakeAt := result.WakeAt
	if wakeAt.IsZero() {
		wakeAt = now
	}
	exec.Status = api.ExecutionWaiting
	exec.WakeAt = &wakeAt
	exec.WaitStartedAt = &now
	exec.WaitReason = result.WaitReason
	exec.StepCount++

	if len(result.WaitData) > 0 {
		key := step.OutputKey
		if key == "" {
			key = api.ResumeDataKey
		}
		exec.Context[key] = map[string]any(result.WaitData)
	}

	if result.TokenRequest != nil {
		_, err := e.generateToken(
			ctx, exec.ID, step.ID,
			result.TokenRequest.ExpiresAt, result.TokenRequest.Metadata,
		)
		if err != nil {
			return nil, err
		}
	}

	st.events = append(st.events, &api.Event{
		Type:        api.EventExecutionWaiting,
		ExecutionID: exec.ID,
		FlowID:      exec.FlowID,
		StepID:      step.ID,
		Status:      exec.Status,
	})
	slog.Debug("Execution waiting",
		log.ExecutionID(exec.ID), log.StepID(step.ID),
		slog.Time("wake_at", wakeAt))
	return e.commit(ctx, st)
}

// applyTransition moves the execution along the given outcome edge. A
// declared nil target, or no declared edge at all, completes the
// execution
func (e *Engine) applyTransition(
	st *tickState, step *api.Step, on api.TransitionOn, now time.Time,
) {
	exec := st.exec
	exec.StepCount++
	target, ok := step.Target(on)
	if !ok || target == nil {
		exec.Status = api.ExecutionCompleted
		st.events = append(st.events, &api.Event{
			Type:        api.EventExecutionCompleted,
			ExecutionID: exec.ID,
			FlowID:      exec.FlowID,
			Status:      exec.Status,
		})
		return
	}
	exec.CurrentStepID = *target
	exec.Status = api.ExecutionRunning
}

// applyResume transitions a waiting execution back to running, merging
// resume data and routing through onResume when declared
func (e *Engine) applyResume(
	st *tickState, step *api.Step, data api.Context, now time.Time,
) {
	exec := st.exec
	if len(data) > 0 {
		key := step.OutputKey
		if key == "" {
			key = api.ResumeDataKey
		}
		exec.Context[key] = map[string]any(data)
	}
	exec.WakeAt = nil
	exec.WaitStartedAt = nil
	exec.WaitReason = ""

	on := api.TransitionResume
	if _, ok := step.Target(on); !ok {
		on = api.TransitionSuccess
	}
	st.events = append(st.events, &api.Event{
		Type:        api.EventExecutionResumed,
		ExecutionID: exec.ID,
		FlowID:      exec.FlowID,
		StepID:      step.ID,
	})
	e.applyTransition(st, step, on, now)
}

func (e *Engine) recordHistory(
	exec *api.Execution, step *api.Step, result *api.StepResult,
	startedAt, completedAt time.Time,
) {
	if !exec.RecordHistory {
		return
	}
	exec.History = append(exec.History, &api.HistoryEntry{
		StepID:      step.ID,
		Type:        step.Type,
		Outcome:     result.Outcome,
		Error:       result.Error,
		StartedAt:   startedAt,
		CompletedAt: completedAt,
		DurationMs:  completedAt.Sub(startedAt).Milliseconds(),
	})
}

func (e *Engine) executionExpired(
	exec *api.Execution, now time.Time,
) *api.ErrorInfo {
	budget := exec.Timeouts.ExecutionTimeout()
	if budget > 0 && now.Sub(exec.CreatedAt) > budget {
		return api.Errorf(api.CodeExecutionTimeout,
			"execution exceeded %s", budget)
	}
	return nil
}

func (e *Engine) failExecution(
	st *tickState, errInfo *api.ErrorInfo, now time.Time,
) {
	exec := st.exec
	exec.Status = api.ExecutionFailed
	exec.Error = errInfo
	st.events = append(st.events, &api.Event{
		Type:        api.EventExecutionFailed,
		ExecutionID: exec.ID,
		FlowID:      exec.FlowID,
		Status:      exec.Status,
		Error:       errInfo,
	})
}

func (e *Engine) finalizeCancel(st *tickState, now time.Time) {
	exec := st.exec
	exec.Status = api.ExecutionCancelled
	if exec.Cancellation == nil {
		exec.Cancellation = &api.Cancellation{
			Source:      api.CancelSourceSystem,
			CancelledAt: now,
		}
	}
	st.events = append(st.events, &api.Event{
		Type:        api.EventExecutionCancelled,
		ExecutionID: exec.ID,
		FlowID:      exec.FlowID,
		Status:      exec.Status,
	})
}

// cancelledMeanwhile reports whether a concurrent Cancel marked this
// execution while the handler was running
func (e *Engine) cancelledMeanwhile(
	ctx context.Context, id api.ExecutionID,
) (bool, error) {
	current, err := e.deps.Executions.Load(ctx, id)
	if err != nil {
		return false, err
	}
	return current.Status == api.ExecutionCancelling ||
		current.Status == api.ExecutionCancelled, nil
}

// commit persists the mutated execution and shapes the tick result
func (e *Engine) commit(
	ctx context.Context, st *tickState,
) (*api.TickResult, error) {
	exec := st.exec
	exec.UpdatedAt = e.clock.Now()
	if err := e.offloadLargeValues(ctx, exec); err != nil {
		slog.Warn("Context offload failed",
			log.ExecutionID(exec.ID), log.Error(err))
	}
	if err := e.deps.Executions.Save(ctx, exec); err != nil {
		return nil, err
	}
	res := &api.TickResult{
		Status: exec.Status,
		Done:   exec.Status.IsTerminal(),
		Error:  exec.Error,
	}
	if exec.Status == api.ExecutionWaiting {
		res.WakeAt = exec.WakeAt
	}
	return res, nil
}

func terminalResult(exec *api.Execution) *api.TickResult {
	return &api.TickResult{
		Status: exec.Status,
		Done:   true,
		Error:  exec.Error,
	}
}

func lockKey(id api.ExecutionID) string {
	return "exec:" + string(id)
}
