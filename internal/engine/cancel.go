package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/flowmonkey/engine/pkg/api"
	"github.com/flowmonkey/engine/pkg/log"
	"github.com/flowmonkey/engine/pkg/store"
)

// Cancel marks the execution cancelling, revokes its resume tokens, and
// cascades to child executions. Cancellation of a non-terminal execution
// is always accepted; a terminal one reports Cancelled=false
func (e *Engine) Cancel(
	ctx context.Context, id api.ExecutionID,
	source api.CancelSource, reason string,
) (*api.CancelResult, error) {
	exec, err := e.deps.Executions.Load(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
		}
		return nil, err
	}
	previous := exec.Status
	if previous.IsTerminal() {
		return &api.CancelResult{PreviousStatus: previous}, nil
	}

	now := e.clock.Now()
	exec.Status = api.ExecutionCancelling
	exec.Cancellation = &api.Cancellation{
		Source:      source,
		Reason:      reason,
		CancelledAt: now,
	}
	exec.UpdatedAt = now
	if err := e.deps.Executions.Save(ctx, exec); err != nil {
		return nil, err
	}

	// interrupt a handler that is mid-step for this execution
	e.interruptInflight(id)

	tokens, err := e.revokeExecutionTokens(ctx, id)
	if err != nil {
		slog.Warn("Token revocation incomplete",
			log.ExecutionID(id), log.Error(err))
	}

	e.cancelChildren(ctx, id, reason)
	e.cancelJobs(ctx, id)

	// finalize immediately when no tick is in flight; an in-flight tick
	// observes cancelling and finalizes itself
	e.finalizeIfIdle(ctx, id)

	slog.Info("Execution cancelled",
		log.ExecutionID(id),
		slog.String("source", string(source)),
		log.Status(string(previous)))
	return &api.CancelResult{
		Cancelled:         true,
		PreviousStatus:    previous,
		TokensInvalidated: tokens,
	}, nil
}

func (e *Engine) cancelChildren(
	ctx context.Context, id api.ExecutionID, reason string,
) {
	children, err := e.deps.Executions.FindChildren(ctx, id)
	if err != nil {
		slog.Warn("Child lookup failed",
			log.ExecutionID(id), log.Error(err))
		return
	}
	for _, child := range children {
		if child.Status.IsTerminal() {
			continue
		}
		if _, err := e.Cancel(
			ctx, child.ID, api.CancelSourceParent, reason,
		); err != nil {
			slog.Warn("Child cancellation failed",
				log.ExecutionID(child.ID), log.Error(err))
		}
	}
}

// cancelJobs cancels outstanding jobs belonging to the execution so
// runners stop claiming them
func (e *Engine) cancelJobs(ctx context.Context, id api.ExecutionID) {
	if e.deps.Jobs == nil {
		return
	}
	jobs, err := e.deps.Jobs.ListPending(ctx, 0)
	if err != nil {
		return
	}
	for _, job := range jobs {
		if job.ExecutionID != id {
			continue
		}
		if err := e.deps.Jobs.Cancel(ctx, job.ID); err != nil {
			slog.Warn("Job cancellation failed",
				log.JobID(job.ID), log.Error(err))
		}
	}
}

func (e *Engine) finalizeIfIdle(ctx context.Context, id api.ExecutionID) {
	lock, err := e.deps.Locks.Acquire(ctx, lockKey(id), e.config.LockTTL)
	if err != nil {
		return
	}
	defer func() {
		_ = lock.Release(ctx)
	}()

	exec, err := e.deps.Executions.Load(ctx, id)
	if err != nil || exec.Status != api.ExecutionCancelling {
		return
	}
	st := &tickState{exec: exec}
	e.finalizeCancel(st, e.clock.Now())
	if _, err := e.commit(ctx, st); err != nil {
		e.logTickError(id, err)
		return
	}
	for _, ev := range st.events {
		e.emit(ev)
	}
}
