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

// Resume transitions a waiting execution back to running, merging the
// supplied data into the waiting step's output. A supplied token is
// validated and consumed atomically; a second concurrent use fails
func (e *Engine) Resume(
	ctx context.Context, id api.ExecutionID, data api.Context,
	token string,
) (*api.Execution, error) {
	lock, err := e.deps.Locks.Acquire(ctx, lockKey(id), e.config.LockTTL)
	if err != nil {
		if errors.Is(err, store.ErrLockHeld) {
			return nil, api.Errorf(api.CodeLockContention,
				"execution %s is being advanced elsewhere", id)
		}
		return nil, err
	}
	defer func() {
		_ = lock.Release(ctx)
	}()

	exec, err := e.deps.Executions.Load(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
		}
		return nil, err
	}
	if exec.Status != api.ExecutionWaiting {
		return nil, api.Errorf(api.CodeInvalidExecutionState,
			"cannot resume execution in status %s", exec.Status)
	}

	if token != "" {
		if err := e.consumeToken(ctx, id, token); err != nil {
			return nil, err
		}
	}

	flow, err := e.deps.Flows.Get(ctx, exec.FlowID, exec.FlowVersion)
	if err != nil {
		return nil, err
	}
	step := flow.GetStep(exec.CurrentStepID)
	if step == nil {
		return nil, api.Errorf(api.CodeStepNotFound,
			"step %s not found in flow %s",
			exec.CurrentStepID, exec.FlowID)
	}

	st := &tickState{exec: exec, flow: flow}
	e.applyResume(st, step, data, e.clock.Now())
	if _, err := e.commit(ctx, st); err != nil {
		if token != "" {
			e.restoreToken(ctx, token)
		}
		return nil, err
	}
	for _, ev := range st.events {
		e.emit(ev)
	}
	slog.Info("Execution resumed",
		log.ExecutionID(exec.ID), log.StepID(step.ID))
	return exec, nil
}

// consumeToken validates and marks the token used in one step. MarkUsed
// is the atomic guard; validation shapes the error for losers
func (e *Engine) consumeToken(
	ctx context.Context, id api.ExecutionID, token string,
) error {
	validation, err := e.validateToken(ctx, id, token)
	if err != nil {
		return err
	}
	if !validation.Valid {
		return tokenError(validation.Reason)
	}
	ok, err := e.deps.Tokens.MarkUsed(ctx, token, e.clock.Now())
	if err != nil {
		return err
	}
	if !ok {
		return api.NewError(api.CodeTokenAlreadyUsed,
			"resume token was already consumed")
	}
	return nil
}

// restoreToken returns a consumed token to active when the resume it
// authorized failed to commit. Safe under the execution lock; no other
// resume for the execution can run concurrently
func (e *Engine) restoreToken(ctx context.Context, token string) {
	rec, err := e.deps.Tokens.Get(ctx, token)
	if err != nil {
		slog.Error("Token restore failed", log.Error(err))
		return
	}
	if rec.Status != api.TokenUsed {
		return
	}
	rec.Status = api.TokenActive
	rec.UsedAt = nil
	if err := e.deps.Tokens.Save(ctx, rec); err != nil {
		slog.Error("Token restore failed", log.Error(err))
	}
}

func tokenError(reason string) *api.ErrorInfo {
	switch reason {
	case TokenReasonUsed:
		return api.NewError(api.CodeTokenAlreadyUsed,
			"resume token was already used")
	case TokenReasonRevoked:
		return api.NewError(api.CodeTokenRevoked,
			"resume token was revoked")
	case TokenReasonExpired:
		return api.NewError(api.CodeTokenExpired,
			"resume token has expired")
	default:
		return api.NewError(api.CodeTokenNotFound,
			"resume token not recognized")
	}
}
