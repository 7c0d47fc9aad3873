package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/flowmonkey/engine/pkg/api"
	"github.com/flowmonkey/engine/pkg/log"
	"github.com/flowmonkey/engine/pkg/store"
)

// Create starts a new execution of the flow, or returns an existing one
// when an idempotency key matches a live record within its window
func (e *Engine) Create(
	ctx context.Context, flowID api.FlowID, initial api.Context,
	opts *api.CreateOptions,
) (*api.CreateResult, error) {
	if opts == nil {
		opts = &api.CreateOptions{}
	}
	flow, err := e.deps.Flows.Get(ctx, flowID, opts.Version)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, api.Errorf(api.CodeFlowNotFound,
				"flow %s not found", flowID)
		}
		return nil, err
	}

	if initial == nil {
		initial = api.Context{}
	}
	if errInfo := e.validateContext(initial); errInfo != nil {
		return nil, errInfo
	}

	if opts.IdempotencyKey != "" {
		// the lock spans lookup and save so concurrent creates with the
		// same key cannot both miss and insert
		lock, err := e.deps.Locks.Acquire(
			ctx, idemLockKey(flowID, opts.IdempotencyKey), e.config.LockTTL,
		)
		if err != nil {
			if errors.Is(err, store.ErrLockHeld) {
				return nil, api.Errorf(api.CodeLockContention,
					"execution for flow %s is being created elsewhere",
					flowID)
			}
			return nil, err
		}
		defer func() {
			_ = lock.Release(ctx)
		}()

		if hit, err := e.idempotencyLookup(
			ctx, flowID, opts.IdempotencyKey,
		); err != nil {
			return nil, err
		} else if hit != nil {
			return &api.CreateResult{
				Execution:      hit,
				IdempotencyHit: true,
			}, nil
		}
	}

	now := e.clock.Now()
	exec := &api.Execution{
		ID:                api.ExecutionID(uuid.NewString()),
		FlowID:            flow.ID,
		FlowVersion:       flow.Version,
		CurrentStepID:     flow.InitialStepID,
		Status:            api.ExecutionPending,
		Context:           initial.DeepCopy(),
		TenantID:          opts.TenantID,
		ParentExecutionID: opts.ParentExecutionID,
		Timeouts:          opts.Timeouts,
		Metadata:          opts.Metadata,
		RecordHistory:     opts.RecordHistory,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	applyIdempotency(exec, opts, now)

	if err := e.deps.Executions.Save(ctx, exec); err != nil {
		return nil, err
	}
	e.emit(&api.Event{
		Type:        api.EventExecutionCreated,
		ExecutionID: exec.ID,
		FlowID:      exec.FlowID,
		Status:      exec.Status,
	})
	slog.Info("Execution created",
		log.ExecutionID(exec.ID), log.FlowID(exec.FlowID))

	return &api.CreateResult{Execution: exec, Created: true}, nil
}

// idempotencyLookup returns a live prior execution for the key, or nil
// when none applies
func (e *Engine) idempotencyLookup(
	ctx context.Context, flowID api.FlowID, key string,
) (*api.Execution, error) {
	prior, err := e.deps.Executions.FindByIdempotencyKey(ctx, flowID, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if prior.IdempotencyExpiresAt != nil &&
		e.clock.Now().After(*prior.IdempotencyExpiresAt) {
		return nil, nil
	}
	return prior, nil
}

func idemLockKey(flowID api.FlowID, key string) string {
	return "idem:" + string(flowID) + ":" + key
}

func applyIdempotency(
	exec *api.Execution, opts *api.CreateOptions, now time.Time,
) {
	if opts.IdempotencyKey == "" {
		return
	}
	windowMs := api.DefaultIdempotencyWindowMs
	if opts.IdempotencyWindowMs != nil {
		windowMs = *opts.IdempotencyWindowMs
	}
	if windowMs <= 0 {
		return
	}
	expires := now.Add(time.Duration(windowMs) * time.Millisecond)
	exec.IdempotencyKey = opts.IdempotencyKey
	exec.IdempotencyExpiresAt = &expires
}
