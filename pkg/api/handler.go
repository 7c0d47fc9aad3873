package api

import (
	"context"
	"time"
)

type (
	// Handler implements a step type. The engine resolves the step's
	// input, invokes Execute, and routes the returned outcome. A non-nil
	// error is treated as an internal handler failure distinct from a
	// failure result
	Handler interface {
		Type() HandlerType
		Execute(context.Context, *HandlerParams) (*StepResult, error)
	}

	// HandlerFunc adapts a function to the Handler interface
	HandlerFunc struct {
		Fn   func(context.Context, *HandlerParams) (*StepResult, error)
		Kind HandlerType
	}

	// HandlerParams is everything a handler receives for one invocation.
	// Checkpoints and Tokens are nil unless the engine was configured
	// with the corresponding stores
	HandlerParams struct {
		Input       any
		Step        *Step
		Context     ContextAccessor
		Execution   ExecutionInfo
		Checkpoints CheckpointManager
		Tokens      TokenIssuer
	}

	// ExecutionInfo is the read-only execution identity given to handlers
	ExecutionInfo struct {
		ID                ExecutionID
		FlowID            FlowID
		TenantID          TenantID
		ParentExecutionID ExecutionID
	}

	// ContextAccessor exposes the execution context to handlers. Values
	// set here are persisted with the execution when the step commits
	ContextAccessor interface {
		Get(key string) (any, bool)
		Set(key string, value any)
		Has(key string) bool
		Delete(key string)
		GetAll() Context
	}

	// CheckpointManager lets stateful handlers persist progress between
	// attempts. Writes succeed only while the handler's job instance is
	// the live owner of the claim
	CheckpointManager interface {
		Save(ctx context.Context, checkpoint any) error
		Load(ctx context.Context) (any, bool, error)
		Progress(ctx context.Context, done, total int, message string) error
	}

	// TokenIssuer lets a waiting handler mint resume tokens bound to its
	// execution and step
	TokenIssuer interface {
		Generate(
			ctx context.Context, expiresAt *time.Time, meta Metadata,
		) (*ResumeToken, error)
	}
)

// NewHandlerFunc wraps a plain function as a Handler
func NewHandlerFunc(
	kind HandlerType,
	fn func(context.Context, *HandlerParams) (*StepResult, error),
) *HandlerFunc {
	return &HandlerFunc{Kind: kind, Fn: fn}
}

// Type returns the handler type this function implements
func (h *HandlerFunc) Type() HandlerType {
	return h.Kind
}

// Execute invokes the wrapped function
func (h *HandlerFunc) Execute(
	ctx context.Context, p *HandlerParams,
) (*StepResult, error) {
	return h.Fn(ctx, p)
}
