package engine

import (
	"context"
	"errors"
	"time"

	"github.com/flowmonkey/engine/pkg/api"
	"github.com/flowmonkey/engine/pkg/store"
)

// TokenValidation reports whether a presented token authorizes a resume
// and, when it does not, why
type TokenValidation struct {
	Reason string
	Valid  bool
}

const (
	TokenReasonNotFound = "not_found"
	TokenReasonUsed     = "used"
	TokenReasonRevoked  = "revoked"
	TokenReasonExpired  = "expired"
)

// tokenIssuer implements api.TokenIssuer for a single step invocation
type tokenIssuer struct {
	engine *Engine
	execID api.ExecutionID
	stepID api.StepID
}

func (t *tokenIssuer) Generate(
	ctx context.Context, expiresAt *time.Time, meta api.Metadata,
) (*api.ResumeToken, error) {
	return t.engine.generateToken(ctx, t.execID, t.stepID, expiresAt, meta)
}

func (e *Engine) generateToken(
	ctx context.Context, execID api.ExecutionID, stepID api.StepID,
	expiresAt *time.Time, meta api.Metadata,
) (*api.ResumeToken, error) {
	token := &api.ResumeToken{
		Token:       api.NewTokenString(),
		ExecutionID: execID,
		StepID:      stepID,
		Status:      api.TokenActive,
		ExpiresAt:   expiresAt,
		Metadata:    meta,
		CreatedAt:   e.clock.Now(),
	}
	if err := e.deps.Tokens.Save(ctx, token); err != nil {
		return nil, err
	}
	return token, nil
}

// validateToken checks a presented token against the execution's wait
// record without consuming it
func (e *Engine) validateToken(
	ctx context.Context, execID api.ExecutionID, token string,
) (*TokenValidation, error) {
	rec, err := e.deps.Tokens.Get(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &TokenValidation{Reason: TokenReasonNotFound}, nil
		}
		return nil, err
	}
	if rec.ExecutionID != execID {
		return &TokenValidation{Reason: TokenReasonNotFound}, nil
	}
	switch rec.Status {
	case api.TokenUsed:
		return &TokenValidation{Reason: TokenReasonUsed}, nil
	case api.TokenRevoked:
		return &TokenValidation{Reason: TokenReasonRevoked}, nil
	case api.TokenExpired:
		return &TokenValidation{Reason: TokenReasonExpired}, nil
	}
	if rec.IsExpired(e.clock.Now()) {
		return &TokenValidation{Reason: TokenReasonExpired}, nil
	}
	return &TokenValidation{Valid: true}, nil
}

// revokeExecutionTokens revokes every active token for an execution,
// returning how many were invalidated
func (e *Engine) revokeExecutionTokens(
	ctx context.Context, execID api.ExecutionID,
) (int, error) {
	tokens, err := e.deps.Tokens.ListByExecution(ctx, execID)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, rec := range tokens {
		if rec.Status != api.TokenActive {
			continue
		}
		ok, err := e.deps.Tokens.Revoke(ctx, rec.Token)
		if err != nil {
			return count, err
		}
		if ok {
			count++
		}
	}
	return count, nil
}
