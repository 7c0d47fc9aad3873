package api

import "time"

type (
	// Outcome tags the three step result variants
	Outcome string

	// StepResult is the tagged union a handler returns: success with
	// output, failure with a coded error, or wait with a wake time
	StepResult struct {
		Output       any           `json:"output,omitempty"`
		WaitData     Context       `json:"wait_data,omitempty"`
		Error        *ErrorInfo    `json:"error,omitempty"`
		TokenRequest *TokenRequest `json:"token_request,omitempty"`
		Outcome      Outcome       `json:"outcome"`
		WaitReason   string        `json:"wait_reason,omitempty"`
		WakeAt       time.Time     `json:"wake_at,omitempty"`
	}

	// TokenRequest asks the engine to issue a resume token for a waiting
	// step
	TokenRequest struct {
		ExpiresAt *time.Time `json:"expires_at,omitempty"`
		Metadata  Metadata   `json:"metadata,omitempty"`
	}
)

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeWait    Outcome = "wait"
)

// Success creates a success result carrying the handler's output
func Success(output any) *StepResult {
	return &StepResult{Outcome: OutcomeSuccess, Output: output}
}

// Failure creates a failure result with a stable code and message
func Failure(code, message string) *StepResult {
	return &StepResult{
		Outcome: OutcomeFailure,
		Error:   NewError(code, message),
	}
}

// FailureErr creates a failure result from an existing ErrorInfo
func FailureErr(err *ErrorInfo) *StepResult {
	return &StepResult{Outcome: OutcomeFailure, Error: err}
}

// Wait creates a wait result that suspends the execution until wakeAt
func Wait(wakeAt time.Time) *StepResult {
	return &StepResult{Outcome: OutcomeWait, WakeAt: wakeAt}
}

// WithReason annotates a wait result with a human-readable reason
func (r *StepResult) WithReason(reason string) *StepResult {
	r.WaitReason = reason
	return r
}

// WithToken asks the engine to issue a resume token alongside the wait
func (r *StepResult) WithToken(req *TokenRequest) *StepResult {
	if req == nil {
		req = &TokenRequest{}
	}
	r.TokenRequest = req
	return r
}

// WithWaitData attaches data that is stored with the waiting step's output
func (r *StepResult) WithWaitData(data Context) *StepResult {
	r.WaitData = data
	return r
}
