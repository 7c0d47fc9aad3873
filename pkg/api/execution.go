package api

import (
	"time"
)

type (
	// ExecutionID identifies a live execution of a flow
	ExecutionID string

	// TenantID scopes executions and table rows to a tenant
	TenantID string

	// ExecutionStatus is the lifecycle state of an execution
	ExecutionStatus string

	// CancelSource records which actor requested cancellation
	CancelSource string

	// Execution is the mutable runtime record of a flow instance
	Execution struct {
		Context              Context         `json:"context"`
		Metadata             Metadata        `json:"metadata,omitempty"`
		Error                *ErrorInfo      `json:"error,omitempty"`
		Cancellation         *Cancellation   `json:"cancellation,omitempty"`
		Timeouts             *TimeoutConfig  `json:"timeouts,omitempty"`
		WakeAt               *time.Time      `json:"wake_at,omitempty"`
		WaitStartedAt        *time.Time      `json:"wait_started_at,omitempty"`
		IdempotencyExpiresAt *time.Time      `json:"idempotency_expires_at,omitempty"`
		History              []*HistoryEntry `json:"history,omitempty"`
		ID                   ExecutionID     `json:"id"`
		FlowID               FlowID          `json:"flow_id"`
		FlowVersion          string          `json:"flow_version"`
		CurrentStepID        StepID          `json:"current_step_id"`
		Status               ExecutionStatus `json:"status"`
		WaitReason           string          `json:"wait_reason,omitempty"`
		TenantID             TenantID        `json:"tenant_id,omitempty"`
		ParentExecutionID    ExecutionID     `json:"parent_execution_id,omitempty"`
		IdempotencyKey       string          `json:"idempotency_key,omitempty"`
		StepCount            int             `json:"step_count"`
		RecordHistory        bool            `json:"record_history,omitempty"`
		CreatedAt            time.Time       `json:"created_at"`
		UpdatedAt            time.Time       `json:"updated_at"`
	}

	// Cancellation records who cancelled an execution and why
	Cancellation struct {
		Source      CancelSource `json:"source"`
		Reason      string       `json:"reason,omitempty"`
		CancelledAt time.Time    `json:"cancelled_at"`
	}

	// TimeoutConfig carries the three independent timeout budgets, each in
	// milliseconds. A zero budget is unlimited
	TimeoutConfig struct {
		ExecutionTimeoutMs int64 `json:"execution_timeout_ms,omitempty"`
		WaitTimeoutMs      int64 `json:"wait_timeout_ms,omitempty"`
		StepTimeoutMs      int64 `json:"step_timeout_ms,omitempty"`
	}

	// HistoryEntry records one completed step invocation
	HistoryEntry struct {
		CompletedAt time.Time  `json:"completed_at"`
		StartedAt   time.Time  `json:"started_at"`
		Error       *ErrorInfo `json:"error,omitempty"`
		StepID      StepID     `json:"step_id"`
		Type        HandlerType `json:"type"`
		Outcome     Outcome    `json:"outcome"`
		DurationMs  int64      `json:"duration_ms"`
	}
)

const (
	ExecutionPending    ExecutionStatus = "pending"
	ExecutionRunning    ExecutionStatus = "running"
	ExecutionWaiting    ExecutionStatus = "waiting"
	ExecutionCancelling ExecutionStatus = "cancelling"
	ExecutionCompleted  ExecutionStatus = "completed"
	ExecutionFailed     ExecutionStatus = "failed"
	ExecutionCancelled  ExecutionStatus = "cancelled"
)

const (
	CancelSourceUser   CancelSource = "user"
	CancelSourceParent CancelSource = "parent"
	CancelSourceSystem CancelSource = "system"
)

// IsTerminal returns true for statuses that never transition again
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	default:
		return false
	}
}

// ExecutionTimeout returns the whole-execution budget as a duration, or
// zero when unlimited
func (t *TimeoutConfig) ExecutionTimeout() time.Duration {
	if t == nil {
		return 0
	}
	return time.Duration(t.ExecutionTimeoutMs) * time.Millisecond
}

// WaitTimeout returns the per-wait budget as a duration, or zero when
// unlimited
func (t *TimeoutConfig) WaitTimeout() time.Duration {
	if t == nil {
		return 0
	}
	return time.Duration(t.WaitTimeoutMs) * time.Millisecond
}

// StepTimeout returns the per-step budget as a duration, or zero when
// unlimited
func (t *TimeoutConfig) StepTimeout() time.Duration {
	if t == nil {
		return 0
	}
	return time.Duration(t.StepTimeoutMs) * time.Millisecond
}
