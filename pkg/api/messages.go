package api

import "time"

type (
	// CreateOptions tunes execution creation. The zero value pins the
	// highest registered flow version with no idempotency or timeouts
	CreateOptions struct {
		Timeouts            *TimeoutConfig `json:"timeouts,omitempty"`
		Metadata            Metadata       `json:"metadata,omitempty"`
		Version             string         `json:"version,omitempty"`
		TenantID            TenantID       `json:"tenant_id,omitempty"`
		ParentExecutionID   ExecutionID    `json:"parent_execution_id,omitempty"`
		IdempotencyKey string `json:"idempotency_key,omitempty"`
		// IdempotencyWindowMs is how long the key is retained. Nil uses
		// the default window; an explicit zero skips key persistence
		IdempotencyWindowMs *int64 `json:"idempotency_window_ms,omitempty"`
		RecordHistory       bool           `json:"record_history,omitempty"`
	}

	// CreateResult reports whether a new execution was written or an
	// idempotency lookup returned an existing one
	CreateResult struct {
		Execution      *Execution `json:"execution"`
		Created        bool       `json:"created"`
		IdempotencyHit bool       `json:"idempotency_hit"`
	}

	// TickResult reports the outcome of one advance attempt
	TickResult struct {
		WakeAt *time.Time      `json:"wake_at,omitempty"`
		Error  *ErrorInfo      `json:"error,omitempty"`
		Status ExecutionStatus `json:"status"`
		Done   bool            `json:"done"`
	}

	// RunOptions tunes the Run loop
	RunOptions struct {
		// MaxSteps caps the advances made by one Run call; zero uses the
		// engine default
		MaxSteps int `json:"max_steps,omitempty"`
		// SimulateTime makes the loop ignore wake delays and advance
		// waiting executions immediately
		SimulateTime bool `json:"simulate_time,omitempty"`
	}

	// CancelResult reports the effect of a cancellation request
	CancelResult struct {
		PreviousStatus    ExecutionStatus `json:"previous_status"`
		Cancelled         bool            `json:"cancelled"`
		TokensInvalidated int             `json:"tokens_invalidated"`
	}
)

// DefaultIdempotencyWindowMs is the retention window for idempotency keys
// when the caller does not specify one (24 hours)
const DefaultIdempotencyWindowMs = int64(24 * 60 * 60 * 1000)

// ResumeDataKey is where resume data lands in the context when the waiting
// step declares no output key
const ResumeDataKey = "resumeData"
