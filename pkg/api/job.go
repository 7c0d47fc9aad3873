package api

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

type (
	// JobID identifies a persistent work record. Job IDs are
	// deterministic digests of their identity key, so repeated enqueues
	// of the same work coalesce into one record
	JobID string

	// JobStatus is the lifecycle state of a job
	JobStatus string

	// JobKey is the identity of a job: the same key always yields the
	// same job ID
	JobKey struct {
		Input       any         `json:"input"`
		ExecutionID ExecutionID `json:"executionId"`
		StepID      StepID      `json:"stepId"`
		Handler     HandlerType `json:"handler"`
	}

	// Job is a deterministically-keyed unit of stateful execution with
	// lease semantics. A runner claims a pending job, heartbeats while
	// working, and completes or fails it; the reaper resets stalled
	// claims
	Job struct {
		Input       any         `json:"input"`
		Result      any         `json:"result,omitempty"`
		Checkpoint  any         `json:"checkpoint,omitempty"`
		Progress    *Progress   `json:"progress,omitempty"`
		Error       *ErrorInfo  `json:"error,omitempty"`
		HeartbeatAt *time.Time  `json:"heartbeat_at,omitempty"`
		ID          JobID       `json:"id"`
		ExecutionID ExecutionID `json:"execution_id"`
		StepID      StepID      `json:"step_id"`
		Handler     HandlerType `json:"handler"`
		Status      JobStatus   `json:"status"`
		RunnerID    string      `json:"runner_id,omitempty"`
		InstanceID  string      `json:"instance_id,omitempty"`
		HeartbeatMs int64       `json:"heartbeat_ms"`
		Attempts    int         `json:"attempts"`
		MaxAttempts int         `json:"max_attempts"`
		CreatedAt   time.Time   `json:"created_at"`
		UpdatedAt   time.Time   `json:"updated_at"`
	}

	// Progress reports partial completion of a running job
	Progress struct {
		Message   string    `json:"message,omitempty"`
		Done      int       `json:"done"`
		Total     int       `json:"total"`
		UpdatedAt time.Time `json:"updated_at"`
	}
)

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

const (
	DefaultJobHeartbeatMs = int64(15_000)
	DefaultJobMaxAttempts = 3

	// StallFactor is how many missed heartbeat intervals mark a running
	// job as stalled
	StallFactor = 3
)

// NewJobID digests the identity key into a deterministic 128-bit job ID.
// Keys that cannot be canonically encoded fall back to an empty ID, which
// the store rejects
func NewJobID(key JobKey) (JobID, error) {
	data, err := CanonicalJSON(key)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return JobID(hex.EncodeToString(sum[:16])), nil
}

// IsTerminal returns true for statuses that never transition again
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// StalledBefore returns the latest heartbeat time a running job may have
// before it is considered stalled as of now
func (j *Job) StalledBefore(now time.Time) time.Time {
	interval := time.Duration(j.HeartbeatMs) * time.Millisecond
	return now.Add(-StallFactor * interval)
}

// IsStalled reports whether the running job has missed enough heartbeats
// to be considered abandoned
func (j *Job) IsStalled(now time.Time) bool {
	if j.Status != JobRunning || j.HeartbeatAt == nil {
		return false
	}
	return j.HeartbeatAt.Before(j.StalledBefore(now))
}
