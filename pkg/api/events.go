package api

import "time"

type (
	// EventType names a lifecycle event emitted by the engine
	EventType string

	// Event is one lifecycle notification. Fields beyond Type, ExecutionID
	// and Timestamp are populated when relevant to the event kind
	Event struct {
		Error       *ErrorInfo      `json:"error,omitempty"`
		Type        EventType       `json:"type"`
		ExecutionID ExecutionID     `json:"execution_id"`
		FlowID      FlowID          `json:"flow_id,omitempty"`
		StepID      StepID          `json:"step_id,omitempty"`
		Status      ExecutionStatus `json:"status,omitempty"`
		PipeID      string          `json:"pipe_id,omitempty"`
		TableID     string          `json:"table_id,omitempty"`
		WALEntryID  string          `json:"wal_entry_id,omitempty"`
		DurationMs  int64           `json:"duration_ms,omitempty"`
		Timestamp   time.Time       `json:"timestamp"`
	}
)

const (
	EventExecutionCreated   EventType = "execution.created"
	EventExecutionStarted   EventType = "execution.started"
	EventStepStarted        EventType = "step.started"
	EventStepCompleted      EventType = "step.completed"
	EventStepFailed         EventType = "step.failed"
	EventExecutionWaiting   EventType = "execution.waiting"
	EventExecutionResumed   EventType = "execution.resumed"
	EventExecutionCompleted EventType = "execution.completed"
	EventExecutionFailed    EventType = "execution.failed"
	EventExecutionCancelled EventType = "execution.cancelled"
	EventPipeInserted       EventType = "pipe.inserted"
	EventPipeFailed         EventType = "pipe.failed"
)
