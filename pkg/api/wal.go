package api

import "time"

// WALEntry is a durable record of a pipe insert that failed transiently.
// Entries persist until a successful replay acks them; compaction removes
// acked entries
type WALEntry struct {
	Data        Row         `json:"data"`
	ID          string      `json:"id"`
	TableID     string      `json:"table_id"`
	TenantID    TenantID    `json:"tenant_id,omitempty"`
	PipeID      string      `json:"pipe_id"`
	ExecutionID ExecutionID `json:"execution_id"`
	FlowID      FlowID      `json:"flow_id"`
	StepID      StepID      `json:"step_id"`
	Error       string      `json:"error"`
	Attempts    int         `json:"attempts"`
	CreatedAt   time.Time   `json:"created_at"`
	Acked       bool        `json:"acked"`
}
