// Package memory provides in-memory implementations of every store
// contract. It is the reference backend for tests and single-process
// deployments; all operations are safe for concurrent use
package memory

import (
	"encoding/json"

	"github.com/flowmonkey/engine/pkg/api"
)

// Stores bundles one of each in-memory backend
type Stores struct {
	Executions *ExecutionStore
	Locks      *LockProvider
	Jobs       *JobStore
	Tokens     *TokenStore
	Tables     *TableRegistry
	Rows       *TableStore
	WAL        *WriteAheadLog
	Flows      *FlowRegistry
	Context    *ContextStorage
}

// NewStores creates a full set of in-memory backends
func NewStores() *Stores {
	return &Stores{
		Executions: NewExecutionStore(),
		Locks:      NewLockProvider(),
		Jobs:       NewJobStore(),
		Tokens:     NewTokenStore(),
		Tables:     NewTableRegistry(),
		Rows:       NewTableStore(),
		WAL:        NewWriteAheadLog(),
		Flows:      NewFlowRegistry(),
		Context:    NewContextStorage(),
	}
}

func cloneExecution(exec *api.Execution) *api.Execution {
	if exec == nil {
		return nil
	}
	data, err := json.Marshal(exec)
	if err != nil {
		copied := *exec
		return &copied
	}
	var out api.Execution
	if err := json.Unmarshal(data, &out); err != nil {
		copied := *exec
		return &copied
	}
	return &out
}

func cloneJob(job *api.Job) *api.Job {
	if job == nil {
		return nil
	}
	data, err := json.Marshal(job)
	if err != nil {
		copied := *job
		return &copied
	}
	var out api.Job
	if err := json.Unmarshal(data, &out); err != nil {
		copied := *job
		return &copied
	}
	return &out
}

func cloneValue(value any) any {
	data, err := json.Marshal(value)
	if err != nil {
		return value
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return value
	}
	return out
}
