// Package redis provides Redis-backed implementations of the store
// contracts. Records are stored as JSON strings under a configurable key
// prefix, with sets and sorted sets maintaining the secondary indexes
// the engine queries. Conditional transitions use optimistic WATCH
// transactions so lease guards hold across processes
package redis

import (
	"encoding/json"
	"strings"

	"github.com/redis/go-redis/v9"
)

type (
	// Stores bundles one of each Redis backend sharing a client and
	// key prefix
	Stores struct {
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

	handle struct {
		client *redis.Client
		prefix string
	}
)

// NewStores creates a full set of Redis backends over one client. All
// keys are namespaced under the given prefix
func NewStores(client *redis.Client, prefix string) *Stores {
	h := handle{client: client, prefix: prefix}
	return &Stores{
		Executions: &ExecutionStore{handle: h},
		Locks:      &LockProvider{handle: h},
		Jobs:       &JobStore{handle: h},
		Tokens:     &TokenStore{handle: h},
		Tables:     &TableRegistry{handle: h},
		Rows:       &TableStore{handle: h},
		WAL:        &WriteAheadLog{handle: h},
		Flows:      &FlowRegistry{handle: h},
		Context:    &ContextStorage{handle: h},
	}
}

func (h *handle) key(parts ...string) string {
	return h.prefix + ":" + strings.Join(parts, ":")
}

func marshal(value any) ([]byte, error) {
	return json.Marshal(value)
}

func unmarshal[T any](data []byte) (*T, error) {
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
