package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/flowmonkey/engine/pkg/api"
	"github.com/flowmonkey/engine/pkg/store"
)

// WriteAheadLog keeps failed pipe inserts in append order until they are
// acked and compacted away
type WriteAheadLog struct {
	entries []*api.WALEntry
	mu      sync.Mutex
}

// NewWriteAheadLog creates an empty in-memory write-ahead log
func NewWriteAheadLog() *WriteAheadLog {
	return &WriteAheadLog{}
}

func (w *WriteAheadLog) Append(
	_ context.Context, entry *api.WALEntry,
) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	copied := *entry
	copied.Data = cloneRow(entry.Data)
	if copied.ID == "" {
		copied.ID = uuid.NewString()
	}
	w.entries = append(w.entries, &copied)
	return nil
}

func (w *WriteAheadLog) ReadPending(
	_ context.Context, limit int,
) ([]*api.WALEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var res []*api.WALEntry
	for _, entry := range w.entries {
		if entry.Acked {
			continue
		}
		copied := *entry
		copied.Data = cloneRow(entry.Data)
		res = append(res, &copied)
		if limit > 0 && len(res) >= limit {
			break
		}
	}
	return res, nil
}

func (w *WriteAheadLog) Ack(_ context.Context, id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, entry := range w.entries {
		if entry.ID == id {
			entry.Acked = true
			return nil
		}
	}
	return fmt.Errorf("%w: wal entry %s", store.ErrNotFound, id)
}

func (w *WriteAheadLog) IncrementAttempts(
	_ context.Context, id string,
) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, entry := range w.entries {
		if entry.ID == id {
			entry.Attempts++
			return nil
		}
	}
	return fmt.Errorf("%w: wal entry %s", store.ErrNotFound, id)
}

func (w *WriteAheadLog) Compact(_ context.Context) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	before := len(w.entries)
	w.entries = slices.DeleteFunc(w.entries, func(e *api.WALEntry) bool {
		return e.Acked
	})
	return before - len(w.entries), nil
}
