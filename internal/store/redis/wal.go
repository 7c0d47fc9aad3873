package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/flowmonkey/engine/pkg/api"
	"github.com/flowmonkey/engine/pkg/store"
)

// WriteAheadLog persists failed pipe inserts as JSON entries with a list
// preserving append order
type WriteAheadLog struct {
	handle
}

func (w *WriteAheadLog) entryKey(id string) string {
	return w.key("wal", id)
}

func (w *WriteAheadLog) orderKey() string {
	return w.key("wal", "order")
}

func (w *WriteAheadLog) Append(
	ctx context.Context, entry *api.WALEntry,
) error {
	copied := *entry
	if copied.ID == "" {
		copied.ID = uuid.NewString()
	}
	data, err := marshal(&copied)
	if err != nil {
		return err
	}
	_, err = w.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, w.entryKey(copied.ID), data, 0)
		p.RPush(ctx, w.orderKey(), copied.ID)
		return nil
	})
	return err
}

func (w *WriteAheadLog) ReadPending(
	ctx context.Context, limit int,
) ([]*api.WALEntry, error) {
	ids, err := w.client.LRange(ctx, w.orderKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	var res []*api.WALEntry
	for _, id := range ids {
		entry, err := w.load(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if entry.Acked {
			continue
		}
		res = append(res, entry)
		if limit > 0 && len(res) >= limit {
			break
		}
	}
	return res, nil
}

func (w *WriteAheadLog) Ack(ctx context.Context, id string) error {
	return w.mutate(ctx, id, func(entry *api.WALEntry) {
		entry.Acked = true
	})
}

func (w *WriteAheadLog) IncrementAttempts(
	ctx context.Context, id string,
) error {
	return w.mutate(ctx, id, func(entry *api.WALEntry) {
		entry.Attempts++
	})
}

func (w *WriteAheadLog) Compact(ctx context.Context) (int, error) {
	ids, err := w.client.LRange(ctx, w.orderKey(), 0, -1).Result()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, id := range ids {
		entry, err := w.load(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return removed, err
		}
		if !entry.Acked {
			continue
		}
		_, err = w.client.TxPipelined(ctx,
			func(p redis.Pipeliner) error {
				p.Del(ctx, w.entryKey(id))
				p.LRem(ctx, w.orderKey(), 1, id)
				return nil
			})
		if err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (w *WriteAheadLog) load(
	ctx context.Context, id string,
) (*api.WALEntry, error) {
	data, err := w.client.Get(ctx, w.entryKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf(
				"%w: wal entry %s", store.ErrNotFound, id)
		}
		return nil, err
	}
	return unmarshal[api.WALEntry](data)
}

func (w *WriteAheadLog) mutate(
	ctx context.Context, id string, fn func(*api.WALEntry),
) error {
	key := w.entryKey(id)
	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf(
					"%w: wal entry %s", store.ErrNotFound, id)
			}
			return err
		}
		entry, err := unmarshal[api.WALEntry](data)
		if err != nil {
			return err
		}
		fn(entry)
		payload, err := marshal(entry)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, payload, 0)
			return nil
		})
		return err
	}

	for range maxTxRetries {
		err := w.client.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return redis.TxFailedErr
}
