package redis

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/flowmonkey/engine/pkg/api"
	"github.com/flowmonkey/engine/pkg/store"
)

type (
	// TableRegistry keeps table definitions as JSON with a set of
	// registered IDs
	TableRegistry struct {
		handle
	}

	// TableStore keeps rows in a hash per table, with a list preserving
	// insertion order for ordered queries
	TableStore struct {
		handle
	}
)

func (r *TableRegistry) defKey(id string) string {
	return r.key("tabledef", id)
}

func (r *TableRegistry) allKey() string {
	return r.key("tabledef", "all")
}

func (r *TableRegistry) Register(
	ctx context.Context, def *api.TableDef,
) error {
	if err := def.Validate(); err != nil {
		return err
	}
	copied := *def
	now := time.Now()
	if existing, err := r.Get(ctx, def.ID); err == nil {
		copied.CreatedAt = existing.CreatedAt
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	} else {
		copied.CreatedAt = now
	}
	copied.UpdatedAt = now

	data, err := marshal(&copied)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, r.defKey(def.ID), data, 0)
		p.SAdd(ctx, r.allKey(), def.ID)
		return nil
	})
	return err
}

func (r *TableRegistry) Get(
	ctx context.Context, id string,
) (*api.TableDef, error) {
	data, err := r.client.Get(ctx, r.defKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: table %s", store.ErrNotFound, id)
		}
		return nil, err
	}
	return unmarshal[api.TableDef](data)
}

func (r *TableRegistry) List(ctx context.Context) ([]*api.TableDef, error) {
	ids, err := r.client.SMembers(ctx, r.allKey()).Result()
	if err != nil {
		return nil, err
	}
	res := make([]*api.TableDef, 0, len(ids))
	for _, id := range ids {
		def, err := r.Get(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		res = append(res, def)
	}
	slices.SortFunc(res, func(a, b *api.TableDef) int {
		return strings.Compare(a.ID, b.ID)
	})
	return res, nil
}

func (r *TableRegistry) Delete(ctx context.Context, id string) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, r.defKey(id))
		p.SRem(ctx, r.allKey(), id)
		return nil
	})
	return err
}

func (s *TableStore) rowsKey(tableID string) string {
	return s.key("rows", tableID)
}

func (s *TableStore) orderKey(tableID string) string {
	return s.key("roworder", tableID)
}

func (s *TableStore) Insert(
	ctx context.Context, tableID string, row api.Row,
) (string, error) {
	rowID := uuid.NewString()
	stored := make(api.Row, len(row)+1)
	for k, v := range row {
		stored[k] = v
	}
	stored["id"] = rowID
	data, err := marshal(stored)
	if err != nil {
		return "", err
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, s.rowsKey(tableID), rowID, data)
		p.RPush(ctx, s.orderKey(tableID), rowID)
		return nil
	})
	if err != nil {
		return "", err
	}
	return rowID, nil
}

func (s *TableStore) Get(
	ctx context.Context, tableID, rowID string,
) (api.Row, error) {
	data, err := s.client.HGet(ctx, s.rowsKey(tableID), rowID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf(
				"%w: row %s/%s", store.ErrNotFound, tableID, rowID)
		}
		return nil, err
	}
	row, err := unmarshal[api.Row](data)
	if err != nil {
		return nil, err
	}
	return *row, nil
}

func (s *TableStore) Update(
	ctx context.Context, tableID, rowID string, row api.Row,
) error {
	exists, err := s.client.HExists(
		ctx, s.rowsKey(tableID), rowID,
	).Result()
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf(
			"%w: row %s/%s", store.ErrNotFound, tableID, rowID)
	}
	stored := make(api.Row, len(row)+1)
	for k, v := range row {
		stored[k] = v
	}
	stored["id"] = rowID
	data, err := marshal(stored)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, s.rowsKey(tableID), rowID, data).Err()
}

func (s *TableStore) Delete(
	ctx context.Context, tableID, rowID string,
) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HDel(ctx, s.rowsKey(tableID), rowID)
		p.LRem(ctx, s.orderKey(tableID), 1, rowID)
		return nil
	})
	return err
}

func (s *TableStore) Query(
	ctx context.Context, tableID string, query *api.RowQuery,
) ([]api.Row, error) {
	if query == nil {
		query = &api.RowQuery{}
	}
	if err := query.Validate(); err != nil {
		return nil, err
	}
	order, err := s.client.LRange(
		ctx, s.orderKey(tableID), 0, -1,
	).Result()
	if err != nil {
		return nil, err
	}

	var res []api.Row
	for _, rowID := range order {
		row, err := s.Get(ctx, tableID, rowID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if !matchesAll(row, query.Filters) {
			continue
		}
		res = append(res, row)
		if query.Limit > 0 && len(res) >= query.Limit {
			break
		}
	}
	return res, nil
}

func matchesAll(row api.Row, filters []*api.Filter) bool {
	for _, f := range filters {
		if !f.Matches(row) {
			return false
		}
	}
	return true
}
