package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowmonkey/engine/pkg/api"
	"github.com/flowmonkey/engine/pkg/store"
)

type (
	// TableRegistry keeps table definitions in a map. Register upserts;
	// an existing definition is replaced with its UpdatedAt refreshed
	TableRegistry struct {
		defs map[string]*api.TableDef
		mu   sync.RWMutex
	}

	// TableStore keeps table rows in insertion order per table. Row IDs
	// are assigned on insert under the reserved "id" key
	TableStore struct {
		rows  map[string]map[string]api.Row
		order map[string][]string
		mu    sync.RWMutex
	}
)

// NewTableRegistry creates an empty in-memory table registry
func NewTableRegistry() *TableRegistry {
	return &TableRegistry{
		defs: map[string]*api.TableDef{},
	}
}

func (r *TableRegistry) Register(
	_ context.Context, def *api.TableDef,
) error {
	if err := def.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := *def
	now := time.Now()
	if existing, ok := r.defs[def.ID]; ok {
		copied.CreatedAt = existing.CreatedAt
	} else {
		copied.CreatedAt = now
	}
	copied.UpdatedAt = now
	r.defs[def.ID] = &copied
	return nil
}

func (r *TableRegistry) Get(
	_ context.Context, id string,
) (*api.TableDef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[id]
	if !ok {
		return nil, fmt.Errorf("%w: table %s", store.ErrNotFound, id)
	}
	copied := *def
	return &copied, nil
}

func (r *TableRegistry) List(_ context.Context) ([]*api.TableDef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res := make([]*api.TableDef, 0, len(r.defs))
	for _, def := range r.defs {
		copied := *def
		res = append(res, &copied)
	}
	slices.SortFunc(res, func(a, b *api.TableDef) int {
		return cmpString(a.ID, b.ID)
	})
	return res, nil
}

func (r *TableRegistry) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.defs, id)
	return nil
}

// NewTableStore creates an empty in-memory row store
func NewTableStore() *TableStore {
	return &TableStore{
		rows:  map[string]map[string]api.Row{},
		order: map[string][]string{},
	}
}

func (s *TableStore) Insert(
	_ context.Context, tableID string, row api.Row,
) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rowID := uuid.NewString()
	stored := cloneRow(row)
	stored["id"] = rowID
	if s.rows[tableID] == nil {
		s.rows[tableID] = map[string]api.Row{}
	}
	s.rows[tableID][rowID] = stored
	s.order[tableID] = append(s.order[tableID], rowID)
	return rowID, nil
}

func (s *TableStore) Get(
	_ context.Context, tableID, rowID string,
) (api.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.rows[tableID][rowID]
	if !ok {
		return nil, fmt.Errorf(
			"%w: row %s in table %s", store.ErrNotFound, rowID, tableID,
		)
	}
	return cloneRow(row), nil
}

func (s *TableStore) Update(
	_ context.Context, tableID, rowID string, row api.Row,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rows[tableID][rowID]; !ok {
		return fmt.Errorf(
			"%w: row %s in table %s", store.ErrNotFound, rowID, tableID,
		)
	}
	stored := cloneRow(row)
	stored["id"] = rowID
	s.rows[tableID][rowID] = stored
	return nil
}

func (s *TableStore) Delete(
	_ context.Context, tableID, rowID string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rows[tableID][rowID]; !ok {
		return nil
	}
	delete(s.rows[tableID], rowID)
	s.order[tableID] = slices.DeleteFunc(
		s.order[tableID], func(id string) bool { return id == rowID },
	)
	return nil
}

func (s *TableStore) Query(
	_ context.Context, tableID string, query *api.RowQuery,
) ([]api.Row, error) {
	if query == nil {
		query = &api.RowQuery{}
	}
	if err := query.Validate(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var res []api.Row
	for _, rowID := range s.order[tableID] {
		row := s.rows[tableID][rowID]
		if matchesAll(row, query.Filters) {
			res = append(res, cloneRow(row))
			if query.Limit > 0 && len(res) >= query.Limit {
				break
			}
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

func cloneRow(row api.Row) api.Row {
	out := make(api.Row, len(row))
	for k, v := range row {
		out[k] = cloneValue(v)
	}
	return out
}

func cmpString(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
