package api

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type (
	// ColumnType is the declared value type of a table column
	ColumnType string

	// FilterOp is a row-query comparison operator
	FilterOp string

	// TableDef is a user-defined table that pipes write into
	TableDef struct {
		ID        string    `json:"id"`
		Columns   []*Column `json:"columns"`
		CreatedAt time.Time `json:"created_at"`
		UpdatedAt time.Time `json:"updated_at"`
	}

	// Column describes one table column
	Column struct {
		ID       string     `json:"id"`
		Name     string     `json:"name"`
		Type     ColumnType `json:"type"`
		Required bool       `json:"required"`
	}

	// Row is a free-form record keyed by column ID
	Row map[string]any

	// Filter is one predicate in a row query
	Filter struct {
		Value    any      `json:"value"`
		ColumnID string   `json:"column_id"`
		Op       FilterOp `json:"op"`
	}

	// RowQuery selects rows matching every filter, bounded by Limit
	RowQuery struct {
		Filters []*Filter `json:"filters,omitempty"`
		Limit   int       `json:"limit,omitempty"`
	}
)

const (
	ColumnString  ColumnType = "string"
	ColumnNumber  ColumnType = "number"
	ColumnBoolean ColumnType = "boolean"
	ColumnJSON    ColumnType = "json"
)

const (
	FilterEq   FilterOp = "eq"
	FilterNeq  FilterOp = "neq"
	FilterGt   FilterOp = "gt"
	FilterGte  FilterOp = "gte"
	FilterLt   FilterOp = "lt"
	FilterLte  FilterOp = "lte"
	FilterLike FilterOp = "like"
	FilterIn   FilterOp = "in"
)

var (
	ErrTableIDEmpty       = errors.New("table ID empty")
	ErrTableNoColumns     = errors.New("table has no columns")
	ErrColumnIDEmpty      = errors.New("column ID empty")
	ErrDuplicateColumnID  = errors.New("duplicate column ID")
	ErrInvalidColumnType  = errors.New("invalid column type")
	ErrRequiredColumnMiss = errors.New("row missing required column")
	ErrInvalidFilterOp    = errors.New("invalid filter operator")
)

var validColumnTypes = map[ColumnType]bool{
	ColumnString:  true,
	ColumnNumber:  true,
	ColumnBoolean: true,
	ColumnJSON:    true,
}

var validFilterOps = map[FilterOp]bool{
	FilterEq:   true,
	FilterNeq:  true,
	FilterGt:   true,
	FilterGte:  true,
	FilterLt:   true,
	FilterLte:  true,
	FilterLike: true,
	FilterIn:   true,
}

// Validate checks the table definition
func (t *TableDef) Validate() error {
	if t.ID == "" {
		return ErrTableIDEmpty
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("%w: %s", ErrTableNoColumns, t.ID)
	}
	seen := map[string]bool{}
	for _, col := range t.Columns {
		if col.ID == "" {
			return fmt.Errorf("%w: table %s", ErrColumnIDEmpty, t.ID)
		}
		if seen[col.ID] {
			return fmt.Errorf("%w: %s.%s", ErrDuplicateColumnID, t.ID, col.ID)
		}
		seen[col.ID] = true
		if !validColumnTypes[col.Type] {
			return fmt.Errorf("%w: %s", ErrInvalidColumnType, col.Type)
		}
	}
	return nil
}

// Column returns the column with the given ID, or nil when absent
func (t *TableDef) Column(id string) *Column {
	for _, col := range t.Columns {
		if col.ID == id {
			return col
		}
	}
	return nil
}

// ValidateRow checks that the row supplies every required column
func (t *TableDef) ValidateRow(row Row) error {
	for _, col := range t.Columns {
		if !col.Required {
			continue
		}
		if _, ok := row[col.ID]; !ok {
			return fmt.Errorf("%w: %s.%s",
				ErrRequiredColumnMiss, t.ID, col.ID)
		}
	}
	return nil
}

// Validate checks the query's filter operators
func (q *RowQuery) Validate() error {
	for _, f := range q.Filters {
		if !validFilterOps[f.Op] {
			return fmt.Errorf("%w: %s", ErrInvalidFilterOp, f.Op)
		}
	}
	return nil
}

// Matches evaluates the filter against a row value. Comparison semantics
// follow JSON: numbers compare numerically, everything else by string form
func (f *Filter) Matches(row Row) bool {
	value, ok := row[f.ColumnID]
	if !ok {
		return false
	}
	switch f.Op {
	case FilterEq:
		return compareValues(value, f.Value) == 0
	case FilterNeq:
		return compareValues(value, f.Value) != 0
	case FilterGt:
		return compareValues(value, f.Value) > 0
	case FilterGte:
		return compareValues(value, f.Value) >= 0
	case FilterLt:
		return compareValues(value, f.Value) < 0
	case FilterLte:
		return compareValues(value, f.Value) <= 0
	case FilterLike:
		pattern, ok := f.Value.(string)
		if !ok {
			return false
		}
		s := fmt.Sprintf("%v", value)
		return matchLike(s, pattern)
	case FilterIn:
		candidates, ok := f.Value.([]any)
		if !ok {
			return false
		}
		for _, candidate := range candidates {
			if compareValues(value, candidate) == 0 {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func compareValues(a, b any) int {
	an, aok := asNumber(a)
	bn, bok := asNumber(b)
	if aok && bok {
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(fmt.Sprintf("%v", a), fmt.Sprintf("%v", b))
}

func asNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// matchLike implements SQL LIKE with % as the only wildcard
func matchLike(s, pattern string) bool {
	parts := strings.Split(pattern, "%")
	if len(parts) == 1 {
		return s == pattern
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	for _, part := range parts[1 : len(parts)-1] {
		idx := strings.Index(s, part)
		if idx < 0 {
			return false
		}
		s = s[idx+len(part):]
	}
	return strings.HasSuffix(s, parts[len(parts)-1])
}
