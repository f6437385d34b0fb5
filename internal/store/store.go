package store

import (
	"context"
	"fmt"
)

// Row is a single table row keyed by column name.
type Row map[string]interface{}

// String returns the column as a string, or "" when absent or null.
func (r Row) String(column string) string {
	switch v := r[column].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

// Condition is a single predicate of a Filter.
type Condition struct {
	Column string
	Values []interface{}
	in     bool
}

func Eq(column string, value interface{}) Condition {
	return Condition{Column: column, Values: []interface{}{value}}
}

func In(column string, values ...interface{}) Condition {
	return Condition{Column: column, Values: values, in: true}
}

// Filter is a conjunction of conditions with optional ordering and limit.
type Filter struct {
	Where      []Condition
	OrderBy    string
	Descending bool
	Limit      int
}

func Where(conds ...Condition) Filter {
	return Filter{Where: conds}
}

// Store is the relational sink used by the batchers and repositories.
// Every call returns the requested columns of the affected rows.
type Store interface {
	BulkInsert(ctx context.Context, table string, rows []Row, returning []string) ([]Row, error)
	BulkUpsert(ctx context.Context, table string, rows []Row, conflict []string, returning []string) ([]Row, error)
	Select(ctx context.Context, table string, columns []string, filter Filter) ([]Row, error)
	Update(ctx context.Context, table string, values Row, filter Filter, returning []string) ([]Row, error)
}
