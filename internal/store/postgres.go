package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	apperrors "waconnector/pkg/errors"
	"waconnector/pkg/metrics"
)

// Postgres implements Store over database/sql with the lib/pq driver.
type Postgres struct {
	db           *sql.DB
	queryTimeout time.Duration
}

func NewPostgres(db *sql.DB, queryTimeout time.Duration) *Postgres {
	return &Postgres{db: db, queryTimeout: queryTimeout}
}

func (p *Postgres) BulkInsert(ctx context.Context, table string, rows []Row, returning []string) ([]Row, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	query, args := buildInsert(table, rows, nil, returning)
	return p.query(ctx, table, "insert", query, args)
}

func (p *Postgres) BulkUpsert(ctx context.Context, table string, rows []Row, conflict []string, returning []string) ([]Row, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	if len(conflict) == 0 {
		return nil, fmt.Errorf("upsert into %s requires conflict columns", table)
	}
	query, args := buildInsert(table, rows, conflict, returning)
	return p.query(ctx, table, "upsert", query, args)
}

func (p *Postgres) Select(ctx context.Context, table string, columns []string, filter Filter) ([]Row, error) {
	var sb strings.Builder
	args := make([]interface{}, 0, len(filter.Where))

	sb.WriteString("SELECT ")
	sb.WriteString(columnList(columns, "*"))
	sb.WriteString(" FROM ")
	sb.WriteString(pq.QuoteIdentifier(table))
	args = writeFilter(&sb, filter, args)

	return p.query(ctx, table, "select", sb.String(), args)
}

func (p *Postgres) Update(ctx context.Context, table string, values Row, filter Filter, returning []string) ([]Row, error) {
	if len(values) == 0 {
		return nil, nil
	}
	if len(filter.Where) == 0 {
		return nil, fmt.Errorf("update of %s without conditions is not allowed", table)
	}

	cols := sortedKeys(values)
	args := make([]interface{}, 0, len(cols)+len(filter.Where))

	var sb strings.Builder
	sb.WriteString("UPDATE ")
	sb.WriteString(pq.QuoteIdentifier(table))
	sb.WriteString(" SET ")
	for i, col := range cols {
		if i > 0 {
			sb.WriteString(", ")
		}
		args = append(args, values[col])
		fmt.Fprintf(&sb, "%s = $%d", pq.QuoteIdentifier(col), len(args))
	}
	args = writeFilter(&sb, Filter{Where: filter.Where}, args)
	writeReturning(&sb, returning)

	return p.query(ctx, table, "update", sb.String(), args)
}

func (p *Postgres) query(ctx context.Context, table, operation, query string, args []interface{}) (rows []Row, err error) {
	if p.queryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.queryTimeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		metrics.ObserveDatabaseQuery(table, operation, time.Since(start), err)
	}()

	result, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Sprintf("%s %s", operation, table), err)
	}
	defer result.Close()

	rows, err = scanRows(result)
	if err != nil {
		return nil, classify(fmt.Sprintf("%s %s", operation, table), err)
	}
	return rows, nil
}

func classify(label string, err error) error {
	if IsTransientError(err) {
		return apperrors.ErrStoreUnavailable.WithCause(err).WithDetail("operation", label)
	}
	return apperrors.ErrStoreFailure.WithCause(err).WithDetail("operation", label)
}

// buildInsert renders a multi-row INSERT. Columns are the union over all rows; a row missing a
// column gets DEFAULT. With conflict columns the statement becomes an upsert where sparse columns
// are merged with COALESCE so a row that omits a value never clears a stored one.
func buildInsert(table string, rows []Row, conflict, returning []string) (string, []interface{}) {
	present := make(map[string]int)
	for _, row := range rows {
		for col := range row {
			present[col]++
		}
	}
	cols := make([]string, 0, len(present))
	for col := range present {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	quotedTable := pq.QuoteIdentifier(table)
	args := make([]interface{}, 0, len(rows)*len(cols))

	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(quotedTable)
	sb.WriteString(" (")
	sb.WriteString(columnList(cols, ""))
	sb.WriteString(") VALUES ")

	for i, row := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for j, col := range cols {
			if j > 0 {
				sb.WriteString(", ")
			}
			v, ok := row[col]
			if !ok {
				sb.WriteString("DEFAULT")
				continue
			}
			args = append(args, v)
			fmt.Fprintf(&sb, "$%d", len(args))
		}
		sb.WriteByte(')')
	}

	if len(conflict) > 0 {
		isConflict := make(map[string]bool, len(conflict))
		for _, c := range conflict {
			isConflict[c] = true
		}

		sb.WriteString(" ON CONFLICT (")
		sb.WriteString(columnList(conflict, ""))
		sb.WriteString(") DO UPDATE SET ")

		updates := make([]string, 0, len(cols))
		for _, col := range cols {
			if isConflict[col] {
				continue
			}
			q := pq.QuoteIdentifier(col)
			if present[col] == len(rows) {
				updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", q, q))
			} else {
				updates = append(updates, fmt.Sprintf("%s = COALESCE(EXCLUDED.%s, %s.%s)", q, q, quotedTable, q))
			}
		}
		if len(updates) == 0 {
			q := pq.QuoteIdentifier(conflict[0])
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", q, q))
		}
		sb.WriteString(strings.Join(updates, ", "))
	}

	writeReturning(&sb, returning)
	return sb.String(), args
}

func writeFilter(sb *strings.Builder, filter Filter, args []interface{}) []interface{} {
	for i, cond := range filter.Where {
		if i == 0 {
			sb.WriteString(" WHERE ")
		} else {
			sb.WriteString(" AND ")
		}
		col := pq.QuoteIdentifier(cond.Column)

		if !cond.in {
			args = append(args, cond.Values[0])
			fmt.Fprintf(sb, "%s = $%d", col, len(args))
			continue
		}
		if len(cond.Values) == 0 {
			sb.WriteString("FALSE")
			continue
		}
		placeholders := make([]string, len(cond.Values))
		for j, v := range cond.Values {
			args = append(args, v)
			placeholders[j] = fmt.Sprintf("$%d", len(args))
		}
		fmt.Fprintf(sb, "%s IN (%s)", col, strings.Join(placeholders, ", "))
	}

	if filter.OrderBy != "" {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(pq.QuoteIdentifier(filter.OrderBy))
		if filter.Descending {
			sb.WriteString(" DESC")
		}
	}
	if filter.Limit > 0 {
		fmt.Fprintf(sb, " LIMIT %d", filter.Limit)
	}
	return args
}

func writeReturning(sb *strings.Builder, returning []string) {
	if len(returning) == 0 {
		return
	}
	sb.WriteString(" RETURNING ")
	sb.WriteString(columnList(returning, ""))
}

func columnList(cols []string, empty string) string {
	if len(cols) == 0 {
		return empty
	}
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pq.QuoteIdentifier(c)
	}
	return strings.Join(quoted, ", ")
}

func sortedKeys(row Row) []string {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}

	var out []Row
	for rows.Next() {
		values := make([]interface{}, len(columns))
		valuePtrs := make([]interface{}, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, fmt.Errorf("postgresql scan failed: %w", err)
		}

		row := make(Row, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
