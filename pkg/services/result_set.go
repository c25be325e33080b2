package services

import (
	"context"
	"database/sql"
	"sort"
)

// resultSet accumulates rows from every read statement of a batch. Columns
// are the union of all statements' columns; rows are re-projected onto that
// union with nil for columns a statement did not return.
type resultSet struct {
	columns map[string]struct{}
	rows    []map[string]interface{}
}

func newResultSet() *resultSet {
	return &resultSet{columns: make(map[string]struct{})}
}

// collect drains rows into the set and returns the number of rows read.
func (r *resultSet) collect(ctx context.Context, rows *sql.Rows) (int64, error) {
	cols, err := rows.Columns()
	if err != nil {
		return 0, err
	}
	if len(cols) == 0 {
		return 0, rows.Err()
	}

	var count int64
	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return count, err
		}

		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return count, err
		}

		row := make(map[string]interface{}, len(cols))
		for i, c := range cols {
			row[c] = normalizeValue(values[i])
		}
		r.rows = append(r.rows, row)
		count++
	}
	if err := rows.Err(); err != nil {
		return count, err
	}

	if count > 0 {
		for _, c := range cols {
			r.columns[c] = struct{}{}
		}
	}
	return count, nil
}

// table returns sorted column names and rectangular rows.
func (r *resultSet) table() ([]string, [][]interface{}) {
	if len(r.rows) == 0 {
		return nil, nil
	}

	columns := make([]string, 0, len(r.columns))
	for c := range r.columns {
		columns = append(columns, c)
	}
	sort.Strings(columns)

	out := make([][]interface{}, len(r.rows))
	for i, row := range r.rows {
		projected := make([]interface{}, len(columns))
		for j, c := range columns {
			projected[j] = row[c]
		}
		out[i] = projected
	}
	return columns, out
}

// normalizeValue turns driver byte slices into strings so results render
// and serialize as text.
func normalizeValue(v interface{}) interface{} {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
