package database

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Row is a single result row keyed by column name.
type Row map[string]any

// Result is the outcome of one statement. Row-returning statements fill
// Columns, ColumnTypes and Rows; others fill RowsAffected and LastInsertID.
type Result struct {
	Columns      []string `json:"columns,omitempty"`
	ColumnTypes  []string `json:"column_types,omitempty"`
	Rows         []Row    `json:"rows,omitempty"`
	RowsAffected int64    `json:"rows_affected"`
	LastInsertID int64    `json:"last_insert_id,omitempty"`
}

// HasRows reports whether the result came from a row-returning statement.
func (r *Result) HasRows() bool {
	return r != nil && r.Columns != nil
}

// Clone returns a deep copy of r. Row values are copied one level deep;
// driver values are scalars, strings or times, so that is sufficient.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	out := &Result{
		RowsAffected: r.RowsAffected,
		LastInsertID: r.LastInsertID,
	}
	if r.Columns != nil {
		out.Columns = append(make([]string, 0, len(r.Columns)), r.Columns...)
	}
	if r.ColumnTypes != nil {
		out.ColumnTypes = append(make([]string, 0, len(r.ColumnTypes)), r.ColumnTypes...)
	}
	if r.Rows != nil {
		out.Rows = make([]Row, len(r.Rows))
		for i, row := range r.Rows {
			cp := make(Row, len(row))
			for k, v := range row {
				if b, ok := v.([]byte); ok {
					v = append([]byte(nil), b...)
				}
				cp[k] = v
			}
			out.Rows[i] = cp
		}
	}
	return out
}

// Values returns the rows as positional slices in column order.
func (r *Result) Values() [][]any {
	out := make([][]any, len(r.Rows))
	for i, row := range r.Rows {
		vals := make([]any, len(r.Columns))
		for j, col := range r.Columns {
			vals[j] = row[col]
		}
		out[i] = vals
	}
	return out
}

// scanResult drains rows into a Result.
func scanResult(rows *sql.Rows) (*Result, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}
	types := make([]string, len(columns))
	if colTypes, err := rows.ColumnTypes(); err == nil {
		for i, ct := range colTypes {
			if i < len(types) {
				types[i] = strings.ToUpper(ct.DatabaseTypeName())
			}
		}
	}

	res := &Result{
		Columns:     columns,
		ColumnTypes: types,
		Rows:        make([]Row, 0),
	}
	for rows.Next() {
		values := make([]any, len(columns))
		valuePtrs := make([]any, len(columns))
		for i := range columns {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make(Row, len(columns))
		for i, col := range columns {
			row[col] = normalizeValue(types[i], values[i])
		}
		res.Rows = append(res.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return res, nil
}

// normalizeValue converts raw driver bytes into the Go type implied by the
// column's database type. Text-protocol drivers return []byte for numbers.
func normalizeValue(dbType string, v any) any {
	b, ok := v.([]byte)
	if !ok {
		return v
	}
	s := string(b)
	switch dbType {
	case "TINYINT", "SMALLINT", "MEDIUMINT", "INT", "INTEGER", "BIGINT", "INT2", "INT4", "INT8", "YEAR":
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
	case "UNSIGNED TINYINT", "UNSIGNED SMALLINT", "UNSIGNED MEDIUMINT", "UNSIGNED INT", "UNSIGNED BIGINT":
		if n, err := strconv.ParseUint(s, 10, 64); err == nil {
			return n
		}
	case "FLOAT", "DOUBLE", "REAL", "FLOAT4", "FLOAT8":
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	case "BOOL", "BOOLEAN":
		if bv, err := strconv.ParseBool(s); err == nil {
			return bv
		}
	case "DATETIME", "TIMESTAMP":
		if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
			return t
		}
	case "BLOB", "TINYBLOB", "MEDIUMBLOB", "LONGBLOB", "BINARY", "VARBINARY", "BYTEA":
		return append([]byte(nil), b...)
	}
	return s
}
