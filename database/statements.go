package database

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ErrInvalidArgument marks caller mistakes in structured operations.
var ErrInvalidArgument = errors.New("invalid argument")

// Statement is a rendered SQL statement with its bind parameters.
type Statement struct {
	Query  string
	Params []any
}

// ValidateIdentifier checks that a table, column or schema name contains only
// letters, digits and underscores.
func ValidateIdentifier(kind, name string) error {
	if name == "" {
		return fmt.Errorf("%w: %s name cannot be empty", ErrInvalidArgument, kind)
	}
	for _, c := range name {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_') {
			return fmt.Errorf("%w: invalid %s name %q: must contain only alphanumeric characters and underscores", ErrInvalidArgument, kind, name)
		}
	}
	return nil
}

func validateTarget(schema, table string) error {
	if schema != "" {
		if err := ValidateIdentifier("database", schema); err != nil {
			return err
		}
	}
	return ValidateIdentifier("table", table)
}

func sortedColumns(m map[string]any) ([]string, error) {
	cols := make([]string, 0, len(m))
	for col := range m {
		if err := ValidateIdentifier("column", col); err != nil {
			return nil, err
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols, nil
}

// whereClause renders an equality conjunction. Nil values compare with IS NULL.
func whereClause(d Dialect, where map[string]any, params []any) (string, []any, error) {
	cols, err := sortedColumns(where)
	if err != nil {
		return "", nil, err
	}
	conds := make([]string, len(cols))
	for i, col := range cols {
		if where[col] == nil {
			conds[i] = d.QuoteIdent(col) + " IS NULL"
			continue
		}
		params = append(params, where[col])
		conds[i] = d.QuoteIdent(col) + " = " + d.Placeholder(len(params))
	}
	return strings.Join(conds, " AND "), params, nil
}

// BuildInsert renders a single-row INSERT.
func BuildInsert(d Dialect, schema, table string, data map[string]any) (Statement, error) {
	if err := validateTarget(schema, table); err != nil {
		return Statement{}, err
	}
	if len(data) == 0 {
		return Statement{}, fmt.Errorf("%w: no data provided for insert", ErrInvalidArgument)
	}
	cols, err := sortedColumns(data)
	if err != nil {
		return Statement{}, err
	}

	quoted := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	params := make([]any, len(cols))
	for i, col := range cols {
		quoted[i] = d.QuoteIdent(col)
		placeholders[i] = d.Placeholder(i + 1)
		params[i] = data[col]
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		d.Qualify(schema, table),
		strings.Join(quoted, ", "),
		strings.Join(placeholders, ", "),
	)
	return Statement{Query: query, Params: params}, nil
}

// BuildUpdate renders an UPDATE restricted by an equality WHERE clause. An
// empty where is rejected.
func BuildUpdate(d Dialect, schema, table string, data, where map[string]any) (Statement, error) {
	if err := validateTarget(schema, table); err != nil {
		return Statement{}, err
	}
	if len(data) == 0 {
		return Statement{}, fmt.Errorf("%w: no data provided for update", ErrInvalidArgument)
	}
	if len(where) == 0 {
		return Statement{}, fmt.Errorf("%w: no where clause provided for update", ErrInvalidArgument)
	}
	cols, err := sortedColumns(data)
	if err != nil {
		return Statement{}, err
	}

	params := make([]any, 0, len(data)+len(where))
	sets := make([]string, len(cols))
	for i, col := range cols {
		params = append(params, data[col])
		sets[i] = d.QuoteIdent(col) + " = " + d.Placeholder(len(params))
	}
	cond, params, err := whereClause(d, where, params)
	if err != nil {
		return Statement{}, err
	}

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		d.Qualify(schema, table), strings.Join(sets, ", "), cond)
	return Statement{Query: query, Params: params}, nil
}

// BuildDelete renders a DELETE restricted by an equality WHERE clause. An
// empty where is rejected.
func BuildDelete(d Dialect, schema, table string, where map[string]any) (Statement, error) {
	if err := validateTarget(schema, table); err != nil {
		return Statement{}, err
	}
	if len(where) == 0 {
		return Statement{}, fmt.Errorf("%w: no where clause provided for delete", ErrInvalidArgument)
	}
	cond, params, err := whereClause(d, where, nil)
	if err != nil {
		return Statement{}, err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE %s", d.Qualify(schema, table), cond)
	return Statement{Query: query, Params: params}, nil
}

// BuildSelectAll renders SELECT * with a row limit.
func BuildSelectAll(d Dialect, schema, table string, limit int) (Statement, error) {
	if err := validateTarget(schema, table); err != nil {
		return Statement{}, err
	}
	if limit <= 0 {
		return Statement{}, fmt.Errorf("%w: limit must be greater than 0", ErrInvalidArgument)
	}
	query := fmt.Sprintf("SELECT * FROM %s LIMIT %s", d.Qualify(schema, table), strconv.Itoa(limit))
	return Statement{Query: query}, nil
}

// BuildListDatabases renders the schema listing query.
func BuildListDatabases(d Dialect) Statement {
	return Statement{Query: "SELECT schema_name FROM information_schema.schemata ORDER BY schema_name"}
}

// BuildListTables renders the table listing query for schema, or for the
// session's current schema when schema is empty.
func BuildListTables(d Dialect, schema string) (Statement, error) {
	if schema == "" {
		return Statement{Query: fmt.Sprintf(
			"SELECT table_name FROM information_schema.tables WHERE table_schema = %s ORDER BY table_name",
			d.CurrentSchema())}, nil
	}
	if err := ValidateIdentifier("database", schema); err != nil {
		return Statement{}, err
	}
	return Statement{
		Query: fmt.Sprintf(
			"SELECT table_name FROM information_schema.tables WHERE table_schema = %s ORDER BY table_name",
			d.Placeholder(1)),
		Params: []any{schema},
	}, nil
}

// BuildDescribeTable renders the column listing query for a table.
func BuildDescribeTable(d Dialect, schema, table string) (Statement, error) {
	if err := validateTarget(schema, table); err != nil {
		return Statement{}, err
	}
	const cols = "SELECT column_name AS name, data_type AS type, is_nullable AS nullable, column_default AS default_value " +
		"FROM information_schema.columns WHERE table_schema = %s AND table_name = %s ORDER BY ordinal_position"
	if schema == "" {
		return Statement{
			Query:  fmt.Sprintf(cols, d.CurrentSchema(), d.Placeholder(1)),
			Params: []any{table},
		}, nil
	}
	return Statement{
		Query:  fmt.Sprintf(cols, d.Placeholder(1), d.Placeholder(2)),
		Params: []any{schema, table},
	}, nil
}
