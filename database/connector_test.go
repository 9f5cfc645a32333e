package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func mockConnector(t *testing.T, monitorPings bool) (*SQLConnector, sqlmock.Sqlmock) {
	t.Helper()
	var (
		db   *sql.DB
		mock sqlmock.Sqlmock
		err  error
	)
	if monitorPings {
		db, mock, err = sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual), sqlmock.MonitorPingsOption(true))
	} else {
		db, mock, err = sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	}
	if err != nil {
		t.Fatalf("Failed to create mock: %v", err)
	}
	connector := &SQLConnector{
		Dialect:        MySQL,
		ConnectTimeout: time.Second,
		OpenDB: func(d Dialect, cfg ConnectionConfig) (*sql.DB, error) {
			return db, nil
		},
	}
	return connector, mock
}

func TestSQLConnector_ExecuteQuery(t *testing.T) {
	connector, mock := mockConnector(t, false)
	conn, err := connector.Connect(context.Background(), cfgA)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	if conn.ID() == "" {
		t.Error("Expected a connection id")
	}

	rows := sqlmock.NewRowsWithColumnDefinition(
		sqlmock.NewColumn("id").OfType("BIGINT", int64(0)),
		sqlmock.NewColumn("name").OfType("VARCHAR", ""),
	).AddRow([]byte("1"), []byte("alice"))
	mock.ExpectQuery("SELECT id, name FROM users WHERE id = ?").WithArgs(1).WillReturnRows(rows)

	res, err := conn.Execute(context.Background(), "SELECT id, name FROM users WHERE id = ?", []any{1})
	if err != nil {
		t.Fatalf("Failed to execute: %v", err)
	}
	if !res.HasRows() || len(res.Rows) != 1 {
		t.Fatalf("Expected 1 row, got %+v", res)
	}
	if res.Rows[0]["id"] != int64(1) {
		t.Errorf("Expected id normalized to int64, got %T %v", res.Rows[0]["id"], res.Rows[0]["id"])
	}
	if res.Rows[0]["name"] != "alice" {
		t.Errorf("Expected name alice, got %v", res.Rows[0]["name"])
	}
	if res.ColumnTypes[0] != "BIGINT" {
		t.Errorf("Expected BIGINT column type, got %s", res.ColumnTypes[0])
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}

func TestSQLConnector_ExecuteStatement(t *testing.T) {
	connector, mock := mockConnector(t, false)
	conn, err := connector.Connect(context.Background(), cfgA)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}

	mock.ExpectExec("DELETE FROM `users` WHERE `id` = ?").WithArgs(9).WillReturnResult(sqlmock.NewResult(0, 3))

	res, err := conn.Execute(context.Background(), "DELETE FROM `users` WHERE `id` = ?", []any{9})
	if err != nil {
		t.Fatalf("Failed to execute: %v", err)
	}
	if res.HasRows() {
		t.Error("Expected no result set for DELETE")
	}
	if res.RowsAffected != 3 {
		t.Errorf("Expected 3 rows affected, got %d", res.RowsAffected)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}

func TestSQLConnector_ExecuteError(t *testing.T) {
	connector, mock := mockConnector(t, false)
	conn, err := connector.Connect(context.Background(), cfgA)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}

	mock.ExpectQuery("SELECT * FROM missing").WillReturnError(errors.New("Table 'shop.missing' doesn't exist"))

	_, err = conn.Execute(context.Background(), "SELECT * FROM missing", nil)
	if err == nil {
		t.Fatal("Expected error")
	}
	if IsConnectionError(err) {
		t.Error("Expected a statement error, not a connection error")
	}
}

func TestSQLConnector_PingFailure(t *testing.T) {
	connector, mock := mockConnector(t, true)
	mock.ExpectPing().WillReturnError(errors.New("dial tcp: connection refused"))
	mock.ExpectClose()

	_, err := connector.Connect(context.Background(), cfgA)
	if err == nil {
		t.Fatal("Expected connect to fail")
	}
	if !IsConnectionError(err) {
		t.Errorf("Expected connection error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}

func TestSQLConnector_OpenFailure(t *testing.T) {
	connector := &SQLConnector{
		Dialect: MySQL,
		OpenDB: func(d Dialect, cfg ConnectionConfig) (*sql.DB, error) {
			return nil, errors.New("bad dsn")
		},
	}
	_, err := connector.Connect(context.Background(), cfgA)
	var ce *ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("Expected ConnectError, got %v", err)
	}
	if ce.Target != cfgA.String() {
		t.Errorf("Expected target %s, got %s", cfgA.String(), ce.Target)
	}
}

func TestReturnsRows(t *testing.T) {
	tests := map[string]bool{
		"SELECT 1":                      true,
		"  select * from t":             true,
		"WITH x AS (SELECT 1) SELECT *": true,
		"SHOW TABLES":                   true,
		"desc orders":                   true,
		"INSERT INTO t VALUES (1)":      false,
		"UPDATE t SET a = 1":            false,
		"CREATE TABLE t (id INT)":       false,
		"":                              false,
	}
	for q, want := range tests {
		if got := returnsRows(q); got != want {
			t.Errorf("returnsRows(%q) = %v, want %v", q, got, want)
		}
	}
}

func TestSQLConnector_DuckDB(t *testing.T) {
	connector := &SQLConnector{Dialect: DuckDB, MaxOpenConns: 1}
	conn, err := connector.Connect(context.Background(), ConnectionConfig{})
	if err != nil {
		t.Fatalf("Failed to connect to DuckDB: %v", err)
	}
	defer conn.Close()

	ctx := context.Background()
	if _, err := conn.Execute(ctx, "CREATE TABLE orders (id INTEGER, item VARCHAR, qty INTEGER)", nil); err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}

	ins, err := BuildInsert(DuckDB, "", "orders", map[string]any{"id": 1, "item": "widget", "qty": 3})
	if err != nil {
		t.Fatalf("Failed to build insert: %v", err)
	}
	res, err := conn.Execute(ctx, ins.Query, ins.Params)
	if err != nil {
		t.Fatalf("Failed to insert: %v", err)
	}
	if res.RowsAffected != 1 {
		t.Errorf("Expected 1 row affected, got %d", res.RowsAffected)
	}

	sel, _ := BuildSelectAll(DuckDB, "", "orders", 10)
	res, err = conn.Execute(ctx, sel.Query, sel.Params)
	if err != nil {
		t.Fatalf("Failed to select: %v", err)
	}
	if len(res.Rows) != 1 || res.Rows[0]["item"] != "widget" {
		t.Errorf("Unexpected rows: %+v", res.Rows)
	}

	tables, _ := BuildListTables(DuckDB, "")
	res, err = conn.Execute(ctx, tables.Query, tables.Params)
	if err != nil {
		t.Fatalf("Failed to list tables: %v", err)
	}
	if len(res.Rows) != 1 || res.Rows[0]["table_name"] != "orders" {
		t.Errorf("Unexpected tables: %+v", res.Rows)
	}

	desc, _ := BuildDescribeTable(DuckDB, "", "orders")
	res, err = conn.Execute(ctx, desc.Query, desc.Params)
	if err != nil {
		t.Fatalf("Failed to describe table: %v", err)
	}
	if len(res.Rows) != 3 {
		t.Fatalf("Expected 3 columns, got %d", len(res.Rows))
	}
	if res.Rows[0]["name"] != "id" || res.Rows[1]["name"] != "item" {
		t.Errorf("Unexpected column order: %+v", res.Rows)
	}

	upd, _ := BuildUpdate(DuckDB, "", "orders", map[string]any{"qty": 5}, map[string]any{"id": 1})
	res, err = conn.Execute(ctx, upd.Query, upd.Params)
	if err != nil {
		t.Fatalf("Failed to update: %v", err)
	}
	if res.RowsAffected != 1 {
		t.Errorf("Expected 1 row updated, got %d", res.RowsAffected)
	}

	del, _ := BuildDelete(DuckDB, "", "orders", map[string]any{"id": 1})
	res, err = conn.Execute(ctx, del.Query, del.Params)
	if err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}
	if res.RowsAffected != 1 {
		t.Errorf("Expected 1 row deleted, got %d", res.RowsAffected)
	}
}
