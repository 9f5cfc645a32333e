package formats

import (
	"context"
	"testing"

	"github.com/tobilg/caddyserver-dbgate-module/database"
)

// testConn opens an in-memory DuckDB with a populated test_data table.
func testConn(t *testing.T) database.Conn {
	t.Helper()
	connector := &database.SQLConnector{Dialect: database.DuckDB, MaxOpenConns: 1}
	conn, err := connector.Connect(context.Background(), database.ConnectionConfig{})
	if err != nil {
		t.Fatalf("Failed to create test DB: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	for _, stmt := range []string{
		`CREATE TABLE test_data (
			id INTEGER,
			name VARCHAR,
			age INTEGER,
			score DOUBLE,
			active BOOLEAN,
			created_at TIMESTAMP
		)`,
		`INSERT INTO test_data VALUES
			(1, 'Alice', 30, 95.5, true, '2024-01-15 10:30:00'),
			(2, 'Bob', 25, 87.3, false, '2024-01-16 14:45:00'),
			(3, 'Charlie', 35, 92.1, true, '2024-01-17 09:00:00')`,
		`CREATE TABLE all_types (
			bool_col BOOLEAN,
			tinyint_col TINYINT,
			smallint_col SMALLINT,
			int_col INTEGER,
			bigint_col BIGINT,
			float_col FLOAT,
			double_col DOUBLE,
			varchar_col VARCHAR,
			date_col DATE,
			timestamp_col TIMESTAMP,
			blob_col BLOB
		)`,
		`INSERT INTO all_types VALUES (
			true, 127, 32000, 2147483647, 9223372036854775807, 3.14, 3.141592653589793,
			'Hello, World!', '2024-01-15', '2024-01-15 10:30:00', '\x48\x65\x6C\x6C\x6F'::BLOB
		)`,
	} {
		if _, err := conn.Execute(context.Background(), stmt, nil); err != nil {
			t.Fatalf("Failed to prepare test data: %v", err)
		}
	}
	return conn
}

func queryResult(t *testing.T, conn database.Conn, query string) *database.Result {
	t.Helper()
	res, err := conn.Execute(context.Background(), query, nil)
	if err != nil {
		t.Fatalf("Failed to query: %v", err)
	}
	return res
}

func testRows(t *testing.T) *database.Result {
	return queryResult(t, testConn(t), "SELECT * FROM test_data ORDER BY id")
}
