package formats

import (
	"encoding/csv"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tobilg/caddyserver-dbgate-module/database"
)

func TestWriteCSV_BasicOutput(t *testing.T) {
	rec := httptest.NewRecorder()
	if err := WriteCSV(rec, testRows(t)); err != nil {
		t.Fatalf("WriteCSV failed: %v", err)
	}

	if ct := rec.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("Expected Content-Type 'text/csv', got '%s'", ct)
	}

	records, err := csv.NewReader(strings.NewReader(rec.Body.String())).ReadAll()
	if err != nil {
		t.Fatalf("Failed to parse CSV: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("Expected header + 3 rows, got %d records", len(records))
	}
	if strings.Join(records[0], ",") != "id,name,age,score,active,created_at" {
		t.Errorf("Unexpected header: %v", records[0])
	}
	if records[1][1] != "Alice" || records[1][3] != "95.5" || records[1][4] != "true" {
		t.Errorf("Unexpected first row: %v", records[1])
	}
	if !strings.HasPrefix(records[1][5], "2024-01-15T10:30:00") {
		t.Errorf("Expected RFC3339 timestamp, got %s", records[1][5])
	}
}

func TestWriteCSV_EmptyResult(t *testing.T) {
	res := queryResult(t, testConn(t), "SELECT * FROM test_data WHERE 1=0")

	rec := httptest.NewRecorder()
	if err := WriteCSV(rec, res); err != nil {
		t.Fatalf("WriteCSV failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if len(lines) != 1 {
		t.Errorf("Expected only a header row, got %d lines", len(lines))
	}
}

func TestWriteCSV_Escaping(t *testing.T) {
	res := &database.Result{
		Columns: []string{"note"},
		Rows:    []database.Row{{"note": `say "hi", then leave`}},
	}
	rec := httptest.NewRecorder()
	if err := WriteCSV(rec, res); err != nil {
		t.Fatalf("WriteCSV failed: %v", err)
	}
	records, err := csv.NewReader(strings.NewReader(rec.Body.String())).ReadAll()
	if err != nil {
		t.Fatalf("Failed to parse CSV: %v", err)
	}
	if records[1][0] != `say "hi", then leave` {
		t.Errorf("Expected round-trip of quoted value, got %q", records[1][0])
	}
}

func TestFormatCSVValue(t *testing.T) {
	ts := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	tests := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"text", "text"},
		{int64(42), "42"},
		{int32(-7), "-7"},
		{uint8(3), "3"},
		{3.5, "3.5"},
		{float32(0.25), "0.25"},
		{true, "true"},
		{false, "false"},
		{[]byte{0xde, 0xad}, "dead"},
		{ts, "2024-01-15T10:30:00Z"},
	}
	for _, tt := range tests {
		if got := formatCSVValue(tt.in); got != tt.want {
			t.Errorf("formatCSVValue(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
