package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestClassifyCmd(t *testing.T) {
	tests := []struct {
		sql       string
		class     string
		cacheable string
	}{
		{"SELECT * FROM users", "select", "true"},
		{"  show tables", "show", "true"},
		{"DELETE FROM users WHERE id = 1", "delete", "false"},
		{"CREATE TABLE x (id INT)", "select", "false"},
	}
	for _, tt := range tests {
		out, err := execute(t, "classify", tt.sql)
		if err != nil {
			t.Fatalf("classify failed: %v", err)
		}
		if !strings.Contains(out, "class:     "+tt.class) {
			t.Errorf("Expected class %s for %q, got:\n%s", tt.class, tt.sql, out)
		}
		if !strings.Contains(out, "cacheable: "+tt.cacheable) {
			t.Errorf("Expected cacheable %s for %q, got:\n%s", tt.cacheable, tt.sql, out)
		}
	}
}

func TestClassifyCmd_RequiresArgument(t *testing.T) {
	if _, err := execute(t, "classify"); err == nil {
		t.Error("Expected error without a statement")
	}
}

func TestPermissionsCmd(t *testing.T) {
	out, err := execute(t, "permissions")
	if err != nil {
		t.Fatalf("permissions failed: %v", err)
	}
	for _, role := range []string{"admin", "read_write", "read_only"} {
		if !strings.Contains(out, role) {
			t.Errorf("Expected role %s in output, got:\n%s", role, out)
		}
	}

	out, err = execute(t, "permissions", "READ_ONLY")
	if err != nil {
		t.Fatalf("permissions failed: %v", err)
	}
	if strings.TrimSpace(out) != "read_only  select, show, describe" {
		t.Errorf("Unexpected read_only permissions: %q", out)
	}
	if strings.Contains(out, "admin") {
		t.Errorf("Expected a single role, got:\n%s", out)
	}
}

func TestPermissionsCmd_UnknownRole(t *testing.T) {
	if _, err := execute(t, "permissions", "root"); err == nil {
		t.Error("Expected error for an unknown role")
	}
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.HasPrefix(out, "dbgate ") {
		t.Errorf("Unexpected version output: %q", out)
	}
}

func TestCheckCmd_DuckDB(t *testing.T) {
	for _, env := range []string{"MYSQL_HOST", "MYSQL_PORT", "MYSQL_USER", "MYSQL_PASSWORD", "MYSQL_DATABASE"} {
		t.Setenv(env, "")
	}
	path := filepath.Join(t.TempDir(), "conn.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	out, err := execute(t, "check", "--driver", "duckdb", "--config", path)
	if err != nil {
		t.Fatalf("check failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "main") {
		t.Errorf("Expected the main schema to be listed, got:\n%s", out)
	}
}

func TestCheckCmd_MissingConfig(t *testing.T) {
	if _, err := execute(t, "check", "--driver", "duckdb", "--config", filepath.Join(t.TempDir(), "none.json")); err == nil {
		t.Error("Expected error for a missing config file")
	}
}

func TestServeCmd_RequiresAccounts(t *testing.T) {
	for _, env := range []string{"DBGATE_ADMIN_PASSWORD", "DBGATE_READWRITE_PASSWORD", "DBGATE_READONLY_PASSWORD"} {
		t.Setenv(env, "")
	}
	path := filepath.Join(t.TempDir(), "conn.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	if _, err := execute(t, "serve", "--driver", "duckdb", "--config", path); err == nil {
		t.Error("Expected error without any account password")
	}
}
