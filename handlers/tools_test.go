package handlers

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tobilg/caddyserver-dbgate-module/auth"
	"github.com/tobilg/caddyserver-dbgate-module/cache"
	"github.com/tobilg/caddyserver-dbgate-module/database"
	"github.com/tobilg/caddyserver-dbgate-module/gateway"
	"go.uber.org/zap"
)

// setupTestRouter creates a router over an in-memory DuckDB gateway with an
// items table.
func setupTestRouter(t *testing.T, limiter *RateLimiter) (http.Handler, *database.Manager) {
	t.Helper()
	c := cache.New[*database.Result](cache.Config{})
	mgr := database.NewManager(database.Config{
		Connector: &database.SQLConnector{Dialect: database.DuckDB, MaxOpenConns: 1},
		Cache:     c,
		Logger:    zap.NewNop(),
	})
	if err := mgr.Connect(context.Background(), database.ConnectionConfig{}); err != nil {
		t.Fatalf("Failed to connect to DuckDB: %v", err)
	}
	t.Cleanup(func() { mgr.Disconnect() })

	lease, err := mgr.Acquire()
	if err != nil {
		t.Fatalf("Failed to acquire connection: %v", err)
	}
	_, err = lease.Conn().Execute(context.Background(),
		"CREATE TABLE items (id INTEGER PRIMARY KEY, name VARCHAR, qty INTEGER)", nil)
	lease.Release()
	if err != nil {
		t.Fatalf("Failed to create test table: %v", err)
	}

	sessions := auth.NewSessionStore(auth.SessionConfig{Users: auth.Credentials{
		AdminPassword:     "admin-pw",
		ReadWritePassword: "rw-pw",
		ReadOnlyPassword:  "ro-pw",
	}.Users()})
	gw := gateway.New(gateway.Config{Sessions: sessions, Manager: mgr, Cache: c, Logger: zap.NewNop()})

	return NewRouter(RouterConfig{Gateway: gw, Manager: mgr, Limiter: limiter, Logger: zap.NewNop()}), mgr
}

// callTool posts body to a tool and returns the recorder.
func callTool(t *testing.T, h http.Handler, tool, token string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(http.MethodPost, "/dbgate/tools/"+tool, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func login(t *testing.T, h http.Handler, username, password string) string {
	t.Helper()
	rec := callTool(t, h, "authenticate", "", map[string]string{"username": username, "password": password})
	if rec.Code != http.StatusOK {
		t.Fatalf("Failed to authenticate %s: %d %s", username, rec.Code, rec.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("Expected a token")
	}
	return resp.Token
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode error response: %v", err)
	}
	return resp
}

func TestToolHandler_Authenticate(t *testing.T) {
	h, _ := setupTestRouter(t, nil)
	login(t, h, auth.UsernameAdmin, "admin-pw")

	bad := callTool(t, h, "authenticate", "", map[string]string{"username": auth.UsernameAdmin, "password": "nope"})
	if bad.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401, got %d", bad.Code)
	}
	unknown := callTool(t, h, "authenticate", "", map[string]string{"username": "mallory", "password": "nope"})
	if unknown.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401, got %d", unknown.Code)
	}

	badResp, unknownResp := decodeError(t, bad), decodeError(t, unknown)
	if badResp["message"] != unknownResp["message"] {
		t.Errorf("Expected identical messages, got %q and %q", badResp["message"], unknownResp["message"])
	}
	if badResp["error"] != "Unauthorized" || badResp["code"] != float64(401) {
		t.Errorf("Unexpected error envelope: %v", badResp)
	}
}

func TestToolHandler_UnknownTokenIsUnauthorized(t *testing.T) {
	h, _ := setupTestRouter(t, nil)
	rec := callTool(t, h, "list_tables", "forged", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", rec.Code)
	}
}

func TestToolHandler_TokenFromBody(t *testing.T) {
	h, _ := setupTestRouter(t, nil)
	token := login(t, h, auth.UsernameReadOnly, "ro-pw")

	rec := callTool(t, h, "list_tables", "", map[string]string{"token": token})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Data []string `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(resp.Data) != 1 || resp.Data[0] != "items" {
		t.Errorf("Expected [items], got %v", resp.Data)
	}
}

func TestToolHandler_CRUDFlow(t *testing.T) {
	h, _ := setupTestRouter(t, nil)
	rw := login(t, h, auth.UsernameReadWrite, "rw-pw")

	for i, name := range []string{"bolt", "nut", "washer"} {
		rec := callTool(t, h, "insert", rw, map[string]any{
			"table": "items",
			"data":  map[string]any{"id": i + 1, "name": name, "qty": 10},
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("Failed to insert %s: %d %s", name, rec.Code, rec.Body.String())
		}
	}

	rec := callTool(t, h, "update", rw, map[string]any{
		"table": "items",
		"data":  map[string]any{"qty": 3},
		"where": map[string]any{"id": 2},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("Failed to update: %d %s", rec.Code, rec.Body.String())
	}
	var upd map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&upd); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if upd["rows_affected"] != float64(1) {
		t.Errorf("Expected 1 row affected, got %v", upd["rows_affected"])
	}

	rec = callTool(t, h, "query", rw, map[string]any{
		"sql":    "SELECT name, qty FROM items WHERE id = ?",
		"params": []any{2},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("Failed to query: %d %s", rec.Code, rec.Body.String())
	}
	var rows struct {
		Data     []map[string]any `json:"data"`
		RowCount int              `json:"row_count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&rows); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if rows.RowCount != 1 || rows.Data[0]["name"] != "nut" || rows.Data[0]["qty"] != float64(3) {
		t.Errorf("Unexpected rows: %+v", rows.Data)
	}

	rec = callTool(t, h, "delete", rw, map[string]any{"table": "items", "where": map[string]any{"id": 3}})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("Expected 403 for readwrite delete, got %d: %s", rec.Code, rec.Body.String())
	}

	admin := login(t, h, auth.UsernameAdmin, "admin-pw")
	rec = callTool(t, h, "delete", admin, map[string]any{"table": "items", "where": map[string]any{"id": 3}})
	if rec.Code != http.StatusOK {
		t.Fatalf("Failed to delete: %d %s", rec.Code, rec.Body.String())
	}

	rec = callTool(t, h, "get_table_data", rw, map[string]any{"table": "items"}, "Accept", "text/csv")
	if rec.Code != http.StatusOK {
		t.Fatalf("Failed to get table data: %d %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("Expected Content-Type 'text/csv', got '%s'", ct)
	}
	records, err := csv.NewReader(strings.NewReader(rec.Body.String())).ReadAll()
	if err != nil {
		t.Fatalf("Failed to parse CSV: %v", err)
	}
	if len(records) != 3 {
		t.Errorf("Expected header + 2 rows, got %d records", len(records))
	}
}

func TestToolHandler_DescribeTable(t *testing.T) {
	h, _ := setupTestRouter(t, nil)
	ro := login(t, h, auth.UsernameReadOnly, "ro-pw")

	rec := callTool(t, h, "describe_table", ro, map[string]any{"table": "items"})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		RowCount int `json:"row_count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.RowCount != 3 {
		t.Errorf("Expected 3 columns described, got %d", resp.RowCount)
	}
}

func TestToolHandler_StatusMapping(t *testing.T) {
	h, _ := setupTestRouter(t, nil)
	ro := login(t, h, auth.UsernameReadOnly, "ro-pw")
	admin := login(t, h, auth.UsernameAdmin, "admin-pw")

	tests := []struct {
		name   string
		tool   string
		token  string
		body   any
		status int
	}{
		{"read-only insert", "insert", ro, map[string]any{"table": "items", "data": map[string]any{"id": 9}}, http.StatusForbidden},
		{"read-only raw delete", "query", ro, map[string]any{"sql": "DELETE FROM items"}, http.StatusForbidden},
		{"bad table name", "get_table_data", admin, map[string]any{"table": "items; DROP TABLE items"}, http.StatusBadRequest},
		{"update without where", "update", admin, map[string]any{"table": "items", "data": map[string]any{"qty": 1}}, http.StatusBadRequest},
		{"empty query", "query", admin, map[string]any{"sql": "   "}, http.StatusBadRequest},
		{"driver error", "query", admin, map[string]any{"sql": "SELECT * FROM missing_table"}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := callTool(t, h, tt.tool, tt.token, tt.body)
			if rec.Code != tt.status {
				t.Errorf("Expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestToolHandler_PermissionMessageNamesClass(t *testing.T) {
	h, _ := setupTestRouter(t, nil)
	ro := login(t, h, auth.UsernameReadOnly, "ro-pw")

	rec := callTool(t, h, "delete", ro, map[string]any{"table": "items", "where": map[string]any{"id": 1}})
	resp := decodeError(t, rec)
	msg, _ := resp["message"].(string)
	if !strings.Contains(msg, "delete") {
		t.Errorf("Expected message to name the delete class, got %q", msg)
	}
}

func TestToolHandler_ConnectionErrorIs503(t *testing.T) {
	h, mgr := setupTestRouter(t, nil)
	ro := login(t, h, auth.UsernameReadOnly, "ro-pw")
	if err := mgr.Disconnect(); err != nil {
		t.Fatalf("Failed to disconnect: %v", err)
	}

	rec := callTool(t, h, "list_tables", ro, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", rec.Code)
	}
}

func TestToolHandler_Logout(t *testing.T) {
	h, _ := setupTestRouter(t, nil)
	token := login(t, h, auth.UsernameAdmin, "admin-pw")

	rec := callTool(t, h, "logout", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	rec = callTool(t, h, "list_tables", token, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 after logout, got %d", rec.Code)
	}
	rec = callTool(t, h, "logout", token, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected repeated logout to succeed, got %d", rec.Code)
	}
}

func TestToolHandler_Routing(t *testing.T) {
	h, _ := setupTestRouter(t, nil)

	rec := callTool(t, h, "drop_everything", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown tool, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/dbgate/tools/query", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405 for GET on a tool, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/dbgate/tools/query", strings.NewReader("{not json"))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for invalid JSON, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/dbgate/elsewhere", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 outside the tool routes, got %d", rec.Code)
	}
	if rec.Header().Get(auth.RequestIDHeader) == "" {
		t.Error("Expected X-Request-ID on every response")
	}
}

func TestToolHandler_Catalog(t *testing.T) {
	h, _ := setupTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/dbgate/tools", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var resp struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(resp.Tools) != len(gateway.Operations) {
		t.Fatalf("Expected %d tools, got %d", len(gateway.Operations), len(resp.Tools))
	}

	perms := map[string]string{}
	for _, tool := range resp.Tools {
		perms[tool.Name] = tool.Permission
		if tool.Description == "" {
			t.Errorf("Tool %s has no description", tool.Name)
		}
	}
	if perms["get_table_data"] != "select" || perms["delete"] != "delete" || perms["list_tables"] != "show" {
		t.Errorf("Unexpected permissions: %v", perms)
	}
	if perms["authenticate"] != "" {
		t.Errorf("Expected authenticate to need no permission, got %q", perms["authenticate"])
	}

	req = httptest.NewRequest(http.MethodPost, "/dbgate/tools", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405 for POST on the catalog, got %d", rec.Code)
	}
}

func TestRouter_Health(t *testing.T) {
	h, mgr := setupTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/dbgate/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var resp map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp["database"] != "connected" {
		t.Errorf("Expected connected, got %v", resp["database"])
	}

	mgr.Disconnect()
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 after disconnect, got %d", rec.Code)
	}
}

func TestRouter_RateLimit(t *testing.T) {
	h, _ := setupTestRouter(t, NewRateLimiter(0.001, 2))

	for i := 0; i < 2; i++ {
		if rec := callTool(t, h, "list_tables", "", nil); rec.Code == http.StatusTooManyRequests {
			t.Fatalf("Request %d was rate limited", i)
		}
	}
	rec := callTool(t, h, "list_tables", "", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", rec.Code)
	}

	// Health is not rate limited.
	req := httptest.NewRequest(http.MethodGet, "/dbgate/health", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 for health, got %d", rec.Code)
	}
}

func TestNormalizeNumbers(t *testing.T) {
	in := map[string]any{
		"int":    json.Number("42"),
		"float":  json.Number("2.5"),
		"nested": []any{json.Number("7"), "x"},
	}
	out := normalizeNumbers(in).(map[string]any)
	if out["int"] != int64(42) {
		t.Errorf("Expected int64 42, got %T %v", out["int"], out["int"])
	}
	if out["float"] != 2.5 {
		t.Errorf("Expected 2.5, got %T %v", out["float"], out["float"])
	}
	if nested := out["nested"].([]any); nested[0] != int64(7) || nested[1] != "x" {
		t.Errorf("Unexpected nested values: %v", nested)
	}
}
