package handlers

import (
	"net/http"

	"github.com/tobilg/caddyserver-dbgate-module/formats"
	"github.com/tobilg/caddyserver-dbgate-module/gateway"
)

// Parameter describes one argument of a tool.
type Parameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Description string `json:"description"`
}

// Tool describes one callable operation.
type Tool struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Permission  string      `json:"permission,omitempty"`
	Parameters  []Parameter `json:"parameters"`
}

var (
	paramDatabase = Parameter{Name: "database", Type: "string", Description: "Schema to use instead of the connection default"}
	paramTable    = Parameter{Name: "table", Type: "string", Required: true, Description: "Table name (letters, digits and underscores)"}
	paramToken    = Parameter{Name: "token", Type: "string", Description: "Session token; may instead be sent as 'Authorization: Bearer <token>'"}
)

var toolDescriptions = map[gateway.Operation]Tool{
	gateway.OpAuthenticate: {
		Description: "Exchange credentials for a session token",
		Parameters: []Parameter{
			{Name: "username", Type: "string", Required: true, Description: "One of admin, readwrite, readonly"},
			{Name: "password", Type: "string", Required: true, Description: "Account password"},
		},
	},
	gateway.OpQuery: {
		Description: "Run a SQL statement. The required permission follows the leading keyword; read results are cached",
		Permission:  "by statement",
		Parameters: []Parameter{
			paramToken,
			{Name: "sql", Type: "string", Required: true, Description: "SQL statement"},
			{Name: "params", Type: "array", Description: "Positional bind parameters"},
		},
	},
	gateway.OpListDatabases: {
		Description: "List schemas",
		Parameters:  []Parameter{paramToken},
	},
	gateway.OpListTables: {
		Description: "List tables of a schema",
		Parameters:  []Parameter{paramToken, paramDatabase},
	},
	gateway.OpDescribeTable: {
		Description: "Describe the columns of a table",
		Parameters:  []Parameter{paramToken, paramTable, paramDatabase},
	},
	gateway.OpGetTableData: {
		Description: "Read rows from a table",
		Parameters: []Parameter{
			paramToken, paramTable, paramDatabase,
			{Name: "limit", Type: "integer", Description: "Maximum rows (default 100)"},
		},
	},
	gateway.OpInsert: {
		Description: "Insert one row",
		Parameters: []Parameter{
			paramToken, paramTable, paramDatabase,
			{Name: "data", Type: "object", Required: true, Description: "Column values"},
		},
	},
	gateway.OpUpdate: {
		Description: "Update rows matching all where conditions",
		Parameters: []Parameter{
			paramToken, paramTable, paramDatabase,
			{Name: "data", Type: "object", Required: true, Description: "New column values"},
			{Name: "where", Type: "object", Required: true, Description: "Column equality conditions"},
		},
	},
	gateway.OpDelete: {
		Description: "Delete rows matching all where conditions",
		Parameters: []Parameter{
			paramToken, paramTable, paramDatabase,
			{Name: "where", Type: "object", Required: true, Description: "Column equality conditions"},
		},
	},
	gateway.OpLogout: {
		Description: "End the session",
		Parameters:  []Parameter{paramToken},
	},
}

// Catalog returns every tool in a stable order.
func Catalog() []Tool {
	tools := make([]Tool, 0, len(gateway.Operations))
	for _, op := range gateway.Operations {
		t := toolDescriptions[op]
		t.Name = string(op)
		if class, ok := op.Class(""); ok && op != gateway.OpQuery {
			t.Permission = string(class)
		}
		tools = append(tools, t)
	}
	return tools
}

// CatalogHandler serves the tool catalog.
type CatalogHandler struct{}

// NewCatalogHandler creates a new catalog handler.
func NewCatalogHandler() *CatalogHandler {
	return &CatalogHandler{}
}

func (h *CatalogHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		sendError(w, http.StatusMethodNotAllowed, "Only GET method is allowed for the tool catalog")
		return
	}
	formats.WriteValue(w, http.StatusOK, map[string]any{"tools": Catalog()})
}
