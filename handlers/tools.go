// Package handlers exposes the gateway operations over HTTP.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tobilg/caddyserver-dbgate-module/auth"
	"github.com/tobilg/caddyserver-dbgate-module/database"
	"github.com/tobilg/caddyserver-dbgate-module/formats"
	"github.com/tobilg/caddyserver-dbgate-module/gateway"
	"go.uber.org/zap"
)

// maxBodyBytes bounds tool call bodies.
const maxBodyBytes = 1 << 20

// toolArgs is the JSON body of a tool call. Each tool reads the fields it
// needs and ignores the rest.
type toolArgs struct {
	Token    string         `json:"token"`
	Username string         `json:"username"`
	Password string         `json:"password"`
	SQL      string         `json:"sql"`
	Params   []any          `json:"params"`
	Database string         `json:"database"`
	Table    string         `json:"table"`
	Limit    int            `json:"limit"`
	Data     map[string]any `json:"data"`
	Where    map[string]any `json:"where"`
}

// ToolHandler dispatches POST {prefix}/tools/{name} to the gateway and serves
// the catalog at GET {prefix}/tools.
type ToolHandler struct {
	gw      *gateway.Gateway
	prefix  string
	catalog *CatalogHandler
	logger  *zap.Logger
}

// NewToolHandler creates a new tool handler mounted under prefix.
func NewToolHandler(gw *gateway.Gateway, prefix string, logger *zap.Logger) *ToolHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ToolHandler{
		gw:      gw,
		prefix:  strings.TrimSuffix(prefix, "/"),
		catalog: NewCatalogHandler(),
		logger:  logger,
	}
}

func (h *ToolHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, h.prefix)
	path = strings.Trim(path, "/")

	if path == "tools" {
		h.catalog.ServeHTTP(w, r)
		return
	}

	name, ok := strings.CutPrefix(path, "tools/")
	if !ok || name == "" || strings.Contains(name, "/") {
		sendError(w, http.StatusNotFound, "Not found")
		return
	}
	op, ok := gateway.ParseOperation(name)
	if !ok {
		sendError(w, http.StatusNotFound, fmt.Sprintf("Unknown tool '%s'", name))
		return
	}
	if r.Method != http.MethodPost {
		sendError(w, http.StatusMethodNotAllowed, "Method not allowed. Use POST to call tools.")
		return
	}

	args, err := decodeArgs(w, r)
	if err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if token := auth.BearerToken(r); token != "" {
		args.Token = token
	} else if token := auth.GetTokenFromContext(r.Context()); token != "" {
		args.Token = token
	}

	h.call(w, r, op, args)
}

func (h *ToolHandler) call(w http.ResponseWriter, r *http.Request, op gateway.Operation, args *toolArgs) {
	ctx := r.Context()

	switch op {
	case gateway.OpAuthenticate:
		token, err := h.gw.Authenticate(ctx, args.Username, args.Password)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		formats.WriteValue(w, http.StatusOK, map[string]any{"token": token})
		return

	case gateway.OpLogout:
		if err := h.gw.Logout(ctx, args.Token); err != nil {
			h.fail(w, r, err)
			return
		}
		formats.WriteValue(w, http.StatusOK, map[string]any{"success": true})
		return

	case gateway.OpListDatabases, gateway.OpListTables:
		var names []string
		var err error
		if op == gateway.OpListDatabases {
			names, err = h.gw.ListDatabases(ctx, args.Token)
		} else {
			names, err = h.gw.ListTables(ctx, args.Token, args.Database)
		}
		if err != nil {
			h.fail(w, r, err)
			return
		}
		if names == nil {
			names = []string{}
		}
		formats.WriteValue(w, http.StatusOK, map[string]any{"data": names})
		return
	}

	var res *database.Result
	var err error
	switch op {
	case gateway.OpQuery:
		res, err = h.gw.Query(ctx, args.Token, args.SQL, args.Params)
	case gateway.OpDescribeTable:
		res, err = h.gw.DescribeTable(ctx, args.Token, args.Table, args.Database)
	case gateway.OpGetTableData:
		res, err = h.gw.GetTableData(ctx, args.Token, args.Table, args.Limit, args.Database)
	case gateway.OpInsert:
		res, err = h.gw.Insert(ctx, args.Token, args.Table, args.Data, args.Database)
	case gateway.OpUpdate:
		res, err = h.gw.Update(ctx, args.Token, args.Table, args.Data, args.Where, args.Database)
	case gateway.OpDelete:
		res, err = h.gw.Delete(ctx, args.Token, args.Table, args.Where, args.Database)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}

	format := formats.FromAccept(r.Header.Get("Accept"))
	if err := formats.Write(w, format, res); err != nil {
		// Headers are already out; nothing more can be sent to the client.
		h.logger.Error("Failed to write result",
			zap.String("operation", string(op)),
			zap.String("format", string(format)),
			zap.String("request_id", auth.GetRequestIDFromContext(ctx)),
			zap.Error(err),
		)
	}
}

func (h *ToolHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	message := err.Error()
	if gateway.KindOf(err) == gateway.KindUnknown {
		h.logger.Error("Tool call failed",
			zap.String("request_id", auth.GetRequestIDFromContext(r.Context())),
			zap.Error(err),
		)
		message = "Internal server error"
	}
	sendError(w, status, message)
}

// decodeArgs reads the tool arguments. An empty body means no arguments.
func decodeArgs(w http.ResponseWriter, r *http.Request) (*toolArgs, error) {
	args := &toolArgs{}
	if r.Body == nil {
		return args, nil
	}
	defer r.Body.Close()

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(args); err != nil {
		if errors.Is(err, io.EOF) {
			return args, nil
		}
		return nil, fmt.Errorf("invalid JSON in request body: %v", err)
	}

	for i, p := range args.Params {
		args.Params[i] = normalizeNumbers(p)
	}
	for k, v := range args.Data {
		args.Data[k] = normalizeNumbers(v)
	}
	for k, v := range args.Where {
		args.Where[k] = normalizeNumbers(v)
	}
	return args, nil
}

// normalizeNumbers turns json.Number into int64 where the value is integral
// and float64 otherwise, so drivers bind integer columns exactly.
func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case []any:
		for i := range t {
			t[i] = normalizeNumbers(t[i])
		}
		return t
	case map[string]any:
		for k := range t {
			t[k] = normalizeNumbers(t[k])
		}
		return t
	}
	return v
}
