package formats

import (
	"encoding/json"
	"net/http"

	"github.com/tobilg/caddyserver-dbgate-module/database"
)

// WriteJSON writes a result as JSON. Row results are written as
// {"columns": [...], "data": [...], "row_count": n}; statement results as
// {"rows_affected": n, "last_insert_id": id}.
func WriteJSON(w http.ResponseWriter, res *database.Result) error {
	if !res.HasRows() {
		return WriteValue(w, http.StatusOK, map[string]any{
			"success":        true,
			"rows_affected":  res.RowsAffected,
			"last_insert_id": res.LastInsertID,
		})
	}

	// Binary values are encoded as base64 strings.
	return WriteValue(w, http.StatusOK, map[string]any{
		"columns":   res.Columns,
		"data":      res.Rows,
		"row_count": len(res.Rows),
	})
}

// WriteValue writes v as a JSON response with the given status.
func WriteValue(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", ContentTypeJSON)
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}
