// Package formats serializes query results for HTTP responses.
package formats

import (
	"net/http"
	"strings"

	"github.com/tobilg/caddyserver-dbgate-module/database"
)

// Content types of the supported formats.
const (
	ContentTypeJSON    = "application/json"
	ContentTypeCSV     = "text/csv"
	ContentTypeArrow   = "application/vnd.apache.arrow.stream"
	ContentTypeParquet = "application/parquet"
)

// Format is a response serialization.
type Format string

const (
	FormatJSON    Format = "json"
	FormatCSV     Format = "csv"
	FormatArrow   Format = "arrow"
	FormatParquet Format = "parquet"
)

// FromAccept picks a format from an Accept header. JSON is the default.
func FromAccept(accept string) Format {
	switch {
	case strings.Contains(accept, ContentTypeCSV):
		return FormatCSV
	case strings.Contains(accept, ContentTypeParquet):
		return FormatParquet
	case strings.Contains(accept, "application/vnd.apache.arrow"):
		return FormatArrow
	}
	return FormatJSON
}

// Write serializes res in format f. Results without rows are always JSON.
func Write(w http.ResponseWriter, f Format, res *database.Result) error {
	if !res.HasRows() {
		return WriteJSON(w, res)
	}
	switch f {
	case FormatCSV:
		return WriteCSV(w, res)
	case FormatArrow:
		return WriteArrowIPC(w, res)
	case FormatParquet:
		return WriteParquet(w, res)
	}
	return WriteJSON(w, res)
}
