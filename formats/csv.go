package formats

import (
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/tobilg/caddyserver-dbgate-module/database"
)

// WriteCSV writes a result set as CSV with a header row.
func WriteCSV(w http.ResponseWriter, res *database.Result) error {
	w.Header().Set("Content-Type", ContentTypeCSV)
	w.Header().Set("Content-Disposition", "attachment; filename=\"result.csv\"")
	w.WriteHeader(http.StatusOK)

	csvWriter := csv.NewWriter(w)

	if err := csvWriter.Write(res.Columns); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, values := range res.Values() {
		record := make([]string, len(values))
		for i, val := range values {
			record[i] = formatCSVValue(val)
		}
		if err := csvWriter.Write(record); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	csvWriter.Flush()
	return csvWriter.Error()
}

// formatCSVValue converts a row value to its CSV text. NULL is empty.
func formatCSVValue(val any) string {
	switch v := val.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return hex.EncodeToString(v)
	case bool:
		return strconv.FormatBool(v)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case time.Time:
		return v.Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("%v", v)
	}
}
