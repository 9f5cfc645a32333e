package formats

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow/go/v18/arrow"
	"github.com/apache/arrow/go/v18/arrow/array"
	"github.com/apache/arrow/go/v18/arrow/decimal128"
	"github.com/apache/arrow/go/v18/arrow/ipc"
	"github.com/apache/arrow/go/v18/arrow/memory"
	"github.com/tobilg/caddyserver-dbgate-module/database"
)

// WriteArrowIPC writes a result set as an Apache Arrow IPC stream.
func WriteArrowIPC(w http.ResponseWriter, res *database.Result) error {
	schema := arrowSchema(res)
	pool := memory.NewGoAllocator()

	w.Header().Set("Content-Type", ContentTypeArrow)
	w.WriteHeader(http.StatusOK)

	writer := ipc.NewWriter(w, ipc.WithSchema(schema), ipc.WithAllocator(pool))
	defer writer.Close()

	const batchSize = 1024

	values := res.Values()
	for offset := 0; offset < len(values); offset += batchSize {
		end := offset + batchSize
		if end > len(values) {
			end = len(values)
		}
		record, err := buildRecordBatch(values[offset:end], schema, pool)
		if err != nil {
			return fmt.Errorf("failed to build record batch: %w", err)
		}
		if err := writer.Write(record); err != nil {
			record.Release()
			return fmt.Errorf("failed to write record batch: %w", err)
		}
		record.Release()
	}
	return nil
}

// arrowSchema derives the Arrow schema of a result. Columns whose database
// type is unknown are typed from their first non-null value.
func arrowSchema(res *database.Result) *arrow.Schema {
	fields := make([]arrow.Field, len(res.Columns))
	for i, col := range res.Columns {
		dbType := ""
		if i < len(res.ColumnTypes) {
			dbType = res.ColumnTypes[i]
		}
		dt, ok := dbTypeToArrowType(dbType)
		if !ok {
			dt = inferArrowType(res.Rows, col)
		}
		fields[i] = arrow.Field{Name: col, Type: dt, Nullable: true}
	}
	return arrow.NewSchema(fields, nil)
}

// buildRecordBatch builds one Arrow record from positional rows.
func buildRecordBatch(rows [][]any, schema *arrow.Schema, pool memory.Allocator) (arrow.Record, error) {
	builders := make([]array.Builder, len(schema.Fields()))
	for i, field := range schema.Fields() {
		builders[i] = array.NewBuilder(pool, field.Type)
	}
	defer func() {
		for _, b := range builders {
			b.Release()
		}
	}()

	for _, row := range rows {
		for i, val := range row {
			if err := appendValueToBuilder(builders[i], val); err != nil {
				return nil, fmt.Errorf("failed to append value to builder at column %d: %w", i, err)
			}
		}
	}

	arrays := make([]arrow.Array, len(builders))
	for i, builder := range builders {
		arrays[i] = builder.NewArray()
	}
	record := array.NewRecord(schema, arrays, int64(len(rows)))
	for _, arr := range arrays {
		arr.Release()
	}
	return record, nil
}

// dbTypeToArrowType maps database type names from MySQL, PostgreSQL and
// DuckDB to Arrow types.
func dbTypeToArrowType(dbType string) (arrow.DataType, bool) {
	t := strings.ToUpper(strings.TrimSpace(dbType))
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = t[:i]
	}
	switch t {
	case "BOOLEAN", "BOOL":
		return arrow.FixedWidthTypes.Boolean, true
	case "TINYINT":
		return arrow.PrimitiveTypes.Int8, true
	case "SMALLINT", "INT2":
		return arrow.PrimitiveTypes.Int16, true
	case "INTEGER", "INT", "MEDIUMINT", "INT4":
		return arrow.PrimitiveTypes.Int32, true
	case "BIGINT", "INT8", "YEAR":
		return arrow.PrimitiveTypes.Int64, true
	case "UTINYINT", "UNSIGNED TINYINT":
		return arrow.PrimitiveTypes.Uint8, true
	case "USMALLINT", "UNSIGNED SMALLINT":
		return arrow.PrimitiveTypes.Uint16, true
	case "UINTEGER", "UNSIGNED INT", "UNSIGNED MEDIUMINT":
		return arrow.PrimitiveTypes.Uint32, true
	case "UBIGINT", "UNSIGNED BIGINT":
		return arrow.PrimitiveTypes.Uint64, true
	case "FLOAT", "FLOAT4", "REAL":
		return arrow.PrimitiveTypes.Float32, true
	case "DOUBLE", "FLOAT8":
		return arrow.PrimitiveTypes.Float64, true
	case "DECIMAL", "NUMERIC":
		return &arrow.Decimal128Type{Precision: 38, Scale: 9}, true
	case "DATE":
		return arrow.FixedWidthTypes.Date32, true
	case "TIMESTAMP", "DATETIME", "TIMESTAMPTZ":
		return arrow.FixedWidthTypes.Timestamp_us, true
	case "TIME":
		return arrow.FixedWidthTypes.Time64us, true
	case "VARCHAR", "CHAR", "TEXT", "TINYTEXT", "MEDIUMTEXT", "LONGTEXT", "STRING", "BPCHAR",
		"UUID", "JSON", "JSONB", "ENUM", "SET":
		return arrow.BinaryTypes.String, true
	case "BLOB", "TINYBLOB", "MEDIUMBLOB", "LONGBLOB", "BINARY", "VARBINARY", "BYTEA":
		return arrow.BinaryTypes.Binary, true
	}
	return nil, false
}

func inferArrowType(rows []database.Row, col string) arrow.DataType {
	for _, row := range rows {
		switch row[col].(type) {
		case nil:
			continue
		case bool:
			return arrow.FixedWidthTypes.Boolean
		case int, int8, int16, int32, int64:
			return arrow.PrimitiveTypes.Int64
		case uint, uint8, uint16, uint32, uint64:
			return arrow.PrimitiveTypes.Uint64
		case float32, float64:
			return arrow.PrimitiveTypes.Float64
		case time.Time:
			return arrow.FixedWidthTypes.Timestamp_us
		case []byte:
			return arrow.BinaryTypes.Binary
		default:
			return arrow.BinaryTypes.String
		}
	}
	return arrow.BinaryTypes.String
}

// appendValueToBuilder appends a value to the matching Arrow builder.
// Unparseable decimals are written as null.
func appendValueToBuilder(builder array.Builder, val any) error {
	if val == nil {
		builder.AppendNull()
		return nil
	}

	switch b := builder.(type) {
	case *array.BooleanBuilder:
		switch v := val.(type) {
		case bool:
			b.Append(v)
		case string:
			bv, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("expected bool, got %q", v)
			}
			b.Append(bv)
		default:
			if n, ok := toInt64(val); ok {
				b.Append(n != 0)
			} else {
				return fmt.Errorf("expected bool, got %T", val)
			}
		}
	case *array.Int8Builder:
		n, ok := toInt64(val)
		if !ok {
			return fmt.Errorf("expected int8, got %T", val)
		}
		b.Append(int8(n))
	case *array.Int16Builder:
		n, ok := toInt64(val)
		if !ok {
			return fmt.Errorf("expected int16, got %T", val)
		}
		b.Append(int16(n))
	case *array.Int32Builder:
		n, ok := toInt64(val)
		if !ok {
			return fmt.Errorf("expected int32, got %T", val)
		}
		b.Append(int32(n))
	case *array.Int64Builder:
		n, ok := toInt64(val)
		if !ok {
			return fmt.Errorf("expected int64, got %T", val)
		}
		b.Append(n)
	case *array.Uint8Builder:
		n, ok := toUint64(val)
		if !ok {
			return fmt.Errorf("expected uint8, got %T", val)
		}
		b.Append(uint8(n))
	case *array.Uint16Builder:
		n, ok := toUint64(val)
		if !ok {
			return fmt.Errorf("expected uint16, got %T", val)
		}
		b.Append(uint16(n))
	case *array.Uint32Builder:
		n, ok := toUint64(val)
		if !ok {
			return fmt.Errorf("expected uint32, got %T", val)
		}
		b.Append(uint32(n))
	case *array.Uint64Builder:
		n, ok := toUint64(val)
		if !ok {
			return fmt.Errorf("expected uint64, got %T", val)
		}
		b.Append(n)
	case *array.Float32Builder:
		f, ok := toFloat64(val)
		if !ok {
			return fmt.Errorf("expected float32, got %T", val)
		}
		b.Append(float32(f))
	case *array.Float64Builder:
		f, ok := toFloat64(val)
		if !ok {
			return fmt.Errorf("expected float64, got %T", val)
		}
		b.Append(f)
	case *array.StringBuilder:
		switch v := val.(type) {
		case string:
			b.Append(v)
		case []byte:
			b.Append(string(v))
		default:
			b.Append(fmt.Sprintf("%v", val))
		}
	case *array.BinaryBuilder:
		switch v := val.(type) {
		case []byte:
			b.Append(v)
		case string:
			b.Append([]byte(v))
		default:
			return fmt.Errorf("expected []byte or string, got %T", val)
		}
	case *array.Date32Builder:
		t, ok := toTime(val)
		if !ok {
			return fmt.Errorf("expected time.Time for date, got %T", val)
		}
		b.Append(arrow.Date32FromTime(t))
	case *array.TimestampBuilder:
		t, ok := toTime(val)
		if !ok {
			return fmt.Errorf("expected time.Time for timestamp, got %T", val)
		}
		b.Append(arrow.Timestamp(t.UnixMicro()))
	case *array.Time64Builder:
		t, ok := toTime(val)
		if !ok {
			return fmt.Errorf("expected time.Time for time, got %T", val)
		}
		midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
		b.Append(arrow.Time64(t.Sub(midnight).Microseconds()))
	case *array.Decimal128Builder:
		f, ok := toFloat64(val)
		if !ok {
			b.AppendNull()
			return nil
		}
		dec, err := decimal128.FromFloat64(f, 38, 9)
		if err != nil {
			b.AppendNull()
			return nil
		}
		b.Append(dec)
	default:
		return fmt.Errorf("unsupported builder type: %T", builder)
	}
	return nil
}

func toInt64(val any) (int64, bool) {
	switch v := val.(type) {
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint64:
		return int64(v), true
	case uint:
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	case []byte:
		n, err := strconv.ParseInt(string(v), 10, 64)
		return n, err == nil
	}
	return 0, false
}

func toUint64(val any) (uint64, bool) {
	switch v := val.(type) {
	case uint:
		return uint64(v), true
	case uint8:
		return uint64(v), true
	case uint16:
		return uint64(v), true
	case uint32:
		return uint64(v), true
	case uint64:
		return v, true
	case string:
		n, err := strconv.ParseUint(v, 10, 64)
		return n, err == nil
	case []byte:
		n, err := strconv.ParseUint(string(v), 10, 64)
		return n, err == nil
	}
	if n, ok := toInt64(val); ok && n >= 0 {
		return uint64(n), true
	}
	return 0, false
}

func toFloat64(val any) (float64, bool) {
	switch v := val.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	case []byte:
		f, err := strconv.ParseFloat(string(v), 64)
		return f, err == nil
	case interface{ Float64() float64 }:
		// DuckDB decimals.
		return v.Float64(), true
	}
	if n, ok := toInt64(val); ok {
		return float64(n), true
	}
	return 0, false
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"15:04:05.999999",
	"15:04:05",
}

func toTime(val any) (time.Time, bool) {
	var s string
	switch v := val.(type) {
	case time.Time:
		return v, true
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
