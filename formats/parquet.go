package formats

import (
	"fmt"
	"net/http"

	"github.com/apache/arrow/go/v18/arrow"
	"github.com/apache/arrow/go/v18/arrow/array"
	"github.com/apache/arrow/go/v18/arrow/memory"
	"github.com/apache/arrow/go/v18/parquet"
	"github.com/apache/arrow/go/v18/parquet/compress"
	"github.com/apache/arrow/go/v18/parquet/pqarrow"
	"github.com/tobilg/caddyserver-dbgate-module/database"
)

// WriteParquet writes a result set as a Parquet file.
func WriteParquet(w http.ResponseWriter, res *database.Result) error {
	schema := arrowSchema(res)
	pool := memory.NewGoAllocator()

	const batchSize = 10000

	var records []arrow.Record
	values := res.Values()
	for offset := 0; offset < len(values); offset += batchSize {
		end := offset + batchSize
		if end > len(values) {
			end = len(values)
		}
		record, err := buildRecordBatch(values[offset:end], schema, pool)
		if err != nil {
			for _, r := range records {
				r.Release()
			}
			return fmt.Errorf("failed to build record batch: %w", err)
		}
		records = append(records, record)
	}

	// An empty result still produces a file with the schema.
	if len(records) == 0 {
		record, err := buildRecordBatch(nil, schema, pool)
		if err != nil {
			return fmt.Errorf("failed to build empty record batch: %w", err)
		}
		records = append(records, record)
	}

	table := array.NewTableFromRecords(schema, records)
	defer table.Release()
	for _, record := range records {
		record.Release()
	}

	writerProps := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Snappy),
		parquet.WithDictionaryDefault(true),
	)
	arrowWriterProps := pqarrow.NewArrowWriterProperties(
		pqarrow.WithStoreSchema(),
	)

	w.Header().Set("Content-Type", ContentTypeParquet)
	w.Header().Set("Content-Disposition", "attachment; filename=\"result.parquet\"")
	w.WriteHeader(http.StatusOK)

	if err := pqarrow.WriteTable(table, w, table.NumRows(), writerProps, arrowWriterProps); err != nil {
		return fmt.Errorf("failed to write parquet: %w", err)
	}
	return nil
}
