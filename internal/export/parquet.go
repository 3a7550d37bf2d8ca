// Package export serializes query results for download. Parquet keeps the
// column list alongside each row so the file is self-describing even though
// result shapes differ per query.
package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/askdb/askdb/internal/query"
)

type ParquetEncodeResult struct {
	Data        []byte
	RecordCount int64
}

type parquetRow struct {
	RowIndex      int64  `parquet:"row_index"`
	ColumnsJSON   string `parquet:"columns_json"`
	ValuesJSON    string `parquet:"values_json"`
	ExportedAtUTC int64  `parquet:"exported_at_unix_ms"`
}

// EncodeResultToParquet flattens a result into one parquet row per data row.
// Values are carried as JSON since the result schema is not known until the
// query has run.
func EncodeResultToParquet(result query.Result) (ParquetEncodeResult, error) {
	if len(result.Columns) == 0 {
		return ParquetEncodeResult{}, fmt.Errorf("result has no columns")
	}

	columnsJSON, err := json.Marshal(result.Columns)
	if err != nil {
		return ParquetEncodeResult{}, fmt.Errorf("marshal column list: %w", err)
	}
	exportedAt := time.Now().UTC().UnixMilli()

	rows := make([]parquetRow, 0, len(result.Rows))
	for i, values := range result.Rows {
		valuesJSON, err := json.Marshal(values)
		if err != nil {
			return ParquetEncodeResult{}, fmt.Errorf("marshal row %d: %w", i, err)
		}
		rows = append(rows, parquetRow{
			RowIndex:      int64(i),
			ColumnsJSON:   string(columnsJSON),
			ValuesJSON:    string(valuesJSON),
			ExportedAtUTC: exportedAt,
		})
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[parquetRow](buf)
	if len(rows) > 0 {
		if _, err := writer.Write(rows); err != nil {
			return ParquetEncodeResult{}, fmt.Errorf("write parquet rows: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return ParquetEncodeResult{}, fmt.Errorf("close parquet writer: %w", err)
	}

	return ParquetEncodeResult{
		Data:        buf.Bytes(),
		RecordCount: int64(len(rows)),
	}, nil
}
