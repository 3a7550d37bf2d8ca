package export

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/parquet-go/parquet-go"

	"github.com/askdb/askdb/internal/query"
)

func TestEncodeResultToParquet(t *testing.T) {
	result := query.Result{
		Columns: []string{"department", "avg_salary"},
		Rows: [][]any{
			{"IGM", 95000.5},
			{"Ops", 88000.0},
		},
	}

	encoded, err := EncodeResultToParquet(result)
	if err != nil {
		t.Fatalf("EncodeResultToParquet() error = %v", err)
	}
	if encoded.RecordCount != 2 {
		t.Fatalf("RecordCount = %d", encoded.RecordCount)
	}
	if len(encoded.Data) == 0 {
		t.Fatal("expected non-empty parquet payload")
	}

	reader := parquet.NewGenericReader[parquetRow](bytes.NewReader(encoded.Data))
	defer func() { _ = reader.Close() }()
	rows := make([]parquetRow, 2)
	count, err := reader.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		t.Fatalf("reader.Read() error = %v", err)
	}
	if count != 2 {
		t.Fatalf("read rows = %d", count)
	}
	if rows[0].ColumnsJSON != `["department","avg_salary"]` {
		t.Fatalf("ColumnsJSON = %q", rows[0].ColumnsJSON)
	}
	if rows[1].ValuesJSON != `["Ops",88000]` {
		t.Fatalf("ValuesJSON = %q", rows[1].ValuesJSON)
	}
}

func TestEncodeResultToParquetEmptyResultSet(t *testing.T) {
	encoded, err := EncodeResultToParquet(query.Result{Columns: []string{"c"}})
	if err != nil {
		t.Fatalf("EncodeResultToParquet() error = %v", err)
	}
	if encoded.RecordCount != 0 {
		t.Fatalf("RecordCount = %d", encoded.RecordCount)
	}
	if len(encoded.Data) == 0 {
		t.Fatal("expected parquet footer even with no rows")
	}
}

func TestEncodeResultToParquetRequiresColumns(t *testing.T) {
	if _, err := EncodeResultToParquet(query.Result{}); err == nil {
		t.Fatal("EncodeResultToParquet() should fail without columns")
	}
}
