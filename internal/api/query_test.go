package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/askdb/askdb/internal/query"
)

func postJSON(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func queryDeps(engine *stubEngine) Dependencies {
	return Dependencies{
		Catalog:      &stubCatalog{descriptor: salariesDescriptor()},
		QueryEngine:  engine,
		RowLimit:     200,
		QueryTimeout: 10 * time.Second,
	}
}

func TestQueryExecutesValidatedSQL(t *testing.T) {
	engine := &stubEngine{result: query.Result{
		Columns: []string{"department"},
		Rows:    [][]any{{"IGM"}},
	}}
	h := NewHandler(testConfig(t, nil), queryDeps(engine))

	rr := postJSON(t, h, "/v1/query", `{"sql": "SELECT department FROM salaries_2023"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if engine.lastQ.RowLimit != 200 {
		t.Fatalf("RowLimit = %d", engine.lastQ.RowLimit)
	}
	if engine.lastQ.Timeout != 10*time.Second {
		t.Fatalf("Timeout = %v", engine.lastQ.Timeout)
	}
}

func TestQueryRejectsDeniedStatement(t *testing.T) {
	engine := &stubEngine{}
	h := NewHandler(testConfig(t, nil), queryDeps(engine))

	rr := postJSON(t, h, "/v1/query", `{"sql": "DROP TABLE salaries_2023"}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", rr.Code)
	}
	if engine.lastQ.SQL != "" {
		t.Fatalf("engine saw %q", engine.lastQ.SQL)
	}
}

func TestQueryRejectsUnknownColumn(t *testing.T) {
	h := NewHandler(testConfig(t, nil), queryDeps(&stubEngine{}))
	rr := postJSON(t, h, "/v1/query", `{"sql": "SELECT bonus FROM salaries_2023"}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "unknown_identifier") {
		t.Fatalf("body = %s", rr.Body.String())
	}
}

func TestQueryCapsRowLimitAtBudget(t *testing.T) {
	engine := &stubEngine{result: query.Result{Columns: []string{"c"}}}
	h := NewHandler(testConfig(t, nil), queryDeps(engine))

	rr := postJSON(t, h, "/v1/query", `{"sql": "SELECT department FROM salaries_2023", "row_limit": 100000}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if engine.lastQ.RowLimit != 200 {
		t.Fatalf("RowLimit = %d", engine.lastQ.RowLimit)
	}
}

func TestQueryMapsDeadlineToTimeout(t *testing.T) {
	engine := &stubEngine{err: context.DeadlineExceeded}
	h := NewHandler(testConfig(t, nil), queryDeps(engine))

	rr := postJSON(t, h, "/v1/query", `{"sql": "SELECT department FROM salaries_2023"}`)
	if rr.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestQueryExportReturnsParquet(t *testing.T) {
	engine := &stubEngine{result: query.Result{
		Columns: []string{"department", "base_salary"},
		Rows:    [][]any{{"IGM", 95000.5}},
	}}
	h := NewHandler(testConfig(t, nil), queryDeps(engine))

	rr := postJSON(t, h, "/v1/query/export", `{"sql": "SELECT department, base_salary FROM salaries_2023"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("Content-Type"); got != "application/vnd.apache.parquet" {
		t.Fatalf("content type = %q", got)
	}
	if !strings.Contains(rr.Header().Get("Content-Disposition"), ".parquet") {
		t.Fatalf("content disposition = %q", rr.Header().Get("Content-Disposition"))
	}

	type exportedRow struct {
		RowIndex    int64  `parquet:"row_index"`
		ColumnsJSON string `parquet:"columns_json"`
		ValuesJSON  string `parquet:"values_json"`
	}
	reader := parquet.NewGenericReader[exportedRow](bytes.NewReader(rr.Body.Bytes()))
	defer func() { _ = reader.Close() }()
	rows := make([]exportedRow, 1)
	count, err := reader.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		t.Fatalf("reader.Read() error = %v", err)
	}
	if count != 1 {
		t.Fatalf("read rows = %d", count)
	}
	var columns []string
	if err := json.Unmarshal([]byte(rows[0].ColumnsJSON), &columns); err != nil {
		t.Fatalf("decode columns: %v", err)
	}
	if len(columns) != 2 || columns[0] != "department" {
		t.Fatalf("columns = %v", columns)
	}
}

func TestPreviewUsesLimitParameter(t *testing.T) {
	engine := &stubEngine{result: query.Result{Columns: []string{"department"}}}
	h := NewHandler(testConfig(t, nil), queryDeps(engine))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/dataset/preview?limit=5", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if engine.lastQ.RowLimit != 5 {
		t.Fatalf("RowLimit = %d", engine.lastQ.RowLimit)
	}
	if !strings.Contains(engine.lastQ.SQL, `"salaries_2023"`) {
		t.Fatalf("SQL = %q", engine.lastQ.SQL)
	}
}

func TestPreviewRejectsInvalidLimit(t *testing.T) {
	h := NewHandler(testConfig(t, nil), queryDeps(&stubEngine{}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/dataset/preview?limit=zero", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
}
