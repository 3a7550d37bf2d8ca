package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/askdb/askdb/internal/auth"
	"github.com/askdb/askdb/internal/config"
	"github.com/askdb/askdb/internal/dataset"
	"github.com/askdb/askdb/internal/gateway"
	"github.com/askdb/askdb/internal/history"
	"github.com/askdb/askdb/internal/query"
)

func mapLookup(values map[string]string) config.LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}

func testConfig(t *testing.T, overrides map[string]string) config.Config {
	t.Helper()
	values := map[string]string{"ASKDB_PROFILE": "test"}
	for key, value := range overrides {
		values[key] = value
	}
	cfg, err := config.Load("askdb-server", mapLookup(values))
	if err != nil {
		t.Fatalf("config load failed: %v", err)
	}
	return cfg
}

type stubGateway struct {
	answer gateway.Answer
	err    error
	asked  []string
}

func (s *stubGateway) Ask(_ context.Context, question string) (gateway.Answer, error) {
	s.asked = append(s.asked, question)
	if s.err != nil {
		return gateway.Answer{}, s.err
	}
	return s.answer, nil
}

type stubCatalog struct {
	descriptor dataset.Descriptor
	reloadErr  error
	reloads    int
}

func (s *stubCatalog) Descriptor() dataset.Descriptor { return s.descriptor }
func (s *stubCatalog) Samples() [][]any               { return nil }
func (s *stubCatalog) Source() string                 { return "./data/salaries_2023.csv" }

func (s *stubCatalog) Reload(context.Context) (dataset.Descriptor, error) {
	s.reloads++
	if s.reloadErr != nil {
		return dataset.Descriptor{}, s.reloadErr
	}
	return s.descriptor, nil
}

type stubEngine struct {
	result query.Result
	err    error
	lastQ  query.Request
}

func (s *stubEngine) Execute(_ context.Context, req query.Request) (query.Result, error) {
	s.lastQ = req
	if s.err != nil {
		return query.Result{}, s.err
	}
	return s.result, nil
}

type stubHistory struct {
	entries  []history.Entry
	recorded []history.Entry
	listErr  error
}

func (s *stubHistory) Record(_ context.Context, entry history.Entry) error {
	s.recorded = append(s.recorded, entry)
	return nil
}

func (s *stubHistory) List(_ context.Context, limit int) ([]history.Entry, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	if limit < len(s.entries) {
		return s.entries[:limit], nil
	}
	return s.entries, nil
}

func salariesDescriptor() dataset.Descriptor {
	return dataset.Descriptor{
		Table: "salaries_2023",
		Columns: []dataset.Column{
			{Name: "department", Type: dataset.TypeVarchar},
			{Name: "base_salary", Type: dataset.TypeDouble},
		},
		RowCount: 2,
	}
}

func TestHealthEndpoint(t *testing.T) {
	h := NewHandler(testConfig(t, nil), Dependencies{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestReadyEndpointReturns503WhenDependencyFails(t *testing.T) {
	h := NewHandler(testConfig(t, nil), Dependencies{
		Readiness: func(context.Context) error {
			return errors.New("store down")
		},
	})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/ready", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestProtectedRouteRequiresAuth(t *testing.T) {
	cfg := testConfig(t, map[string]string{"ASKDB_AUTH_REQUIRED": "true"})
	validator, err := auth.NewStaticAPIKeyValidator("k1:alice:reader")
	if err != nil {
		t.Fatalf("validator setup failed: %v", err)
	}

	h := NewHandler(cfg, Dependencies{
		AuthMiddleware: auth.Middleware(nil, validator),
		Catalog:        &stubCatalog{descriptor: salariesDescriptor()},
	})

	unauthResp := httptest.NewRecorder()
	h.ServeHTTP(unauthResp, httptest.NewRequest(http.MethodGet, "/v1/schema", nil))
	if unauthResp.Code != http.StatusUnauthorized {
		t.Fatalf("unauth status = %d", unauthResp.Code)
	}

	authReq := httptest.NewRequest(http.MethodGet, "/v1/schema", nil)
	authReq.Header.Set("X-API-Key", "k1")
	authResp := httptest.NewRecorder()
	h.ServeHTTP(authResp, authReq)
	if authResp.Code != http.StatusOK {
		t.Fatalf("auth status = %d", authResp.Code)
	}
}

func TestSchemaEndpointReturnsDescriptor(t *testing.T) {
	h := NewHandler(testConfig(t, nil), Dependencies{
		Catalog: &stubCatalog{descriptor: salariesDescriptor()},
	})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/schema", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var payload struct {
		Table    string           `json:"table"`
		Columns  []dataset.Column `json:"columns"`
		RowCount int64            `json:"row_count"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if payload.Table != "salaries_2023" || len(payload.Columns) != 2 || payload.RowCount != 2 {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestReloadRequiresAdminRole(t *testing.T) {
	cfg := testConfig(t, map[string]string{"ASKDB_AUTH_REQUIRED": "true"})
	validator, err := auth.NewStaticAPIKeyValidator("reader-key:alice:reader,admin-key:ops:admin|reader")
	if err != nil {
		t.Fatalf("validator setup failed: %v", err)
	}
	cat := &stubCatalog{descriptor: salariesDescriptor()}
	h := NewHandler(cfg, Dependencies{
		AuthMiddleware: auth.Middleware(nil, validator),
		Catalog:        cat,
	})

	readerReq := httptest.NewRequest(http.MethodPost, "/v1/dataset/reload", nil)
	readerReq.Header.Set("X-API-Key", "reader-key")
	readerResp := httptest.NewRecorder()
	h.ServeHTTP(readerResp, readerReq)
	if readerResp.Code != http.StatusForbidden {
		t.Fatalf("reader status = %d", readerResp.Code)
	}
	if cat.reloads != 0 {
		t.Fatalf("reloads = %d", cat.reloads)
	}

	adminReq := httptest.NewRequest(http.MethodPost, "/v1/dataset/reload", nil)
	adminReq.Header.Set("X-API-Key", "admin-key")
	adminResp := httptest.NewRecorder()
	h.ServeHTTP(adminResp, adminReq)
	if adminResp.Code != http.StatusOK {
		t.Fatalf("admin status = %d, body = %s", adminResp.Code, adminResp.Body.String())
	}
	if cat.reloads != 1 {
		t.Fatalf("reloads = %d", cat.reloads)
	}
}

func TestReloadMapsSourceUnreadable(t *testing.T) {
	cat := &stubCatalog{
		descriptor: salariesDescriptor(),
		reloadErr:  dataset.ErrSourceUnreadable,
	}
	h := NewHandler(testConfig(t, nil), Dependencies{Catalog: cat})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/dataset/reload", nil))
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "SOURCE_UNREADABLE") {
		t.Fatalf("body = %s", rr.Body.String())
	}
}

func TestSampleQuestionsUseSchema(t *testing.T) {
	h := NewHandler(testConfig(t, nil), Dependencies{
		Catalog: &stubCatalog{descriptor: salariesDescriptor()},
	})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/questions/samples", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var payload struct {
		Questions []string `json:"questions"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(payload.Questions) < 2 {
		t.Fatalf("questions = %v", payload.Questions)
	}
	if !strings.Contains(payload.Questions[0], "salaries_2023") {
		t.Fatalf("questions[0] = %q", payload.Questions[0])
	}
}

func TestHistoryEndpointListsEntries(t *testing.T) {
	h := NewHandler(testConfig(t, nil), Dependencies{
		History: &stubHistory{entries: []history.Entry{
			{ID: 2, Question: "second", Outcome: "ok"},
			{ID: 1, Question: "first", Outcome: "timeout"},
		}},
		HistoryLimit: 50,
	})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/history?limit=1", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var payload struct {
		Entries []history.Entry `json:"entries"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(payload.Entries) != 1 || payload.Entries[0].Question != "second" {
		t.Fatalf("entries = %+v", payload.Entries)
	}
}

func TestUIFallbackServesIndex(t *testing.T) {
	h := NewHandler(testConfig(t, nil), Dependencies{
		UI: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte("<!doctype html>"))
		}),
	})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/some/client/route", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if got := rr.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/html") {
		t.Fatalf("content type = %q", got)
	}
}
