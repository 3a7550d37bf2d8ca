package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/askdb/askdb/internal/auth"
	"github.com/askdb/askdb/internal/export"
	"github.com/askdb/askdb/internal/query"
	"github.com/askdb/askdb/internal/sqlguard"
)

type queryRequest struct {
	SQL      string `json:"sql"`
	RowLimit int    `json:"row_limit"`
}

type queryResponse struct {
	Columns   []string       `json:"columns"`
	Rows      [][]any        `json:"rows"`
	Truncated bool           `json:"truncated"`
	Stats     map[string]any `json:"stats"`
}

// handleQuery runs caller-authored SQL through the same validation gate as
// generated statements.
func handleQuery(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	result, ok := runValidatedQuery(deps, w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, queryResponse{
		Columns:   result.Columns,
		Rows:      result.Rows,
		Truncated: result.Truncated,
		Stats: map[string]any{
			"duration_ms": result.Duration.Milliseconds(),
		},
	})
}

func handleQueryExport(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	result, ok := runValidatedQuery(deps, w, r)
	if !ok {
		return
	}
	encoded, err := export.EncodeResultToParquet(result)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "EXPORT_FAILED", "failed to encode parquet export", true, map[string]any{"details": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/vnd.apache.parquet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", exportFilename()))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(encoded.Data)
}

func runValidatedQuery(deps Dependencies, w http.ResponseWriter, r *http.Request) (query.Result, bool) {
	if deps.QueryEngine == nil || deps.Catalog == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "QUERY_NOT_CONFIGURED", "query dependencies are not configured", false, nil)
		return query.Result{}, false
	}
	if err := requireRole(r, auth.RoleReader); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return query.Result{}, false
	}

	var request queryRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid query request body", false, map[string]any{"details": err.Error()})
		return query.Result{}, false
	}
	if strings.TrimSpace(request.SQL) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "SQL_REQUIRED", "sql is required", false, nil)
		return query.Result{}, false
	}

	if err := sqlguard.Validate(request.SQL, deps.Catalog.Descriptor()); err != nil {
		var validationErr *sqlguard.ValidationError
		extra := map[string]any{}
		if errors.As(err, &validationErr) {
			extra["reason"] = validationErr.Reason
		}
		writeError(r.Context(), w, http.StatusUnprocessableEntity, "INVALID_STATEMENT", err.Error(), false, extra)
		return query.Result{}, false
	}

	rowLimit := request.RowLimit
	if rowLimit <= 0 || rowLimit > deps.RowLimit {
		rowLimit = deps.RowLimit
	}
	result, err := deps.QueryEngine.Execute(r.Context(), query.Request{
		SQL:      request.SQL,
		RowLimit: rowLimit,
		Timeout:  deps.QueryTimeout,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			writeError(r.Context(), w, http.StatusGatewayTimeout, "QUERY_TIMEOUT", "query exceeded the time budget", false, nil)
			return query.Result{}, false
		}
		writeError(r.Context(), w, http.StatusBadRequest, "EXECUTION_ERROR", "query execution failed", false, map[string]any{"details": err.Error()})
		return query.Result{}, false
	}
	return result, true
}

func exportFilename() string {
	return fmt.Sprintf("askdb-export-%s.parquet", time.Now().UTC().Format("20060102-150405"))
}
