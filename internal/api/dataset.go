package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/askdb/askdb/internal/auth"
	"github.com/askdb/askdb/internal/dataset"
	"github.com/askdb/askdb/internal/history"
	"github.com/askdb/askdb/internal/query"
)

func handleSchema(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Catalog == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SCHEMA_NOT_CONFIGURED", "catalog dependency is not configured", false, nil)
		return
	}
	if err := requireRole(r, auth.RoleReader); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}
	descriptor := deps.Catalog.Descriptor()
	writeJSON(w, http.StatusOK, map[string]any{
		"table":     descriptor.Table,
		"columns":   descriptor.Columns,
		"row_count": descriptor.RowCount,
		"source":    deps.Catalog.Source(),
	})
}

func handlePreview(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Catalog == nil || deps.QueryEngine == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "PREVIEW_NOT_CONFIGURED", "preview dependencies are not configured", false, nil)
		return
	}
	if err := requireRole(r, auth.RoleReader); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer", false, nil)
			return
		}
		limit = parsed
	}
	if limit > deps.RowLimit && deps.RowLimit > 0 {
		limit = deps.RowLimit
	}

	descriptor := deps.Catalog.Descriptor()
	result, err := deps.QueryEngine.Execute(r.Context(), query.Request{
		SQL:      fmt.Sprintf(`SELECT * FROM %q`, descriptor.Table),
		RowLimit: limit,
		Timeout:  deps.QueryTimeout,
	})
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "PREVIEW_FAILED", "failed to read dataset preview", true, map[string]any{"details": err.Error()})
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

// handleReload re-ingests the configured source. Admin only: a reload
// replaces the table every concurrent question reads from.
func handleReload(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Catalog == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "RELOAD_NOT_CONFIGURED", "catalog dependency is not configured", false, nil)
		return
	}
	if err := requireRole(r, auth.RoleAdmin); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	descriptor, err := deps.Catalog.Reload(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		code := "RELOAD_FAILED"
		if errors.Is(err, dataset.ErrSourceUnreadable) {
			status, code = http.StatusBadGateway, "SOURCE_UNREADABLE"
		} else if errors.Is(err, dataset.ErrSchemaInference) {
			status, code = http.StatusUnprocessableEntity, "SCHEMA_INFERENCE_FAILED"
		}
		writeError(r.Context(), w, status, code, err.Error(), true, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"table":     descriptor.Table,
		"columns":   descriptor.Columns,
		"row_count": descriptor.RowCount,
	})
}

func handleHistory(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.History == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "HISTORY_NOT_CONFIGURED", "history is not configured", false, nil)
		return
	}
	if err := requireRole(r, auth.RoleReader); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	limit := deps.HistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer", false, nil)
			return
		}
		limit = parsed
	}

	entries, err := deps.History.List(r.Context(), limit)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "HISTORY_READ_FAILED", "failed to read history", true, map[string]any{"details": err.Error()})
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// handleSampleQuestions offers starter questions built from the loaded
// schema, for the UI's empty state.
func handleSampleQuestions(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Catalog == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SCHEMA_NOT_CONFIGURED", "catalog dependency is not configured", false, nil)
		return
	}
	if err := requireRole(r, auth.RoleReader); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	descriptor := deps.Catalog.Descriptor()
	questions := []string{
		fmt.Sprintf("How many rows are in %s?", descriptor.Table),
	}
	var numeric, textual string
	for _, column := range descriptor.Columns {
		switch column.Type {
		case dataset.TypeBigint, dataset.TypeDouble:
			if numeric == "" {
				numeric = column.Name
			}
		default:
			if textual == "" {
				textual = column.Name
			}
		}
	}
	if numeric != "" && textual != "" {
		questions = append(questions,
			fmt.Sprintf("What is the average %s by %s?", numeric, textual),
			fmt.Sprintf("Which %s has the highest %s?", textual, numeric),
		)
	}
	if numeric != "" {
		questions = append(questions, fmt.Sprintf("What are the minimum and maximum %s?", numeric))
	}
	writeJSON(w, http.StatusOK, map[string]any{"questions": questions})
}
