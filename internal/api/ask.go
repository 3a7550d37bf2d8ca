package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/askdb/askdb/internal/auth"
	"github.com/askdb/askdb/internal/gateway"
	"github.com/askdb/askdb/internal/history"
)

type askRequest struct {
	Question string `json:"question"`
}

type askResponse struct {
	Question    string   `json:"question"`
	SQL         string   `json:"sql"`
	Explanation string   `json:"explanation"`
	Columns     []string `json:"columns"`
	Rows        [][]any  `json:"rows"`
	Truncated   bool     `json:"truncated"`
	Attempts    int      `json:"attempts"`
	Model       string   `json:"model"`
	DurationMS  int64    `json:"duration_ms"`
}

func handleAsk(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Gateway == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "ASK_NOT_CONFIGURED", "question gateway is not configured", false, nil)
		return
	}
	if err := requireRole(r, auth.RoleReader); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	var request askRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid ask request body", false, map[string]any{"details": err.Error()})
		return
	}
	question := strings.TrimSpace(request.Question)
	if question == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "QUESTION_REQUIRED", "question is required", false, nil)
		return
	}

	answer, err := deps.Gateway.Ask(r.Context(), question)
	if err != nil {
		recordHistory(deps, r, history.Entry{
			Question: question,
			Outcome:  outcomeOf(err),
		})
		writeGatewayError(deps, w, r, err)
		return
	}

	recordHistory(deps, r, history.Entry{
		Question:    question,
		SQL:         answer.SQL,
		Explanation: answer.Explanation,
		Outcome:     "ok",
		RowCount:    len(answer.Rows),
		Truncated:   answer.Truncated,
		DurationMS:  answer.Duration.Milliseconds(),
	})

	writeJSON(w, http.StatusOK, askResponse{
		Question:    answer.Question,
		SQL:         answer.SQL,
		Explanation: answer.Explanation,
		Columns:     answer.Columns,
		Rows:        answer.Rows,
		Truncated:   answer.Truncated,
		Attempts:    answer.Attempts,
		Model:       answer.Model,
		DurationMS:  answer.Duration.Milliseconds(),
	})
}

func writeGatewayError(deps Dependencies, w http.ResponseWriter, r *http.Request, err error) {
	var gatewayErr *gateway.Error
	if !errors.As(err, &gatewayErr) {
		writeError(r.Context(), w, http.StatusInternalServerError, "INTERNAL", "question handling failed", true, map[string]any{"details": err.Error()})
		return
	}

	status := http.StatusInternalServerError
	code := "INTERNAL"
	switch gatewayErr.Kind {
	case gateway.KindModelFailure:
		status, code = http.StatusBadGateway, "MODEL_FAILURE"
	case gateway.KindInvalidStatement:
		status, code = http.StatusUnprocessableEntity, "INVALID_STATEMENT"
	case gateway.KindExecutionError:
		status, code = http.StatusBadRequest, "EXECUTION_ERROR"
	case gateway.KindTimeout:
		status, code = http.StatusGatewayTimeout, "QUERY_TIMEOUT"
	}
	writeError(r.Context(), w, status, code, gatewayErr.Message, gatewayErr.Retryable(), map[string]any{
		"kind": gatewayErr.Kind,
	})
}

func outcomeOf(err error) string {
	var gatewayErr *gateway.Error
	if errors.As(err, &gatewayErr) {
		return gatewayErr.Kind
	}
	return "internal_error"
}

// recordHistory must not fail the request; a broken history backend is
// logged and ignored.
func recordHistory(deps Dependencies, r *http.Request, entry history.Entry) {
	if deps.History == nil {
		return
	}
	if err := deps.History.Record(r.Context(), entry); err != nil && deps.Logger != nil {
		deps.Logger.WarnContext(r.Context(), "history record failed",
			slog.String("error", err.Error()),
		)
	}
}
