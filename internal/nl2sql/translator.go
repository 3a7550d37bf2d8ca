// Package nl2sql turns a natural-language question into a candidate SQL
// statement via a hosted chat-completion model. The output is untrusted and
// must pass validation before execution.
package nl2sql

import (
	"context"
	"errors"
)

// ErrTransient wraps failures worth retrying: network errors, rate limits,
// upstream 5xx, and responses the model formatted badly. Anything else is
// permanent for this question.
var ErrTransient = errors.New("nl2sql: transient translation failure")

type Request struct {
	Question string `json:"question"`
	// Table, Columns and SampleRows are sent verbatim as model context.
	Table      string   `json:"table"`
	Columns    []string `json:"columns"`
	SampleRows [][]any  `json:"sample_rows,omitempty"`
	// Feedback carries the rejection reason from a failed validation so the
	// model can correct itself on the next attempt.
	Feedback string `json:"feedback,omitempty"`
}

type Result struct {
	SQL         string `json:"sql"`
	Explanation string `json:"explanation"`
	Provider    string `json:"provider"`
	Model       string `json:"model"`
}

type Translator interface {
	Translate(ctx context.Context, req Request) (Result, error)
}
