// Package gateway runs the bounded translate-validate-execute loop behind
// every natural-language question. Translation failures and rejected
// statements are retried within the attempt budget; a statement that passes
// validation is executed exactly once.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/askdb/askdb/internal/dataset"
	"github.com/askdb/askdb/internal/nl2sql"
	"github.com/askdb/askdb/internal/observability"
	"github.com/askdb/askdb/internal/query"
	"github.com/askdb/askdb/internal/sqlguard"
)

// SchemaSource is the slice of the catalog the gateway needs.
type SchemaSource interface {
	Descriptor() dataset.Descriptor
	Samples() [][]any
}

type Config struct {
	MaxAttempts  int
	RowLimit     int
	QueryTimeout time.Duration
}

type Gateway struct {
	translator nl2sql.Translator
	engine     query.Engine
	schema     SchemaSource
	logger     *slog.Logger
	cfg        Config
}

// Answer is the terminal success payload for a question.
type Answer struct {
	Question    string        `json:"question"`
	SQL         string        `json:"sql"`
	Explanation string        `json:"explanation"`
	Columns     []string      `json:"columns"`
	Rows        [][]any       `json:"rows"`
	Truncated   bool          `json:"truncated"`
	Attempts    int           `json:"attempts"`
	Model       string        `json:"model"`
	Duration    time.Duration `json:"-"`
}

func New(translator nl2sql.Translator, engine query.Engine, schema SchemaSource, logger *slog.Logger, cfg Config) *Gateway {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		translator: translator,
		engine:     engine,
		schema:     schema,
		logger:     logger,
		cfg:        cfg,
	}
}

// Ask answers one question. Every attempt re-invokes the model; validation
// feedback from a rejected statement is carried into the next prompt. The
// loop never re-executes: execution errors are terminal.
func (g *Gateway) Ask(ctx context.Context, question string) (Answer, error) {
	start := time.Now()
	descriptor := g.schema.Descriptor()

	request := nl2sql.Request{
		Question:   question,
		Table:      descriptor.Table,
		Columns:    descriptor.ColumnNames(),
		SampleRows: g.schema.Samples(),
	}

	var lastErr *Error
	for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
		observability.IncrementTranslateAttempt()

		translated, err := g.translator.Translate(ctx, request)
		if err != nil {
			if !errors.Is(err, nl2sql.ErrTransient) {
				return g.fail(start, &Error{Kind: KindModelFailure, Message: "translation failed", Err: err})
			}
			lastErr = &Error{Kind: KindModelFailure, Message: "translation failed", Err: err}
			g.logger.WarnContext(ctx, "translation attempt failed",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			continue
		}

		if err := sqlguard.Validate(translated.SQL, descriptor); err != nil {
			var validationErr *sqlguard.ValidationError
			reason := "invalid"
			if errors.As(err, &validationErr) {
				reason = validationErr.Reason
			}
			observability.IncrementValidationRejection(reason)
			lastErr = &Error{Kind: KindInvalidStatement, Message: err.Error(), Err: err}
			request.Feedback = err.Error()
			g.logger.WarnContext(ctx, "generated statement rejected",
				slog.Int("attempt", attempt),
				slog.String("reason", reason),
				slog.String("sql", translated.SQL),
			)
			continue
		}

		result, err := g.engine.Execute(ctx, query.Request{
			SQL:      translated.SQL,
			RowLimit: g.cfg.RowLimit,
			Timeout:  g.cfg.QueryTimeout,
		})
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return g.fail(start, &Error{
					Kind:    KindTimeout,
					Message: fmt.Sprintf("query exceeded the %s budget", g.cfg.QueryTimeout),
					Err:     err,
				})
			}
			return g.fail(start, &Error{Kind: KindExecutionError, Message: "query execution failed", Err: err})
		}

		observability.ObserveQuestion("ok", result.Truncated, time.Since(start))
		g.logger.InfoContext(ctx, "question answered",
			slog.Int("attempt", attempt),
			slog.Int("rows", len(result.Rows)),
			slog.Bool("truncated", result.Truncated),
			slog.Duration("elapsed", time.Since(start)),
		)
		return Answer{
			Question:    question,
			SQL:         translated.SQL,
			Explanation: translated.Explanation,
			Columns:     result.Columns,
			Rows:        result.Rows,
			Truncated:   result.Truncated,
			Attempts:    attempt,
			Model:       translated.Model,
			Duration:    time.Since(start),
		}, nil
	}

	if lastErr == nil {
		lastErr = &Error{Kind: KindModelFailure, Message: "no attempts were made"}
	}
	return g.fail(start, lastErr)
}

func (g *Gateway) fail(start time.Time, gatewayErr *Error) (Answer, error) {
	observability.ObserveQuestion(gatewayErr.Kind, false, time.Since(start))
	return Answer{}, gatewayErr
}
