package query

import (
	"context"
	"time"
)

type Request struct {
	SQL      string
	RowLimit int
	Timeout  time.Duration
}

type Result struct {
	Columns   []string
	Rows      [][]any
	Truncated bool
	Duration  time.Duration
}

type Engine interface {
	Execute(ctx context.Context, request Request) (Result, error)
}
