package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/askdb/askdb/internal/query"
)

// Store owns the embedded DuckDB database holding the loaded dataset. DuckDB
// is not assumed safe for concurrent use of one connection, so every query
// and every load transaction runs under the store mutex: one statement
// executes to completion before the next begins.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens the database at path, creating parent directories as needed.
// An empty path opens an in-memory database.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path != "" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create store directory %q: %w", dir, err)
			}
		}
	}
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Tx runs fn inside a serialized transaction. The loader uses this so a
// table replace, its row inserts, and the manifest upsert become visible
// together or not at all.
func (s *Store) Tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// QueryRows runs a read-only statement outside the request path (manifest
// lookups, schema introspection). Serialized like everything else.
func (s *Store) QueryRows(ctx context.Context, sqlText string, args ...any) ([][]any, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return scanAll(ctx, s.db, sqlText, args...)
}

func (s *Store) Execute(ctx context.Context, request query.Request) (query.Result, error) {
	sqlText := stripTrailingSemicolons(request.SQL)
	if sqlText == "" {
		return query.Result{}, fmt.Errorf("sql is required")
	}

	if request.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, request.Timeout)
		defer cancel()
	}

	// Fetch one row past the budget so truncation is detectable without
	// counting the full result.
	if request.RowLimit > 0 {
		sqlText = fmt.Sprintf("SELECT * FROM (%s) AS q LIMIT %d", sqlText, request.RowLimit+1)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	rows, columns, err := scanAll(ctx, s.db, sqlText)
	if err != nil {
		return query.Result{}, err
	}

	truncated := false
	if request.RowLimit > 0 && len(rows) > request.RowLimit {
		rows = rows[:request.RowLimit]
		truncated = true
	}

	return query.Result{
		Columns:   columns,
		Rows:      rows,
		Truncated: truncated,
		Duration:  time.Since(start),
	}, nil
}

func scanAll(ctx context.Context, db *sql.DB, sqlText string, args ...any) ([][]any, []string, error) {
	rows, err := db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("execute query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("query columns: %w", err)
	}

	resultRows := make([][]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, nil, fmt.Errorf("scan row: %w", err)
		}
		resultRows = append(resultRows, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate rows: %w", err)
	}
	return resultRows, columns, nil
}

func normalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		default:
			normalized[i] = typed
		}
	}
	return normalized
}

func stripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}
