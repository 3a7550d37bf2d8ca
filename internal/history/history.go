// Package history persists answered questions so they can be replayed and
// audited. It runs on an embedded SQLite file by default; pointing the DSN
// at Postgres shares the log between replicas.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Entry struct {
	ID          int64     `json:"id"`
	Question    string    `json:"question"`
	SQL         string    `json:"sql"`
	Explanation string    `json:"explanation"`
	Outcome     string    `json:"outcome"`
	RowCount    int       `json:"row_count"`
	Truncated   bool      `json:"truncated"`
	DurationMS  int64     `json:"duration_ms"`
	CreatedAt   time.Time `json:"created_at"`
}

type Store interface {
	Record(ctx context.Context, entry Entry) error
	List(ctx context.Context, limit int) ([]Entry, error)
}

// Noop discards everything; used when history is configured off.
type Noop struct{}

func (Noop) Record(context.Context, Entry) error        { return nil }
func (Noop) List(context.Context, int) ([]Entry, error) { return nil, nil }

type Repository struct {
	db     *sql.DB
	driver string
}

func Open(driver, dsn string) (*Repository, error) {
	switch driver {
	case DriverSQLite:
		if dir := filepath.Dir(dsn); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create history directory: %w", err)
			}
		}
		db, err := sql.Open("sqlite3", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite history: %w", err)
		}
		db.SetMaxOpenConns(1)
		return &Repository{db: db, driver: driver}, nil
	case DriverPostgres:
		db, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres history: %w", err)
		}
		return &Repository{db: db, driver: driver}, nil
	default:
		return nil, fmt.Errorf("unsupported history driver %q", driver)
	}
}

// NewWithDB wraps an existing handle, for tests.
func NewWithDB(db *sql.DB, driver string) *Repository {
	return &Repository{db: db, driver: driver}
}

func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) Init(ctx context.Context) error {
	ddl := `CREATE TABLE IF NOT EXISTS question_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	question TEXT NOT NULL,
	sql_text TEXT NOT NULL,
	explanation TEXT NOT NULL,
	outcome TEXT NOT NULL,
	row_count INTEGER NOT NULL,
	truncated BOOLEAN NOT NULL,
	duration_ms BIGINT NOT NULL,
	created_at TIMESTAMP NOT NULL
)`
	if r.driver == DriverPostgres {
		ddl = `CREATE TABLE IF NOT EXISTS question_history (
	id BIGSERIAL PRIMARY KEY,
	question TEXT NOT NULL,
	sql_text TEXT NOT NULL,
	explanation TEXT NOT NULL,
	outcome TEXT NOT NULL,
	row_count INTEGER NOT NULL,
	truncated BOOLEAN NOT NULL,
	duration_ms BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
)`
	}
	if _, err := r.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure history table: %w", err)
	}
	return nil
}

func (r *Repository) Record(ctx context.Context, entry Entry) error {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	statement := r.rebind(`INSERT INTO question_history
	(question, sql_text, explanation, outcome, row_count, truncated, duration_ms, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := r.db.ExecContext(ctx, statement,
		entry.Question, entry.SQL, entry.Explanation, entry.Outcome,
		entry.RowCount, entry.Truncated, entry.DurationMS, createdAt,
	); err != nil {
		return fmt.Errorf("record history entry: %w", err)
	}
	return nil
}

// List returns the most recent entries, newest first.
func (r *Repository) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	statement := r.rebind(`SELECT id, question, sql_text, explanation, outcome, row_count, truncated, duration_ms, created_at
	FROM question_history ORDER BY id DESC LIMIT ?`)
	rows, err := r.db.QueryContext(ctx, statement, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var entry Entry
		if err := rows.Scan(
			&entry.ID, &entry.Question, &entry.SQL, &entry.Explanation, &entry.Outcome,
			&entry.RowCount, &entry.Truncated, &entry.DurationMS, &entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return entries, nil
}

// rebind converts ? placeholders to the $n form Postgres expects.
func (r *Repository) rebind(statement string) string {
	if r.driver != DriverPostgres {
		return statement
	}
	var builder strings.Builder
	index := 0
	for _, char := range statement {
		if char == '?' {
			index++
			fmt.Fprintf(&builder, "$%d", index)
			continue
		}
		builder.WriteRune(char)
	}
	return builder.String()
}
