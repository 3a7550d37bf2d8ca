package dataset

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/askdb/askdb/internal/observability"
	"github.com/askdb/askdb/internal/query/duckdb"
	"github.com/askdb/askdb/internal/storage"
)

var (
	ErrSourceUnreadable = errors.New("dataset: source unreadable")
	ErrSchemaInference  = errors.New("dataset: schema inference failed")
)

const manifestDDL = `CREATE TABLE IF NOT EXISTS dataset_manifest (
	table_name VARCHAR PRIMARY KEY,
	source VARCHAR NOT NULL,
	signature VARCHAR NOT NULL,
	row_count BIGINT NOT NULL,
	loaded_at TIMESTAMP NOT NULL DEFAULT current_timestamp
)`

// Loader ingests a CSV source into the store exactly once per source
// version. The source signature (size, modification time, etag) is recorded
// in a manifest table inside the same store; a matching signature makes
// Load a no-op that returns the existing schema.
type Loader struct {
	Store  *duckdb.Store
	Source storage.ObjectStore
	Logger *slog.Logger
}

func (l *Loader) Load(ctx context.Context, sourceKey, table string) (Descriptor, error) {
	if l.Store == nil || l.Source == nil {
		return Descriptor{}, fmt.Errorf("store and source are required")
	}
	if strings.TrimSpace(table) == "" {
		return Descriptor{}, fmt.Errorf("table name is required")
	}

	info, err := l.Source.Stat(ctx, sourceKey)
	if err != nil {
		observability.ObserveDatasetLoad("failed")
		return Descriptor{}, fmt.Errorf("%w: stat %q: %v", ErrSourceUnreadable, sourceKey, err)
	}
	signature := sourceSignature(sourceKey, info)

	if err := l.ensureManifest(ctx); err != nil {
		observability.ObserveDatasetLoad("failed")
		return Descriptor{}, err
	}

	existing, ok, err := l.manifestSignature(ctx, table)
	if err != nil {
		observability.ObserveDatasetLoad("failed")
		return Descriptor{}, err
	}
	if ok && existing == signature {
		descriptor, err := l.describe(ctx, table)
		if err != nil {
			observability.ObserveDatasetLoad("failed")
			return Descriptor{}, err
		}
		observability.ObserveDatasetLoad("reused")
		if l.Logger != nil {
			l.Logger.InfoContext(ctx, "dataset unchanged, reusing table",
				slog.String("table", table),
				slog.Int64("rows", descriptor.RowCount),
			)
		}
		return descriptor, nil
	}

	header, records, err := l.readSource(ctx, sourceKey)
	if err != nil {
		observability.ObserveDatasetLoad("failed")
		return Descriptor{}, err
	}

	columns, err := inferColumns(header, records)
	if err != nil {
		observability.ObserveDatasetLoad("failed")
		return Descriptor{}, err
	}

	if err := l.replaceTable(ctx, table, sourceKey, signature, columns, records); err != nil {
		observability.ObserveDatasetLoad("failed")
		return Descriptor{}, err
	}

	observability.ObserveDatasetLoad("loaded")
	if l.Logger != nil {
		l.Logger.InfoContext(ctx, "dataset loaded",
			slog.String("table", table),
			slog.String("source", sourceKey),
			slog.Int("rows", len(records)),
		)
	}
	return Descriptor{Table: table, Columns: columns, RowCount: int64(len(records))}, nil
}

// Describe returns the schema of an already-loaded table.
func (l *Loader) Describe(ctx context.Context, table string) (Descriptor, error) {
	return l.describe(ctx, table)
}

func (l *Loader) readSource(ctx context.Context, sourceKey string) ([]string, [][]string, error) {
	reader, err := l.Source.Get(ctx, sourceKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: open %q: %v", ErrSourceUnreadable, sourceKey, err)
	}
	defer func() { _ = reader.Close() }()

	return parseCSV(reader)
}

func parseCSV(reader io.Reader) ([]string, [][]string, error) {
	csvReader := csv.NewReader(reader)
	csvReader.ReuseRecord = false

	header, err := csvReader.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read header: %v", ErrSourceUnreadable, err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	seen := make(map[string]struct{}, len(header))
	for _, name := range header {
		if name == "" {
			return nil, nil, fmt.Errorf("%w: empty column name in header", ErrSchemaInference)
		}
		if _, dup := seen[strings.ToLower(name)]; dup {
			return nil, nil, fmt.Errorf("%w: duplicate column name %q", ErrSchemaInference, name)
		}
		seen[strings.ToLower(name)] = struct{}{}
	}

	records := make([][]string, 0)
	for {
		record, err := csvReader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("%w: parse row: %v", ErrSourceUnreadable, err)
		}
		records = append(records, record)
	}
	return header, records, nil
}

// inferColumns picks the narrowest type every non-empty sampled value of a
// column fits into: BIGINT, then DOUBLE, then VARCHAR.
func inferColumns(header []string, records [][]string) ([]Column, error) {
	if len(header) == 0 {
		return nil, fmt.Errorf("%w: header has no columns", ErrSchemaInference)
	}

	const sampleLimit = 1000
	columns := make([]Column, len(header))
	for i, name := range header {
		columns[i] = Column{Name: name, Type: TypeBigint}
	}

	for rowIndex, record := range records {
		for i := range columns {
			if rowIndex >= sampleLimit || columns[i].Type == TypeVarchar {
				continue
			}
			value := strings.TrimSpace(record[i])
			if value == "" {
				continue
			}
			switch columns[i].Type {
			case TypeBigint:
				if _, err := strconv.ParseInt(value, 10, 64); err == nil {
					continue
				}
				if _, err := strconv.ParseFloat(value, 64); err == nil {
					columns[i].Type = TypeDouble
					continue
				}
				columns[i].Type = TypeVarchar
			case TypeDouble:
				if _, err := strconv.ParseFloat(value, 64); err != nil {
					columns[i].Type = TypeVarchar
				}
			}
		}
	}
	return columns, nil
}

func (l *Loader) replaceTable(ctx context.Context, table, sourceKey, signature string, columns []Column, records [][]string) error {
	return l.Store.Tx(ctx, func(tx *sql.Tx) error {
		columnDefs := make([]string, 0, len(columns))
		for _, column := range columns {
			columnDefs = append(columnDefs, quoteIdent(column.Name)+" "+column.Type)
		}
		createSQL := fmt.Sprintf("CREATE OR REPLACE TABLE %s (%s)", quoteIdent(table), strings.Join(columnDefs, ", "))
		if _, err := tx.ExecContext(ctx, createSQL); err != nil {
			return fmt.Errorf("create table %q: %w", table, err)
		}

		placeholders := strings.TrimRight(strings.Repeat("?,", len(columns)), ",")
		insertSQL := fmt.Sprintf("INSERT INTO %s VALUES (%s)", quoteIdent(table), placeholders)
		stmt, err := tx.PrepareContext(ctx, insertSQL)
		if err != nil {
			return fmt.Errorf("prepare insert: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		for _, record := range records {
			args, err := convertRecord(columns, record)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return fmt.Errorf("insert row: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM dataset_manifest WHERE table_name = ?", table); err != nil {
			return fmt.Errorf("clear manifest: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO dataset_manifest (table_name, source, signature, row_count) VALUES (?, ?, ?, ?)",
			table, sourceKey, signature, int64(len(records)),
		); err != nil {
			return fmt.Errorf("record manifest: %w", err)
		}
		return nil
	})
}

func convertRecord(columns []Column, record []string) ([]any, error) {
	if len(record) != len(columns) {
		return nil, fmt.Errorf("%w: row has %d values, want %d", ErrSchemaInference, len(record), len(columns))
	}
	args := make([]any, len(columns))
	for i, column := range columns {
		value := strings.TrimSpace(record[i])
		if value == "" {
			args[i] = nil
			continue
		}
		switch column.Type {
		case TypeBigint:
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: value %q does not fit column type %s", ErrSchemaInference, value, column.Type)
			}
			args[i] = parsed
		case TypeDouble:
			parsed, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: value %q does not fit column type %s", ErrSchemaInference, value, column.Type)
			}
			args[i] = parsed
		default:
			args[i] = record[i]
		}
	}
	return args, nil
}

func (l *Loader) ensureManifest(ctx context.Context) error {
	return l.Store.Tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, manifestDDL); err != nil {
			return fmt.Errorf("ensure manifest table: %w", err)
		}
		return nil
	})
}

func (l *Loader) manifestSignature(ctx context.Context, table string) (string, bool, error) {
	rows, _, err := l.Store.QueryRows(ctx, "SELECT signature FROM dataset_manifest WHERE table_name = ?", table)
	if err != nil {
		return "", false, fmt.Errorf("read manifest: %w", err)
	}
	if len(rows) == 0 {
		return "", false, nil
	}
	signature, _ := rows[0][0].(string)
	return signature, signature != "", nil
}

func (l *Loader) describe(ctx context.Context, table string) (Descriptor, error) {
	rows, _, err := l.Store.QueryRows(ctx,
		"SELECT column_name, data_type FROM information_schema.columns WHERE table_name = ? ORDER BY ordinal_position",
		table,
	)
	if err != nil {
		return Descriptor{}, fmt.Errorf("describe table %q: %w", table, err)
	}
	if len(rows) == 0 {
		return Descriptor{}, fmt.Errorf("table %q not found in store", table)
	}

	columns := make([]Column, 0, len(rows))
	for _, row := range rows {
		name, _ := row[0].(string)
		columnType, _ := row[1].(string)
		columns = append(columns, Column{Name: name, Type: columnType})
	}

	countRows, _, err := l.Store.QueryRows(ctx, "SELECT row_count FROM dataset_manifest WHERE table_name = ?", table)
	if err != nil {
		return Descriptor{}, fmt.Errorf("read manifest row count: %w", err)
	}
	var rowCount int64
	if len(countRows) > 0 {
		if parsed, ok := countRows[0][0].(int64); ok {
			rowCount = parsed
		}
	}
	return Descriptor{Table: table, Columns: columns, RowCount: rowCount}, nil
}

func sourceSignature(key string, info storage.ObjectInfo) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%d|%d|%s", key, info.Size, info.LastModified.UnixNano(), info.ETag))
	return hex.EncodeToString(sum[:])
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}
