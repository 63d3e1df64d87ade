package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/marcboeker/go-duckdb/v2"
	"go.uber.org/zap"
)

// NewDuckDB opens (or creates) a DuckDB database file at path.
func NewDuckDB(path string, log *zap.Logger, opts ...Option) (*SQLStore, error) {
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}

	s, err := newSQLStore(db, duckdbDialect{}, log, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.log.Info("DuckDB store opened", zap.String("path", path), zap.Int("columns", len(s.columns)))
	return s, nil
}

type duckdbDialect struct{}

func (duckdbDialect) name() string { return "duckdb" }

// No index: DuckDB rejects ALTER TABLE on a table that has one.
func (duckdbDialect) createTable() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS samples (
    _pinger_seq     BIGINT NOT NULL,
    captured_at     BIGINT NOT NULL,
    source_name     VARCHAR NOT NULL,
    source_database VARCHAR NOT NULL
)`,
	}
}

func (duckdbDialect) columnsQuery() string {
	return `SELECT column_name, data_type FROM information_schema.columns
WHERE table_name = 'samples' ORDER BY ordinal_position`
}

func (duckdbDialect) columnType(v any) string {
	switch v.(type) {
	case int64, int, int32:
		return "BIGINT"
	case float64, float32:
		return "DOUBLE"
	case bool:
		return "BOOLEAN"
	default:
		return "VARCHAR"
	}
}

func (duckdbDialect) isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "write-write conflict") ||
		strings.Contains(msg, "Transaction conflict")
}
