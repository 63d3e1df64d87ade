package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// NewSQLite opens (or creates) the SQLite file at dbPath. The samples table is
// not created until the first Append.
// The caller must call Close() when the program shuts down.
func NewSQLite(dbPath string, log *zap.Logger, opts ...Option) (*SQLStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	// The modernc.org driver is pure-go and works without CGO. Pragmas go in
	// the DSN so they apply to every connection the pool opens.
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"+
		"&_pragma=busy_timeout(10000)&_pragma=synchronous(NORMAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer at a time; this also keeps ":memory:" on a single database.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	s, err := newSQLStore(db, sqliteDialect{}, log, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.log.Info("SQLite store opened", zap.String("path", dbPath), zap.Int("columns", len(s.columns)))
	return s, nil
}

type sqliteDialect struct{}

func (sqliteDialect) name() string { return "sqlite" }

func (sqliteDialect) createTable() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS samples (
    _pinger_seq     INTEGER NOT NULL,
    captured_at     INTEGER NOT NULL,
    source_name     TEXT NOT NULL,
    source_database TEXT NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_samples_source_ts ON samples(source_name, captured_at)`,
	}
}

func (sqliteDialect) columnsQuery() string {
	return `SELECT name, type FROM pragma_table_info('samples')`
}

func (sqliteDialect) columnType(v any) string {
	switch v.(type) {
	case int64, int, int32:
		return "INTEGER"
	case float64, float32:
		return "REAL"
	case bool:
		return "BOOLEAN"
	default:
		return "TEXT"
	}
}

func (sqliteDialect) isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}
