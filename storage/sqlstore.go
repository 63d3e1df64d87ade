package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mdrakiburrahman/kusto-pinger/collector"
)

// Option customises a store.
type Option func(*SQLStore)

// WithClock replaces time.Now as the reference for eviction.
func WithClock(now func() time.Time) Option {
	return func(s *SQLStore) { s.now = now }
}

type column struct {
	name string
	typ  string // declared type, upper case
}

// SQLStore keeps samples in one append-only table whose columns are the union
// of every field ever written. The table is created by the first Append and
// only grows afterwards.
//
// Append, Evict and History are serialized per source. Schema changes take
// the schema lock exclusively, so inserts of other sources never race an
// ALTER TABLE.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	log     *zap.Logger
	now     func() time.Time

	schemaMu sync.RWMutex
	columns  map[string]column // keyed by lower-case name

	sourcesMu sync.Mutex
	sources   map[string]*sync.Mutex
}

var _ Store = (*SQLStore)(nil)

func newSQLStore(db *sql.DB, d dialect, log *zap.Logger, opts ...Option) (*SQLStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &SQLStore{
		db:      db,
		dialect: d,
		log:     log.With(zap.String("store", d.name())),
		now:     time.Now,
		columns: make(map[string]column),
		sources: make(map[string]*sync.Mutex),
	}
	for _, o := range opts {
		o(s)
	}
	if err := s.loadColumns(context.Background()); err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) loadColumns(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, s.dialect.columnsQuery())
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return err
		}
		s.columns[strings.ToLower(name)] = column{name: name, typ: strings.ToUpper(typ)}
	}
	return rows.Err()
}

// lockSource serializes store operations on one source.
func (s *SQLStore) lockSource(source string) func() {
	s.sourcesMu.Lock()
	mu, ok := s.sources[source]
	if !ok {
		mu = &sync.Mutex{}
		s.sources[source] = mu
	}
	s.sourcesMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

func (s *SQLStore) tableExists() bool {
	return len(s.columns) > 0
}

// missingColumns returns the columns samples need that the table lacks, in
// first-seen order. Nil values never create a column. Callers hold schemaMu.
func (s *SQLStore) missingColumns(samples []collector.Sample) []column {
	var missing []column
	seen := make(map[string]bool)
	for _, smp := range samples {
		for _, f := range smp.Fields {
			key := strings.ToLower(f.Name)
			if f.Value == nil || seen[key] {
				continue
			}
			if _, ok := s.columns[key]; ok {
				continue
			}
			seen[key] = true
			missing = append(missing, column{name: f.Name, typ: s.dialect.columnType(f.Value)})
		}
	}
	return missing
}

// Append implements Store.
func (s *SQLStore) Append(ctx context.Context, samples []collector.Sample) error {
	if len(samples) == 0 {
		return nil
	}

	names := sourceNames(samples)
	source := strings.Join(names, ",")
	if err := checkFieldNames(samples); err != nil {
		return &StoreWriteError{Source: source, Op: "append", Err: err}
	}
	for _, name := range names {
		unlock := s.lockSource(name)
		defer unlock()
	}

	s.schemaMu.RLock()
	missing := s.missingColumns(samples)
	if len(missing) == 0 && s.tableExists() {
		defer s.schemaMu.RUnlock()
		if err := runTx(ctx, s.db, s.dialect, func(tx *sql.Tx) error {
			return s.insert(ctx, tx, samples)
		}); err != nil {
			return &StoreWriteError{Source: source, Op: "append", Err: err}
		}
		s.log.Debug("samples appended", zap.String("source", source), zap.Int("rows", len(samples)))
		return nil
	}
	s.schemaMu.RUnlock()

	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()

	// Recompute: another source may have grown the schema meanwhile.
	missing = s.missingColumns(samples)
	create := !s.tableExists()
	err := runTx(ctx, s.db, s.dialect, func(tx *sql.Tx) error {
		if create {
			for _, stmt := range s.dialect.createTable() {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("create samples table: %w", err)
				}
			}
		}
		for _, c := range missing {
			stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", tableName, quoteIdent(c.name), c.typ)
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("add column %s: %w", c.name, err)
			}
		}
		return s.insert(ctx, tx, samples)
	})
	if err != nil {
		return &StoreWriteError{Source: source, Op: "append", Err: err}
	}

	// The schema change is durable only now.
	if create {
		for _, c := range []column{
			{name: seqColumn, typ: "INTEGER"},
			{name: collector.ColumnCapturedAt, typ: "INTEGER"},
			{name: collector.ColumnSourceName, typ: "TEXT"},
			{name: collector.ColumnSourceDatabase, typ: "TEXT"},
		} {
			s.columns[c.name] = c
		}
	}
	for _, c := range missing {
		s.columns[strings.ToLower(c.name)] = c
	}
	s.log.Info("schema extended",
		zap.Bool("created", create),
		zap.Int("new_columns", len(missing)),
		zap.Int("columns", len(s.columns)))
	s.log.Debug("samples appended", zap.String("source", source), zap.Int("rows", len(samples)))
	return nil
}

// insert writes samples through tx. Callers hold schemaMu and all columns the
// samples need exist (or are being added in tx).
func (s *SQLStore) insert(ctx context.Context, tx *sql.Tx, samples []collector.Sample) error {
	seqs := make(map[string]int64)
	stmts := make(map[string]*sql.Stmt)
	defer func() {
		for _, st := range stmts {
			_ = st.Close()
		}
	}()

	for _, smp := range samples {
		seq, ok := seqs[smp.SourceName]
		if !ok {
			q := fmt.Sprintf("SELECT COALESCE(MAX(%s), 0) FROM %s WHERE source_name = ?", seqColumn, tableName)
			if err := tx.QueryRowContext(ctx, q, smp.SourceName).Scan(&seq); err != nil {
				return fmt.Errorf("read sequence: %w", err)
			}
		}
		seq++
		seqs[smp.SourceName] = seq

		cols := []string{seqColumn, collector.ColumnCapturedAt, collector.ColumnSourceName, collector.ColumnSourceDatabase}
		args := []any{seq, smp.CapturedAt.UnixNano(), smp.SourceName, smp.SourceDatabase}
		seen := make(map[string]bool, len(smp.Fields))
		for _, f := range smp.Fields {
			key := strings.ToLower(f.Name)
			if f.Value == nil || seen[key] {
				continue
			}
			seen[key] = true
			cols = append(cols, f.Name)
			args = append(args, f.Value)
		}

		quoted := make([]string, len(cols))
		for i, c := range cols {
			quoted[i] = quoteIdent(c)
		}
		q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", tableName,
			strings.Join(quoted, ", "), strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "))

		st, ok := stmts[q]
		if !ok {
			var err error
			st, err = tx.PrepareContext(ctx, q)
			if err != nil {
				return fmt.Errorf("prepare insert: %w", err)
			}
			stmts[q] = st
		}
		if _, err := st.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("insert sample for %s: %w", smp.SourceName, err)
		}
	}
	return nil
}

// Evict implements Store.
func (s *SQLStore) Evict(ctx context.Context, source string, olderThan time.Duration) error {
	defer s.lockSource(source)()

	s.schemaMu.RLock()
	defer s.schemaMu.RUnlock()
	if !s.tableExists() {
		return nil
	}

	cutoff := s.now().Add(-olderThan)
	var deleted int64
	err := runTx(ctx, s.db, s.dialect, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM samples WHERE source_name = ? AND captured_at < ?`,
			source, cutoff.UnixNano())
		if err != nil {
			return err
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return &StoreWriteError{Source: source, Op: "evict", Err: err}
	}
	if deleted > 0 {
		s.log.Debug("samples evicted",
			zap.String("source", source),
			zap.Int64("rows", deleted),
			zap.Time("cutoff", cutoff))
	}
	return nil
}

// History implements Store.
func (s *SQLStore) History(ctx context.Context, source string) ([]collector.Sample, error) {
	defer s.lockSource(source)()

	s.schemaMu.RLock()
	defer s.schemaMu.RUnlock()
	history := []collector.Sample{}
	if !s.tableExists() {
		return history, nil
	}

	q := fmt.Sprintf("SELECT * FROM %s WHERE source_name = ? ORDER BY captured_at, %s", tableName, seqColumn)
	rows, err := s.db.QueryContext(ctx, q, source)
	if err != nil {
		return nil, fmt.Errorf("read history %s: %w", source, err)
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read history %s: %w", source, err)
	}
	values := make([]any, len(names))
	ptrs := make([]any, len(names))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan history %s: %w", source, err)
		}
		smp := collector.Sample{Fields: make([]collector.Field, 0, len(names))}
		for i, name := range names {
			v := values[i]
			switch strings.ToLower(name) {
			case seqColumn:
			case collector.ColumnCapturedAt:
				smp.CapturedAt = time.Unix(0, toInt64(v)).UTC()
			case collector.ColumnSourceName:
				smp.SourceName = toString(v)
			case collector.ColumnSourceDatabase:
				smp.SourceDatabase = toString(v)
			default:
				if v == nil {
					continue
				}
				smp.Fields = append(smp.Fields, collector.Field{
					Name:  name,
					Value: fromDB(s.columns[strings.ToLower(name)].typ, v),
				})
			}
		}
		history = append(history, smp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read history %s: %w", source, err)
	}
	return history, nil
}

// Sources implements Store.
func (s *SQLStore) Sources(ctx context.Context) ([]string, error) {
	s.schemaMu.RLock()
	defer s.schemaMu.RUnlock()
	names := []string{}
	if !s.tableExists() {
		return names, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT source_name FROM samples ORDER BY source_name`)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("list sources: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Close shuts down the database connection.
func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func sourceNames(samples []collector.Sample) []string {
	set := make(map[string]struct{})
	for _, smp := range samples {
		set[smp.SourceName] = struct{}{}
	}
	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// fromDB maps a scanned value back to the RawRow value types.
func fromDB(typ string, v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case int64:
		switch typ {
		case "BOOLEAN":
			return x != 0
		case "REAL", "DOUBLE":
			return float64(x)
		}
		return x
	case int32:
		return int64(x)
	case float32:
		return float64(x)
	default:
		return x
	}
}

func toInt64(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int32:
		return int64(x)
	case float64:
		return int64(x)
	}
	return 0
}

func toString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}

// checkFieldNames rejects fields that would shadow a fixed column. Normalize
// renames such upstream columns, so this only trips on hand-built samples.
func checkFieldNames(samples []collector.Sample) error {
	for _, smp := range samples {
		for _, f := range smp.Fields {
			if collector.IsReservedColumn(f.Name) {
				return fmt.Errorf("field %q collides with a reserved column", f.Name)
			}
		}
	}
	return nil
}
