package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/mdrakiburrahman/kusto-pinger/collector"
)

const (
	tableName = "samples"
	// seqColumn orders samples of one source that share a capture time.
	seqColumn = collector.ColumnSequence
)

// dialect hides the SQL differences between the supported engines.
type dialect interface {
	name() string
	// createTable returns the statements creating the samples table with its
	// fixed columns.
	createTable() []string
	// columnsQuery lists (name, declared type) of the samples table, in
	// column order. It yields no rows while the table does not exist.
	columnsQuery() string
	// columnType is the declared type of a new column first seen with v.
	columnType(v any) string
	// isBusy reports whether err is a transient lock conflict worth retrying.
	isBusy(err error) bool
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

const maxRetries = 3

// runTx executes fn inside a transaction, retrying up to three times with
// 100/200/300 ms backoff when the engine reports a lock conflict.
func runTx(ctx context.Context, db *sql.DB, d dialect, fn func(*sql.Tx) error) error {
	for i := 0; i < maxRetries; i++ {
		err := runOnce(ctx, db, fn)
		if err == nil {
			return nil
		}
		if !d.isBusy(err) || i == maxRetries-1 {
			return err
		}
		if err := sleepCtx(ctx, time.Duration(100*(i+1))*time.Millisecond); err != nil {
			return fmt.Errorf("context cancelled during retry: %w", err)
		}
	}
	return fmt.Errorf("runTx: max retries exceeded")
}

func runOnce(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
