package storage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mdrakiburrahman/kusto-pinger/collector"
)

// Store abstracts a persistence back-end for samples.
type Store interface {
	// Append stores all samples in a single transaction, growing the schema
	// as needed. Either every sample is written or none is; failures are
	// returned as *StoreWriteError.
	Append(ctx context.Context, samples []collector.Sample) error

	// Evict deletes the samples of source captured before now-olderThan.
	Evict(ctx context.Context, source string, olderThan time.Duration) error

	// History returns the retained samples of source ordered by capture time
	// ascending, then by insertion order. Columns that are NULL for a sample
	// are omitted from its Fields.
	History(ctx context.Context, source string) ([]collector.Sample, error)

	// Sources returns the distinct source names present in the store.
	Sources(ctx context.Context) ([]string, error)

	// Close releases any resources (e.g. DB connections).
	Close() error
}

// Open opens the store for the given driver ("sqlite" or "duckdb").
func Open(driver, path string, log *zap.Logger, opts ...Option) (*SQLStore, error) {
	switch driver {
	case "", "sqlite":
		return NewSQLite(path, log, opts...)
	case "duckdb":
		return NewDuckDB(path, log, opts...)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
