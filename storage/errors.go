package storage

import "fmt"

// StoreWriteError is returned when samples could not be appended or evicted.
// Nothing of the failed call has been persisted.
type StoreWriteError struct {
	Source string
	Op     string // "append" or "evict"
	Err    error
}

func (e *StoreWriteError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Source, e.Err)
}

func (e *StoreWriteError) Unwrap() error { return e.Err }
