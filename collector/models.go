package collector

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// Column names added to every Sample on top of the upstream fields.
const (
	ColumnCapturedAt     = "captured_at"
	ColumnSourceName     = "source_name"
	ColumnSourceDatabase = "source_database"
	// ColumnSequence is kept by the store only; it never appears in a Sample.
	ColumnSequence = "_pinger_seq"
)

// Upstream columns the pinger understands. Everything else is opaque.
const (
	ColumnTableName              = "ExternalTableName"
	ColumnPendingDataFilesCount  = "PendingDataFilesCount"
	ColumnAccelerationPercentage = "AccelerationPercentage"
)

// Field is one named value of a result row. Value is an int64, float64,
// string, bool or nil.
type Field struct {
	Name  string
	Value any
}

// RawRow is one row of a status query result, in column order.
type RawRow []Field

// Get returns the value of the named field.
func (r RawRow) Get(name string) (any, bool) {
	for _, f := range r {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Sample is the canonical persisted unit: one upstream row plus the time it
// was captured and the source it came from. All samples produced by one poll
// of one source share the same CapturedAt.
type Sample struct {
	CapturedAt     time.Time
	SourceName     string
	SourceDatabase string
	Fields         []Field
}

// Get returns the value of the named upstream field.
func (s Sample) Get(name string) (any, bool) {
	return RawRow(s.Fields).Get(name)
}

// Table returns the external table the sample describes, or "" when the row
// carried no table name.
func (s Sample) Table() string {
	v, _ := s.Get(ColumnTableName)
	name, _ := v.(string)
	return name
}

// PendingFiles returns the coerced pending data file count.
func (s Sample) PendingFiles() int64 {
	v, _ := s.Get(ColumnPendingDataFilesCount)
	return coerceInt(v)
}

// AccelerationPercent returns the coerced acceleration completion percentage.
func (s Sample) AccelerationPercent() float64 {
	v, _ := s.Get(ColumnAccelerationPercentage)
	return coerceFloat(v)
}

// MarshalJSON writes the sample as a flat object with the added columns first
// and the upstream fields in their original order.
func (s Sample) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	write := func(key string, value any) error {
		if buf.Len() > 1 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(key)
		if err != nil {
			return err
		}
		v, err := json.Marshal(value)
		if err != nil {
			return err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
		return nil
	}

	if err := write(ColumnCapturedAt, s.CapturedAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return nil, err
	}
	if err := write(ColumnSourceName, s.SourceName); err != nil {
		return nil, err
	}
	if err := write(ColumnSourceDatabase, s.SourceDatabase); err != nil {
		return nil, err
	}
	for _, f := range s.Fields {
		if err := write(f.Name, f.Value); err != nil {
			return nil, err
		}
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// IsReservedColumn reports whether name collides with one of the columns the
// pinger adds to every sample or to the stored table. Column names compare case-insensitively, the
// way the SQL backends treat them.
func IsReservedColumn(name string) bool {
	for _, c := range []string{ColumnCapturedAt, ColumnSourceName, ColumnSourceDatabase, ColumnSequence} {
		if strings.EqualFold(name, c) {
			return true
		}
	}
	return false
}

// Latest returns the samples of the most recent capture in an ordered
// history: the trailing run sharing the last CapturedAt.
func Latest(history []Sample) []Sample {
	if len(history) == 0 {
		return nil
	}
	last := history[len(history)-1].CapturedAt
	i := len(history) - 1
	for i > 0 && history[i-1].CapturedAt.Equal(last) {
		i--
	}
	return history[i:]
}
