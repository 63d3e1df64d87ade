package collector

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/mdrakiburrahman/kusto-pinger/config"
)

type numericKind int

const (
	kindInt numericKind = iota
	kindFloat
)

// numericColumns are coerced to numbers at normalization time so charts can
// plot them regardless of how the cluster typed them.
var numericColumns = map[string]numericKind{
	ColumnPendingDataFilesCount:  kindInt,
	ColumnAccelerationPercentage: kindFloat,
}

// renamedPrefix is prepended to upstream columns that collide with the
// columns every sample carries.
const renamedPrefix = "upstream_"

// Normalize converts the rows of one poll into Samples, one per row and in the
// same order. Every sample gets the same capture time. Known numeric columns
// are coerced; values that cannot be coerced become 0. Normalize never fails.
func Normalize(rows []RawRow, target config.Target, now time.Time) []Sample {
	samples := make([]Sample, 0, len(rows))
	for _, row := range rows {
		fields := make([]Field, 0, len(row))
		for _, f := range row {
			name := f.Name
			if IsReservedColumn(name) {
				name = renamedPrefix + name
			}
			value := f.Value
			if kind, ok := numericColumns[name]; ok {
				if kind == kindInt {
					value = coerceInt(value)
				} else {
					value = coerceFloat(value)
				}
			}
			fields = append(fields, Field{Name: name, Value: value})
		}
		samples = append(samples, Sample{
			CapturedAt:     now,
			SourceName:     target.Name,
			SourceDatabase: target.Database,
			Fields:         fields,
		})
	}
	return samples
}

func coerceInt(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0
		}
		return int64(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		return coerceInt(coerceFloat(n))
	case string:
		s := strings.TrimSpace(n)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return coerceInt(f)
		}
	}
	return 0
}

func coerceFloat(v any) float64 {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case int64:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0
		}
		f = parsed
	default:
		return 0
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
