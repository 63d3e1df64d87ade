package storage

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/mdrakiburrahman/kusto-pinger/collector"
)

// WriteCSV writes history as CSV. The header is the fixed sample columns
// followed by the union of field names in first-seen order; missing fields
// are empty cells.
func WriteCSV(w io.Writer, history []collector.Sample) error {
	header := []string{collector.ColumnCapturedAt, collector.ColumnSourceName, collector.ColumnSourceDatabase}
	index := make(map[string]int)
	for _, smp := range history {
		for _, f := range smp.Fields {
			if _, ok := index[f.Name]; !ok {
				index[f.Name] = len(header)
				header = append(header, f.Name)
			}
		}
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, smp := range history {
		record := make([]string, len(header))
		record[0] = smp.CapturedAt.UTC().Format(time.RFC3339Nano)
		record[1] = smp.SourceName
		record[2] = smp.SourceDatabase
		for _, f := range smp.Fields {
			record[index[f.Name]] = formatValue(f.Value)
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}
