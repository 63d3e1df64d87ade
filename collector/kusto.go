package collector

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// v1Response is the Kusto v1 REST result: a list of tables, the first of which
// holds the command's primary result.
type v1Response struct {
	Tables []v1Table `json:"Tables"`
}

type v1Table struct {
	TableName string     `json:"TableName"`
	Columns   []v1Column `json:"Columns"`
	// A row is normally a JSON array; a row that failed server side is an
	// object carrying "Exceptions" instead.
	Rows []json.RawMessage `json:"Rows"`
}

type v1Column struct {
	ColumnName string `json:"ColumnName"`
	DataType   string `json:"DataType"`
	ColumnType string `json:"ColumnType"`
}

type v1RowError struct {
	Exceptions []string `json:"Exceptions"`
}

// decodeV1 reads a v1 response and converts the primary table into RawRows.
// Numbers become int64 when integral and float64 otherwise; nested values are
// kept as their JSON text.
func decodeV1(r io.Reader) ([]RawRow, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var resp v1Response
	if err := dec.Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode kusto response: %w", err)
	}
	if len(resp.Tables) == 0 {
		return nil, fmt.Errorf("kusto response has no tables")
	}

	table := resp.Tables[0]
	rows := make([]RawRow, 0, len(table.Rows))
	for i, raw := range table.Rows {
		raw = bytes.TrimSpace(raw)
		if len(raw) > 0 && raw[0] == '{' {
			var rowErr v1RowError
			if err := json.Unmarshal(raw, &rowErr); err == nil && len(rowErr.Exceptions) > 0 {
				return nil, fmt.Errorf("row %d: %s", i, strings.Join(rowErr.Exceptions, "; "))
			}
			return nil, fmt.Errorf("row %d: unexpected object", i)
		}

		var values []any
		rowDec := json.NewDecoder(bytes.NewReader(raw))
		rowDec.UseNumber()
		if err := rowDec.Decode(&values); err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		if len(values) != len(table.Columns) {
			return nil, fmt.Errorf("row %d has %d values for %d columns", i, len(values), len(table.Columns))
		}

		row := make(RawRow, len(values))
		for j, v := range values {
			row[j] = Field{Name: table.Columns[j].ColumnName, Value: scalar(v, table.Columns[j].ColumnType)}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// scalar flattens a decoded JSON value into one of the RawRow value types.
// Numbers in real and decimal columns stay float64 even when integral.
func scalar(v any, columnType string) any {
	switch x := v.(type) {
	case nil, string, bool:
		return x
	case json.Number:
		if isFloatColumn(columnType) {
			if f, err := x.Float64(); err == nil {
				return f
			}
		}
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}

func isFloatColumn(columnType string) bool {
	switch strings.ToLower(columnType) {
	case "real", "double", "decimal":
		return true
	}
	return false
}

// kustoErrorMessage extracts the human readable message from an error body,
// falling back to the raw body.
func kustoErrorMessage(body []byte) string {
	var e struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Detail  string `json:"@message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Error.Message != "" {
		msg := e.Error.Message
		if e.Error.Detail != "" && e.Error.Detail != msg {
			msg += ": " + e.Error.Detail
		}
		if e.Error.Code != "" {
			msg = e.Error.Code + ": " + msg
		}
		return msg
	}
	return strings.TrimSpace(string(body))
}
