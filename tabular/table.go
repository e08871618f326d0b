// Package tabular holds a small column-ordered table type and the file codecs
// used by the disk-backed checkpoint store.
package tabular

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
)

// Table is a column-ordered, row-major table. Cells hold only int64,
// float64, bool, string or nil.
type Table struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"data"`
}

// NewTable returns a table with the given columns and rows. Cells are
// normalized and every row must have one cell per column.
func NewTable(columns []string, rows [][]any) (*Table, error) {
	seen := make(map[string]bool, len(columns))
	for _, column := range columns {
		if seen[column] {
			return nil, fmt.Errorf("duplicate column %q", column)
		}
		seen[column] = true
	}
	t := &Table{
		Columns: append([]string{}, columns...),
		Rows:    make([][]any, 0, len(rows)),
	}
	for i, row := range rows {
		if len(row) != len(columns) {
			return nil, fmt.Errorf("row %d has %d cells, expected %d", i, len(row), len(columns))
		}
		normalized := make([]any, len(row))
		for j, cell := range row {
			v, err := NormalizeCell(cell)
			if err != nil {
				return nil, fmt.Errorf("row %d column %q: %w", i, columns[j], err)
			}
			normalized[j] = v
		}
		t.Rows = append(t.Rows, normalized)
	}
	return t, nil
}

// MustTable is like NewTable but panics on error.
func MustTable(columns []string, rows [][]any) *Table {
	t, err := NewTable(columns, rows)
	if err != nil {
		panic(err)
	}
	return t
}

// FromRecords builds a table from a list of records. Columns are the sorted
// union of all record keys; missing keys become nil cells.
func FromRecords(records []map[string]any) (*Table, error) {
	keys := map[string]bool{}
	for _, record := range records {
		for k := range record {
			keys[k] = true
		}
	}
	columns := make([]string, 0, len(keys))
	for k := range keys {
		columns = append(columns, k)
	}
	sort.Strings(columns)

	rows := make([][]any, len(records))
	for i, record := range records {
		row := make([]any, len(columns))
		for j, column := range columns {
			row[j] = record[column]
		}
		rows[i] = row
	}
	return NewTable(columns, rows)
}

// Records returns the table rows as records keyed by column name.
func (t *Table) Records() []map[string]any {
	records := make([]map[string]any, len(t.Rows))
	for i, row := range t.Rows {
		record := make(map[string]any, len(t.Columns))
		for j, column := range t.Columns {
			record[column] = row[j]
		}
		records[i] = record
	}
	return records
}

// Len returns the number of rows
func (t *Table) Len() int {
	return len(t.Rows)
}

// Column returns the values of the named column
func (t *Table) Column(name string) ([]any, bool) {
	for j, column := range t.Columns {
		if column == name {
			values := make([]any, len(t.Rows))
			for i, row := range t.Rows {
				values[i] = row[j]
			}
			return values, true
		}
	}
	return nil, false
}

// Equal reports whether two tables have the same columns and cells.
func (t *Table) Equal(other *Table) bool {
	if t == nil || other == nil {
		return t == other
	}
	return reflect.DeepEqual(t.Columns, other.Columns) && reflect.DeepEqual(t.Rows, other.Rows)
}

// NormalizeCell converts a cell value to one of the supported cell types.
func NormalizeCell(v any) (any, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case string:
		return v, nil
	case bool:
		return v, nil
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint:
		return uintCell(uint64(v))
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		return uintCell(v)
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, nil
		}
		f, err := v.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", v.String())
		}
		return f, nil
	default:
		return nil, fmt.Errorf("unsupported cell type %T", v)
	}
}

func uintCell(v uint64) (any, error) {
	if v > math.MaxInt64 {
		return nil, fmt.Errorf("unsigned value %d overflows int64", v)
	}
	return int64(v), nil
}

// FromValue converts a task result into a table. It accepts tables and
// lists of records.
func FromValue(value any) (*Table, error) {
	switch v := value.(type) {
	case *Table:
		if v == nil {
			return nil, fmt.Errorf("cannot store a nil table")
		}
		return v, nil
	case Table:
		return &v, nil
	case []map[string]any:
		return FromRecords(v)
	case []any:
		records := make([]map[string]any, len(v))
		for i, item := range v {
			record, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("cannot store %T element %d as a table row", item, i)
			}
			records[i] = record
		}
		return FromRecords(records)
	default:
		return nil, fmt.Errorf("cannot store %T as a table", value)
	}
}
