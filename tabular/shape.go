package tabular

import "fmt"

// Shape is the Go type a stored table is handed back as. A store written
// in one shape only accepts values of that shape, so a value read back has
// the same type as the value written.
type Shape string

const (
	// ShapeTable stores and returns *Table.
	ShapeTable Shape = "table"
	// ShapeRecords stores and returns []map[string]any.
	ShapeRecords Shape = "records"
	// ShapeList stores and returns []any whose elements are map[string]any,
	// the form script tasks produce.
	ShapeList Shape = "list"
)

// ParseShape parses a shape name. The empty string is ShapeTable.
func ParseShape(name string) (Shape, error) {
	switch Shape(name) {
	case "", ShapeTable:
		return ShapeTable, nil
	case ShapeRecords, ShapeList:
		return Shape(name), nil
	default:
		return "", fmt.Errorf("unknown table shape %q (want table, records or list)", name)
	}
}

// Encode converts a value of this shape into a table. Values of any other
// Go type are rejected.
func (s Shape) Encode(value any) (*Table, error) {
	switch s {
	case "", ShapeTable:
		t, ok := value.(*Table)
		if !ok {
			return nil, s.mismatch(value)
		}
		if t == nil {
			return nil, fmt.Errorf("cannot store a nil table")
		}
		return t, nil
	case ShapeRecords:
		records, ok := value.([]map[string]any)
		if !ok {
			return nil, s.mismatch(value)
		}
		return FromRecords(records)
	case ShapeList:
		if _, ok := value.([]any); !ok {
			return nil, s.mismatch(value)
		}
		return FromValue(value)
	default:
		return nil, fmt.Errorf("unknown table shape %q", string(s))
	}
}

// Decode converts a table into a value of this shape.
func (s Shape) Decode(t *Table) any {
	switch s {
	case ShapeRecords:
		return t.Records()
	case ShapeList:
		records := t.Records()
		items := make([]any, len(records))
		for i, record := range records {
			items[i] = record
		}
		return items
	default:
		return t
	}
}

func (s Shape) mismatch(value any) error {
	if s == "" {
		s = ShapeTable
	}
	return fmt.Errorf("cannot store %T in a %s-shaped store", value, s)
}
