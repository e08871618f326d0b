package taskflow

import (
	"encoding/json"
	"fmt"
	"reflect"
)

type resultKind uint8

const (
	resultUnset resultKind = iota
	resultValue
	resultPurged
)

// Result is the value slot of a task state. It is either unset, a concrete
// value, or the purged marker.
type Result struct {
	kind  resultKind
	value any
}

var purgedResult = Result{kind: resultPurged}

// PurgedResult returns the marker for a result that existed, succeeded, and
// was discarded to reclaim memory. Every call returns the same value; the
// zero Result is unset.
func PurgedResult() Result {
	return purgedResult
}

// NewResult returns a Result holding the given value.
func NewResult(value any) Result {
	return Result{kind: resultValue, value: value}
}

// Value returns the held value. Purged and unset results yield nil.
func (r Result) Value() any {
	if r.kind != resultValue {
		return nil
	}
	return r.value
}

// IsSet reports whether the result holds a concrete value.
func (r Result) IsSet() bool {
	return r.kind == resultValue
}

// IsPurged reports whether the result is the purged marker.
func (r Result) IsPurged() bool {
	return r.kind == resultPurged
}

// Equal compares two results. Purged results are equal to each other and to
// nothing else.
func (r Result) Equal(other Result) bool {
	if r.kind != other.kind {
		return false
	}
	if r.kind != resultValue {
		return true
	}
	return reflect.DeepEqual(r.value, other.value)
}

func (r Result) String() string {
	switch r.kind {
	case resultPurged:
		return "PurgedResult"
	case resultValue:
		return fmt.Sprintf("%v", r.value)
	default:
		return "<unset>"
	}
}

// GoString implements fmt.GoStringer.
func (r Result) GoString() string {
	switch r.kind {
	case resultPurged:
		return "<Purged result>"
	case resultValue:
		return fmt.Sprintf("<Result %#v>", r.value)
	default:
		return "<Unset result>"
	}
}

// MarshalJSON encodes purged results as {"purged":true}, unset results as
// null and concrete results as their value.
func (r Result) MarshalJSON() ([]byte, error) {
	switch r.kind {
	case resultPurged:
		return []byte(`{"purged":true}`), nil
	case resultValue:
		return json.Marshal(r.value)
	default:
		return []byte("null"), nil
	}
}
