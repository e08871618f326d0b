package script

import (
	"github.com/risor-io/risor/object"
)

// ConvertRisorValueToGo converts a Risor object to a Go value. Lists become
// []any and maps become map[string]any.
func ConvertRisorValueToGo(obj object.Object) any {
	switch o := obj.(type) {
	case *object.String:
		return o.Value()
	case *object.Int:
		return o.Value()
	case *object.Float:
		return o.Value()
	case *object.Bool:
		return o.Value()
	case *object.Time:
		return o.Value()
	case *object.NilType:
		return nil
	case *object.List:
		result := make([]any, 0, len(o.Value()))
		for _, item := range o.Value() {
			result = append(result, ConvertRisorValueToGo(item))
		}
		return result
	case *object.Map:
		result := make(map[string]any, len(o.Value()))
		for key, value := range o.Value() {
			result[key] = ConvertRisorValueToGo(value)
		}
		return result
	case *object.Set:
		result := make([]any, 0, len(o.Value()))
		for _, item := range o.Value() {
			result = append(result, ConvertRisorValueToGo(item))
		}
		return result
	default:
		// Fallback to string representation
		return obj.Inspect()
	}
}

// ToScriptValue prepares a Go value for use as a Risor global. Typed slices
// and maps of records are widened to []any and map[string]any.
func ToScriptValue(value any) any {
	switch v := value.(type) {
	case []map[string]any:
		items := make([]any, len(v))
		for i, record := range v {
			items[i] = ToScriptValue(record)
		}
		return items
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = ToScriptValue(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = ToScriptValue(item)
		}
		return out
	case []string:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = item
		}
		return out
	case []int64:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = item
		}
		return out
	case []float64:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = item
		}
		return out
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case float32:
		return float64(v)
	default:
		return value
	}
}
