// Package tasks provides the built-in task kinds that graph definitions can
// reference through their "uses" field.
package tasks

import (
	"fmt"
	"os"
	"time"

	"github.com/deepnoodle-ai/taskflow"
	"github.com/deepnoodle-ai/taskflow/tabular"
)

// Kind is a named task implementation.
type Kind interface {
	Name() string
	Build(def *taskflow.TaskDefinition) (taskflow.TaskFunc, error)
}

// Builtins returns a factory for every built-in task kind, keyed by name.
func Builtins() map[string]taskflow.TaskFactory {
	return Factories(
		NewScriptKind(),
		NewPrintKind(os.Stdout),
		NewFailKind(),
		NewSleepKind(),
		NewShellKind(),
		NewHTTPKind(nil),
		NewReadKind(),
	)
}

// Factories returns a factory map for the given kinds.
func Factories(kinds ...Kind) map[string]taskflow.TaskFactory {
	factories := make(map[string]taskflow.TaskFactory, len(kinds))
	for _, kind := range kinds {
		factories[kind.Name()] = kind.Build
	}
	return factories
}

// scriptInputs converts task inputs to values a script can consume. Tables
// become lists of records.
func scriptInputs(inputs map[string]any) map[string]any {
	out := make(map[string]any, len(inputs))
	for key, value := range inputs {
		out[key] = scriptValue(value)
	}
	return out
}

func scriptValue(value any) any {
	switch v := value.(type) {
	case *tabular.Table:
		records := v.Records()
		items := make([]any, len(records))
		for i, record := range records {
			items[i] = scriptValue(record)
		}
		return items
	case tabular.Table:
		return scriptValue(&v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = scriptValue(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = scriptValue(item)
		}
		return out
	case []map[string]any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = scriptValue(item)
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

func stringSetting(def *taskflow.TaskDefinition, key string) (string, bool, error) {
	value, ok := def.With[key]
	if !ok || value == nil {
		return "", false, nil
	}
	s, ok := value.(string)
	if !ok {
		return "", false, fmt.Errorf("%s must be a string, got %T", key, value)
	}
	return s, true, nil
}

// durationSetting accepts a duration string or a number of seconds.
func durationSetting(def *taskflow.TaskDefinition, key string) (time.Duration, bool, error) {
	value, ok := def.With[key]
	if !ok || value == nil {
		return 0, false, nil
	}
	switch v := value.(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, false, fmt.Errorf("invalid %s: %w", key, err)
		}
		return d, true, nil
	case int64:
		return time.Duration(v) * time.Second, true, nil
	case int:
		return time.Duration(v) * time.Second, true, nil
	case float64:
		return time.Duration(v * float64(time.Second)), true, nil
	default:
		return 0, false, fmt.Errorf("%s must be a duration string or seconds, got %T", key, value)
	}
}
