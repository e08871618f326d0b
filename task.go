package taskflow

import (
	"context"
	"time"
)

// TaskFunc computes a task result from its named inputs.
type TaskFunc func(ctx context.Context, inputs map[string]any) (any, error)

type taskKind uint8

const (
	kindFunc taskKind = iota
	kindConstant
	kindParameter
)

// Task is a named unit of work. Identity is the *Task pointer; a task may
// belong to at most one graph.
type Task struct {
	// Name must be unique within a graph.
	Name string

	// Fn computes the task result.
	Fn TaskFunc

	// Checkpoint optionally persists the task result so that later runs can
	// load it instead of recomputing it.
	Checkpoint Store

	// MaxRetries is the number of additional attempts after a failure.
	MaxRetries int

	// RetryDelay is the base wait between attempts.
	RetryDelay time.Duration

	kind       taskKind
	value      any
	hasDefault bool
}

// Constant returns a task that supplies a literal value. Constants have no
// graph presence: they may feed edges but are never scheduled.
func Constant(name string, value any) *Task {
	return &Task{Name: name, kind: kindConstant, value: value}
}

// Parameter returns a task whose value is supplied by the run parameters.
// Running a graph without a value for it is an error.
func Parameter(name string) *Task {
	return &Task{Name: name, kind: kindParameter}
}

// ParameterWithDefault returns a parameter task that falls back to def when
// the run parameters do not include it.
func ParameterWithDefault(name string, def any) *Task {
	return &Task{Name: name, kind: kindParameter, value: def, hasDefault: true}
}

// IsConstant reports whether the task is a literal constant.
func (t *Task) IsConstant() bool {
	return t.kind == kindConstant
}

// IsParameter reports whether the task is a run parameter.
func (t *Task) IsParameter() bool {
	return t.kind == kindParameter
}

// Default returns the default value of a parameter task.
func (t *Task) Default() (any, bool) {
	if t.kind != kindParameter {
		return nil, false
	}
	return t.value, t.hasDefault
}

func (t *Task) String() string {
	return t.Name
}
