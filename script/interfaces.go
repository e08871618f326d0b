// Package script compiles and evaluates the Risor scripts that implement
// script tasks and print templates.
package script

import (
	"context"
)

// Compiler turns source code into a reusable Script. Compilation happens
// once when a graph is built; evaluation happens once per task invocation.
type Compiler interface {
	Compile(ctx context.Context, code string) (Script, error)
}

// Script is a compiled script. Globals are the task inputs of one
// invocation.
type Script interface {
	Evaluate(ctx context.Context, globals map[string]any) (Value, error)
}

// Value is the result of evaluating a script.
type Value interface {
	// Value converts the result to plain Go values: int64, float64, string,
	// bool, []any and map[string]any.
	Value() any

	// String renders the result for templates.
	String() string
}
