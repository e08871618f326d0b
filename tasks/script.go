package tasks

import (
	"context"
	"fmt"
	"sort"

	"github.com/deepnoodle-ai/taskflow"
	"github.com/deepnoodle-ai/taskflow/script"
)

// ScriptKind runs a Risor script. Each input is available as a global of the
// same name and through the "inputs" map; the "with" settings are available
// as "with". The value of the last expression is the task result.
type ScriptKind struct {
	globals map[string]any
}

func NewScriptKind() *ScriptKind {
	return &ScriptKind{globals: script.DefaultRisorGlobals()}
}

func (k *ScriptKind) Name() string {
	return "script"
}

func (k *ScriptKind) Build(def *taskflow.TaskDefinition) (taskflow.TaskFunc, error) {
	if def.Script == "" {
		return nil, fmt.Errorf("script task requires a script")
	}
	names := make([]string, 0, len(def.Inputs)+1)
	for key := range def.Inputs {
		names = append(names, key)
	}
	sort.Strings(names)
	names = append(names, "with")

	engine := script.NewRisorScriptingEngine(k.globals).WithGlobalNames(names...)
	code, err := engine.Compile(context.Background(), def.Script)
	if err != nil {
		return nil, fmt.Errorf("failed to compile script: %w", err)
	}
	with := scriptValue(def.With)

	return func(ctx context.Context, inputs map[string]any) (any, error) {
		values := scriptInputs(inputs)
		globals := make(map[string]any, len(values)+2)
		for key, value := range values {
			globals[key] = value
		}
		globals["inputs"] = values
		globals["with"] = with
		result, err := code.Evaluate(ctx, globals)
		if err != nil {
			return nil, fmt.Errorf("failed to execute script: %w", err)
		}
		return result.Value(), nil
	}, nil
}
