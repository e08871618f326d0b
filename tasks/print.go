package tasks

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/deepnoodle-ai/taskflow"
	"github.com/deepnoodle-ai/taskflow/script"
)

// PrintKind writes a message to its writer and returns it. The "message"
// setting may embed ${...} expressions over the task inputs.
type PrintKind struct {
	mutex sync.Mutex
	out   io.Writer
}

func NewPrintKind(out io.Writer) *PrintKind {
	return &PrintKind{out: out}
}

func (k *PrintKind) Name() string {
	return "print"
}

func (k *PrintKind) Build(def *taskflow.TaskDefinition) (taskflow.TaskFunc, error) {
	message, ok, err := stringSetting(def, "message")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("print task requires 'message' setting")
	}
	names := make([]string, 0, len(def.Inputs))
	for key := range def.Inputs {
		names = append(names, key)
	}
	sort.Strings(names)
	engine := script.NewRisorScriptingEngine(script.DefaultRisorGlobals()).WithGlobalNames(names...)
	template, err := script.NewTemplate(engine, message)
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context, inputs map[string]any) (any, error) {
		values := scriptInputs(inputs)
		globals := make(map[string]any, len(values)+1)
		for key, value := range values {
			globals[key] = value
		}
		globals["inputs"] = values
		text, err := template.Eval(ctx, globals)
		if err != nil {
			return nil, err
		}
		k.mutex.Lock()
		defer k.mutex.Unlock()
		if _, err := fmt.Fprintln(k.out, text); err != nil {
			return nil, err
		}
		return text, nil
	}, nil
}
