package tasks

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/taskflow"
)

// FailKind always fails, with the "message" setting as its error.
type FailKind struct{}

func NewFailKind() *FailKind {
	return &FailKind{}
}

func (k *FailKind) Name() string {
	return "fail"
}

func (k *FailKind) Build(def *taskflow.TaskDefinition) (taskflow.TaskFunc, error) {
	message, _, err := stringSetting(def, "message")
	if err != nil {
		return nil, err
	}
	if message == "" {
		message = "intentional failure"
	}
	return func(ctx context.Context, inputs map[string]any) (any, error) {
		return nil, fmt.Errorf("fail task: %s", message)
	}, nil
}
