package tasks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/deepnoodle-ai/taskflow"
	"github.com/deepnoodle-ai/taskflow/tabular"
)

// ReadKind loads a table from a file. Settings: "path" (required, may
// reference inputs as {key}) and "format", which defaults to the path's
// extension.
type ReadKind struct{}

func NewReadKind() *ReadKind {
	return &ReadKind{}
}

func (k *ReadKind) Name() string {
	return "read"
}

func (k *ReadKind) Build(def *taskflow.TaskDefinition) (taskflow.TaskFunc, error) {
	path, ok, err := stringSetting(def, "path")
	if err != nil {
		return nil, err
	}
	if !ok || path == "" {
		return nil, errors.New("read task requires 'path' setting")
	}
	if _, err := taskflow.TemplateFields(path); err != nil {
		return nil, err
	}
	format, _, err := stringSetting(def, "format")
	if err != nil {
		return nil, err
	}
	if format == "" {
		format = filepath.Ext(path)
	}
	codec, err := tabular.CodecFor(format)
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context, inputs map[string]any) (any, error) {
		resolved, err := taskflow.ResolvePath(path, inputs)
		if err != nil {
			return nil, err
		}
		f, err := os.Open(resolved)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		table, err := codec.Decode(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", resolved, err)
		}
		taskflow.LoggerFromContext(ctx).Debug("read table", "path", resolved, "rows", table.Len())
		return table, nil
	}, nil
}
