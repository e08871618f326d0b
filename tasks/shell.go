package tasks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/deepnoodle-ai/taskflow"
)

// ShellKind runs a command and returns its trimmed stdout. Settings:
// "command" (required), "args", "dir", "env" and "timeout". Input values are
// exported to the command as TASKFLOW_INPUT_<KEY> variables.
type ShellKind struct{}

func NewShellKind() *ShellKind {
	return &ShellKind{}
}

func (k *ShellKind) Name() string {
	return "shell"
}

func (k *ShellKind) Build(def *taskflow.TaskDefinition) (taskflow.TaskFunc, error) {
	command, ok, err := stringSetting(def, "command")
	if err != nil {
		return nil, err
	}
	if !ok || command == "" {
		return nil, errors.New("shell task requires 'command' setting")
	}
	var args []string
	if raw, ok := def.With["args"]; ok {
		list, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("args must be a list, got %T", raw)
		}
		for _, arg := range list {
			args = append(args, fmt.Sprint(arg))
		}
	}
	dir, _, err := stringSetting(def, "dir")
	if err != nil {
		return nil, err
	}
	var env []string
	if raw, ok := def.With["env"]; ok {
		vars, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("env must be a map, got %T", raw)
		}
		for key, value := range vars {
			env = append(env, fmt.Sprintf("%s=%v", key, value))
		}
	}
	timeout, _, err := durationSetting(def, "timeout")
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context, inputs map[string]any) (any, error) {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		cmd := exec.CommandContext(ctx, command, args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(), env...)
		for key, value := range inputs {
			cmd.Env = append(cmd.Env, fmt.Sprintf("TASKFLOW_INPUT_%s=%v", strings.ToUpper(key), value))
		}
		start := time.Now()
		stdout, err := cmd.Output()
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return nil, fmt.Errorf("command %q exited with code %d after %s: %s",
					command, exitErr.ExitCode(), time.Since(start).Round(time.Millisecond),
					strings.TrimSpace(string(exitErr.Stderr)))
			}
			return nil, fmt.Errorf("failed to execute command: %w", err)
		}
		return strings.TrimSpace(string(stdout)), nil
	}, nil
}
