package taskflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"
)

// UpstreamStateProvider reports the states of a task's upstream edges. A nil
// map means the states are unknown.
type UpstreamStateProvider interface {
	UpstreamStates() map[*Edge]*TaskState
}

// TaskContext describes the task whose state is changing.
type TaskContext interface {
	UpstreamStateProvider
	Task() *Task
	RunID() string
	// MapIndex is the child index of a mapped invocation, or -1.
	MapIndex() int
	Logger() *slog.Logger
}

// StateHandler is invoked on every state transition of every task. It
// returns the state that is actually recorded, which may differ from next.
type StateHandler interface {
	HandleStateChange(ctx context.Context, tc TaskContext, old, next *TaskState) (*TaskState, error)
}

// StateHandlerFunc adapts a function to the StateHandler interface.
type StateHandlerFunc func(ctx context.Context, tc TaskContext, old, next *TaskState) (*TaskState, error)

func (f StateHandlerFunc) HandleStateChange(ctx context.Context, tc TaskContext, old, next *TaskState) (*TaskState, error) {
	return f(ctx, tc, old, next)
}

// LoadedFromCheckpointMessage is the message of a state synthesized from a
// checkpoint read.
const LoadedFromCheckpointMessage = "Task loaded from disk."

// CheckpointHandlerOptions configures a CheckpointHandler.
type CheckpointHandlerOptions struct {
	Logger *slog.Logger

	// NativeCheckpointing reports whether the executor's built-in
	// checkpointing is enabled. Defaults to reading EnvCheckpointing.
	NativeCheckpointing func() bool
}

// CheckpointHandler is a StateHandler that loads task results from each
// task's Checkpoint store before the task runs and writes them after it
// succeeds.
type CheckpointHandler struct {
	logger *slog.Logger
	native func() bool
}

// NewCheckpointHandler returns a checkpoint handler.
func NewCheckpointHandler(opts CheckpointHandlerOptions) *CheckpointHandler {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.NativeCheckpointing == nil {
		opts.NativeCheckpointing = func() bool {
			return os.Getenv(EnvCheckpointing) == "true"
		}
	}
	return &CheckpointHandler{logger: opts.Logger, native: opts.NativeCheckpointing}
}

func (h *CheckpointHandler) HandleStateChange(ctx context.Context, tc TaskContext, old, next *TaskState) (*TaskState, error) {
	if h.native() {
		return nil, &ConfigurationError{
			Reason: fmt.Sprintf("native checkpointing (%s=true) cannot be combined with checkpoint stores", EnvCheckpointing),
		}
	}
	task := tc.Task()
	store := task.Checkpoint
	if store == nil {
		return next, nil
	}

	switch {
	case old.Status == StatusPending && next.Status == StatusRunning:
		mapping, err := h.inputMapping(tc)
		if err != nil {
			return nil, err
		}
		value, err := store.Read(ctx, mapping)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				h.logger.Debug("checkpoint miss", "task", task.Name, "map_index", tc.MapIndex())
				return next, nil
			}
			if errors.Is(err, ErrUnsupportedSubstitutions) {
				return nil, &ConfigurationError{
					Reason: fmt.Sprintf("store %s cannot accept input substitutions", storeName(store)),
					Err:    err,
				}
			}
			return nil, fmt.Errorf("checkpoint read for task %q: %w", task.Name, err)
		}
		h.logger.Info("task loaded from checkpoint", "task", task.Name, "map_index", tc.MapIndex())
		now := time.Now()
		return &TaskState{
			Status:    StatusSucceeded,
			Result:    NewResult(value),
			Message:   LoadedFromCheckpointMessage,
			Cached:    true,
			StartTime: next.StartTime,
			EndTime:   now,
		}, nil

	case old.Status == StatusRunning && next.Status == StatusSucceeded:
		mapping, err := h.inputMapping(tc)
		if err != nil {
			return nil, err
		}
		if err := store.Write(ctx, mapping, next.Result.Value()); err != nil {
			return nil, fmt.Errorf("checkpoint write for task %q: %w", task.Name, err)
		}
		h.logger.Debug("checkpoint written", "task", task.Name, "map_index", tc.MapIndex())
		return next, nil
	}
	return next, nil
}

func (h *CheckpointHandler) inputMapping(tc TaskContext) (map[string]any, error) {
	upstream := tc.UpstreamStates()
	if upstream == nil {
		return nil, &ConfigurationError{
			Reason: fmt.Sprintf("task context %T does not provide upstream states", tc),
		}
	}
	return BuildInputMapping(upstream), nil
}

func storeName(store Store) string {
	if s, ok := store.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", store)
}
