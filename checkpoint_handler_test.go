package taskflow

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingStore struct {
	values   map[string]any
	reads    []map[string]any
	writes   []map[string]any
	readErr  error
	writeErr error
}

func newRecordingStore() *recordingStore {
	return &recordingStore{values: map[string]any{}}
}

func (s *recordingStore) key(subs map[string]any) string {
	path, _ := ResolvePath("{sample}", subs)
	return path
}

func (s *recordingStore) Read(ctx context.Context, subs map[string]any) (any, error) {
	s.reads = append(s.reads, subs)
	if s.readErr != nil {
		return nil, s.readErr
	}
	value, ok := s.values[s.key(subs)]
	if !ok {
		return nil, ErrNotFound
	}
	return value, nil
}

func (s *recordingStore) Write(ctx context.Context, subs map[string]any, value any) error {
	s.writes = append(s.writes, subs)
	if s.writeErr != nil {
		return s.writeErr
	}
	s.values[s.key(subs)] = value
	return nil
}

// bareContext knows its task but not the states feeding it.
type bareContext struct{ task *Task }

func (c bareContext) Task() *Task                          { return c.task }
func (c bareContext) RunID() string                        { return "run_test" }
func (c bareContext) MapIndex() int                        { return -1 }
func (c bareContext) Logger() *slog.Logger                 { return discardLogger() }
func (c bareContext) UpstreamStates() map[*Edge]*TaskState { return nil }

func handlerFixture(store Store) (*CheckpointHandler, *taskRun) {
	sample := Parameter("sample")
	task := fnTask("t")
	task.Checkpoint = store
	tc := &taskRun{
		task:     task,
		runID:    "run_test",
		mapIndex: -1,
		logger:   discardLogger(),
		upstream: map[*Edge]*TaskState{NewEdge(sample, task, "sample"): Succeeded("s1", "")},
	}
	handler := NewCheckpointHandler(CheckpointHandlerOptions{NativeCheckpointing: func() bool { return false }})
	return handler, tc
}

func running() *TaskState {
	return &TaskState{Status: StatusRunning, StartTime: time.Now()}
}

func TestCheckpointHandlerMiss(t *testing.T) {
	store := newRecordingStore()
	handler, tc := handlerFixture(store)

	next := running()
	got, err := handler.HandleStateChange(context.Background(), tc, Pending(), next)
	require.NoError(t, err)
	require.Same(t, next, got)
	require.Equal(t, []map[string]any{{"sample": "s1"}}, store.reads)
}

func TestCheckpointHandlerHit(t *testing.T) {
	store := newRecordingStore()
	store.values["s1"] = []any{int64(1), int64(2)}
	handler, tc := handlerFixture(store)

	next := running()
	got, err := handler.HandleStateChange(context.Background(), tc, Pending(), next)
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, got.Status)
	require.True(t, got.Cached)
	require.Equal(t, LoadedFromCheckpointMessage, got.Message)
	require.Equal(t, []any{int64(1), int64(2)}, got.Result.Value())
	require.Equal(t, next.StartTime, got.StartTime)
}

func TestCheckpointHandlerWrite(t *testing.T) {
	store := newRecordingStore()
	handler, tc := handlerFixture(store)

	next := Succeeded("value", "")
	got, err := handler.HandleStateChange(context.Background(), tc, running(), next)
	require.NoError(t, err)
	require.Same(t, next, got)
	require.Equal(t, "value", store.values["s1"])

	store.writeErr = errors.New("disk full")
	_, err = handler.HandleStateChange(context.Background(), tc, running(), Succeeded("value", ""))
	require.ErrorContains(t, err, "disk full")
}

func TestCheckpointHandlerIgnoresOtherTransitions(t *testing.T) {
	store := newRecordingStore()
	handler, tc := handlerFixture(store)

	failed := Failed(errors.New("boom"))
	got, err := handler.HandleStateChange(context.Background(), tc, running(), failed)
	require.NoError(t, err)
	require.Same(t, failed, got)
	require.Empty(t, store.reads)
	require.Empty(t, store.writes)

	tc.task.Checkpoint = nil
	next := running()
	got, err = handler.HandleStateChange(context.Background(), tc, Pending(), next)
	require.NoError(t, err)
	require.Same(t, next, got)
}

func TestCheckpointHandlerReadErrors(t *testing.T) {
	store := newRecordingStore()
	handler, tc := handlerFixture(store)

	store.readErr = errors.New("permission denied")
	_, err := handler.HandleStateChange(context.Background(), tc, Pending(), running())
	require.ErrorContains(t, err, "permission denied")
	var configErr *ConfigurationError
	require.False(t, errors.As(err, &configErr))

	store.readErr = ErrUnsupportedSubstitutions
	_, err = handler.HandleStateChange(context.Background(), tc, Pending(), running())
	require.ErrorAs(t, err, &configErr)
	require.ErrorIs(t, err, ErrUnsupportedSubstitutions)
	require.Contains(t, configErr.Reason, "*taskflow.recordingStore")
}

func TestCheckpointHandlerConfigurationErrors(t *testing.T) {
	store := newRecordingStore()
	_, tc := handlerFixture(store)

	native := NewCheckpointHandler(CheckpointHandlerOptions{NativeCheckpointing: func() bool { return true }})
	_, err := native.HandleStateChange(context.Background(), tc, Pending(), running())
	var configErr *ConfigurationError
	require.ErrorAs(t, err, &configErr)

	t.Setenv(EnvCheckpointing, "true")
	fromEnv := NewCheckpointHandler(CheckpointHandlerOptions{})
	_, err = fromEnv.HandleStateChange(context.Background(), tc, Pending(), running())
	require.ErrorAs(t, err, &configErr)

	handler := NewCheckpointHandler(CheckpointHandlerOptions{NativeCheckpointing: func() bool { return false }})
	_, err = handler.HandleStateChange(context.Background(), bareContext{task: tc.task}, Pending(), running())
	require.ErrorAs(t, err, &configErr)
	require.Contains(t, configErr.Reason, "does not provide upstream states")
}
