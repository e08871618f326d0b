package taskflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/deepnoodle-ai/taskflow/retry"
	"github.com/deepnoodle-ai/taskflow/tabular"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func valueTask(name string, fn func(inputs map[string]any) (any, error)) *Task {
	return &Task{Name: name, Fn: func(ctx context.Context, inputs map[string]any) (any, error) {
		return fn(inputs)
	}}
}

func newTestExecutor(t *testing.T, opts GraphOptions, execOpts ExecutorOptions) *Executor {
	t.Helper()
	if opts.Name == "" {
		opts.Name = "test"
	}
	graph, err := NewGraph(opts)
	require.NoError(t, err)
	execOpts.Graph = graph
	executor, err := NewExecutor(execOpts)
	require.NoError(t, err)
	return executor
}

func TestExecutorChain(t *testing.T) {
	n := Parameter("n")
	k := Constant("k", 10)
	double := valueTask("double", func(in map[string]any) (any, error) {
		return in["n"].(int) * 2, nil
	})
	add := valueTask("add", func(in map[string]any) (any, error) {
		return in["x"].(int) + in["k"].(int), nil
	})
	executor := newTestExecutor(t, GraphOptions{
		Tasks: []*Task{n, double, add},
		Edges: []*Edge{NewEdge(n, double, "n"), NewEdge(double, add, "x"), NewEdge(k, add, "k")},
	}, ExecutorOptions{Workers: 2})

	run, err := executor.Run(context.Background(), map[string]any{"n": 4})
	require.NoError(t, err)
	require.Equal(t, RunStatusSucceeded, run.Status())
	require.NoError(t, run.Err())
	require.Contains(t, run.ID(), "run_")

	value, err := run.Value(add)
	require.NoError(t, err)
	require.Equal(t, 18, value)

	// double fed only add, which succeeded, so its result was purged.
	_, err = run.Value(double)
	require.ErrorIs(t, err, ErrResultPurged)

	states := run.TaskStates()
	require.Len(t, states, 3)
	require.True(t, states["double"].IsPurged())
	require.Equal(t, StatusSucceeded, states["double"].Status)
}

func TestExecutorDisablePurge(t *testing.T) {
	a := valueTask("a", func(map[string]any) (any, error) { return 1, nil })
	b := valueTask("b", func(in map[string]any) (any, error) { return in["x"].(int) + 1, nil })
	executor := newTestExecutor(t, GraphOptions{
		Tasks: []*Task{a, b},
		Edges: []*Edge{NewEdge(a, b, "x")},
	}, ExecutorOptions{DisablePurge: true})

	run, err := executor.Run(context.Background(), nil)
	require.NoError(t, err)
	value, err := run.Value(a)
	require.NoError(t, err)
	require.Equal(t, 1, value)
}

func TestExecutorParameters(t *testing.T) {
	p := Parameter("p")
	d := ParameterWithDefault("d", "fallback")
	echo := valueTask("echo", func(in map[string]any) (any, error) {
		return []any{in["p"], in["d"]}, nil
	})
	executor := newTestExecutor(t, GraphOptions{
		Tasks: []*Task{p, d, echo},
		Edges: []*Edge{NewEdge(p, echo, "p"), NewEdge(d, echo, "d")},
	}, ExecutorOptions{})

	run, err := executor.Run(context.Background(), map[string]any{"p": "given"})
	require.NoError(t, err)
	value, err := run.Value(echo)
	require.NoError(t, err)
	require.Equal(t, []any{"given", "fallback"}, value)
	require.Equal(t, map[string]any{"p": "given", "d": "fallback"}, run.Params())

	_, err = executor.Run(context.Background(), nil)
	require.ErrorContains(t, err, `parameter "p" is required`)

	_, err = executor.Run(context.Background(), map[string]any{"p": 1, "extra": 2})
	require.ErrorContains(t, err, `unknown parameter "extra"`)
}

func TestExecutorFailurePropagation(t *testing.T) {
	var downstreamCalls atomic.Int32
	a := valueTask("a", func(map[string]any) (any, error) { return nil, errors.New("boom") })
	b := valueTask("b", func(map[string]any) (any, error) {
		downstreamCalls.Add(1)
		return 1, nil
	})
	c := valueTask("c", func(map[string]any) (any, error) { return "independent", nil })
	executor := newTestExecutor(t, GraphOptions{
		Tasks: []*Task{a, b, c},
		Edges: []*Edge{NewEdge(a, b, "x")},
	}, ExecutorOptions{})

	run, err := executor.Run(context.Background(), nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "run failed for a: boom")
	require.Equal(t, RunStatusFailed, run.Status())
	require.Zero(t, downstreamCalls.Load())

	state, ok := run.State(b)
	require.True(t, ok)
	require.Equal(t, StatusFailed, state.Status)
	require.True(t, MatchesErrorType(state.Error, ErrorTypeUpstreamFailed))

	value, err := run.Value(c)
	require.NoError(t, err)
	require.Equal(t, "independent", value)

	_, err = run.Value(b)
	require.ErrorContains(t, err, "did not succeed")
}

func TestExecutorRetries(t *testing.T) {
	var calls atomic.Int32
	flaky := valueTask("flaky", func(map[string]any) (any, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	})
	flaky.MaxRetries = 2
	flaky.RetryDelay = time.Millisecond
	executor := newTestExecutor(t, GraphOptions{Tasks: []*Task{flaky}}, ExecutorOptions{})

	run, err := executor.Run(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, int32(3), calls.Load())
	value, _ := run.Value(flaky)
	require.Equal(t, "ok", value)

	calls.Store(-10)
	_, err = executor.Run(context.Background(), nil)
	require.ErrorContains(t, err, "transient")

	var fatalCalls atomic.Int32
	fatal := valueTask("fatal", func(map[string]any) (any, error) {
		fatalCalls.Add(1)
		return nil, &ConfigurationError{Reason: "bad"}
	})
	fatal.MaxRetries = 5
	executor = newTestExecutor(t, GraphOptions{Tasks: []*Task{fatal}}, ExecutorOptions{})
	_, err = executor.Run(context.Background(), nil)
	require.Error(t, err)
	require.Equal(t, int32(1), fatalCalls.Load())
}

func TestExecutorRetryVerdicts(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		calls int32
	}{
		{name: "non-recoverable", err: retry.NewNonRecoverableError(errors.New("bad input")), calls: 1},
		{name: "wrapped non-recoverable", err: fmt.Errorf("load: %w", retry.NewNonRecoverableError(errors.New("bad input"))), calls: 1},
		{name: "recoverable", err: retry.NewRecoverableError(errors.New("busy")), calls: 4},
		{name: "plain", err: errors.New("boom"), calls: 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			task := valueTask("task", func(map[string]any) (any, error) {
				calls.Add(1)
				return nil, tt.err
			})
			task.MaxRetries = 3
			task.RetryDelay = time.Millisecond
			executor := newTestExecutor(t, GraphOptions{Tasks: []*Task{task}}, ExecutorOptions{})

			_, err := executor.Run(context.Background(), nil)
			require.Error(t, err)
			require.Equal(t, tt.calls, calls.Load())
		})
	}
}

func TestExecutorRecoversPanics(t *testing.T) {
	bad := valueTask("bad", func(map[string]any) (any, error) { panic("kaboom") })
	executor := newTestExecutor(t, GraphOptions{Tasks: []*Task{bad}}, ExecutorOptions{})
	_, err := executor.Run(context.Background(), nil)
	require.ErrorContains(t, err, "task panicked: kaboom")
}

func TestExecutorMappedTask(t *testing.T) {
	items := valueTask("items", func(map[string]any) (any, error) { return []int{1, 2, 3}, nil })
	k := Constant("k", 10)
	scale := valueTask("scale", func(in map[string]any) (any, error) {
		return in["x"].(int) * in["k"].(int), nil
	})
	var sumInput []any
	sum := valueTask("sum", func(in map[string]any) (any, error) {
		sumInput = in["xs"].([]any)
		total := 0
		for _, v := range sumInput {
			total += v.(int)
		}
		return total, nil
	})
	executor := newTestExecutor(t, GraphOptions{
		Tasks: []*Task{items, scale, sum},
		Edges: []*Edge{NewMappedEdge(items, scale, "x"), NewEdge(k, scale, "k"), NewEdge(scale, sum, "xs")},
	}, ExecutorOptions{Workers: 3})

	run, err := executor.Run(context.Background(), nil)
	require.NoError(t, err)
	value, err := run.Value(sum)
	require.NoError(t, err)
	require.Equal(t, 60, value)
	require.Equal(t, []any{10, 20, 30}, sumInput)

	state, _ := run.State(scale)
	require.Equal(t, StatusMapped, state.Status)
	require.Len(t, state.Children, 3)
	require.True(t, state.IsPurged())
}

func TestExecutorMappedFailures(t *testing.T) {
	left := valueTask("left", func(map[string]any) (any, error) { return []any{1, 2}, nil })
	right := valueTask("right", func(map[string]any) (any, error) { return []any{1}, nil })
	zip := valueTask("zip", func(in map[string]any) (any, error) { return nil, nil })
	executor := newTestExecutor(t, GraphOptions{
		Tasks: []*Task{left, right, zip},
		Edges: []*Edge{NewMappedEdge(left, zip, "l"), NewMappedEdge(right, zip, "r")},
	}, ExecutorOptions{})
	_, err := executor.Run(context.Background(), nil)
	require.ErrorContains(t, err, "different lengths")

	items := valueTask("items", func(map[string]any) (any, error) { return []any{1, 2, 3}, nil })
	odd := valueTask("odd", func(in map[string]any) (any, error) {
		if in["x"].(int) == 2 {
			return nil, errors.New("even")
		}
		return in["x"], nil
	})
	executor = newTestExecutor(t, GraphOptions{
		Tasks: []*Task{items, odd},
		Edges: []*Edge{NewMappedEdge(items, odd, "x")},
	}, ExecutorOptions{})
	run, err := executor.Run(context.Background(), nil)
	require.ErrorContains(t, err, "child 1: even")
	state, _ := run.State(odd)
	require.Equal(t, StatusMapped, state.Status)
	require.False(t, state.IsSuccessful())
	require.True(t, state.Children[0].IsSuccessful())

	scalar := valueTask("scalar", func(map[string]any) (any, error) { return 5, nil })
	each := valueTask("each", func(in map[string]any) (any, error) { return nil, nil })
	executor = newTestExecutor(t, GraphOptions{
		Tasks: []*Task{scalar, each},
		Edges: []*Edge{NewMappedEdge(scalar, each, "x")},
	}, ExecutorOptions{})
	_, err = executor.Run(context.Background(), nil)
	require.ErrorContains(t, err, "cannot map over int")
}

func TestExecutorLoadsExistingCheckpoint(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "{sample}.csv")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "s1.csv"), []byte("a,b\n1,x\n"), 0o644))

	store, err := NewFileStore(FileStoreOptions{Path: path})
	require.NoError(t, err)
	var calls atomic.Int32
	sample := Parameter("sample")
	load := valueTask("load", func(map[string]any) (any, error) {
		calls.Add(1)
		return nil, errors.New("should not run")
	})
	load.Checkpoint = store
	executor := newTestExecutor(t, GraphOptions{
		Tasks: []*Task{sample, load},
		Edges: []*Edge{NewEdge(sample, load, "sample")},
	}, ExecutorOptions{StateHandlers: []StateHandler{
		NewCheckpointHandler(CheckpointHandlerOptions{NativeCheckpointing: func() bool { return false }}),
	}})

	run, err := executor.Run(context.Background(), map[string]any{"sample": "s1"})
	require.NoError(t, err)
	require.Zero(t, calls.Load())

	state, _ := run.State(load)
	require.True(t, state.Cached)
	require.Equal(t, LoadedFromCheckpointMessage, state.Message)
	value, err := run.Value(load)
	require.NoError(t, err)
	require.True(t, tabular.MustTable([]string{"a", "b"}, [][]any{{int64(1), "x"}}).Equal(value.(*tabular.Table)))
}

func TestExecutorWritesCheckpointOnSuccessOnly(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(FileStoreOptions{
		Path:  filepath.Join(dir, "{sample}.json"),
		Shape: tabular.ShapeRecords,
	})
	require.NoError(t, err)

	fail := true
	sample := Parameter("sample")
	produce := valueTask("produce", func(in map[string]any) (any, error) {
		if fail {
			return nil, errors.New("boom")
		}
		return []map[string]any{{"sample": in["sample"]}}, nil
	})
	produce.Checkpoint = store
	executor := newTestExecutor(t, GraphOptions{
		Tasks: []*Task{sample, produce},
		Edges: []*Edge{NewEdge(sample, produce, "sample")},
	}, ExecutorOptions{StateHandlers: []StateHandler{
		NewCheckpointHandler(CheckpointHandlerOptions{NativeCheckpointing: func() bool { return false }}),
	}})

	_, err = executor.Run(context.Background(), map[string]any{"sample": "s1"})
	require.Error(t, err)
	_, err = os.Stat(filepath.Join(dir, "s1.json"))
	require.True(t, os.IsNotExist(err))

	fail = false
	_, err = executor.Run(context.Background(), map[string]any{"sample": "s1"})
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "s1.json"))
	require.NoError(t, err)

	// A value the store cannot encode fails the task.
	produce.Fn = func(ctx context.Context, inputs map[string]any) (any, error) { return 42, nil }
	_, err = executor.Run(context.Background(), map[string]any{"sample": "s2"})
	require.Error(t, err)
}

func TestExecutorCacheHitKeepsValueType(t *testing.T) {
	store, err := NewFileStore(FileStoreOptions{
		Path:  filepath.Join(t.TempDir(), "src.json"),
		Shape: tabular.ShapeRecords,
	})
	require.NoError(t, err)

	var srcCalls atomic.Int32
	src := valueTask("src", func(map[string]any) (any, error) {
		srcCalls.Add(1)
		return []map[string]any{{"id": int64(1), "name": "a"}, {"id": int64(2), "name": "b"}}, nil
	})
	src.Checkpoint = store
	var seen [][]map[string]any
	use := valueTask("use", func(in map[string]any) (any, error) {
		records, ok := in["x"].([]map[string]any)
		if !ok {
			return nil, fmt.Errorf("unexpected input type %T", in["x"])
		}
		seen = append(seen, records)
		return len(records), nil
	})
	executor := newTestExecutor(t, GraphOptions{
		Tasks: []*Task{src, use},
		Edges: []*Edge{NewEdge(src, use, "x")},
	}, ExecutorOptions{StateHandlers: []StateHandler{
		NewCheckpointHandler(CheckpointHandlerOptions{NativeCheckpointing: func() bool { return false }}),
	}})

	_, err = executor.Run(context.Background(), nil)
	require.NoError(t, err)
	run, err := executor.Run(context.Background(), nil)
	require.NoError(t, err)

	state, _ := run.State(src)
	require.True(t, state.Cached)
	require.Equal(t, int32(1), srcCalls.Load())
	require.Len(t, seen, 2)
	require.Equal(t, seen[0], seen[1])
}

func TestExecutorRejectsNativeCheckpointingWithHandler(t *testing.T) {
	graph, err := NewGraph(GraphOptions{Name: "g", Tasks: []*Task{fnTask("a")}})
	require.NoError(t, err)
	checkpointer, err := NewFileCheckpointer(t.TempDir())
	require.NoError(t, err)

	_, err = NewExecutor(ExecutorOptions{
		Graph:         graph,
		Checkpointer:  checkpointer,
		StateHandlers: []StateHandler{NewCheckpointHandler(CheckpointHandlerOptions{})},
	})
	var configErr *ConfigurationError
	require.ErrorAs(t, err, &configErr)

	_, err = NewExecutor(ExecutorOptions{})
	require.Error(t, err)
}

func TestExecutorNativeCheckpointing(t *testing.T) {
	checkpointer, err := NewFileCheckpointer(t.TempDir())
	require.NoError(t, err)
	a := valueTask("a", func(map[string]any) (any, error) { return 1, nil })
	executor := newTestExecutor(t, GraphOptions{Name: "native", Tasks: []*Task{a}}, ExecutorOptions{Checkpointer: checkpointer})

	run, err := executor.RunWithID(context.Background(), "run_fixed", nil)
	require.NoError(t, err)
	require.Equal(t, "run_fixed", run.ID())

	checkpoint, err := checkpointer.LoadCheckpoint(context.Background(), "run_fixed")
	require.NoError(t, err)
	require.Equal(t, "native", checkpoint.GraphName)
	require.Equal(t, string(RunStatusSucceeded), checkpoint.Status)
	require.Equal(t, StatusSucceeded, checkpoint.Tasks["a"].Status)
}

type recordingCallbacks struct {
	BaseCallbacks
	mutex  sync.Mutex
	events []string
}

func (r *recordingCallbacks) record(event string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingCallbacks) BeforeRun(ctx context.Context, event *RunEvent) {
	r.record("before_run")
}

func (r *recordingCallbacks) AfterRun(ctx context.Context, event *RunEvent) {
	r.record("after_run:" + string(event.Status))
}

func (r *recordingCallbacks) AfterTask(ctx context.Context, event *TaskEvent) {
	r.record("after_task:" + event.Task.Name + ":" + string(event.State.Status))
}

func TestExecutorCallbacksAndTaskLog(t *testing.T) {
	a := valueTask("a", func(map[string]any) (any, error) { return 1, nil })
	b := valueTask("b", func(in map[string]any) (any, error) { return in["x"], nil })
	callbacks := &recordingCallbacks{}
	taskLogger := NewFileTaskLogger(t.TempDir())
	executor := newTestExecutor(t, GraphOptions{
		Tasks: []*Task{a, b},
		Edges: []*Edge{NewEdge(a, b, "x")},
	}, ExecutorOptions{Callbacks: callbacks, TaskLogger: taskLogger})

	run, err := executor.Run(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, []string{
		"before_run",
		"after_task:a:succeeded",
		"after_task:b:succeeded",
		"after_run:succeeded",
	}, callbacks.events)

	entries, err := taskLogger.GetTaskHistory(context.Background(), run.ID())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	names := []string{entries[0].Task, entries[1].Task}
	sort.Strings(names)
	require.Equal(t, []string{"a", "b"}, names)
}

func TestExecutorTracing(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	a := valueTask("a", func(map[string]any) (any, error) { return 1, nil })
	executor := newTestExecutor(t, GraphOptions{Tasks: []*Task{a}}, ExecutorOptions{TracerProvider: provider})

	_, err := executor.Run(context.Background(), nil)
	require.NoError(t, err)
	var names []string
	for _, span := range recorder.Ended() {
		names = append(names, span.Name())
	}
	require.ElementsMatch(t, []string{"taskflow.run", "taskflow.task"}, names)
}

func TestExecutorCanceledContext(t *testing.T) {
	a := valueTask("a", func(map[string]any) (any, error) { return 1, nil })
	executor := newTestExecutor(t, GraphOptions{Tasks: []*Task{a}}, ExecutorOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := executor.Run(ctx, nil)
	require.ErrorIs(t, err, context.Canceled)
}
