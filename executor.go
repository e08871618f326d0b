package taskflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"runtime"
	"sync"
	"time"

	"github.com/deepnoodle-ai/taskflow/retry"
	"github.com/deepnoodle-ai/taskflow/tabular"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const tracerName = "github.com/deepnoodle-ai/taskflow"

// ExecutorOptions configures an executor
type ExecutorOptions struct {
	Graph *Graph

	// Workers bounds the number of tasks, and of children of one mapped
	// task, that run at the same time. Defaults to the number of CPUs.
	Workers int

	Logger *slog.Logger

	// StateHandlers are invoked in order on every task state transition.
	StateHandlers []StateHandler

	Callbacks RunCallbacks

	// DisablePurge keeps every task result in memory until the run ends.
	DisablePurge bool

	// Checkpointer enables native run checkpointing. It cannot be combined
	// with a CheckpointHandler.
	Checkpointer Checkpointer

	TaskLogger     TaskLogger
	TracerProvider trace.TracerProvider
}

// Executor runs a graph in topological order on a pool of workers
type Executor struct {
	graph        *Graph
	workers      int
	logger       *slog.Logger
	handlers     []StateHandler
	callbacks    RunCallbacks
	disablePurge bool
	checkpointer Checkpointer
	native       bool
	taskLogger   TaskLogger
	tracer       trace.Tracer
}

// NewExecutor returns an executor for the given options.
func NewExecutor(opts ExecutorOptions) (*Executor, error) {
	if opts.Graph == nil {
		return nil, fmt.Errorf("graph is required")
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.Callbacks == nil {
		opts.Callbacks = &BaseCallbacks{}
	}
	if opts.TaskLogger == nil {
		opts.TaskLogger = NewNullTaskLogger()
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = otel.GetTracerProvider()
	}
	native := false
	if opts.Checkpointer == nil {
		opts.Checkpointer = NewNullCheckpointer()
	} else if _, isNull := opts.Checkpointer.(*NullCheckpointer); !isNull {
		native = true
	}
	if native {
		for _, handler := range opts.StateHandlers {
			if _, ok := handler.(*CheckpointHandler); ok {
				return nil, &ConfigurationError{
					Reason: "native checkpointing cannot be combined with a checkpoint handler",
				}
			}
		}
	}
	return &Executor{
		graph:        opts.Graph,
		workers:      opts.Workers,
		logger:       opts.Logger,
		handlers:     opts.StateHandlers,
		callbacks:    opts.Callbacks,
		disablePurge: opts.DisablePurge,
		checkpointer: opts.Checkpointer,
		native:       native,
		taskLogger:   opts.TaskLogger,
		tracer:       opts.TracerProvider.Tracer(tracerName),
	}, nil
}

// Run executes the graph with a new run ID. The returned run is nil only if
// the parameters are invalid; otherwise the error is the run error.
func (e *Executor) Run(ctx context.Context, params map[string]any) (*Run, error) {
	return e.RunWithID(ctx, NewRunID(), params)
}

// RunWithID executes the graph under the given run ID.
func (e *Executor) RunWithID(ctx context.Context, runID string, params map[string]any) (*Run, error) {
	resolved, err := e.resolveParams(params)
	if err != nil {
		return nil, err
	}
	run := newRun(runID, e.graph, resolved)
	for _, task := range e.graph.Tasks() {
		run.states.Set(task, Pending())
	}

	logger := e.logger.With("run_id", runID, "graph", e.graph.Name())
	ctx = WithLogger(ctx, logger)
	ctx = WithRunID(ctx, runID)
	ctx, span := e.tracer.Start(ctx, "taskflow.run", trace.WithAttributes(
		attribute.String("taskflow.run_id", runID),
		attribute.String("taskflow.graph", e.graph.Name()),
		attribute.Int("taskflow.tasks", len(e.graph.Tasks())),
	))
	defer span.End()

	callbacks := NewCallbackChain()
	if !e.disablePurge {
		callbacks.Add(NewPurger(e.graph, run.states, logger))
	}
	callbacks.Add(e.callbacks)

	run.start()
	callbacks.BeforeRun(ctx, &RunEvent{
		RunID:     runID,
		GraphName: e.graph.Name(),
		Status:    RunStatusRunning,
		Params:    copyMap(resolved),
		StartTime: run.StartTime(),
		TaskCount: len(e.graph.Tasks()),
	})
	logger.Info("run started", "tasks", len(e.graph.Tasks()), "workers", e.workers)

	e.schedule(ctx, run, callbacks, logger)

	runErr := run.rootCause()
	run.finish(runErr)
	if runErr != nil {
		logger.Error("run failed", "error", runErr)
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	} else {
		logger.Info("run succeeded", "duration", run.EndTime().Sub(run.StartTime()))
	}

	callbacks.AfterRun(ctx, &RunEvent{
		RunID:     runID,
		GraphName: e.graph.Name(),
		Status:    run.Status(),
		Params:    copyMap(resolved),
		StartTime: run.StartTime(),
		EndTime:   run.EndTime(),
		Duration:  run.EndTime().Sub(run.StartTime()),
		TaskCount: len(e.graph.Tasks()),
		Error:     runErr,
	})
	e.saveCheckpoint(ctx, run, logger)
	return run, runErr
}

// resolveParams fills in parameter defaults and rejects missing and unknown
// parameters.
func (e *Executor) resolveParams(params map[string]any) (map[string]any, error) {
	resolved := map[string]any{}
	for _, task := range e.graph.Tasks() {
		if !task.IsParameter() {
			continue
		}
		if v, ok := params[task.Name]; ok {
			resolved[task.Name] = v
			continue
		}
		def, ok := task.Default()
		if !ok {
			return nil, fmt.Errorf("parameter %q is required", task.Name)
		}
		resolved[task.Name] = def
	}
	for name := range params {
		if _, ok := resolved[name]; !ok {
			return nil, fmt.Errorf("unknown parameter %q", name)
		}
	}
	return resolved, nil
}

// schedule runs every graph task once its graph-resident upstream tasks
// have finished, blocking until all tasks are done.
func (e *Executor) schedule(ctx context.Context, run *Run, callbacks RunCallbacks, logger *slog.Logger) {
	tasks := e.graph.SortedTasks()
	remaining := make(map[*Task]int, len(tasks))
	for _, task := range tasks {
		for _, upstream := range e.graph.upstreamTasks(task) {
			if e.graph.Contains(upstream) {
				remaining[task]++
			}
		}
	}

	ready := make(chan *Task, len(tasks))
	for _, task := range tasks {
		if remaining[task] == 0 {
			ready <- task
		}
	}

	var mutex sync.Mutex
	var wg sync.WaitGroup
	wg.Add(len(tasks))
	for i := 0; i < e.workers; i++ {
		go func(workerID int) {
			for task := range ready {
				e.runTask(ctx, run, task, callbacks, logger.With("worker", workerID))

				mutex.Lock()
				var unlocked []*Task
				for _, downstream := range e.graph.downstreamTasks(task) {
					remaining[downstream]--
					if remaining[downstream] == 0 {
						unlocked = append(unlocked, downstream)
					}
				}
				mutex.Unlock()
				for _, downstream := range unlocked {
					ready <- downstream
				}
				wg.Done()
			}
		}(i)
	}
	wg.Wait()
	close(ready)
}

// runTask runs one graph task to a final state and reports it.
func (e *Executor) runTask(ctx context.Context, run *Run, task *Task, callbacks RunCallbacks, logger *slog.Logger) {
	logger = logger.With("task", task.Name)
	edges, _ := e.graph.EdgesInto(task)
	start := time.Now()
	callbacks.BeforeTask(ctx, &TaskEvent{
		RunID:     run.ID(),
		GraphName: e.graph.Name(),
		Task:      task,
		Upstream:  edges,
		StartTime: start,
	})

	var final *TaskState
	upstream, blocked := e.upstreamStates(run, edges)
	switch {
	case ctx.Err() != nil:
		final = Failed(ctx.Err())
	case blocked != nil:
		logger.Warn("skipping task due to upstream failure", "upstream", blocked.Name)
		final = Failed(upstreamFailedError(task.Name))
	case e.graph.IsMapped(task):
		final = e.runMapped(ctx, run, task, edges, upstream, logger)
	default:
		final = e.runInvocation(ctx, run, task, upstream, -1, logger)
	}
	if final.StartTime.IsZero() {
		final.StartTime = start
	}
	if final.EndTime.IsZero() {
		final.EndTime = time.Now()
	}
	run.states.Set(task, final)

	switch {
	case final.IsSuccessful() && final.Cached:
		logger.Info("task loaded from checkpoint")
	case final.IsSuccessful():
		logger.Debug("task succeeded", "duration", final.EndTime.Sub(final.StartTime))
	default:
		logger.Error("task failed", "error", final.Error)
	}
	e.logTask(ctx, run, task, -1, upstream, final, logger)
	e.saveCheckpoint(ctx, run, logger)

	callbacks.AfterTask(ctx, &TaskEvent{
		RunID:     run.ID(),
		GraphName: e.graph.Name(),
		Task:      task,
		State:     final.Copy(),
		Upstream:  edges,
		StartTime: final.StartTime,
		EndTime:   final.EndTime,
		Duration:  final.EndTime.Sub(final.StartTime),
		Error:     final.Error,
	})
}

// upstreamStates collects the states feeding each incoming edge. If an
// upstream graph task did not succeed it is returned as blocked.
func (e *Executor) upstreamStates(run *Run, edges []*Edge) (map[*Edge]*TaskState, *Task) {
	states := make(map[*Edge]*TaskState, len(edges))
	for _, edge := range edges {
		if edge.Upstream.IsConstant() {
			states[edge] = Succeeded(edge.Upstream.value, "")
			continue
		}
		state, ok := run.states.Get(edge.Upstream)
		if !ok || !state.IsSuccessful() {
			return nil, edge.Upstream
		}
		states[edge] = state
	}
	return states, nil
}

// runMapped runs one child invocation per element of the mapped inputs.
func (e *Executor) runMapped(ctx context.Context, run *Run, task *Task, edges []*Edge, upstream map[*Edge]*TaskState, logger *slog.Logger) *TaskState {
	start := time.Now()
	run.states.Set(task, &TaskState{Status: StatusRunning, StartTime: start})

	items := map[*Edge][]any{}
	count := -1
	for _, edge := range edges {
		if !edge.Mapped {
			continue
		}
		values, err := toSlice(upstream[edge].Result.Value())
		if err != nil {
			return Failed(fmt.Errorf("mapped input %q of task %q: %w", edge.Key, task.Name, err))
		}
		if count >= 0 && len(values) != count {
			return Failed(fmt.Errorf("mapped inputs of task %q have different lengths (%d and %d)", task.Name, count, len(values)))
		}
		count = len(values)
		items[edge] = values
	}

	children := make([]*TaskState, count)
	var g errgroup.Group
	g.SetLimit(e.workers)
	for i := 0; i < count; i++ {
		childUpstream := make(map[*Edge]*TaskState, len(upstream))
		for edge, state := range upstream {
			if values, ok := items[edge]; ok {
				childUpstream[edge] = Succeeded(values[i], "")
			} else {
				childUpstream[edge] = state
			}
		}
		g.Go(func() error {
			childLogger := logger.With("map_index", i)
			child := e.runInvocation(ctx, run, task, childUpstream, i, childLogger)
			e.logTask(ctx, run, task, i, childUpstream, child, childLogger)
			children[i] = child
			return nil
		})
	}
	g.Wait()

	parent := &TaskState{Status: StatusMapped, Children: children, StartTime: start, EndTime: time.Now()}
	values := make([]any, 0, count)
	cached := count > 0
	for i, child := range children {
		if !child.IsSuccessful() {
			parent.Error = fmt.Errorf("mapped task %q child %d: %w", task.Name, i, child.Error)
			parent.Message = parent.Error.Error()
			return parent
		}
		values = append(values, child.Result.Value())
		cached = cached && child.Cached
	}
	parent.Result = NewResult(values)
	parent.Cached = cached
	return parent
}

// runInvocation takes one invocation of a task from Pending to a final
// state, passing both transitions through the state handlers.
func (e *Executor) runInvocation(ctx context.Context, run *Run, task *Task, upstream map[*Edge]*TaskState, mapIndex int, logger *slog.Logger) *TaskState {
	tc := &taskRun{task: task, runID: run.ID(), mapIndex: mapIndex, logger: logger, upstream: upstream}
	ctx = WithLogger(ctx, logger)
	ctx, span := e.tracer.Start(ctx, "taskflow.task", trace.WithAttributes(
		attribute.String("taskflow.task", task.Name),
		attribute.Int("taskflow.map_index", mapIndex),
	))
	defer span.End()

	final := e.invoke(ctx, run, tc)
	span.SetAttributes(
		attribute.String("taskflow.status", string(final.Status)),
		attribute.Bool("taskflow.cached", final.Cached),
	)
	if final.Error != nil {
		span.RecordError(final.Error)
		span.SetStatus(codes.Error, final.Error.Error())
	}
	return final
}

func (e *Executor) invoke(ctx context.Context, run *Run, tc *taskRun) *TaskState {
	task := tc.task
	pending := Pending()
	running, err := e.transition(ctx, tc, pending, &TaskState{Status: StatusRunning, StartTime: time.Now()})
	if err != nil {
		return failedAt(err, time.Now())
	}
	if running.Status.IsFinal() {
		return running
	}
	if tc.mapIndex < 0 {
		run.states.Set(task, running)
	}

	inputs := BuildInputMapping(tc.upstream)
	value, err := e.call(ctx, run, task, inputs, tc.logger)
	var next *TaskState
	if err != nil {
		next = Failed(err)
	} else {
		next = Succeeded(value, "")
	}
	next.StartTime = running.StartTime
	next.EndTime = time.Now()

	final, err := e.transition(ctx, tc, running, next)
	if err != nil {
		failed := failedAt(err, time.Now())
		failed.StartTime = running.StartTime
		return failed
	}
	return final
}

// transition passes a state change through every state handler in order.
func (e *Executor) transition(ctx context.Context, tc TaskContext, old, next *TaskState) (*TaskState, error) {
	var err error
	for _, handler := range e.handlers {
		next, err = handler.HandleStateChange(ctx, tc, old, next)
		if err != nil {
			return nil, err
		}
	}
	return next, nil
}

// call runs the task function with retries.
func (e *Executor) call(ctx context.Context, run *Run, task *Task, inputs map[string]any, logger *slog.Logger) (any, error) {
	if task.IsParameter() {
		return run.params[task.Name], nil
	}
	var value any
	err := retry.Do(ctx, func() error {
		v, err := safeCall(ctx, task.Fn, inputs)
		value = v
		return err
	},
		retry.WithMaxRetries(task.MaxRetries),
		retry.WithBaseWait(task.RetryDelay),
		retry.WithRetryIf(func(err error) bool {
			return ctx.Err() == nil && retryable(err)
		}),
		retry.WithOnRetry(func(attempt int, err error) {
			logger.Warn("retrying task", "attempt", attempt, "error", err)
		}),
	)
	if err != nil {
		return nil, err
	}
	return value, nil
}

// retryable reports whether a failed attempt may be retried. Fatal errors
// never are; errors carrying a recoverability verdict decide for themselves.
func retryable(err error) bool {
	if ClassifyError(err).Type == ErrorTypeFatal {
		return false
	}
	var marked retry.RecoverableError
	if errors.As(err, &marked) {
		return marked.IsRecoverable()
	}
	return true
}

func safeCall(ctx context.Context, fn TaskFunc, inputs map[string]any) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return fn(ctx, inputs)
}

func (e *Executor) logTask(ctx context.Context, run *Run, task *Task, mapIndex int, upstream map[*Edge]*TaskState, state *TaskState, logger *slog.Logger) {
	entry := &TaskLogEntry{
		ID:        fmt.Sprintf("%s-%s-%d", run.ID(), task.Name, mapIndex),
		RunID:     run.ID(),
		Task:      task.Name,
		MapIndex:  mapIndex,
		Status:    state.Status,
		Inputs:    BuildInputMapping(upstream),
		Result:    state.Result.Value(),
		Cached:    state.Cached,
		Message:   state.Message,
		StartTime: state.StartTime,
		Duration:  state.EndTime.Sub(state.StartTime).Seconds(),
	}
	if state.Error != nil {
		entry.Error = state.Error.Error()
	}
	if err := e.taskLogger.LogTask(ctx, entry); err != nil {
		logger.Error("failed to log task", "error", err)
	}
}

func (e *Executor) saveCheckpoint(ctx context.Context, run *Run, logger *slog.Logger) {
	if !e.native {
		return
	}
	if err := e.checkpointer.SaveCheckpoint(ctx, run.Checkpoint()); err != nil {
		logger.Error("failed to save checkpoint", "error", err)
	}
}

func failedAt(err error, at time.Time) *TaskState {
	state := Failed(err)
	state.EndTime = at
	return state
}

// toSlice converts a mapped upstream value into its elements.
func toSlice(value any) ([]any, error) {
	switch v := value.(type) {
	case nil:
		return nil, errors.New("cannot map over nil")
	case []any:
		return v, nil
	case *tabular.Table:
		records := v.Records()
		items := make([]any, len(records))
		for i, record := range records {
			items[i] = record
		}
		return items, nil
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("cannot map over %T", value)
	}
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return items, nil
}

var _ TaskContext = (*taskRun)(nil)

// taskRun is the TaskContext of one task invocation.
type taskRun struct {
	task     *Task
	runID    string
	mapIndex int
	logger   *slog.Logger
	upstream map[*Edge]*TaskState
}

func (t *taskRun) Task() *Task          { return t.task }
func (t *taskRun) RunID() string        { return t.runID }
func (t *taskRun) MapIndex() int        { return t.mapIndex }
func (t *taskRun) Logger() *slog.Logger { return t.logger }

func (t *taskRun) UpstreamStates() map[*Edge]*TaskState {
	return t.upstream
}
