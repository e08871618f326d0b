package taskflow

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.jetify.com/typeid"
)

// NewRunID returns a new unique run identifier
func NewRunID() string {
	id, err := typeid.WithPrefix("run")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// RunStatus represents the status of a run
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// Run is one execution of a graph
type Run struct {
	id     string
	graph  *Graph
	params map[string]any
	states *RunState

	mutex     sync.RWMutex
	status    RunStatus
	err       error
	startTime time.Time
	endTime   time.Time

	checkpointCounter atomic.Int64
}

func newRun(id string, graph *Graph, params map[string]any) *Run {
	return &Run{
		id:     id,
		graph:  graph,
		params: params,
		states: NewRunState(),
		status: RunStatusPending,
	}
}

// ID returns the run ID
func (r *Run) ID() string {
	return r.id
}

// Graph returns the graph being run
func (r *Run) Graph() *Graph {
	return r.graph
}

// Params returns a copy of the resolved run parameters
func (r *Run) Params() map[string]any {
	return copyMap(r.params)
}

// States returns the live run state map
func (r *Run) States() *RunState {
	return r.states
}

// Status returns the current run status
func (r *Run) Status() RunStatus {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return r.status
}

// Err returns the run error, if the run failed
func (r *Run) Err() error {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return r.err
}

// StartTime returns the run start time
func (r *Run) StartTime() time.Time {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return r.startTime
}

// EndTime returns the run end time
func (r *Run) EndTime() time.Time {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return r.endTime
}

// State returns a copy of the state of a task
func (r *Run) State(task *Task) (*TaskState, bool) {
	return r.states.Get(task)
}

// Value returns the result value of a successful task. A purged result
// yields ErrResultPurged.
func (r *Run) Value(task *Task) (any, error) {
	state, ok := r.states.Get(task)
	if !ok {
		return nil, &UnknownTaskError{Task: task.Name}
	}
	if !state.IsSuccessful() {
		return nil, fmt.Errorf("task %q did not succeed (status %s)", task.Name, state.Status)
	}
	if state.Result.IsPurged() {
		return nil, fmt.Errorf("task %q: %w", task.Name, ErrResultPurged)
	}
	return state.Result.Value(), nil
}

// TaskStates returns a copy of every task state keyed by task name
func (r *Run) TaskStates() map[string]*TaskState {
	snapshot := r.states.Snapshot()
	states := make(map[string]*TaskState, len(snapshot))
	for task, state := range snapshot {
		states[task.Name] = state
	}
	return states
}

func (r *Run) start() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.status = RunStatusRunning
	r.startTime = time.Now()
}

func (r *Run) finish(err error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.endTime = time.Now()
	r.err = err
	if err != nil {
		r.status = RunStatusFailed
	} else {
		r.status = RunStatusSucceeded
	}
}

// rootCause returns an error naming every task that failed on its own, in
// topological order, wrapping the first of their errors. Tasks that failed
// only because an upstream failed are left out.
func (r *Run) rootCause() error {
	var failed []string
	var cause error
	for _, task := range r.graph.SortedTasks() {
		state, ok := r.states.Get(task)
		if !ok || state.IsSuccessful() {
			continue
		}
		err := state.Error
		if err == nil {
			err = errors.New(state.Message)
		}
		var taskErr *TaskError
		if errors.As(err, &taskErr) && taskErr.Type == ErrorTypeUpstreamFailed {
			continue
		}
		failed = append(failed, task.Name)
		if cause == nil {
			cause = err
		}
	}
	if cause == nil {
		return nil
	}
	return fmt.Errorf("run failed for %s: %w", strings.Join(failed, ", "), cause)
}

// Checkpoint snapshots the run
func (r *Run) Checkpoint() *Checkpoint {
	r.mutex.RLock()
	status, startTime, endTime, err := r.status, r.startTime, r.endTime, r.err
	r.mutex.RUnlock()

	checkpoint := &Checkpoint{
		ID:           fmt.Sprintf("%d", r.checkpointCounter.Add(1)),
		RunID:        r.id,
		GraphName:    r.graph.Name(),
		Status:       string(status),
		Params:       copyMap(r.params),
		Tasks:        map[string]*TaskSnapshot{},
		StartTime:    startTime,
		EndTime:      endTime,
		CheckpointAt: time.Now(),
	}
	if err != nil {
		checkpoint.Error = err.Error()
	}
	for task, state := range r.states.Snapshot() {
		checkpoint.Tasks[task.Name] = newTaskSnapshot(state)
	}
	return checkpoint
}

// copyMap creates a shallow copy of a map
func copyMap(m map[string]any) map[string]any {
	copy := make(map[string]any, len(m))
	for k, v := range m {
		copy[k] = v
	}
	return copy
}
