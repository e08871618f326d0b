package taskflow

import (
	"sync"
	"time"
)

// Status is the lifecycle status of a task within one run
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusMapped    Status = "mapped"
)

// IsFinal reports whether the status ends the task lifecycle.
func (s Status) IsFinal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusMapped:
		return true
	default:
		return false
	}
}

// TaskState is the per-task, per-run lifecycle record.
type TaskState struct {
	Status    Status       `json:"status"`
	Result    Result       `json:"result"`
	Message   string       `json:"message,omitempty"`
	Error     error        `json:"-"`
	Cached    bool         `json:"cached,omitempty"`
	Children  []*TaskState `json:"children,omitempty"`
	StartTime time.Time    `json:"start_time,omitzero"`
	EndTime   time.Time    `json:"end_time,omitzero"`
}

// Pending returns a new pending state.
func Pending() *TaskState {
	return &TaskState{Status: StatusPending}
}

// Succeeded returns a succeeded state holding value.
func Succeeded(value any, message string) *TaskState {
	return &TaskState{Status: StatusSucceeded, Result: NewResult(value), Message: message}
}

// Failed returns a failed state for err.
func Failed(err error) *TaskState {
	state := &TaskState{Status: StatusFailed, Error: err}
	if err != nil {
		state.Message = err.Error()
	}
	return state
}

// Copy returns a copy of the state. Children are copied recursively; the
// result value itself is shared.
func (s *TaskState) Copy() *TaskState {
	if s == nil {
		return nil
	}
	c := *s
	if s.Children != nil {
		c.Children = make([]*TaskState, len(s.Children))
		for i, child := range s.Children {
			c.Children[i] = child.Copy()
		}
	}
	return &c
}

// IsSuccessful reports whether the state succeeded. A mapped state is
// successful only when every child succeeded.
func (s *TaskState) IsSuccessful() bool {
	if s == nil {
		return false
	}
	switch s.Status {
	case StatusSucceeded:
		return true
	case StatusMapped:
		for _, child := range s.Children {
			if !child.IsSuccessful() {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// IsPurged reports whether the result slot (and every child slot) holds the
// purged marker.
func (s *TaskState) IsPurged() bool {
	if s == nil || !s.Result.IsPurged() {
		return false
	}
	for _, child := range s.Children {
		if !child.IsPurged() {
			return false
		}
	}
	return true
}

// purge replaces the result of the state and all of its children with the
// purged marker.
func (s *TaskState) purge() {
	s.Result = purgedResult
	for _, child := range s.Children {
		child.purge()
	}
}

// RunState maps each task of one run to its current state. It is shared by
// the executor, state handlers and the purger, and is safe for concurrent use.
type RunState struct {
	states map[*Task]*TaskState
	mutex  sync.RWMutex
}

// NewRunState returns an empty run state
func NewRunState() *RunState {
	return &RunState{states: map[*Task]*TaskState{}}
}

// Get returns a copy of the state of a task
func (r *RunState) Get(task *Task) (*TaskState, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	state, ok := r.states[task]
	if !ok {
		return nil, false
	}
	return state.Copy(), true
}

// Set records the state of a task. A purged result slot is never replaced by
// a concrete value.
func (r *RunState) Set(task *Task, state *TaskState) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	next := state.Copy()
	if prev, ok := r.states[task]; ok && prev.Result.IsPurged() {
		next.purge()
	}
	r.states[task] = next
}

// Update applies fn to the stored state of a task under the write lock. It
// returns false if the task has no recorded state.
func (r *RunState) Update(task *Task, fn func(state *TaskState)) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	state, ok := r.states[task]
	if !ok {
		return false
	}
	wasPurged := state.Result.IsPurged()
	fn(state)
	if wasPurged {
		state.purge()
	}
	return true
}

// Successful reports whether the task has a recorded successful state.
func (r *RunState) Successful(task *Task) bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return r.states[task].IsSuccessful()
}

// Len returns the number of tasks with a recorded state
func (r *RunState) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return len(r.states)
}

// Snapshot returns a copy of every recorded state
func (r *RunState) Snapshot() map[*Task]*TaskState {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	snapshot := make(map[*Task]*TaskState, len(r.states))
	for task, state := range r.states {
		snapshot[task] = state.Copy()
	}
	return snapshot
}
