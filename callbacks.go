package taskflow

import (
	"context"
	"time"
)

// RunCallbacks defines the callback interface for run events
type RunCallbacks interface {
	// Run-level callbacks
	BeforeRun(ctx context.Context, event *RunEvent)
	AfterRun(ctx context.Context, event *RunEvent)

	// Task-level callbacks
	BeforeTask(ctx context.Context, event *TaskEvent)
	AfterTask(ctx context.Context, event *TaskEvent)
}

// RunEvent provides context for run-level events
type RunEvent struct {
	RunID     string
	GraphName string
	Status    RunStatus
	Params    map[string]any
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	TaskCount int
	Error     error
}

// TaskEvent provides context for task-level events. AfterTask receives the
// final state of the task and the edges into it.
type TaskEvent struct {
	RunID     string
	GraphName string
	Task      *Task
	State     *TaskState
	Upstream  []*Edge
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Error     error
}

// BaseCallbacks provides a default implementation that does nothing
type BaseCallbacks struct{}

func (b *BaseCallbacks) BeforeRun(ctx context.Context, event *RunEvent) {
	// noop
}

func (b *BaseCallbacks) AfterRun(ctx context.Context, event *RunEvent) {
	// noop
}

func (b *BaseCallbacks) BeforeTask(ctx context.Context, event *TaskEvent) {
	// noop
}

func (b *BaseCallbacks) AfterTask(ctx context.Context, event *TaskEvent) {
	// noop
}

// CallbackChain allows chaining multiple callback implementations
type CallbackChain struct {
	callbacks []RunCallbacks
}

// NewCallbackChain creates a new callback chain
func NewCallbackChain(callbacks ...RunCallbacks) *CallbackChain {
	return &CallbackChain{callbacks: callbacks}
}

// Add adds a callback to the chain
func (c *CallbackChain) Add(callback RunCallbacks) {
	c.callbacks = append(c.callbacks, callback)
}

func (c *CallbackChain) BeforeRun(ctx context.Context, event *RunEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeRun(ctx, event)
	}
}

func (c *CallbackChain) AfterRun(ctx context.Context, event *RunEvent) {
	for _, callback := range c.callbacks {
		callback.AfterRun(ctx, event)
	}
}

func (c *CallbackChain) BeforeTask(ctx context.Context, event *TaskEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeTask(ctx, event)
	}
}

func (c *CallbackChain) AfterTask(ctx context.Context, event *TaskEvent) {
	for _, callback := range c.callbacks {
		callback.AfterTask(ctx, event)
	}
}
