package taskflow

import (
	"context"
	"time"
)

// Checkpointer is the executor's native run checkpointing. It snapshots the
// whole run after every task and cannot be combined with a CheckpointHandler.
type Checkpointer interface {
	// SaveCheckpoint saves the current run state
	SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error

	// LoadCheckpoint loads the latest checkpoint for a run
	LoadCheckpoint(ctx context.Context, runID string) (*Checkpoint, error)

	// DeleteCheckpoint removes checkpoint data for a run
	DeleteCheckpoint(ctx context.Context, runID string) error
}

// RunSummary provides a summary view of a run
type RunSummary struct {
	RunID     string        `json:"run_id"`
	GraphName string        `json:"graph_name"`
	Status    string        `json:"status"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time,omitzero"`
	Duration  time.Duration `json:"duration"`
	Tasks     int           `json:"tasks"`
	Cached    int           `json:"cached"`
	Purged    int           `json:"purged"`
	Error     string        `json:"error,omitempty"`
}

// NullCheckpointer is a no-op implementation
type NullCheckpointer struct{}

func NewNullCheckpointer() *NullCheckpointer {
	return &NullCheckpointer{}
}

func (c *NullCheckpointer) SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	return nil
}

func (c *NullCheckpointer) LoadCheckpoint(ctx context.Context, runID string) (*Checkpoint, error) {
	return nil, nil
}

func (c *NullCheckpointer) DeleteCheckpoint(ctx context.Context, runID string) error {
	return nil
}
