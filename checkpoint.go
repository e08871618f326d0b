package taskflow

import "time"

// Checkpoint contains a snapshot of every task state of a run
type Checkpoint struct {
	ID           string                   `json:"id"`
	RunID        string                   `json:"run_id"`
	GraphName    string                   `json:"graph_name"`
	Status       string                   `json:"status"`
	Params       map[string]any           `json:"params"`
	Tasks        map[string]*TaskSnapshot `json:"tasks"`
	Error        string                   `json:"error,omitempty"`
	StartTime    time.Time                `json:"start_time,omitzero"`
	EndTime      time.Time                `json:"end_time,omitzero"`
	CheckpointAt time.Time                `json:"checkpoint_at"`
}

// TaskSnapshot is the serializable form of a TaskState
type TaskSnapshot struct {
	Status    Status          `json:"status"`
	Message   string          `json:"message,omitempty"`
	Error     string          `json:"error,omitempty"`
	Cached    bool            `json:"cached,omitempty"`
	Purged    bool            `json:"purged,omitempty"`
	Result    any             `json:"result,omitempty"`
	Children  []*TaskSnapshot `json:"children,omitempty"`
	StartTime time.Time       `json:"start_time,omitzero"`
	EndTime   time.Time       `json:"end_time,omitzero"`
}

// newTaskSnapshot converts a task state into its serializable form.
func newTaskSnapshot(state *TaskState) *TaskSnapshot {
	snapshot := &TaskSnapshot{
		Status:    state.Status,
		Message:   state.Message,
		Cached:    state.Cached,
		Purged:    state.Result.IsPurged(),
		Result:    state.Result.Value(),
		StartTime: state.StartTime,
		EndTime:   state.EndTime,
	}
	if state.Error != nil {
		snapshot.Error = state.Error.Error()
	}
	for _, child := range state.Children {
		snapshot.Children = append(snapshot.Children, newTaskSnapshot(child))
	}
	return snapshot
}
