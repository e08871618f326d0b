package taskflow

import (
	"context"
	"errors"
	"io"
	"log/slog"
)

// Purger discards the in-memory results of tasks whose every consumer has
// succeeded. It runs as an AfterTask callback.
type Purger struct {
	BaseCallbacks
	graph  *Graph
	states *RunState
	logger *slog.Logger
}

// NewPurger returns a purger over the states of one run of graph.
func NewPurger(graph *Graph, states *RunState, logger *slog.Logger) *Purger {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Purger{graph: graph, states: states, logger: logger}
}

// AfterTask runs Analyze for the finished task.
func (p *Purger) AfterTask(ctx context.Context, event *TaskEvent) {
	p.Analyze(ctx, event.Task, event.Upstream)
}

// Analyze checks each upstream task of finished and purges those whose
// outgoing edges all lead to succeeded tasks, the finished task excepted.
// It returns the tasks purged by this call.
func (p *Purger) Analyze(ctx context.Context, finished *Task, upstream []*Edge) []*Task {
	if !p.states.Successful(finished) {
		return nil
	}
	var purged []*Task
	seen := map[*Task]bool{}
	for _, in := range upstream {
		candidate := in.Upstream
		if seen[candidate] {
			continue
		}
		seen[candidate] = true
		if p.purgeable(candidate, finished) && p.purge(candidate) {
			purged = append(purged, candidate)
		}
	}
	return purged
}

func (p *Purger) purgeable(candidate, finished *Task) bool {
	edges, err := p.graph.EdgesFrom(candidate)
	if err != nil {
		var unknown *UnknownTaskError
		if errors.As(err, &unknown) {
			return false
		}
		p.logger.Warn("purge lookup failed", "task", candidate.Name, "error", err)
		return false
	}
	for _, edge := range edges {
		if edge.Downstream == finished {
			continue
		}
		if !p.states.Successful(edge.Downstream) {
			return false
		}
	}
	return true
}

// purge marks the candidate result as purged if the candidate succeeded and
// was not already purged.
func (p *Purger) purge(candidate *Task) bool {
	changed := false
	p.states.Update(candidate, func(state *TaskState) {
		if !state.IsSuccessful() || state.IsPurged() {
			return
		}
		state.purge()
		changed = true
	})
	if changed {
		p.logger.Debug("purged task result", "task", candidate.Name)
	}
	return changed
}
