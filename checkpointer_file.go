package taskflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
)

// FileCheckpointer persists run checkpoints as JSON files, one directory per
// run with a latest.json link to the newest checkpoint.
type FileCheckpointer struct {
	dataDir string
}

// NewFileCheckpointer creates a new file-based checkpointer. An empty dataDir
// defaults to ~/.taskflow/runs.
func NewFileCheckpointer(dataDir string) (*FileCheckpointer, error) {
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".taskflow", "runs")
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}
	return &FileCheckpointer{dataDir: dataDir}, nil
}

// Dir returns the checkpoint root directory
func (c *FileCheckpointer) Dir() string {
	return c.dataDir
}

// SaveCheckpoint saves the run checkpoint to disk
func (c *FileCheckpointer) SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	runDir := filepath.Join(c.dataDir, checkpoint.RunID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}
	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	checkpointPath := filepath.Join(runDir, fmt.Sprintf("checkpoint-%s.json", checkpoint.ID))
	if err := os.WriteFile(checkpointPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	if err := c.updateLatest(checkpointPath, filepath.Join(runDir, "latest.json"), data); err != nil {
		return fmt.Errorf("failed to update latest checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint loads the latest checkpoint for a run. It returns nil when
// the run has no checkpoint.
func (c *FileCheckpointer) LoadCheckpoint(ctx context.Context, runID string) (*Checkpoint, error) {
	data, err := os.ReadFile(filepath.Join(c.dataDir, runID, "latest.json"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}
	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &checkpoint, nil
}

// DeleteCheckpoint removes all checkpoint data for a run
func (c *FileCheckpointer) DeleteCheckpoint(ctx context.Context, runID string) error {
	if err := os.RemoveAll(filepath.Join(c.dataDir, runID)); err != nil {
		return fmt.Errorf("failed to delete run directory: %w", err)
	}
	return nil
}

// ListRuns returns a summary of every run with a checkpoint, newest first
func (c *FileCheckpointer) ListRuns(ctx context.Context) ([]*RunSummary, error) {
	entries, err := os.ReadDir(c.dataDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []*RunSummary{}, nil
		}
		return nil, fmt.Errorf("failed to read runs directory: %w", err)
	}

	summaries := []*RunSummary{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		checkpoint, err := c.LoadCheckpoint(ctx, entry.Name())
		if err != nil || checkpoint == nil {
			// Skip runs we can't read
			continue
		}
		summaries = append(summaries, summarize(checkpoint))
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].StartTime.After(summaries[j].StartTime)
	})
	return summaries, nil
}

func summarize(checkpoint *Checkpoint) *RunSummary {
	summary := &RunSummary{
		RunID:     checkpoint.RunID,
		GraphName: checkpoint.GraphName,
		Status:    checkpoint.Status,
		StartTime: checkpoint.StartTime,
		EndTime:   checkpoint.EndTime,
		Tasks:     len(checkpoint.Tasks),
		Error:     checkpoint.Error,
	}
	if !checkpoint.EndTime.IsZero() {
		summary.Duration = checkpoint.EndTime.Sub(checkpoint.StartTime)
	} else {
		summary.Duration = checkpoint.CheckpointAt.Sub(checkpoint.StartTime)
	}
	for _, task := range checkpoint.Tasks {
		if task.Cached {
			summary.Cached++
		}
		if task.Purged {
			summary.Purged++
		}
	}
	return summary
}

// updateLatest points latestPath at the newest checkpoint. Windows gets a
// copy instead of a symlink.
func (c *FileCheckpointer) updateLatest(checkpointPath, latestPath string, data []byte) error {
	if _, err := os.Lstat(latestPath); err == nil {
		if err := os.Remove(latestPath); err != nil {
			return err
		}
	}
	if runtime.GOOS == "windows" {
		return os.WriteFile(latestPath, data, 0644)
	}
	rel, err := filepath.Rel(filepath.Dir(latestPath), checkpointPath)
	if err != nil {
		return err
	}
	return os.Symlink(rel, latestPath)
}
