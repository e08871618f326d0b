package taskflow

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFileCheckpointer(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	checkpointer, err := NewFileCheckpointer(dir)
	require.NoError(t, err)
	require.Equal(t, dir, checkpointer.Dir())

	missing, err := checkpointer.LoadCheckpoint(ctx, "run_missing")
	require.NoError(t, err)
	require.Nil(t, missing)

	start := time.Now().Add(-time.Minute).UTC().Truncate(time.Second)
	first := &Checkpoint{
		ID: "1", RunID: "run_a", GraphName: "g", Status: string(RunStatusRunning),
		Tasks: map[string]*TaskSnapshot{
			"x": {Status: StatusSucceeded, Purged: true},
			"y": {Status: StatusSucceeded, Cached: true, Result: "v"},
		},
		StartTime: start, CheckpointAt: start.Add(time.Second),
	}
	require.NoError(t, checkpointer.SaveCheckpoint(ctx, first))

	second := *first
	second.ID = "2"
	second.Status = string(RunStatusSucceeded)
	second.EndTime = start.Add(10 * time.Second)
	require.NoError(t, checkpointer.SaveCheckpoint(ctx, &second))

	loaded, err := checkpointer.LoadCheckpoint(ctx, "run_a")
	require.NoError(t, err)
	require.Equal(t, "2", loaded.ID)
	require.Equal(t, "v", loaded.Tasks["y"].Result)

	other := &Checkpoint{ID: "1", RunID: "run_b", GraphName: "g", Status: "failed", Error: "boom", StartTime: start.Add(time.Second)}
	require.NoError(t, checkpointer.SaveCheckpoint(ctx, other))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stray.txt"), []byte("x"), 0o644))

	summaries, err := checkpointer.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	require.Equal(t, "run_b", summaries[0].RunID)
	require.Equal(t, "boom", summaries[0].Error)
	require.Equal(t, "run_a", summaries[1].RunID)
	require.Equal(t, 1, summaries[1].Cached)
	require.Equal(t, 1, summaries[1].Purged)
	require.Equal(t, 2, summaries[1].Tasks)
	require.Equal(t, 10*time.Second, summaries[1].Duration)

	require.NoError(t, checkpointer.DeleteCheckpoint(ctx, "run_a"))
	loaded, err = checkpointer.LoadCheckpoint(ctx, "run_a")
	require.NoError(t, err)
	require.Nil(t, loaded)
}

func TestNullCheckpointer(t *testing.T) {
	ctx := context.Background()
	checkpointer := NewNullCheckpointer()
	require.NoError(t, checkpointer.SaveCheckpoint(ctx, &Checkpoint{RunID: "r"}))
	loaded, err := checkpointer.LoadCheckpoint(ctx, "r")
	require.NoError(t, err)
	require.Nil(t, loaded)
	require.NoError(t, checkpointer.DeleteCheckpoint(ctx, "r"))
}

func TestFileTaskLogger(t *testing.T) {
	ctx := context.Background()
	logger := NewFileTaskLogger(filepath.Join(t.TempDir(), "logs"))

	_, err := logger.GetTaskHistory(ctx, "run_none")
	require.Error(t, err)

	for i, name := range []string{"a", "b"} {
		require.NoError(t, logger.LogTask(ctx, &TaskLogEntry{
			ID: name, RunID: "run_1", Task: name, MapIndex: i - 1, Status: StatusSucceeded,
			Inputs: map[string]any{"x": "1"}, Result: name,
		}))
	}
	entries, err := logger.GetTaskHistory(ctx, "run_1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "a", entries[0].Task)
	require.Equal(t, -1, entries[0].MapIndex)
	require.Equal(t, map[string]any{"x": "1"}, entries[0].Inputs)
	require.Equal(t, "b", entries[1].Result)

	null := NewNullTaskLogger()
	require.NoError(t, null.LogTask(ctx, &TaskLogEntry{}))
	history, err := null.GetTaskHistory(ctx, "run_1")
	require.NoError(t, err)
	require.Nil(t, history)
}
