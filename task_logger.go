package taskflow

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// TaskLogEntry records one finished task (or mapped child) of a run
type TaskLogEntry struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	Task      string         `json:"task"`
	MapIndex  int            `json:"map_index"`
	Status    Status         `json:"status"`
	Inputs    map[string]any `json:"inputs,omitempty"`
	Result    any            `json:"result,omitempty"`
	Cached    bool           `json:"cached,omitempty"`
	Message   string         `json:"message,omitempty"`
	Error     string         `json:"error,omitempty"`
	StartTime time.Time      `json:"start_time"`
	Duration  float64        `json:"duration"`
}

// TaskLogger records finished tasks
type TaskLogger interface {
	// LogTask logs a finished task
	LogTask(ctx context.Context, entry *TaskLogEntry) error

	// GetTaskHistory retrieves the task log for a run
	GetTaskHistory(ctx context.Context, runID string) ([]*TaskLogEntry, error)
}

// FileTaskLogger writes one newline-delimited JSON file per run.
type FileTaskLogger struct {
	directory string
	mutex     sync.Mutex
}

func NewFileTaskLogger(directory string) *FileTaskLogger {
	return &FileTaskLogger{directory: directory}
}

func (l *FileTaskLogger) runLogPath(runID string) string {
	return filepath.Join(l.directory, fmt.Sprintf("%s.jsonl", runID))
}

func (l *FileTaskLogger) GetTaskHistory(ctx context.Context, runID string) ([]*TaskLogEntry, error) {
	data, err := os.ReadFile(l.runLogPath(runID))
	if err != nil {
		return nil, err
	}
	var entries []*TaskLogEntry
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		var entry TaskLogEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, err
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

func (l *FileTaskLogger) LogTask(ctx context.Context, entry *TaskLogEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	l.mutex.Lock()
	defer l.mutex.Unlock()

	path := l.runLogPath(entry.RunID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return err
	}
	return f.Sync()
}

// NullTaskLogger is a no-op implementation of TaskLogger.
type NullTaskLogger struct{}

func NewNullTaskLogger() *NullTaskLogger {
	return &NullTaskLogger{}
}

func (l *NullTaskLogger) LogTask(ctx context.Context, entry *TaskLogEntry) error {
	return nil
}

func (l *NullTaskLogger) GetTaskHistory(ctx context.Context, runID string) ([]*TaskLogEntry, error) {
	return nil, nil
}
