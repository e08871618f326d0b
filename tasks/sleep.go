package tasks

import (
	"context"
	"errors"
	"time"

	"github.com/deepnoodle-ai/taskflow"
)

// SleepKind waits for the "duration" setting. Its result is the "value"
// input when one is wired, otherwise the slept duration.
type SleepKind struct{}

func NewSleepKind() *SleepKind {
	return &SleepKind{}
}

func (k *SleepKind) Name() string {
	return "sleep"
}

func (k *SleepKind) Build(def *taskflow.TaskDefinition) (taskflow.TaskFunc, error) {
	duration, ok, err := durationSetting(def, "duration")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("sleep task requires 'duration' setting")
	}
	if duration <= 0 {
		return nil, errors.New("duration must be positive")
	}
	return func(ctx context.Context, inputs map[string]any) (any, error) {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
		if value, ok := inputs["value"]; ok {
			return value, nil
		}
		return duration.String(), nil
	}, nil
}
