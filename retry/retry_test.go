package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecoverableError(t *testing.T) {
	err := NewRecoverableError(errors.New("test error"))
	assert.True(t, IsRecoverable(err))
	assert.True(t, IsRecoverable(fmt.Errorf("wrapped: %w", err)))
	assert.False(t, IsRecoverable(errors.New("test error")))
	assert.False(t, IsRecoverable(nil))
	assert.False(t, IsRecoverable(NewNonRecoverableError(errors.New("connection refused"))))
	assert.True(t, IsRecoverable(errors.New("dial tcp: connection refused")))
	assert.True(t, IsRecoverable(context.DeadlineExceeded))
	assert.False(t, IsRecoverable(context.Canceled))
}

func TestRetry(t *testing.T) {
	ctx := context.Background()
	count := 0
	err := Do(ctx, func() error {
		count++
		return NewRecoverableError(errors.New("test error"))
	}, WithMaxRetries(3), WithBaseWait(time.Millisecond*5))
	assert.Error(t, err)
	assert.Equal(t, "test error", err.Error())
	assert.Equal(t, 4, count)
}

func TestRetryZeroMaxRetries(t *testing.T) {
	ctx := context.Background()
	count := 0
	err := Do(ctx, func() error {
		count++
		return NewRecoverableError(errors.New("test error"))
	}, WithMaxRetries(0), WithBaseWait(time.Millisecond*5))
	assert.Error(t, err)
	assert.Equal(t, 1, count) // Should still try once even with 0 retries
}

func TestRetryStopsOnSuccess(t *testing.T) {
	count := 0
	var retried []int
	err := Do(context.Background(), func() error {
		count++
		if count < 3 {
			return errors.New("boom")
		}
		return nil
	},
		WithMaxRetries(5),
		WithBaseWait(time.Millisecond),
		WithRetryIf(func(error) bool { return true }),
		WithOnRetry(func(attempt int, err error) { retried = append(retried, attempt) }),
	)
	assert.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestRetrySkipsNonRecoverable(t *testing.T) {
	count := 0
	err := Do(context.Background(), func() error {
		count++
		return errors.New("permanent")
	}, WithMaxRetries(5), WithBaseWait(time.Millisecond))
	assert.EqualError(t, err, "permanent")
	assert.Equal(t, 1, count)
}

func TestRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	count := 0
	err := Do(ctx, func() error {
		count++
		cancel()
		return NewRecoverableError(errors.New("try again"))
	}, WithMaxRetries(5), WithBaseWait(time.Hour))
	assert.EqualError(t, err, "try again")
	assert.Equal(t, 1, count)
}

func TestBackoffIsCapped(t *testing.T) {
	o := &options{baseWait: 10 * time.Millisecond, maxWait: 40 * time.Millisecond}
	assert.GreaterOrEqual(t, o.backoff(0), 10*time.Millisecond)
	assert.GreaterOrEqual(t, o.backoff(2), 40*time.Millisecond)
	assert.LessOrEqual(t, o.backoff(10), 44*time.Millisecond)
}
