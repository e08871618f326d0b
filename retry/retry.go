// Package retry runs operations with bounded retries and exponential backoff.
package retry

import (
	"context"
	"math/rand/v2"
	"time"
)

type options struct {
	maxRetries int
	baseWait   time.Duration
	maxWait    time.Duration
	retryIf    func(error) bool
	onRetry    func(attempt int, err error)
}

// Option configures Do.
type Option func(*options)

// WithMaxRetries sets the number of retries after the first attempt.
func WithMaxRetries(n int) Option {
	return func(o *options) {
		o.maxRetries = n
	}
}

// WithBaseWait sets the wait before the first retry. Later waits double.
func WithBaseWait(d time.Duration) Option {
	return func(o *options) {
		o.baseWait = d
	}
}

// WithMaxWait caps the wait between attempts.
func WithMaxWait(d time.Duration) Option {
	return func(o *options) {
		o.maxWait = d
	}
}

// WithRetryIf sets the predicate deciding whether an error is retried.
// Defaults to IsRecoverable.
func WithRetryIf(fn func(error) bool) Option {
	return func(o *options) {
		o.retryIf = fn
	}
}

// WithOnRetry registers a function called before each retry.
func WithOnRetry(fn func(attempt int, err error)) Option {
	return func(o *options) {
		o.onRetry = fn
	}
}

// Do calls fn until it succeeds, returns an error that should not be
// retried, the retries are exhausted or ctx is done. It returns the last
// error returned by fn.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	o := &options{
		maxRetries: 3,
		baseWait:   time.Second,
		maxWait:    time.Minute,
		retryIf:    IsRecoverable,
	}
	for _, opt := range opts {
		opt(o)
	}

	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt >= o.maxRetries || !o.retryIf(err) {
			return err
		}
		if o.onRetry != nil {
			o.onRetry(attempt+1, err)
		}
		timer := time.NewTimer(o.backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}

// backoff returns the wait before retry number attempt+1, with up to 10%
// jitter.
func (o *options) backoff(attempt int) time.Duration {
	wait := o.baseWait
	for i := 0; i < attempt && wait < o.maxWait; i++ {
		wait *= 2
	}
	if wait > o.maxWait {
		wait = o.maxWait
	}
	if wait <= 0 {
		return 0
	}
	jitter := time.Duration(rand.Int64N(int64(wait)/10 + 1))
	return wait + jitter
}
