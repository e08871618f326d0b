package retry

import (
	"context"
	"errors"
	"net"
	"strings"
)

// RecoverableError is implemented by errors that know whether retrying the
// failed operation can succeed.
type RecoverableError interface {
	error
	IsRecoverable() bool
}

// transientPatterns are lower-cased error message fragments that indicate a
// transient failure.
var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"temporary failure",
	"too many connections",
	"rate limit",
	"service unavailable",
	"resource temporarily unavailable",
}

// IsRecoverable checks if an error can be retried
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var recoverable RecoverableError
	if errors.As(err, &recoverable) {
		return recoverable.IsRecoverable()
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// markedError wraps an error with an explicit recoverability verdict.
type markedError struct {
	err         error
	recoverable bool
}

func (e *markedError) Error() string {
	return e.err.Error()
}

func (e *markedError) IsRecoverable() bool {
	return e.recoverable
}

func (e *markedError) Unwrap() error {
	return e.err
}

// NewRecoverableError marks err as safe to retry.
func NewRecoverableError(err error) error {
	return &markedError{err: err, recoverable: true}
}

// NewNonRecoverableError marks err as not worth retrying.
func NewNonRecoverableError(err error) error {
	return &markedError{err: err, recoverable: false}
}
