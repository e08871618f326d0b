package taskflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error type constants for classification and matching
const (
	// ErrorTypeAll acts as a wildcard that matches any error except fatal errors
	ErrorTypeAll = "all"

	// ErrorTypeTaskFailed matches any error except timeouts and fatal errors
	ErrorTypeTaskFailed = "task_failed"

	// ErrorTypeTimeout matches a timeout context canceled error
	ErrorTypeTimeout = "timeout"

	// ErrorTypeUpstreamFailed marks a task that never ran because one of its
	// upstream tasks did not succeed.
	ErrorTypeUpstreamFailed = "upstream_failed"

	// ErrorTypeFatal indicates a task failed due to an error that retrying
	// cannot fix, such as a configuration error.
	ErrorTypeFatal = "fatal_error"
)

var (
	// ErrNotFound is returned by a Store when no checkpoint exists at the
	// resolved path.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrUnsupportedSubstitutions is returned by a Store that cannot resolve
	// its location from input substitutions.
	ErrUnsupportedSubstitutions = errors.New("store does not accept substitutions")

	// ErrResultPurged is returned when reading a result that was discarded
	// to reclaim memory.
	ErrResultPurged = errors.New("result was purged")
)

// ConfigurationError reports a setup problem that must be fixed by the
// operator. It is never retried.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Reason, e.Err)
	}
	return "configuration error: " + e.Reason
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// UnknownTaskError is returned by graph queries for a task that was never
// registered in the graph, e.g. a constant input.
type UnknownTaskError struct {
	Task string
}

func (e *UnknownTaskError) Error() string {
	return fmt.Sprintf("task %q is not part of the graph", e.Task)
}

// TaskError represents a structured error with classification.
// It supports Go's error wrapping patterns with Unwrap() method
type TaskError struct {
	Type    string `json:"type"`
	Cause   string `json:"cause"`
	Wrapped error  `json:"-"`
}

// Error implements the error interface
func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Cause)
}

// Unwrap implements the error unwrapping interface for Go's errors.Is and errors.As
func (e *TaskError) Unwrap() error {
	return e.Wrapped
}

// NewTaskError creates a new TaskError with the specified type and cause.
func NewTaskError(errorType, cause string) *TaskError {
	return &TaskError{
		Type:  errorType,
		Cause: cause,
	}
}

// ClassifyError attempts to classify a regular error into a TaskError
func ClassifyError(err error) *TaskError {
	var taskErr *TaskError
	if errors.As(err, &taskErr) {
		return taskErr
	}
	var configErr *ConfigurationError
	if errors.As(err, &configErr) {
		return &TaskError{
			Type:    ErrorTypeFatal,
			Cause:   err.Error(),
			Wrapped: err,
		}
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return &TaskError{
			Type:    ErrorTypeTimeout,
			Cause:   err.Error(),
			Wrapped: err,
		}
	}
	return &TaskError{
		Type:    ErrorTypeTaskFailed,
		Cause:   err.Error(),
		Wrapped: err,
	}
}

// MatchesErrorType checks if an error matches a specified error type pattern
func MatchesErrorType(err error, errorType string) bool {
	tErr := ClassifyError(err)
	// Fatal errors are only matched by the ErrorTypeFatal pattern
	if tErr.Type == ErrorTypeFatal {
		return errorType == ErrorTypeFatal
	}
	switch errorType {
	case ErrorTypeAll:
		return true
	case ErrorTypeTaskFailed:
		return tErr.Type != ErrorTypeTimeout
	default:
		return tErr.Type == errorType
	}
}

func upstreamFailedError(task string) *TaskError {
	return &TaskError{
		Type:  ErrorTypeUpstreamFailed,
		Cause: fmt.Sprintf("upstream of task %q did not succeed", task),
	}
}
