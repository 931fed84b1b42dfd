package protocol

import (
	"context"
	"errors"
	"fmt"

	"github.com/civion/civion/pkg/models"
)

// ErrSuspend is the sentinel returned by the approval executor: the step is
// not terminal, the run parks in Suspended and the worker is released.
var ErrSuspend = errors.New("step suspended awaiting approval")

// IsSuspend reports whether the execution result is the suspension sentinel.
func IsSuspend(err error) bool {
	return errors.Is(err, ErrSuspend)
}

// ExecutionError carries the failure classification the retry policy keys
// on.
type ExecutionError struct {
	Kind models.ErrorKind
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// NewTransientError marks a failure as retryable per policy.
func NewTransientError(err error) *ExecutionError {
	return &ExecutionError{Kind: models.ErrorKindTransient, Err: err}
}

// NewPermanentError marks a failure that must not be retried.
func NewPermanentError(err error) *ExecutionError {
	return &ExecutionError{Kind: models.ErrorKindPermanent, Err: err}
}

// NewTimeoutError marks a deadline failure, retryable per policy.
func NewTimeoutError(err error) *ExecutionError {
	return &ExecutionError{Kind: models.ErrorKindTimeout, Err: err}
}

// NewCancelledError marks a failure caused by run cancellation.
func NewCancelledError(err error) *ExecutionError {
	return &ExecutionError{Kind: models.ErrorKindCancelled, Err: err}
}

// Classify maps an execution failure to its error kind. Deadline expiry maps
// to Timeout and context cancellation to Cancelled even when the executor
// did not wrap its error. Unclassified errors count as Transient.
func Classify(err error) models.ErrorKind {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Kind
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return models.ErrorKindTimeout
	case errors.Is(err, context.Canceled):
		return models.ErrorKindCancelled
	default:
		return models.ErrorKindTransient
	}
}
