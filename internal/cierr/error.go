// Package cierr defines the error taxonomy of bambridge.
// All externally triggered operations terminate in a Result tuple, errors
// never propagate past the webhook handlers or scheduled tasks.
package cierr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// RetryableError marks an error as transient.
// After is the earliest point in time the operation can be retried, the
// zero value means anytime.
type RetryableError struct {
	Err   error
	After time.Time
}

func NewRetryableError(originalErr error, retryAfter time.Time) *RetryableError {
	return &RetryableError{
		Err:   originalErr,
		After: retryAfter,
	}
}

func NewRetryableAnytimeError(originalErr error) *RetryableError {
	return &RetryableError{
		Err: originalErr,
	}
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

func (e *RetryableError) Error() string {
	if e.After.IsZero() {
		return fmt.Sprintf("retryable error: %s", e.Err)
	}

	return fmt.Sprintf("retryable error (after %s): %s", e.After, e.Err)
}

// Definitive failure categories.
// Validation, NotFound, QuotaExceeded and AlreadyInProgress are never
// retried.
var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrQuotaExceeded     = errors.New("re-run quota exceeded")
	ErrAlreadyInProgress = errors.New("check suite has jobs in progress")
	ErrNoJobsScheduled   = errors.New("backend scheduled no jobs for the plan")
)

// BackendError describes an error status returned by the build backend.
type BackendError struct {
	// StatusCode is the http status code the backend answered with.
	StatusCode int
	// Throttled is true when the backend refused the build because too
	// many builds run concurrently. The operation can be retried later.
	Throttled bool
	Body      string
}

func (e *BackendError) Error() string {
	if e.Throttled {
		return fmt.Sprintf("backend refused build, too many concurrent builds (http %d)", e.StatusCode)
	}

	return fmt.Sprintf("backend rejected request (http %d): %s", e.StatusCode, e.Body)
}

// BackendUnreachableError wraps a transport-level failure talking to the
// build backend or GitHub.
type BackendUnreachableError struct {
	Err error
}

func (e *BackendUnreachableError) Error() string {
	return fmt.Sprintf("backend unreachable: %s", e.Err)
}

func (e *BackendUnreachableError) Unwrap() error {
	return e.Err
}

// Result is the (status, message) tuple all webhook handlers and
// scheduled tasks terminate in.
type Result struct {
	Status  int
	Message string
}

func OK(msg string) Result {
	return Result{Status: http.StatusOK, Message: msg}
}

func (r Result) Success() bool {
	return r.Status >= 200 && r.Status < 300
}

// ResultFromError maps an error to the Result tuple that is surfaced to
// the caller.
func ResultFromError(err error) Result {
	var backendErr *BackendError
	var unreachableErr *BackendUnreachableError

	switch {
	case err == nil:
		return OK("")

	case errors.Is(err, ErrValidation), errors.Is(err, ErrNoJobsScheduled):
		return Result{Status: http.StatusUnprocessableEntity, Message: err.Error()}

	case errors.Is(err, ErrNotFound):
		return Result{Status: http.StatusNotFound, Message: err.Error()}

	case errors.Is(err, ErrQuotaExceeded):
		return Result{Status: http.StatusForbidden, Message: err.Error()}

	case errors.Is(err, ErrAlreadyInProgress):
		return Result{Status: http.StatusNotAcceptable, Message: err.Error()}

	case errors.As(err, &backendErr):
		if backendErr.Throttled {
			return Result{Status: http.StatusTooManyRequests, Message: backendErr.Error()}
		}

		return Result{Status: http.StatusBadGateway, Message: backendErr.Error()}

	case errors.As(err, &unreachableErr):
		return Result{Status: http.StatusServiceUnavailable, Message: unreachableErr.Error()}

	default:
		return Result{Status: http.StatusInternalServerError, Message: err.Error()}
	}
}
