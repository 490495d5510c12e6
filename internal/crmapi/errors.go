package crmapi

import (
	"errors"
	"fmt"
	"time"
)

// ErrAuthExpired signals that the access token was rejected and the
// credential needs a refresh before the call can be retried.
var ErrAuthExpired = errors.New("crm access token expired")

// ErrRemoteNotFound is returned when the remote record does not exist.
var ErrRemoteNotFound = errors.New("crm record not found")

// RateLimitedError is returned on HTTP 429. RetryAfter carries the remote's
// requested delay (zero when the header was absent or unparsable).
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("crm rate limited, retry after %s", e.RetryAfter)
}

// RemoteConflictError is returned when the remote rejects a write due to an
// optimistic-lock mismatch (the record changed since it was read).
type RemoteConflictError struct {
	Message string
}

func (e *RemoteConflictError) Error() string {
	return fmt.Sprintf("crm version conflict: %s", e.Message)
}

// ValidationError is a non-retryable remote rejection, surfaced to the operator.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("crm validation error: %s", e.Message)
}

// UnavailableError is a retryable transient failure (5xx, network error, timeout).
type UnavailableError struct {
	Status int
	Err    error
}

func (e *UnavailableError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("crm unavailable (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("crm unavailable: %v", e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the error class should be recovered via
// retry/backoff rather than surfaced immediately.
func IsRetryable(err error) bool {
	var rl *RateLimitedError
	var un *UnavailableError
	return errors.As(err, &rl) || errors.As(err, &un)
}
