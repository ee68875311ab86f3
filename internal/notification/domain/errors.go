package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrMessageNotFound is returned when no in-app message matches a lookup,
	// including when a snoozed message was deleted or already reactivated
	ErrMessageNotFound = errors.New("message not found")

	// ErrJobAlreadyClaimed is returned when attempting to claim a job that's
	// already claimed or no longer QUEUED
	ErrJobAlreadyClaimed = errors.New("job already claimed or not in QUEUED status")

	// ErrInvalidJobMessage is returned when a queue message is missing
	// identifying fields in both the current and the legacy wire shape
	ErrInvalidJobMessage = errors.New("invalid job message")

	// ErrOrganizationNotFound marks a job whose owning organization was
	// deleted after scheduling; the worker drops such jobs silently
	ErrOrganizationNotFound = errors.New("organization not found")
)

// RetryableError wraps transient step failures that are eligible for backoff
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err is eligible for backoff and redelivery.
func IsRetryable(err error) bool {
	var retryable *RetryableError
	return errors.As(err, &retryable)
}
