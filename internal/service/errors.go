package service

import (
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrValidation marks malformed or oversized client input. Rejected
	// before anything is persisted or any provider call is made.
	ErrValidation = errors.New("validation error")

	// ErrNotReady is returned by the results query while the job has not
	// reached a terminal success state.
	ErrNotReady = errors.New("job results not ready")

	// ErrNotCancellable is returned when cancellation hits a job that is
	// already terminal.
	ErrNotCancellable = errors.New("job cannot be cancelled")
)

// SubmissionError reports a provider rejection of a job that was already
// persisted: the job is marked failed but stays queryable by id, so the
// caller can look the failure up through the status API.
type SubmissionError struct {
	JobID uuid.UUID
	Err   error
}

func (e *SubmissionError) Error() string { return e.Err.Error() }

func (e *SubmissionError) Unwrap() error { return e.Err }
