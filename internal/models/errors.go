package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrValidation        = errors.New("validation error")
	ErrActiveJobExists   = errors.New("an active job already exists for this scope")
	ErrJobTerminal       = errors.New("job is in a terminal state")
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrChunkInProgress   = errors.New("a chunk is already in progress for this job")
	ErrStaleCursor       = errors.New("stale cursor")
	ErrCancelling        = errors.New("job is being cancelled")
	ErrLockNotHeld       = errors.New("chunk lock is not held by this executor")
	ErrJobBusy           = errors.New("job is actively processing")
)

// Suggested actions surfaced next to user-visible failures.
const (
	ActionRetry          = "retry manually"
	ActionRefresh        = "already running, refresh to see progress"
	ActionForceResume    = "force-resume the job"
	ActionWait           = "wait for the current chunk to finish"
	ActionContactSupport = "contact support"
	ActionNone           = ""
)

// JobError is a failure with a human-readable message and a suggested action.
type JobError struct {
	Code    string
	Message string
	Action  string
	Err     error
}

func (e *JobError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

func NewJobError(code, message, action string, cause error) *JobError {
	return &JobError{Code: code, Message: message, Action: action, Err: cause}
}

// ActionFor maps a job-level error onto the action a user should take.
func ActionFor(err error) string {
	var je *JobError
	if errors.As(err, &je) && je.Action != "" {
		return je.Action
	}
	switch {
	case errors.Is(err, ErrChunkInProgress):
		return ActionRefresh
	case errors.Is(err, ErrStaleCursor):
		return ActionRefresh
	case errors.Is(err, ErrJobBusy):
		return ActionWait
	case errors.Is(err, ErrActiveJobExists):
		return ActionRefresh
	case errors.Is(err, ErrJobTerminal), errors.Is(err, ErrCancelling), errors.Is(err, ErrValidation):
		return ActionNone
	default:
		return ActionRetry
	}
}
