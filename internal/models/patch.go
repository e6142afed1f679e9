package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Condition is the predicate a conditional update must satisfy against the stored row.
type Condition struct {
	// Statuses is the set of statuses the row must currently be in. Required.
	Statuses []JobStatus
	// LockOwner, when set, requires the chunk lock to be held by that owner.
	LockOwner *string
	// HeartbeatNotAfter, when set, requires the last heartbeat to be absent or not newer.
	HeartbeatNotAfter *time.Time
}

// InStatus is shorthand for a status-only condition.
func InStatus(statuses ...JobStatus) Condition {
	return Condition{Statuses: statuses}
}

// Check verifies cond against job.
func (c Condition) Check(job *Job) error {
	if len(c.Statuses) == 0 {
		return fmt.Errorf("%w: condition needs at least one expected status", ErrValidation)
	}
	if !ContainsStatus(c.Statuses, job.Status) {
		return fmt.Errorf("%w: job %s is %s, expected one of %v", ErrConflict, job.ID, job.Status, c.Statuses)
	}
	if c.LockOwner != nil {
		if job.LockOwner == nil || *job.LockOwner != *c.LockOwner {
			return fmt.Errorf("%w: %w", ErrConflict, ErrLockNotHeld)
		}
	}
	if c.HeartbeatNotAfter != nil && job.LastHeartbeatAt != nil && job.LastHeartbeatAt.After(*c.HeartbeatNotAfter) {
		return fmt.Errorf("%w: %w: heartbeat %s is newer than %s", ErrConflict, ErrJobBusy,
			job.LastHeartbeatAt.Format(time.RFC3339Nano), c.HeartbeatNotAfter.Format(time.RFC3339Nano))
	}
	return nil
}

// JobPatch describes a mutation. Counters are deltas so they can only grow;
// cursor and heartbeat only move forward.
type JobPatch struct {
	Status *JobStatus

	ProcessedDelta int
	SucceededDelta int
	FailedDelta    int
	ChunksDelta    int
	CurrentIndex   *int

	Heartbeat *time.Time

	RequestCancel bool
	CancelReason  *string

	ErrorMessage *string
	Note         *string
	ClearNote    bool

	ReleaseLock bool

	AutoResumeFailures    *int
	AutoResumeAttemptedAt *time.Time

	Metadata json.RawMessage
}

// StatusPtr is a helper for JobPatch.Status.
func StatusPtr(s JobStatus) *JobStatus { return &s }

// ApplyPatch checks cond and applies patch to job in place. Stores call it inside
// the transaction that holds the row so the check and the write are atomic.
func ApplyPatch(job *Job, cond Condition, patch JobPatch, now time.Time) error {
	target := job.Status
	if patch.Status != nil {
		target = *patch.Status
	}
	// A self transition still fails on a terminal row.
	if err := TransitionJobStatus(job, target); err != nil {
		return err
	}
	if err := cond.Check(job); err != nil {
		return err
	}
	if patch.ProcessedDelta < 0 || patch.SucceededDelta < 0 || patch.FailedDelta < 0 || patch.ChunksDelta < 0 {
		return fmt.Errorf("%w: counter deltas must not be negative", ErrValidation)
	}
	if patch.ErrorMessage != nil && target != JobStatusError {
		return fmt.Errorf("%w: error_message is only set together with status %q", ErrValidation, JobStatusError)
	}
	if target == JobStatusCancelled && !job.IsCancelling && !patch.RequestCancel {
		return fmt.Errorf("%w: cancellation must be requested before a job is cancelled", ErrValidation)
	}

	job.ProcessedUnits += patch.ProcessedDelta
	job.SucceededUnits += patch.SucceededDelta
	job.FailedUnits += patch.FailedDelta
	job.ChunksProcessed += patch.ChunksDelta
	if patch.CurrentIndex != nil && *patch.CurrentIndex > job.CurrentIndex {
		job.CurrentIndex = *patch.CurrentIndex
	}
	if patch.Heartbeat != nil && (job.LastHeartbeatAt == nil || patch.Heartbeat.After(*job.LastHeartbeatAt)) {
		hb := *patch.Heartbeat
		job.LastHeartbeatAt = &hb
	}
	if patch.RequestCancel {
		job.IsCancelling = true
		if patch.CancelReason != nil && job.CancelReason == nil {
			job.CancelReason = cloneString(patch.CancelReason)
		}
	}
	if patch.ErrorMessage != nil {
		job.ErrorMessage = cloneString(patch.ErrorMessage)
	}
	if patch.ClearNote {
		job.Note = nil
	}
	if patch.Note != nil {
		job.Note = cloneString(patch.Note)
	}
	if patch.AutoResumeFailures != nil {
		job.AutoResumeFailures = *patch.AutoResumeFailures
	}
	if patch.AutoResumeAttemptedAt != nil {
		job.AutoResumeAttemptedAt = cloneTime(patch.AutoResumeAttemptedAt)
	}
	if patch.Metadata != nil {
		job.Metadata = append(json.RawMessage(nil), patch.Metadata...)
	}

	if target == JobStatusProcessing && job.StartedAt == nil {
		job.StartedAt = TimePtr(now)
	}
	job.Status = target
	if target.IsTerminal() {
		job.CompletedAt = TimePtr(now)
		patch.ReleaseLock = true
	}
	if patch.ReleaseLock {
		ClearLock(job)
	}
	job.UpdatedAt = now
	return nil
}
