package models

import (
	"fmt"
	"strings"
	"time"
)

// LockMode is the tag of a LockAcquisition.
type LockMode string

const (
	LockNormal LockMode = "normal"
	LockForced LockMode = "forced"
)

// LockAcquisition says how an executor takes the per-job chunk lock. A forced
// acquisition bypasses a held lock and must say why; the reason is logged and
// stored on the row.
type LockAcquisition struct {
	Mode   LockMode `json:"mode"`
	Reason string   `json:"reason,omitempty"`
	// Cursor, when set, requires the job's current_index to equal it at the
	// moment the lock is taken.
	Cursor *int `json:"-"`
}

// At pins the acquisition to the cursor the chunk starts from.
func (l LockAcquisition) At(cursor int) LockAcquisition {
	l.Cursor = &cursor
	return l
}

// NormalLock fails when another executor holds the lock.
func NormalLock() LockAcquisition {
	return LockAcquisition{Mode: LockNormal}
}

// ForcedLock takes the lock even if held, for holders presumed dead.
func ForcedLock(reason string) LockAcquisition {
	return LockAcquisition{Mode: LockForced, Reason: reason}
}

func (l LockAcquisition) IsForced() bool { return l.Mode == LockForced }

func (l LockAcquisition) Validate() error {
	switch l.Mode {
	case LockNormal, "":
		return nil
	case LockForced:
		if strings.TrimSpace(l.Reason) == "" {
			return fmt.Errorf("%w: a forced lock acquisition requires a reason", ErrValidation)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown lock mode %q", ErrValidation, l.Mode)
	}
}

func (l LockAcquisition) String() string {
	if l.IsForced() {
		return fmt.Sprintf("forced(%s)", l.Reason)
	}
	return string(LockNormal)
}

// AcquireLock stamps owner on job if the acquisition is allowed. A cancelling job
// cannot be locked, forced or not, and a pinned cursor must match the job's.
func AcquireLock(job *Job, owner string, acq LockAcquisition, now time.Time) error {
	if err := acq.Validate(); err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return fmt.Errorf("%w: job %s is %s", ErrJobTerminal, job.ID, job.Status)
	}
	if job.IsCancelling {
		return fmt.Errorf("%w: job %s", ErrCancelling, job.ID)
	}
	if job.LockHeld() && *job.LockOwner != owner && !acq.IsForced() {
		return fmt.Errorf("%w: job %s is locked by %s since %s", ErrChunkInProgress, job.ID, *job.LockOwner, formatTime(job.LockAcquiredAt))
	}
	if acq.Cursor != nil {
		switch {
		case *acq.Cursor < job.CurrentIndex:
			return fmt.Errorf("%w: cursor %d is behind job %s at %d", ErrStaleCursor, *acq.Cursor, job.ID, job.CurrentIndex)
		case *acq.Cursor > job.CurrentIndex:
			return fmt.Errorf("%w: cursor %d is ahead of job %s at %d", ErrValidation, *acq.Cursor, job.ID, job.CurrentIndex)
		}
	}
	job.LockOwner = StringPtr(owner)
	job.LockAcquiredAt = TimePtr(now)
	if acq.IsForced() {
		job.LockReason = StringPtr(acq.Reason)
	} else {
		job.LockReason = nil
	}
	job.UpdatedAt = now
	return nil
}

// ReleaseLock clears the lock if owner still holds it and reports whether it did.
func ReleaseLock(job *Job, owner string, now time.Time) bool {
	if !job.LockHeld() || *job.LockOwner != owner {
		return false
	}
	ClearLock(job)
	job.UpdatedAt = now
	return true
}

func ClearLock(job *Job) {
	job.LockOwner = nil
	job.LockAcquiredAt = nil
	job.LockReason = nil
}

// CancelNow performs the administrative cancel transition. It refuses when the job
// heartbeated after the cancel request was made, since a live chunk will observe
// the flag itself. Cancelling an already cancelled job is a no-op.
func CancelNow(job *Job, requestedAt time.Time, reason string, now time.Time) (changed bool, err error) {
	if job.Status == JobStatusCancelled {
		return false, nil
	}
	if job.Status.IsTerminal() {
		return false, fmt.Errorf("%w: job %s is %s", ErrJobTerminal, job.ID, job.Status)
	}
	if job.Status == JobStatusProcessing && job.LastHeartbeatAt != nil && job.LastHeartbeatAt.After(requestedAt) {
		return false, fmt.Errorf("%w: job %s heartbeated at %s after the cancel request", ErrJobBusy, job.ID, job.LastHeartbeatAt.Format(time.RFC3339))
	}
	job.IsCancelling = true
	if job.CancelReason == nil && strings.TrimSpace(reason) != "" {
		job.CancelReason = StringPtr(reason)
	}
	job.Status = JobStatusCancelled
	job.CompletedAt = TimePtr(now)
	ClearLock(job)
	job.UpdatedAt = now
	return true, nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "unknown"
	}
	return t.Format(time.RFC3339)
}
