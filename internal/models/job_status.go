package models

import "fmt"

// JobStatus is the lifecycle state stored in jobs.status.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusPaused     JobStatus = "paused"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusError      JobStatus = "error"
	JobStatusCancelled  JobStatus = "cancelled"
)

// ActiveStatuses are the states counted by the one-active-job-per-scope rule.
var ActiveStatuses = []JobStatus{JobStatusPending, JobStatusProcessing, JobStatusPaused}

// TerminalStatuses never change once reached.
var TerminalStatuses = []JobStatus{JobStatusCompleted, JobStatusError, JobStatusCancelled}

// Self transitions (processing -> processing, paused -> paused) are counter or
// heartbeat writes that leave the status alone.
var allowedTransitions = map[JobStatus]map[JobStatus]bool{
	JobStatusPending: {
		JobStatusPending:    true,
		JobStatusProcessing: true,
		JobStatusPaused:     true,
		JobStatusError:      true,
		JobStatusCancelled:  true,
	},
	JobStatusProcessing: {
		JobStatusProcessing: true,
		JobStatusPaused:     true,
		JobStatusCompleted:  true,
		JobStatusError:      true,
		JobStatusCancelled:  true,
	},
	JobStatusPaused: {
		JobStatusPaused:     true,
		JobStatusProcessing: true,
		JobStatusCancelled:  true,
		// A chunk that was already running when the pause landed may finish the last units.
		JobStatusCompleted: true,
	},
	JobStatusCompleted: {},
	JobStatusError:     {},
	JobStatusCancelled: {},
}

// IsKnownStatus reports whether status is one of the six job statuses.
func IsKnownStatus(status JobStatus) bool {
	_, ok := allowedTransitions[status]
	return ok
}

// IsTerminal reports whether status is completed, error or cancelled.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusError || s == JobStatusCancelled
}

// IsActive reports whether status is pending, processing or paused.
func (s JobStatus) IsActive() bool {
	return s == JobStatusPending || s == JobStatusProcessing || s == JobStatusPaused
}

func CanTransition(from, to JobStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// TransitionJobStatus checks that job may move to toStatus. Terminal jobs
// never move; unknown target statuses are a validation error.
func TransitionJobStatus(job *Job, toStatus JobStatus) error {
	from := job.Status
	if from.IsTerminal() {
		return fmt.Errorf("%w: %w: job %s is %s", ErrConflict, ErrJobTerminal, job.ID, from)
	}
	if !IsKnownStatus(toStatus) {
		return fmt.Errorf("%w: unknown job status %q", ErrValidation, toStatus)
	}
	if !CanTransition(from, toStatus) {
		return fmt.Errorf("%w: %w: %q -> %q (job_id=%s)", ErrConflict, ErrInvalidTransition, from, toStatus, job.ID)
	}
	return nil
}

// ContainsStatus reports whether status is in set.
func ContainsStatus(set []JobStatus, status JobStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}
