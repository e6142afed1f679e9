// Package liveness derives abandoned and stuck conditions from a job's last
// heartbeat. It never looks at progress counters: a chunk whose units all
// failed still heartbeats.
package liveness

import (
	"fmt"
	"time"

	"corpusflow/internal/models"
)

type Policy struct {
	AbandonedTimeout time.Duration `mapstructure:"abandoned_timeout"`
	StuckTimeout     time.Duration `mapstructure:"stuck_timeout"`
}

func DefaultPolicy() Policy {
	return Policy{AbandonedTimeout: 3 * time.Minute, StuckTimeout: 10 * time.Minute}
}

// Validate requires positive timeouts with stuck strictly above abandoned, which
// is what makes every stuck job also abandoned.
func (p Policy) Validate() error {
	if p.AbandonedTimeout <= 0 {
		return fmt.Errorf("%w: abandoned_timeout must be positive", models.ErrValidation)
	}
	if p.StuckTimeout <= p.AbandonedTimeout {
		return fmt.Errorf("%w: stuck_timeout (%s) must be greater than abandoned_timeout (%s)",
			models.ErrValidation, p.StuckTimeout, p.AbandonedTimeout)
	}
	return nil
}

// Status is the derived liveness of one job at one instant.
type Status struct {
	Abandoned bool `json:"abandoned"`
	Stuck     bool `json:"stuck"`
	// LockStale is set when a lock is still held but its owner has not
	// heartbeated for longer than the stuck timeout, whatever the status.
	LockStale    bool          `json:"lock_stale"`
	HeartbeatAge time.Duration `json:"heartbeat_age"`
}

// Evaluate classifies job at now.
func Evaluate(job *models.Job, now time.Time, p Policy) Status {
	ref := reference(job)
	if ref.IsZero() {
		return Status{}
	}
	age := now.Sub(ref)
	if age < 0 {
		age = 0
	}
	st := Status{HeartbeatAge: age}
	if job.Status == models.JobStatusProcessing {
		st.Abandoned = age > p.AbandonedTimeout
		st.Stuck = age > p.StuckTimeout
	}
	st.LockStale = job.Status.IsActive() && job.LockHeld() && age > p.StuckTimeout
	return st
}

// reference is the last sign of life: the heartbeat, or for a job that never
// heartbeated, when it started or was last written.
func reference(job *models.Job) time.Time {
	switch {
	case job.LastHeartbeatAt != nil:
		return *job.LastHeartbeatAt
	case job.StartedAt != nil:
		return *job.StartedAt
	default:
		return job.UpdatedAt
	}
}
