// Package autoresume supervises watched jobs and resumes the ones that paused
// or stalled. It is purely additive: chunk locking and cursor checks keep jobs
// safe whether zero, one or many controllers are running.
package autoresume

import (
	"fmt"
	"strings"
	"time"

	"corpusflow/internal/liveness"
	"corpusflow/internal/models"
)

type Policy struct {
	Enabled    bool          `mapstructure:"enabled"`
	Delay      time.Duration `mapstructure:"delay"`
	MaxRetries int           `mapstructure:"max_retries"`
	// CheckInterval re-evaluates the last snapshot, since staleness grows without any row change.
	CheckInterval time.Duration `mapstructure:"check_interval"`
}

func DefaultPolicy() Policy {
	return Policy{Enabled: true, Delay: 15 * time.Second, MaxRetries: 3, CheckInterval: 30 * time.Second}
}

func (p Policy) Validate() error {
	if p.Delay < 0 {
		return fmt.Errorf("%w: autoresume delay must not be negative", models.ErrValidation)
	}
	if p.MaxRetries <= 0 {
		return fmt.Errorf("%w: autoresume max_retries must be positive", models.ErrValidation)
	}
	if p.CheckInterval <= 0 {
		return fmt.Errorf("%w: autoresume check_interval must be positive", models.ErrValidation)
	}
	return nil
}

// manualClasses are failure texts that a retry cannot fix.
var manualClasses = []string{
	"circuit breaker",
	"provider exhaustion",
	"quota",
	"api keys rejected",
	"paused by user",
}

// RequiresManualIntervention reports whether the job's error or note puts it
// in a class auto-resume leaves to a human.
func RequiresManualIntervention(job *models.Job) bool {
	for _, text := range []*string{job.ErrorMessage, job.Note} {
		if text == nil {
			continue
		}
		lower := strings.ToLower(*text)
		for _, class := range manualClasses {
			if strings.Contains(lower, class) {
				return true
			}
		}
	}
	return false
}

// Decision is what the controller should do about one snapshot.
type Decision struct {
	Resume bool
	Lock   models.LockAcquisition
	// Manual is set when the job needs a human and auto-resume gives up on it.
	Manual bool
	Reason string
}

// Decide is the pure core of the controller.
func Decide(job *models.Job, live liveness.Status, p Policy) Decision {
	switch {
	case !p.Enabled:
		return Decision{Reason: "auto-resume disabled"}
	case job.Status.IsTerminal():
		return Decision{Reason: "job is " + string(job.Status)}
	case job.IsCancelling:
		return Decision{Reason: "job is being cancelled"}
	}

	stalled := job.Status == models.JobStatusPaused || live.Stuck || live.Abandoned
	if !stalled {
		return Decision{Reason: "job is healthy"}
	}
	if RequiresManualIntervention(job) {
		return Decision{Manual: true, Reason: "requires manual intervention"}
	}
	if job.AutoResumeFailures >= p.MaxRetries {
		return Decision{Manual: true, Reason: fmt.Sprintf("auto-resume failed %d times", job.AutoResumeFailures)}
	}

	switch {
	case live.Stuck:
		return Decision{Resume: true, Lock: models.ForcedLock(fmt.Sprintf("stuck: no heartbeat for %s", live.HeartbeatAge.Round(time.Second)))}
	case live.LockStale:
		return Decision{Resume: true, Lock: models.ForcedLock(fmt.Sprintf("stale lock: holder silent for %s", live.HeartbeatAge.Round(time.Second)))}
	default:
		return Decision{Resume: true, Lock: models.NormalLock()}
	}
}
