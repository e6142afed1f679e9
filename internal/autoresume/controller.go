package autoresume

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"corpusflow/internal/jobs"
	"corpusflow/internal/liveness"
	"corpusflow/internal/models"
	"corpusflow/internal/realtime"
	"corpusflow/internal/store"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Resumer is the part of the jobs service the controller drives.
type Resumer interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ResumeJob(ctx context.Context, id uuid.UUID, opts jobs.ResumeOptions) (*models.Job, error)
}

// ManualFunc is told, once per controller, that a job needs a human.
type ManualFunc func(job *models.Job, reason string)

type Controller struct {
	jobID    uuid.UUID
	resumer  Resumer
	store    store.JobStore
	source   realtime.Source
	policy   Policy
	live     liveness.Policy
	watch    realtime.WatchOptions
	clock    func() time.Time
	after    func(time.Duration) <-chan time.Time
	onManual ManualFunc

	manualOnce sync.Once
}

type Option func(*Controller)

func WithClock(clock func() time.Time) Option {
	return func(c *Controller) { c.clock = clock }
}

// WithAfter replaces time.After for the resume delay and the check ticks.
func WithAfter(after func(time.Duration) <-chan time.Time) Option {
	return func(c *Controller) { c.after = after }
}

func WithManualFunc(fn ManualFunc) Option {
	return func(c *Controller) { c.onManual = fn }
}

func WithWatchOptions(opts realtime.WatchOptions) Option {
	return func(c *Controller) { c.watch = opts }
}

// NewController watches one job. src may be nil, in which case the controller polls.
func NewController(jobID uuid.UUID, resumer Resumer, st store.JobStore, src realtime.Source, policy Policy, live liveness.Policy, opts ...Option) *Controller {
	c := &Controller{
		jobID:   jobID,
		resumer: resumer,
		store:   st,
		source:  src,
		policy:  policy,
		live:    live,
		watch:   realtime.DefaultWatchOptions(),
		clock:   func() time.Time { return time.Now().UTC() },
		after:   time.After,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run supervises the job until it reaches a terminal state or ctx ends.
func (c *Controller) Run(ctx context.Context) error {
	updates, err := realtime.Watch(ctx, c.source, c.store, c.jobID, c.watch)
	if err != nil {
		return err
	}
	logger := log.WithField("job_id", c.jobID)

	var (
		latest  *models.Job
		pending <-chan time.Time
		check   = c.after(c.policy.CheckInterval)
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job, ok := <-updates:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return nil
			}
			latest = job
			if job.Status.IsTerminal() {
				logger.WithField("status", job.Status).Debug("Watched job finished")
				return nil
			}
			pending = c.evaluate(ctx, latest, pending)
		case <-check:
			check = c.after(c.policy.CheckInterval)
			if latest != nil {
				pending = c.evaluate(ctx, latest, pending)
			}
		case <-pending:
			pending = nil
			c.attempt(ctx)
		}
	}
}

// evaluate schedules a resume when the snapshot calls for one and none is pending.
func (c *Controller) evaluate(ctx context.Context, job *models.Job, pending <-chan time.Time) <-chan time.Time {
	live := liveness.Evaluate(job, c.clock(), c.live)
	d := Decide(job, live, c.policy)
	switch {
	case d.Resume:
		if pending != nil {
			return pending
		}
		log.WithFields(log.Fields{"job_id": job.ID, "lock": d.Lock.String(), "delay": c.policy.Delay.String()}).
			Info("Scheduling auto-resume")
		return c.after(c.policy.Delay)
	case d.Manual:
		c.notifyManual(job, d.Reason)
	case job.Status == models.JobStatusProcessing && !live.Abandoned && job.AutoResumeFailures > 0:
		// Healthy again by some other route, such as a manual resume.
		c.writeCounters(ctx, 0, time.Time{})
	}
	return pending
}

// attempt re-reads the job and resumes it if it still needs it.
func (c *Controller) attempt(ctx context.Context) {
	logger := log.WithField("job_id", c.jobID)
	job, err := c.resumer.GetJob(ctx, c.jobID)
	if err != nil {
		logger.WithError(err).Warn("Auto-resume could not load job")
		return
	}
	d := Decide(job, liveness.Evaluate(job, c.clock(), c.live), c.policy)
	if !d.Resume {
		logger.WithField("reason", d.Reason).Debug("Auto-resume no longer needed")
		return
	}

	_, err = c.resumer.ResumeJob(ctx, c.jobID, jobs.ResumeOptions{Lock: d.Lock})
	now := c.clock()
	switch {
	case err == nil:
		logger.WithField("lock", d.Lock.String()).Info("Auto-resumed job")
		c.writeCounters(ctx, 0, now)
	case errors.Is(err, models.ErrChunkInProgress):
		// Someone else resumed it first.
		logger.Info("Auto-resume skipped: a chunk is already running")
	case ctx.Err() != nil:
	default:
		failures := job.AutoResumeFailures + 1
		logger.WithError(err).WithField("failures", failures).Warn("Auto-resume failed")
		c.writeCounters(ctx, failures, now)
		if failures >= c.policy.MaxRetries {
			c.notifyManual(job, fmt.Sprintf("auto-resume failed %d times: %v", failures, err))
		}
	}
}

func (c *Controller) writeCounters(ctx context.Context, failures int, attemptedAt time.Time) {
	patch := models.JobPatch{AutoResumeFailures: &failures}
	if !attemptedAt.IsZero() {
		patch.AutoResumeAttemptedAt = &attemptedAt
	}
	if _, err := c.store.UpdateJobConditional(ctx, c.jobID, models.InStatus(models.ActiveStatuses...), patch); err != nil {
		log.WithError(err).WithField("job_id", c.jobID).Debug("Failed to persist auto-resume counters")
	}
}

func (c *Controller) notifyManual(job *models.Job, reason string) {
	c.manualOnce.Do(func() {
		log.WithFields(log.Fields{"job_id": job.ID, "reason": reason}).
			Warn("Job needs manual action: " + models.ActionForceResume)
		if c.onManual != nil {
			c.onManual(job.Clone(), reason)
		}
	})
}
