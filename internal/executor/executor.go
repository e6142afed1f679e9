// Package executor runs one chunk of a job: it takes the per-job lock, walks up
// to chunk_size items from the cursor through the flavor pipeline and records
// counters, cursor and heartbeat in one conditional write.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"corpusflow/internal/enrich"
	"corpusflow/internal/models"
	"corpusflow/internal/store"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Store is what the executor needs from a backend.
type Store interface {
	store.JobStore
	store.ItemStore
}

// ChunkRequest asks for one chunk starting at ContinueFrom.
type ChunkRequest struct {
	JobID        uuid.UUID
	ContinueFrom int
	Lock         models.LockAcquisition
}

// ChunkOutcome summarises one chunk. It is not persisted.
type ChunkOutcome struct {
	JobID      uuid.UUID        `json:"job_id"`
	Attempted  int              `json:"attempted"`
	Succeeded  int              `json:"succeeded"`
	Failed     int              `json:"failed"`
	StartIndex int              `json:"start_index"`
	NextIndex  int              `json:"next_index"`
	Status     models.JobStatus `json:"status"`
	Cancelled  bool             `json:"cancelled"`
	Exhausted  []string         `json:"exhausted_providers,omitempty"`
	// HasMore is true when the job is still processing and units remain.
	HasMore bool `json:"has_more"`
}

type Config struct {
	// HeartbeatInterval spaces the checkpoint writes made while a chunk runs.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// SampleLimit is how many recent unit payloads job metadata keeps.
	SampleLimit int `mapstructure:"sample_limit"`
}

func DefaultConfig() Config {
	return Config{HeartbeatInterval: 30 * time.Second, SampleLimit: 5}
}

type Executor struct {
	store     Store
	services  *enrich.Services
	cfg       Config
	clock     func() time.Time
	owner     func() string
	pipelines func(models.Flavor) (enrich.Pipeline, error)
}

type Option func(*Executor)

func WithClock(clock func() time.Time) Option {
	return func(e *Executor) { e.clock = clock }
}

// WithOwner overrides how lock owner tokens are minted.
func WithOwner(owner func() string) Option {
	return func(e *Executor) { e.owner = owner }
}

// WithPipelines overrides the flavor to pipeline mapping.
func WithPipelines(fn func(models.Flavor) (enrich.Pipeline, error)) Option {
	return func(e *Executor) { e.pipelines = fn }
}

func New(st Store, services *enrich.Services, cfg Config, opts ...Option) *Executor {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}
	if cfg.SampleLimit <= 0 {
		cfg.SampleLimit = DefaultConfig().SampleLimit
	}
	e := &Executor{
		store:     st,
		services:  services,
		cfg:       cfg,
		clock:     func() time.Time { return time.Now().UTC() },
		owner:     defaultOwner,
		pipelines: enrich.PipelineFor,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// defaultOwner stamps host and pid so a lock row says who took it.
func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString()[:8])
}

// Execute runs one chunk. Lock contention returns models.ErrChunkInProgress and a
// cursor behind the job returns models.ErrStaleCursor; neither touches the job.
func (e *Executor) Execute(ctx context.Context, req ChunkRequest) (*ChunkOutcome, error) {
	job, err := e.store.GetJob(ctx, req.JobID)
	if err != nil {
		return nil, err
	}
	logger := log.WithFields(log.Fields{"job_id": job.ID, "flavor": job.Flavor, "lock": req.Lock.String()})

	if job.Status.IsTerminal() {
		return outcomeFor(job, req.ContinueFrom), fmt.Errorf("%w: job %s is %s", models.ErrJobTerminal, job.ID, job.Status)
	}
	if job.IsCancelling {
		return e.finalizeCancel(ctx, job, req.ContinueFrom)
	}
	if job.Status == models.JobStatusPaused {
		logger.Info("Job is paused, not starting a chunk")
		return outcomeFor(job, req.ContinueFrom), nil
	}
	if req.ContinueFrom < job.CurrentIndex {
		return nil, fmt.Errorf("%w: cursor %d is behind job %s at %d", models.ErrStaleCursor, req.ContinueFrom, job.ID, job.CurrentIndex)
	}
	if req.ContinueFrom > job.CurrentIndex {
		return nil, fmt.Errorf("%w: cursor %d is ahead of job %s at %d", models.ErrValidation, req.ContinueFrom, job.ID, job.CurrentIndex)
	}

	owner := e.owner()
	if req.Lock.IsForced() {
		prev := "none"
		if job.LockHeld() {
			prev = *job.LockOwner
		}
		logger.WithFields(log.Fields{"owner": owner, "previous_owner": prev, "reason": req.Lock.Reason}).
			Warn("Forcing chunk lock")
	}
	// The cursor is checked again under the lock: another chunk may have
	// committed since the read above.
	job, err = e.store.AcquireChunkLock(ctx, job.ID, owner, req.Lock.At(req.ContinueFrom))
	if err != nil {
		if errors.Is(err, models.ErrStaleCursor) {
			logger.WithError(err).Info("Dropping chunk, another chunk already advanced the cursor")
		}
		return nil, err
	}
	defer func() {
		// The final write normally clears the lock already; this covers early returns.
		if err := e.store.ReleaseChunkLock(context.WithoutCancel(ctx), job.ID, owner); err != nil {
			logger.WithError(err).Warn("Failed to release chunk lock")
		}
	}()
	logger = logger.WithField("owner", owner)

	// Picking up the chunk moves a pending job to processing and heartbeats, so a
	// resumed job stops reading as abandoned as soon as it runs.
	job, err = e.store.UpdateJobConditional(ctx, job.ID,
		models.Condition{Statuses: []models.JobStatus{models.JobStatusPending, models.JobStatusProcessing}, LockOwner: &owner},
		models.JobPatch{Status: models.StatusPtr(models.JobStatusProcessing), Heartbeat: models.TimePtr(e.clock())})
	if err != nil {
		return nil, fmt.Errorf("failed to start chunk for job %s: %w", req.JobID, err)
	}

	run := &chunkRun{
		exec:   e,
		job:    job,
		owner:  owner,
		start:  req.ContinueFrom,
		logger: logger,
	}
	return run.execute(ctx)
}

// finalizeCancel moves a cancelling job to cancelled when no other chunk holds
// the lock. A live holder finalises on its own at its next unit boundary.
func (e *Executor) finalizeCancel(ctx context.Context, job *models.Job, cursor int) (*ChunkOutcome, error) {
	if job.LockHeld() {
		return outcomeFor(job, cursor), fmt.Errorf("%w: job %s; the running chunk will finalise it", models.ErrCancelling, job.ID)
	}
	updated, err := e.store.UpdateJobConditional(ctx, job.ID,
		models.InStatus(models.ActiveStatuses...),
		models.JobPatch{Status: models.StatusPtr(models.JobStatusCancelled), Heartbeat: models.TimePtr(e.clock())})
	if err != nil {
		return nil, fmt.Errorf("failed to finalise cancellation of job %s: %w", job.ID, err)
	}
	log.WithField("job_id", job.ID).Info("Job cancelled between chunks")
	out := outcomeFor(updated, cursor)
	out.Cancelled = true
	return out, nil
}

func outcomeFor(job *models.Job, cursor int) *ChunkOutcome {
	return &ChunkOutcome{
		JobID:      job.ID,
		StartIndex: cursor,
		NextIndex:  job.CurrentIndex,
		Status:     job.Status,
		Cancelled:  job.Status == models.JobStatusCancelled,
		HasMore:    job.Status == models.JobStatusProcessing && job.CurrentIndex < job.TotalUnits,
	}
}

// chunkRun holds the state of one chunk between checkpoints.
type chunkRun struct {
	exec   *Executor
	job    *models.Job
	owner  string
	start  int
	logger *log.Entry

	attempted, succeeded, failed, exhaustedFailures int
	// deltas not yet written
	pendProcessed, pendSucceeded, pendFailed int
	samples                                  []json.RawMessage
	depthCounts                              map[int]int
	lastCheckpoint                           time.Time
}

type stopReason int

const (
	stopNone stopReason = iota
	stopCancelled
	stopPaused
	stopLockLost
	stopShutdown
)

func (r *chunkRun) execute(ctx context.Context) (*ChunkOutcome, error) {
	e := r.exec
	job := r.job

	pipeline, err := e.pipelines(job.Flavor)
	if err != nil {
		return r.fail(ctx, fmt.Sprintf("job configuration is invalid: %v", err), err)
	}
	items, err := e.store.ListItems(ctx, job.Flavor.ItemKind(), job.Scope, r.start, job.ChunkSize)
	if err != nil {
		return r.fail(ctx, fmt.Sprintf("could not load items from the store: %v", err), err)
	}

	var sess *enrich.Session
	if e.services != nil {
		sess = e.services.NewSession(job.ID, job.Flavor)
	}
	r.depthCounts = make(map[int]int)
	r.lastCheckpoint = e.clock()
	r.logger.WithFields(log.Fields{"start": r.start, "items": len(items)}).Info("Chunk started")

	stop := stopNone
	for _, item := range items {
		if stop = r.checkBeforeUnit(ctx); stop != stopNone {
			break
		}
		r.runUnit(ctx, pipeline, sess, item)
		if err := r.maybeCheckpoint(ctx); err != nil {
			if errors.Is(err, models.ErrLockNotHeld) {
				stop = stopLockLost
				break
			}
			r.logger.WithError(err).Warn("Checkpoint write failed")
		}
	}
	if stop == stopLockLost {
		return nil, fmt.Errorf("%w: job %s was taken over after %d units", models.ErrLockNotHeld, job.ID, r.attempted)
	}
	return r.finish(ctx, sess, stop, len(items))
}

// checkBeforeUnit re-reads the row so a cancel or pause stops the chunk at the
// next unit boundary.
func (r *chunkRun) checkBeforeUnit(ctx context.Context) stopReason {
	if ctx.Err() != nil {
		return stopShutdown
	}
	fresh, err := r.exec.store.GetJob(ctx, r.job.ID)
	if err != nil {
		if ctx.Err() != nil {
			return stopShutdown
		}
		r.logger.WithError(err).Warn("Failed to re-read job before unit, continuing")
		return stopNone
	}
	switch {
	case fresh.IsCancelling:
		return stopCancelled
	case fresh.LockOwner == nil || *fresh.LockOwner != r.owner:
		return stopLockLost
	case fresh.Status == models.JobStatusPaused:
		return stopPaused
	case fresh.Status.IsTerminal():
		return stopLockLost
	}
	return stopNone
}

func (r *chunkRun) runUnit(ctx context.Context, pipeline enrich.Pipeline, sess *enrich.Session, item *models.Item) {
	res := pipeline(ctx, sess, r.job, item)
	r.attempted++
	r.pendProcessed++
	result := &models.ItemResult{
		JobID:     r.job.ID,
		ItemID:    item.ID,
		Flavor:    r.job.Flavor,
		Succeeded: res.Succeeded,
		Providers: res.Providers,
		Payload:   res.Payload,
	}
	if res.Succeeded {
		r.succeeded++
		r.pendSucceeded++
		if len(res.Payload) > 0 {
			r.samples = append(r.samples, res.Payload)
		}
		if res.Depth > 0 {
			r.depthCounts[res.Depth]++
		}
	} else {
		r.failed++
		r.pendFailed++
		if res.Err != nil {
			result.Error = models.StringPtr(res.Err.Error())
			if errors.Is(res.Err, enrich.ErrProviderExhausted) || errors.Is(res.Err, enrich.ErrQuotaExceeded) {
				r.exhaustedFailures++
			}
		}
		r.logger.WithFields(log.Fields{"item_id": item.ID}).WithError(res.Err).Debug("Unit failed")
	}
	if err := r.exec.store.SaveItemResult(context.WithoutCancel(ctx), result); err != nil {
		r.logger.WithError(err).WithField("item_id", item.ID).Error("Failed to save item result")
	}
}

// maybeCheckpoint writes the counters gathered so far together with a heartbeat
// once HeartbeatInterval has passed.
func (r *chunkRun) maybeCheckpoint(ctx context.Context) error {
	now := r.exec.clock()
	if now.Sub(r.lastCheckpoint) < r.exec.cfg.HeartbeatInterval {
		return nil
	}
	_, err := r.exec.store.UpdateJobConditional(context.WithoutCancel(ctx), r.job.ID,
		models.Condition{Statuses: []models.JobStatus{models.JobStatusProcessing, models.JobStatusPaused}, LockOwner: &r.owner},
		models.JobPatch{
			ProcessedDelta: r.pendProcessed,
			SucceededDelta: r.pendSucceeded,
			FailedDelta:    r.pendFailed,
			CurrentIndex:   intPtr(r.start + r.attempted),
			Heartbeat:      &now,
		})
	if err != nil {
		return err
	}
	r.pendProcessed, r.pendSucceeded, r.pendFailed = 0, 0, 0
	r.lastCheckpoint = now
	return nil
}

// finish records the chunk in a single conditional write that also carries the
// terminal status when there is one.
func (r *chunkRun) finish(ctx context.Context, sess *enrich.Session, stop stopReason, loaded int) (*ChunkOutcome, error) {
	e := r.exec
	job := r.job
	now := e.clock()
	cursor := r.start + r.attempted

	patch := models.JobPatch{
		ProcessedDelta: r.pendProcessed,
		SucceededDelta: r.pendSucceeded,
		FailedDelta:    r.pendFailed,
		ChunksDelta:    1,
		CurrentIndex:   &cursor,
		Heartbeat:      &now,
		ReleaseLock:    true,
	}
	var exhausted []string
	if sess != nil {
		exhausted = sess.Exhausted()
	}
	metadata, err := r.mergeMetadata(exhausted)
	if err != nil {
		r.logger.WithError(err).Warn("Failed to merge job metadata, keeping the previous value")
	} else {
		patch.Metadata = metadata
	}

	// Items running out early means the scope shrank since the job was created.
	outOfItems := stop == stopNone && loaded < job.ChunkSize
	done := job.ProcessedUnits+r.attempted >= job.TotalUnits || outOfItems

	switch {
	case stop == stopCancelled:
		patch.Status = models.StatusPtr(models.JobStatusCancelled)
	case r.attempted > 0 && r.succeeded == 0 && sess != nil && sess.AllRejected():
		patch.Status = models.StatusPtr(models.JobStatusError)
		patch.ErrorMessage = models.StringPtr(fmt.Sprintf("all configured API keys rejected (%s); check the provider credentials and retry manually",
			strings.Join(e.services.Configured(), ", ")))
	case r.attempted > 0 && r.succeeded == 0 && r.exhaustedFailures == r.failed && len(exhausted) > 0:
		patch.Status = models.StatusPtr(models.JobStatusPaused)
		patch.Note = models.StringPtr(fmt.Sprintf("paused: provider exhaustion (%s); resume manually once quota resets", strings.Join(exhausted, ", ")))
	case done:
		patch.Status = models.StatusPtr(models.JobStatusCompleted)
	}

	cond := models.Condition{
		Statuses:  []models.JobStatus{models.JobStatusProcessing, models.JobStatusPaused},
		LockOwner: &r.owner,
	}
	updated, err := e.store.UpdateJobConditional(context.WithoutCancel(ctx), job.ID, cond, patch)
	if err != nil && patch.Status != nil && errors.Is(err, models.ErrInvalidTransition) {
		// A pause landed first; keep the counters and leave the status to the user.
		r.logger.WithError(err).Warn("Dropping status change from chunk result")
		patch.Status, patch.ErrorMessage, patch.Note = nil, nil, nil
		updated, err = e.store.UpdateJobConditional(context.WithoutCancel(ctx), job.ID, cond, patch)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record chunk for job %s: %w", job.ID, err)
	}

	out := &ChunkOutcome{
		JobID:      job.ID,
		Attempted:  r.attempted,
		Succeeded:  r.succeeded,
		Failed:     r.failed,
		StartIndex: r.start,
		NextIndex:  updated.CurrentIndex,
		Status:     updated.Status,
		Cancelled:  updated.Status == models.JobStatusCancelled,
		Exhausted:  exhausted,
		HasMore:    updated.Status == models.JobStatusProcessing && updated.CurrentIndex < updated.TotalUnits,
	}
	fields := log.Fields{
		"attempted": out.Attempted, "succeeded": out.Succeeded, "failed": out.Failed,
		"next_index": out.NextIndex, "status": out.Status,
	}
	switch updated.Status {
	case models.JobStatusError:
		r.logger.WithFields(fields).Error(*updated.ErrorMessage)
	case models.JobStatusCancelled:
		r.logger.WithFields(fields).Info("Chunk stopped: job cancelled")
	default:
		r.logger.WithFields(fields).Info("Chunk finished")
	}
	return out, nil
}

// fail marks the job as errored for job-level failures such as a bad flavor or
// an unreachable store.
func (r *chunkRun) fail(ctx context.Context, message string, cause error) (*ChunkOutcome, error) {
	_, err := r.exec.store.UpdateJobConditional(context.WithoutCancel(ctx), r.job.ID,
		models.Condition{Statuses: []models.JobStatus{models.JobStatusProcessing, models.JobStatusPaused}, LockOwner: &r.owner},
		models.JobPatch{
			Status:       models.StatusPtr(models.JobStatusError),
			ErrorMessage: models.StringPtr(message),
			Heartbeat:    models.TimePtr(r.exec.clock()),
		})
	if err != nil {
		r.logger.WithError(err).Error("Failed to record job error")
	}
	return nil, models.NewJobError("job_failed", message, models.ActionContactSupport, cause)
}

func (r *chunkRun) mergeMetadata(exhausted []string) (json.RawMessage, error) {
	md, err := r.job.DecodeMetadata()
	if err != nil {
		return nil, err
	}
	md.Samples = append(md.Samples, r.samples...)
	if over := len(md.Samples) - r.exec.cfg.SampleLimit; over > 0 {
		md.Samples = md.Samples[over:]
	}
	if len(r.depthCounts) > 0 {
		if md.DepthCounts == nil {
			md.DepthCounts = make(map[int]int)
		}
		for depth, n := range r.depthCounts {
			md.DepthCounts[depth] += n
		}
	}
	md.Exhausted = exhausted
	return json.Marshal(md)
}

func intPtr(v int) *int { return &v }
