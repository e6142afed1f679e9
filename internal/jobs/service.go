// Package jobs is the orchestration surface: it starts, pauses, resumes and
// cancels jobs, hands chunks to a JobClient and runs the liveness sweep.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"corpusflow/internal/executor"
	"corpusflow/internal/liveness"
	"corpusflow/internal/models"
	"corpusflow/internal/progress"
	"corpusflow/internal/store"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	NoteUserPaused    = "paused by user"
	NoteAutoPaused    = "paused automatically: no heartbeat"
	sweepCancelReason = "finalised by liveness sweep"
)

// Store is what the service needs from a backend.
type Store interface {
	store.JobStore
	store.ItemStore
}

type Config struct {
	DefaultChunkSize int `mapstructure:"default_chunk_size"`
	MaxChunkSize     int `mapstructure:"max_chunk_size"`
	// AutoContinue dispatches the next chunk as soon as one finishes with units left.
	AutoContinue bool `mapstructure:"auto_continue"`
}

func DefaultConfig() Config {
	return Config{DefaultChunkSize: 50, MaxChunkSize: 500, AutoContinue: true}
}

type Service struct {
	store  Store
	exec   *executor.Executor
	client store.JobClient
	policy liveness.Policy
	cfg    Config
	clock  func() time.Time
}

func NewService(st Store, exec *executor.Executor, client store.JobClient, policy liveness.Policy, cfg Config, clock func() time.Time) *Service {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	if cfg.DefaultChunkSize <= 0 {
		cfg.DefaultChunkSize = DefaultConfig().DefaultChunkSize
	}
	if cfg.MaxChunkSize <= 0 {
		cfg.MaxChunkSize = DefaultConfig().MaxChunkSize
	}
	return &Service{store: st, exec: exec, client: client, policy: policy, cfg: cfg, clock: clock}
}

// SetClient swaps the chunk dispatcher; the inline client needs the service first.
func (s *Service) SetClient(client store.JobClient) {
	s.client = client
}

// StartParams describe a new job.
type StartParams struct {
	Flavor    models.Flavor `json:"flavor"`
	Scope     models.Scope  `json:"scope"`
	ChunkSize int           `json:"chunk_size,omitempty"`
	// Depth is the refinement level for semantic_refinement jobs.
	Depth int `json:"depth,omitempty"`
}

func (p StartParams) Validate() error {
	if !p.Flavor.Valid() {
		return fmt.Errorf("%w: unknown flavor %q", models.ErrValidation, p.Flavor)
	}
	if p.ChunkSize < 0 {
		return fmt.Errorf("%w: chunk_size must not be negative", models.ErrValidation)
	}
	if p.Depth < 0 {
		return fmt.Errorf("%w: depth must not be negative", models.ErrValidation)
	}
	return p.Scope.Validate()
}

// StartJob creates a pending job over the scope's items and dispatches its
// first chunk. A second active job for the same scope and flavor fails with
// models.ErrActiveJobExists.
func (s *Service) StartJob(ctx context.Context, params StartParams) (*models.Job, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	chunk := params.ChunkSize
	if chunk == 0 {
		chunk = s.cfg.DefaultChunkSize
	}
	if chunk > s.cfg.MaxChunkSize {
		chunk = s.cfg.MaxChunkSize
	}
	total, err := s.store.CountItems(ctx, params.Flavor.ItemKind(), params.Scope)
	if err != nil {
		return nil, fmt.Errorf("failed to count items: %w", err)
	}
	if total == 0 {
		return nil, fmt.Errorf("%w: scope %s has no %s items", models.ErrValidation, params.Scope.Key(), params.Flavor.ItemKind())
	}

	job := &models.Job{
		Flavor:     params.Flavor,
		Scope:      params.Scope,
		TotalUnits: total,
		ChunkSize:  chunk,
	}
	if params.Flavor == models.FlavorSemanticRefinement {
		depth := params.Depth
		if depth == 0 {
			depth = 1
		}
		md, err := json.Marshal(models.JobMetadata{Depth: depth})
		if err != nil {
			return nil, err
		}
		job.Metadata = md
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"job_id": job.ID, "flavor": job.Flavor, "scope": job.ScopeKey, "total_units": total}).Info("Job created")

	s.dispatch(ctx, job.ID, 0, models.NormalLock())
	return job, nil
}

func (s *Service) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return s.store.GetJob(ctx, id)
}

func (s *Service) ListActiveJobs(ctx context.Context, filter store.JobFilter) ([]*models.Job, error) {
	return s.store.ListActiveJobs(ctx, filter)
}

func (s *Service) ListJobs(ctx context.Context, limit, offset int) ([]*models.Job, error) {
	return s.store.ListJobs(ctx, limit, offset)
}

// GetProgress returns percent, rate and ETA for a job.
func (s *Service) GetProgress(ctx context.Context, id uuid.UUID) (progress.Progress, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return progress.Progress{}, err
	}
	return progress.Compute(job, s.clock()), nil
}

// Liveness evaluates a job against the service's policy.
func (s *Service) Liveness(job *models.Job) liveness.Status {
	return liveness.Evaluate(job, s.clock(), s.policy)
}

// Now is the service clock.
func (s *Service) Now() time.Time {
	return s.clock()
}

// PauseJob stops a job at its next unit boundary. Pausing a paused job is a no-op.
func (s *Service) PauseJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case job.Status == models.JobStatusPaused:
		return job, nil
	case job.Status.IsTerminal():
		return nil, fmt.Errorf("%w: job %s is %s", models.ErrJobTerminal, id, job.Status)
	case job.IsCancelling:
		return nil, fmt.Errorf("%w: job %s", models.ErrCancelling, id)
	}
	updated, err := s.store.UpdateJobConditional(ctx, id,
		models.InStatus(models.JobStatusPending, models.JobStatusProcessing),
		models.JobPatch{Status: models.StatusPtr(models.JobStatusPaused), Note: models.StringPtr(NoteUserPaused)})
	if err != nil {
		return nil, err
	}
	log.WithField("job_id", id).Info("Job paused")
	return updated, nil
}

// ResumeOptions carry how the resumed chunk takes the lock.
type ResumeOptions struct {
	Lock models.LockAcquisition `json:"lock"`
}

// ResumeJob moves a paused job back to processing and dispatches a chunk from
// its cursor. A job whose lock is held fails with models.ErrChunkInProgress
// unless the lock is forced; a cancelling job can never be resumed.
func (s *Service) ResumeJob(ctx context.Context, id uuid.UUID, opts ResumeOptions) (*models.Job, error) {
	if err := opts.Lock.Validate(); err != nil {
		return nil, err
	}
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: job %s is %s", models.ErrJobTerminal, id, job.Status)
	}
	if job.IsCancelling {
		return nil, fmt.Errorf("%w: job %s cannot be resumed", models.ErrCancelling, id)
	}
	if job.LockHeld() && !opts.Lock.IsForced() {
		return nil, models.NewJobError("chunk_in_progress",
			fmt.Sprintf("a chunk is already running for job %s", id), models.ActionRefresh, models.ErrChunkInProgress)
	}

	if job.Status == models.JobStatusPaused {
		job, err = s.store.UpdateJobConditional(ctx, id, models.InStatus(models.JobStatusPaused),
			models.JobPatch{Status: models.StatusPtr(models.JobStatusProcessing), ClearNote: true})
		if err != nil {
			return nil, err
		}
	}
	log.WithFields(log.Fields{"job_id": id, "lock": opts.Lock.String(), "cursor": job.CurrentIndex}).Info("Job resumed")
	if err := s.dispatchErr(ctx, id, job.CurrentIndex, opts.Lock); err != nil {
		return job, err
	}
	return job, nil
}

// CancelOptions carry the reason and whether to bypass cooperative finalisation.
type CancelOptions struct {
	Reason string `json:"reason"`
	Force  bool   `json:"force"`
}

// CancelJob latches is_cancelling and, when no chunk is running or Force is set,
// finalises the cancellation in a lock-guarded transaction. A running chunk
// finalises on its own. Cancelling a cancelled job returns it unchanged.
func (s *Service) CancelJob(ctx context.Context, id uuid.UUID, opts CancelOptions) (*models.Job, error) {
	if opts.Force && strings.TrimSpace(opts.Reason) == "" {
		return nil, fmt.Errorf("%w: a forced cancel requires a reason", models.ErrValidation)
	}
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status == models.JobStatusCancelled {
		return job, nil
	}
	if job.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: job %s is %s", models.ErrJobTerminal, id, job.Status)
	}

	requestedAt := s.clock()
	patch := models.JobPatch{RequestCancel: true}
	if opts.Reason != "" {
		patch.CancelReason = models.StringPtr(opts.Reason)
	}
	job, err = s.store.UpdateJobConditional(ctx, id, models.InStatus(models.ActiveStatuses...), patch)
	if err != nil {
		if errors.Is(err, models.ErrJobTerminal) {
			if current, gerr := s.store.GetJob(ctx, id); gerr == nil && current.Status == models.JobStatusCancelled {
				return current, nil
			}
		}
		return nil, err
	}
	logger := log.WithFields(log.Fields{"job_id": id, "reason": opts.Reason, "force": opts.Force})

	if !opts.Force && job.LockHeld() {
		logger.Info("Cancellation requested; the running chunk will finalise it")
		return job, nil
	}
	cancelled, err := s.store.CancelAdministratively(ctx, id, requestedAt, opts.Reason)
	if err != nil {
		if errors.Is(err, models.ErrJobBusy) && !opts.Force {
			logger.Info("Cancellation requested; a chunk heartbeated after the request and will finalise it")
			return job, nil
		}
		return nil, err
	}
	logger.Info("Job cancelled")
	return cancelled, nil
}

// RunChunk executes one dispatched chunk and, with AutoContinue, dispatches the next.
func (s *Service) RunChunk(ctx context.Context, d store.ChunkDispatch) (*executor.ChunkOutcome, error) {
	out, err := s.exec.Execute(ctx, executor.ChunkRequest{JobID: d.JobID, ContinueFrom: d.ContinueFrom, Lock: d.Lock})
	if err != nil {
		return out, err
	}
	if s.cfg.AutoContinue && out.HasMore {
		s.dispatch(ctx, d.JobID, out.NextIndex, models.NormalLock())
	}
	return out, nil
}

func (s *Service) dispatch(ctx context.Context, id uuid.UUID, from int, lock models.LockAcquisition) {
	if err := s.dispatchErr(ctx, id, from, lock); err != nil {
		// The liveness sweep and auto-resume pick the job up again.
		log.WithError(err).WithField("job_id", id).Error("Failed to dispatch chunk")
	}
}

func (s *Service) dispatchErr(ctx context.Context, id uuid.UUID, from int, lock models.LockAcquisition) error {
	if s.client == nil {
		return fmt.Errorf("no chunk dispatcher configured")
	}
	return s.client.DispatchChunk(ctx, store.ChunkDispatch{JobID: id, ContinueFrom: from, Lock: lock})
}
