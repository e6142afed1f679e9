package primary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"corpusflow/internal/models"
	"corpusflow/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	log "github.com/sirupsen/logrus"
)

// --- Job Store Implementation ---

// CreateJob inserts job in pending. The partial unique index on
// (flavor, scope_key) rejects a second active job for the same scope.
func (s *StoreImpl) CreateJob(ctx context.Context, job *models.Job) error {
	if err := job.Scope.Validate(); err != nil {
		return err
	}
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	now := s.settings.Clock()
	job.Status = models.JobStatusPending
	job.ScopeKey = job.Scope.Key()
	job.CreatedAt = now
	job.UpdatedAt = now

	scope, err := json.Marshal(job.Scope)
	if err != nil {
		return fmt.Errorf("failed to encode scope: %w", err)
	}
	query := `
		INSERT INTO jobs (id, flavor, status, scope, scope_key, total_units, chunk_size, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err = s.db.Exec(ctx, query,
		job.ID, job.Flavor, job.Status, scope, job.ScopeKey, job.TotalUnits, job.ChunkSize,
		nullableJSON(job.Metadata), job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return fmt.Errorf("%w: %s job for %s: %w", models.ErrActiveJobExists, job.Flavor, job.ScopeKey, store.ErrDuplicate)
		}
		return fmt.Errorf("failed to insert job: %w", err)
	}
	s.settings.Notify(ctx, job)
	return nil
}

func (s *StoreImpl) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := scanJob(s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return job, nil
}

// UpdateJobConditional locks the row, checks cond and the transition table, and
// writes patch in the same transaction.
func (s *StoreImpl) UpdateJobConditional(ctx context.Context, id uuid.UUID, cond models.Condition, patch models.JobPatch) (*models.Job, error) {
	return s.mutateJob(ctx, id, false, func(job *models.Job, now time.Time) (bool, error) {
		return true, models.ApplyPatch(job, cond, patch, now)
	})
}

func (s *StoreImpl) AcquireChunkLock(ctx context.Context, id uuid.UUID, owner string, acq models.LockAcquisition) (*models.Job, error) {
	return s.mutateJob(ctx, id, false, func(job *models.Job, now time.Time) (bool, error) {
		return true, models.AcquireLock(job, owner, acq, now)
	})
}

func (s *StoreImpl) ReleaseChunkLock(ctx context.Context, id uuid.UUID, owner string) error {
	_, err := s.mutateJob(ctx, id, false, func(job *models.Job, now time.Time) (bool, error) {
		return models.ReleaseLock(job, owner, now), nil
	})
	return err
}

// CancelAdministratively finalises a cancellation while holding the per-job
// advisory lock, so it cannot interleave with another administrative action.
func (s *StoreImpl) CancelAdministratively(ctx context.Context, id uuid.UUID, requestedAt time.Time, reason string) (*models.Job, error) {
	return s.mutateJob(ctx, id, true, func(job *models.Job, now time.Time) (bool, error) {
		return models.CancelNow(job, requestedAt, reason, now)
	})
}

func (s *StoreImpl) ListActiveJobs(ctx context.Context, filter store.JobFilter) ([]*models.Job, error) {
	statuses := filter.Statuses
	if len(statuses) == 0 {
		statuses = models.ActiveStatuses
	}
	names := make([]string, 0, len(statuses))
	for _, st := range statuses {
		names = append(names, string(st))
	}
	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE status = ANY($1) AND ($2 = '' OR flavor = $2)
		ORDER BY created_at ASC`
	return s.queryJobs(ctx, query, names, string(filter.Flavor))
}

func (s *StoreImpl) ListJobs(ctx context.Context, limit, offset int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT ` + jobColumns + ` FROM jobs ORDER BY created_at DESC LIMIT $1 OFFSET $2`
	return s.queryJobs(ctx, query, limit, offset)
}

func (s *StoreImpl) queryJobs(ctx context.Context, query string, args ...any) ([]*models.Job, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return jobs, fmt.Errorf("failed to scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return jobs, fmt.Errorf("error iterating job rows: %w", err)
	}
	return jobs, nil
}

// mutateJob runs fn against the row under SELECT ... FOR UPDATE and writes the
// result back when fn reports a change. Subscribers are notified after commit.
func (s *StoreImpl) mutateJob(ctx context.Context, id uuid.UUID, advisory bool, fn func(job *models.Job, now time.Time) (bool, error)) (*models.Job, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if advisory {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`, id.String()); err != nil {
			return nil, fmt.Errorf("failed to take advisory lock for job %s: %w", id, err)
		}
	}

	job, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}

	changed, err := fn(job, s.settings.Clock())
	if err != nil {
		return nil, err
	}
	if !changed {
		return job, nil
	}
	if err := writeJob(ctx, tx, job); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit job %s: %w", id, err)
	}
	log.WithFields(log.Fields{"job_id": job.ID, "status": job.Status, "processed": job.ProcessedUnits}).Trace("Job row written")
	s.settings.Notify(ctx, job)
	return job, nil
}

func writeJob(ctx context.Context, tx pgx.Tx, job *models.Job) error {
	query := `
		UPDATE jobs SET
			status = $2, total_units = $3, processed_units = $4, succeeded_units = $5, failed_units = $6,
			current_index = $7, chunks_processed = $8, last_heartbeat_at = $9, is_cancelling = $10,
			cancel_reason = $11, error_message = $12, note = $13, lock_owner = $14, lock_acquired_at = $15,
			lock_reason = $16, auto_resume_failures = $17, auto_resume_attempted_at = $18, metadata = $19,
			started_at = $20, completed_at = $21, updated_at = $22
		WHERE id = $1`
	_, err := tx.Exec(ctx, query,
		job.ID, job.Status, job.TotalUnits, job.ProcessedUnits, job.SucceededUnits, job.FailedUnits,
		job.CurrentIndex, job.ChunksProcessed, job.LastHeartbeatAt, job.IsCancelling,
		job.CancelReason, job.ErrorMessage, job.Note, job.LockOwner, job.LockAcquiredAt,
		job.LockReason, job.AutoResumeFailures, job.AutoResumeAttemptedAt, nullableJSON(job.Metadata),
		job.StartedAt, job.CompletedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", job.ID, err)
	}
	return nil
}

// Ensure StoreImpl satisfies the JobStore interface
var _ store.JobStore = (*StoreImpl)(nil)
