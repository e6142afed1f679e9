package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"corpusflow/internal/models"
	"corpusflow/internal/store"

	"github.com/google/uuid"
)

const jobColumns = `id, flavor, status, scope, scope_key, total_units, processed_units, succeeded_units,
	failed_units, current_index, chunk_size, chunks_processed, last_heartbeat_at, is_cancelling,
	cancel_reason, error_message, note, lock_owner, lock_acquired_at, lock_reason,
	auto_resume_failures, auto_resume_attempted_at, metadata, created_at, started_at, completed_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		job                                               models.Job
		id, scope                                         string
		heartbeat, lockAt, resumeAt, started, completed   sql.NullInt64
		created, updated                                  int64
		cancelReason, errMsg, note, lockOwner, lockReason sql.NullString
		metadata                                          sql.NullString
	)
	err := row.Scan(
		&id, &job.Flavor, &job.Status, &scope, &job.ScopeKey,
		&job.TotalUnits, &job.ProcessedUnits, &job.SucceededUnits, &job.FailedUnits,
		&job.CurrentIndex, &job.ChunkSize, &job.ChunksProcessed, &heartbeat, &job.IsCancelling,
		&cancelReason, &errMsg, &note, &lockOwner, &lockAt, &lockReason,
		&job.AutoResumeFailures, &resumeAt, &metadata,
		&created, &started, &completed, &updated,
	)
	if err != nil {
		return nil, err
	}
	if job.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("failed to parse job id %q: %w", id, err)
	}
	if err := json.Unmarshal([]byte(scope), &job.Scope); err != nil {
		return nil, fmt.Errorf("failed to decode scope of job %s: %w", job.ID, err)
	}
	job.LastHeartbeatAt = timePtr(heartbeat)
	job.LockAcquiredAt = timePtr(lockAt)
	job.AutoResumeAttemptedAt = timePtr(resumeAt)
	job.StartedAt = timePtr(started)
	job.CompletedAt = timePtr(completed)
	job.CreatedAt = fromNanos(created)
	job.UpdatedAt = fromNanos(updated)
	job.CancelReason = stringPtr(cancelReason)
	job.ErrorMessage = stringPtr(errMsg)
	job.Note = stringPtr(note)
	job.LockOwner = stringPtr(lockOwner)
	job.LockReason = stringPtr(lockReason)
	job.Metadata = rawJSON(metadata)
	return &job, nil
}

func (s *Store) CreateJob(ctx context.Context, job *models.Job) error {
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
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, flavor, status, scope, scope_key, total_units, chunk_size, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID.String(), string(job.Flavor), string(job.Status), string(scope), job.ScopeKey,
		job.TotalUnits, job.ChunkSize, nullJSON(job.Metadata), toNanos(job.CreatedAt), toNanos(job.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s job for %s: %w", models.ErrActiveJobExists, job.Flavor, job.ScopeKey, store.ErrDuplicate)
		}
		return fmt.Errorf("failed to insert job: %w", err)
	}
	s.settings.Notify(ctx, job)
	return nil
}

func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return job, nil
}

func (s *Store) UpdateJobConditional(ctx context.Context, id uuid.UUID, cond models.Condition, patch models.JobPatch) (*models.Job, error) {
	return s.mutateJob(ctx, id, func(job *models.Job, now time.Time) (bool, error) {
		return true, models.ApplyPatch(job, cond, patch, now)
	})
}

func (s *Store) AcquireChunkLock(ctx context.Context, id uuid.UUID, owner string, acq models.LockAcquisition) (*models.Job, error) {
	return s.mutateJob(ctx, id, func(job *models.Job, now time.Time) (bool, error) {
		return true, models.AcquireLock(job, owner, acq, now)
	})
}

func (s *Store) ReleaseChunkLock(ctx context.Context, id uuid.UUID, owner string) error {
	_, err := s.mutateJob(ctx, id, func(job *models.Job, now time.Time) (bool, error) {
		return models.ReleaseLock(job, owner, now), nil
	})
	return err
}

func (s *Store) CancelAdministratively(ctx context.Context, id uuid.UUID, requestedAt time.Time, reason string) (*models.Job, error) {
	return s.mutateJob(ctx, id, func(job *models.Job, now time.Time) (bool, error) {
		return models.CancelNow(job, requestedAt, reason, now)
	})
}

func (s *Store) ListActiveJobs(ctx context.Context, filter store.JobFilter) ([]*models.Job, error) {
	statuses := filter.Statuses
	if len(statuses) == 0 {
		statuses = models.ActiveStatuses
	}
	args := make([]any, 0, len(statuses)+1)
	for _, st := range statuses {
		args = append(args, string(st))
	}
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status IN (` + placeholders(len(statuses)) + `)`
	if filter.Flavor != "" {
		query += ` AND flavor = ?`
		args = append(args, string(filter.Flavor))
	}
	query += ` ORDER BY created_at ASC`
	return s.queryJobs(ctx, query, args...)
}

func (s *Store) ListJobs(ctx context.Context, limit, offset int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...any) ([]*models.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
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

func (s *Store) mutateJob(ctx context.Context, id uuid.UUID, fn func(job *models.Job, now time.Time) (bool, error)) (*models.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	job, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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
	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET
			status = ?, total_units = ?, processed_units = ?, succeeded_units = ?, failed_units = ?,
			current_index = ?, chunks_processed = ?, last_heartbeat_at = ?, is_cancelling = ?,
			cancel_reason = ?, error_message = ?, note = ?, lock_owner = ?, lock_acquired_at = ?,
			lock_reason = ?, auto_resume_failures = ?, auto_resume_attempted_at = ?, metadata = ?,
			started_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ?`,
		string(job.Status), job.TotalUnits, job.ProcessedUnits, job.SucceededUnits, job.FailedUnits,
		job.CurrentIndex, job.ChunksProcessed, nullNanos(job.LastHeartbeatAt), job.IsCancelling,
		nullString(job.CancelReason), nullString(job.ErrorMessage), nullString(job.Note), nullString(job.LockOwner), nullNanos(job.LockAcquiredAt),
		nullString(job.LockReason), job.AutoResumeFailures, nullNanos(job.AutoResumeAttemptedAt), nullJSON(job.Metadata),
		nullNanos(job.StartedAt), nullNanos(job.CompletedAt), toNanos(job.UpdatedAt),
		job.ID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update job %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit job %s: %w", id, err)
	}
	s.settings.Notify(ctx, job)
	return job, nil
}

var _ store.JobStore = (*Store)(nil)
