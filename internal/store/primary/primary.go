package primary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"corpusflow/internal/models"
	"corpusflow/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// StoreImpl implements store.Store using PostgreSQL.
type StoreImpl struct {
	db       *pgxpool.Pool
	settings store.Settings
}

var _ store.Store = (*StoreImpl)(nil)

// NewPrimaryStore creates a new PostgreSQL primary store implementation.
func NewPrimaryStore(ctx context.Context, dsn string, opts ...store.Option) (*StoreImpl, error) {
	if dsn == "" {
		return nil, errors.New("database DSN cannot be empty")
	}
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database DSN: %w", err)
	}

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := dbpool.Ping(ctx); err != nil {
		dbpool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &StoreImpl{db: dbpool, settings: store.NewSettings(opts...)}, nil
}

// Ping checks the database connection.
func (s *StoreImpl) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection pool.
func (s *StoreImpl) Close() error {
	s.db.Close()
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id                       UUID PRIMARY KEY,
	flavor                   TEXT NOT NULL,
	status                   TEXT NOT NULL,
	scope                    JSONB NOT NULL,
	scope_key                TEXT NOT NULL,
	total_units              INTEGER NOT NULL DEFAULT 0 CHECK (total_units >= 0),
	processed_units          INTEGER NOT NULL DEFAULT 0 CHECK (processed_units >= 0),
	succeeded_units          INTEGER NOT NULL DEFAULT 0 CHECK (succeeded_units >= 0),
	failed_units             INTEGER NOT NULL DEFAULT 0 CHECK (failed_units >= 0),
	current_index            INTEGER NOT NULL DEFAULT 0 CHECK (current_index >= 0),
	chunk_size               INTEGER NOT NULL CHECK (chunk_size > 0),
	chunks_processed         INTEGER NOT NULL DEFAULT 0,
	last_heartbeat_at        TIMESTAMPTZ,
	is_cancelling            BOOLEAN NOT NULL DEFAULT FALSE,
	cancel_reason            TEXT,
	error_message            TEXT,
	note                     TEXT,
	lock_owner               TEXT,
	lock_acquired_at         TIMESTAMPTZ,
	lock_reason              TEXT,
	auto_resume_failures     INTEGER NOT NULL DEFAULT 0,
	auto_resume_attempted_at TIMESTAMPTZ,
	metadata                 JSONB,
	created_at               TIMESTAMPTZ NOT NULL,
	started_at               TIMESTAMPTZ,
	completed_at             TIMESTAMPTZ,
	updated_at               TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS jobs_one_active_per_scope
	ON jobs (flavor, scope_key) WHERE status IN ('pending', 'processing', 'paused');
CREATE INDEX IF NOT EXISTS jobs_status_idx ON jobs (status);

CREATE TABLE IF NOT EXISTS corpus_items (
	id         BIGSERIAL PRIMARY KEY,
	kind       TEXT NOT NULL,
	corpus     TEXT NOT NULL,
	artist     TEXT NOT NULL DEFAULT '',
	title      TEXT NOT NULL,
	body       TEXT NOT NULL DEFAULT '',
	metadata   JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS corpus_items_corpus_idx ON corpus_items (kind, lower(corpus));
CREATE INDEX IF NOT EXISTS corpus_items_artist_idx ON corpus_items (kind, lower(artist));

CREATE TABLE IF NOT EXISTS item_results (
	job_id     UUID NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	item_id    BIGINT NOT NULL REFERENCES corpus_items(id) ON DELETE CASCADE,
	flavor     TEXT NOT NULL,
	succeeded  BOOLEAN NOT NULL,
	providers  TEXT[],
	payload    JSONB,
	error      TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (job_id, item_id)
);

CREATE TABLE IF NOT EXISTS ai_usage_logs (
	id              BIGSERIAL PRIMARY KEY,
	timestamp       TIMESTAMPTZ NOT NULL,
	provider_name   TEXT NOT NULL,
	service_type    TEXT NOT NULL,
	model_name      TEXT NOT NULL,
	input_tokens    INTEGER NOT NULL DEFAULT 0,
	output_tokens   INTEGER NOT NULL DEFAULT 0,
	cost            DOUBLE PRECISION NOT NULL DEFAULT 0,
	related_job_id  UUID,
	related_item_id BIGINT
);
CREATE INDEX IF NOT EXISTS ai_usage_logs_job_idx ON ai_usage_logs (related_job_id);
`

// Migrate creates the tables and indexes if they do not exist.
func (s *StoreImpl) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// --- Helper Functions ---

const jobColumns = `id, flavor, status, scope, scope_key, total_units, processed_units, succeeded_units,
	failed_units, current_index, chunk_size, chunks_processed, last_heartbeat_at, is_cancelling,
	cancel_reason, error_message, note, lock_owner, lock_acquired_at, lock_reason,
	auto_resume_failures, auto_resume_attempted_at, metadata, created_at, started_at, completed_at, updated_at`

// scanJob scans a row selected with jobColumns.
func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		job      models.Job
		scope    []byte
		metadata []byte
	)
	err := row.Scan(
		&job.ID, &job.Flavor, &job.Status, &scope, &job.ScopeKey,
		&job.TotalUnits, &job.ProcessedUnits, &job.SucceededUnits, &job.FailedUnits,
		&job.CurrentIndex, &job.ChunkSize, &job.ChunksProcessed, &job.LastHeartbeatAt, &job.IsCancelling,
		&job.CancelReason, &job.ErrorMessage, &job.Note, &job.LockOwner, &job.LockAcquiredAt, &job.LockReason,
		&job.AutoResumeFailures, &job.AutoResumeAttemptedAt, &metadata,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(scope, &job.Scope); err != nil {
		return nil, fmt.Errorf("failed to decode scope of job %s: %w", job.ID, err)
	}
	if len(metadata) > 0 {
		job.Metadata = json.RawMessage(metadata)
	}
	return &job, nil
}

func nullableJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
