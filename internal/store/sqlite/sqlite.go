// Package sqlite implements the store contract on SQLite for local runs and tests.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"corpusflow/internal/store"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// Store is a single-connection SQLite store. Using one connection serialises
// every transaction, which is what makes the read-check-write in mutateJob atomic.
type Store struct {
	db       *sql.DB
	settings store.Settings
}

var _ store.Store = (*Store)(nil)

// Open opens path (":memory:" for an in-process database) and applies the schema.
func Open(ctx context.Context, path string, opts ...store.Option) (*Store, error) {
	if path == "" {
		path = "corpusflow.db"
	}
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("%s?_foreign_keys=on&_busy_timeout=5000", path)
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	s := &Store{db: db, settings: store.NewSettings(opts...)}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id                       TEXT PRIMARY KEY,
	flavor                   TEXT NOT NULL,
	status                   TEXT NOT NULL,
	scope                    TEXT NOT NULL,
	scope_key                TEXT NOT NULL,
	total_units              INTEGER NOT NULL DEFAULT 0,
	processed_units          INTEGER NOT NULL DEFAULT 0,
	succeeded_units          INTEGER NOT NULL DEFAULT 0,
	failed_units             INTEGER NOT NULL DEFAULT 0,
	current_index            INTEGER NOT NULL DEFAULT 0,
	chunk_size               INTEGER NOT NULL,
	chunks_processed         INTEGER NOT NULL DEFAULT 0,
	last_heartbeat_at        INTEGER,
	is_cancelling            INTEGER NOT NULL DEFAULT 0,
	cancel_reason            TEXT,
	error_message            TEXT,
	note                     TEXT,
	lock_owner               TEXT,
	lock_acquired_at         INTEGER,
	lock_reason              TEXT,
	auto_resume_failures     INTEGER NOT NULL DEFAULT 0,
	auto_resume_attempted_at INTEGER,
	metadata                 TEXT,
	created_at               INTEGER NOT NULL,
	started_at               INTEGER,
	completed_at             INTEGER,
	updated_at               INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS jobs_one_active_per_scope
	ON jobs (flavor, scope_key) WHERE status IN ('pending', 'processing', 'paused');
CREATE INDEX IF NOT EXISTS jobs_status_idx ON jobs (status);

CREATE TABLE IF NOT EXISTS corpus_items (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	kind       TEXT NOT NULL,
	corpus     TEXT NOT NULL,
	artist     TEXT NOT NULL DEFAULT '',
	title      TEXT NOT NULL,
	body       TEXT NOT NULL DEFAULT '',
	metadata   TEXT,
	created_at INTEGER NOT NULL,
	corpus_key TEXT NOT NULL DEFAULT '',
	artist_key TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS corpus_items_corpus_idx ON corpus_items (kind, corpus_key);
CREATE INDEX IF NOT EXISTS corpus_items_artist_idx ON corpus_items (kind, artist_key);

CREATE TABLE IF NOT EXISTS item_results (
	job_id     TEXT NOT NULL,
	item_id    INTEGER NOT NULL,
	flavor     TEXT NOT NULL,
	succeeded  INTEGER NOT NULL,
	providers  TEXT,
	payload    TEXT,
	error      TEXT,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (job_id, item_id)
);

CREATE TABLE IF NOT EXISTS ai_usage_logs (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp       INTEGER NOT NULL,
	provider_name   TEXT NOT NULL,
	service_type    TEXT NOT NULL,
	model_name      TEXT NOT NULL,
	input_tokens    INTEGER NOT NULL DEFAULT 0,
	output_tokens   INTEGER NOT NULL DEFAULT 0,
	cost            REAL NOT NULL DEFAULT 0,
	related_job_id  TEXT,
	related_item_id INTEGER
);
`

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// --- encoding helpers ---

// Times are stored as unix nanoseconds so ordering and equality survive a round trip.
func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	v := n.String
	return &v
}

func nullJSON(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func rawJSON(n sql.NullString) json.RawMessage {
	if !n.Valid || n.String == "" {
		return nil
	}
	return json.RawMessage(n.String)
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
