package store

import (
	"context"
	"time"

	"corpusflow/internal/models"

	"github.com/google/uuid"
)

// --- Job Store ---

// JobFilter narrows ListActiveJobs. Zero values match everything active.
type JobFilter struct {
	Flavor   models.Flavor
	Statuses []models.JobStatus
}

// JobStore persists job records. Every status change goes through
// UpdateJobConditional, which checks the condition and the transition table
// against the stored row and writes the patch atomically.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	UpdateJobConditional(ctx context.Context, id uuid.UUID, cond models.Condition, patch models.JobPatch) (*models.Job, error)
	ListActiveJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error)
	ListJobs(ctx context.Context, limit, offset int) ([]*models.Job, error)

	AcquireChunkLock(ctx context.Context, id uuid.UUID, owner string, acq models.LockAcquisition) (*models.Job, error)
	ReleaseChunkLock(ctx context.Context, id uuid.UUID, owner string) error
	CancelAdministratively(ctx context.Context, id uuid.UUID, requestedAt time.Time, reason string) (*models.Job, error)
}

// --- Item Store ---

type ItemStore interface {
	CreateItems(ctx context.Context, items []*models.Item) error
	CountItems(ctx context.Context, kind models.ItemKind, scope models.Scope) (int, error)
	// ListItems returns items in id order starting at offset, the same order
	// the job cursor indexes into.
	ListItems(ctx context.Context, kind models.ItemKind, scope models.Scope, offset, limit int) ([]*models.Item, error)
	SaveItemResult(ctx context.Context, result *models.ItemResult) error
	ListItemResults(ctx context.Context, jobID uuid.UUID, limit, offset int) ([]*models.ItemResult, error)
}

// --- Cost Tracking Store ---

type CostTrackingStore interface {
	RecordUsage(ctx context.Context, log *models.AIUsageLog) error
	ListUsage(ctx context.Context, jobID *uuid.UUID, limit, offset int) ([]*models.AIUsageLog, error)
	GetUsageSummary(ctx context.Context, jobID *uuid.UUID) (models.UsageSummary, error)
}

// Store is everything a backend provides.
type Store interface {
	JobStore
	ItemStore
	CostTrackingStore

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// --- Change notification ---

// Notifier receives a full snapshot of every job row after a committed write.
// Delivery is best effort; subscribers reconcile by polling.
type Notifier interface {
	Publish(ctx context.Context, job *models.Job)
}

// --- Chunk dispatch ---

// ChunkDispatch asks a worker to run the next chunk of a job.
type ChunkDispatch struct {
	JobID        uuid.UUID
	ContinueFrom int
	Lock         models.LockAcquisition
}

// JobClient hands chunk work to whatever runs it.
type JobClient interface {
	DispatchChunk(ctx context.Context, d ChunkDispatch) error
	Close() error
}

// --- Options shared by backends ---

type Settings struct {
	Clock    func() time.Time
	Notifier Notifier
}

type Option func(*Settings)

func WithClock(clock func() time.Time) Option {
	return func(s *Settings) { s.Clock = clock }
}

func WithNotifier(n Notifier) Option {
	return func(s *Settings) { s.Notifier = n }
}

// NewSettings applies opts over the defaults.
func NewSettings(opts ...Option) Settings {
	s := Settings{Clock: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Notify publishes job if a notifier is configured.
func (s Settings) Notify(ctx context.Context, job *models.Job) {
	if s.Notifier != nil && job != nil {
		s.Notifier.Publish(ctx, job.Clone())
	}
}
