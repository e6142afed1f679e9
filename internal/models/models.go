package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Flavor identifies which pipeline a job runs. Flavors share the Job shape.
type Flavor string

const (
	FlavorEnrichment         Flavor = "enrichment"
	FlavorSemanticAnnotation Flavor = "semantic_annotation"
	FlavorSemanticRefinement Flavor = "semantic_refinement"
	FlavorCorpusAnnotation   Flavor = "corpus_annotation"
	FlavorProcessing         Flavor = "processing"
)

// Flavors lists every known flavor in a stable order.
var Flavors = []Flavor{
	FlavorEnrichment,
	FlavorSemanticAnnotation,
	FlavorSemanticRefinement,
	FlavorCorpusAnnotation,
	FlavorProcessing,
}

func (f Flavor) Valid() bool {
	for _, known := range Flavors {
		if f == known {
			return true
		}
	}
	return false
}

// ItemKind returns the kind of corpus item a flavor iterates over.
func (f Flavor) ItemKind() ItemKind {
	switch f {
	case FlavorSemanticAnnotation, FlavorSemanticRefinement:
		return ItemKindWord
	default:
		return ItemKindSong
	}
}

// ScopeKind says what a job operates over.
type ScopeKind string

const (
	ScopeArtist ScopeKind = "artist"
	ScopeCorpus ScopeKind = "corpus"
	ScopeItems  ScopeKind = "items"
	ScopeAll    ScopeKind = "all"
)

// Scope is the target of a job: an artist, a corpus, an explicit item list, or everything.
type Scope struct {
	Kind    ScopeKind `json:"kind"`
	Target  string    `json:"target,omitempty"`
	ItemIDs []int64   `json:"item_ids,omitempty"`
}

// Validate checks that the scope carries what its kind needs.
func (s Scope) Validate() error {
	switch s.Kind {
	case ScopeArtist, ScopeCorpus:
		if strings.TrimSpace(s.Target) == "" {
			return fmt.Errorf("%w: scope %q requires a target", ErrValidation, s.Kind)
		}
	case ScopeItems:
		if len(s.ItemIDs) == 0 {
			return fmt.Errorf("%w: scope %q requires at least one item id", ErrValidation, s.Kind)
		}
	case ScopeAll:
	default:
		return fmt.Errorf("%w: unknown scope kind %q", ErrValidation, s.Kind)
	}
	return nil
}

// Key is the canonical string used for the one-active-job-per-scope rule.
func (s Scope) Key() string {
	switch s.Kind {
	case ScopeAll:
		return string(ScopeAll)
	case ScopeItems:
		ids := append([]int64(nil), s.ItemIDs...)
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		parts := make([]string, 0, len(ids))
		for i, id := range ids {
			if i > 0 && ids[i-1] == id {
				continue
			}
			parts = append(parts, strconv.FormatInt(id, 10))
		}
		return string(ScopeItems) + ":" + strings.Join(parts, ",")
	default:
		return string(s.Kind) + ":" + strings.ToLower(strings.TrimSpace(s.Target))
	}
}

// Job mirrors the jobs table. Nullable columns are pointers.
type Job struct {
	ID              uuid.UUID  `json:"id" db:"id"`
	Flavor          Flavor     `json:"flavor" db:"flavor"`
	Status          JobStatus  `json:"status" db:"status"`
	Scope           Scope      `json:"scope" db:"scope"`
	ScopeKey        string     `json:"scope_key" db:"scope_key"`
	TotalUnits      int        `json:"total_units" db:"total_units"`
	ProcessedUnits  int        `json:"processed_units" db:"processed_units"`
	SucceededUnits  int        `json:"succeeded_units" db:"succeeded_units"`
	FailedUnits     int        `json:"failed_units" db:"failed_units"`
	CurrentIndex    int        `json:"current_index" db:"current_index"`
	ChunkSize       int        `json:"chunk_size" db:"chunk_size"`
	ChunksProcessed int        `json:"chunks_processed" db:"chunks_processed"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty" db:"last_heartbeat_at"`
	IsCancelling    bool       `json:"is_cancelling" db:"is_cancelling"`
	CancelReason    *string    `json:"cancel_reason,omitempty" db:"cancel_reason"`
	ErrorMessage    *string    `json:"error_message,omitempty" db:"error_message"`
	Note            *string    `json:"note,omitempty" db:"note"`
	LockOwner       *string    `json:"lock_owner,omitempty" db:"lock_owner"`
	LockAcquiredAt  *time.Time `json:"lock_acquired_at,omitempty" db:"lock_acquired_at"`
	LockReason      *string    `json:"lock_reason,omitempty" db:"lock_reason"`
	// Auto-resume bookkeeping lives on the row so it survives client reloads.
	AutoResumeFailures    int             `json:"auto_resume_failures" db:"auto_resume_failures"`
	AutoResumeAttemptedAt *time.Time      `json:"auto_resume_attempted_at,omitempty" db:"auto_resume_attempted_at"`
	Metadata              json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	CreatedAt             time.Time       `json:"created_at" db:"created_at"`
	StartedAt             *time.Time      `json:"started_at,omitempty" db:"started_at"`
	CompletedAt           *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	UpdatedAt             time.Time       `json:"updated_at" db:"updated_at"`
}

// Clone returns a deep copy so callers can mutate without touching shared snapshots.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Scope.ItemIDs = append([]int64(nil), j.Scope.ItemIDs...)
	c.LastHeartbeatAt = cloneTime(j.LastHeartbeatAt)
	c.LockAcquiredAt = cloneTime(j.LockAcquiredAt)
	c.AutoResumeAttemptedAt = cloneTime(j.AutoResumeAttemptedAt)
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	c.CancelReason = cloneString(j.CancelReason)
	c.ErrorMessage = cloneString(j.ErrorMessage)
	c.Note = cloneString(j.Note)
	c.LockOwner = cloneString(j.LockOwner)
	c.LockReason = cloneString(j.LockReason)
	if j.Metadata != nil {
		c.Metadata = append(json.RawMessage(nil), j.Metadata...)
	}
	return &c
}

// RemainingUnits is the number of units not yet processed.
func (j *Job) RemainingUnits() int {
	if r := j.TotalUnits - j.ProcessedUnits; r > 0 {
		return r
	}
	return 0
}

// LockHeld reports whether some executor currently owns the chunk lock.
func (j *Job) LockHeld() bool {
	return j.LockOwner != nil && *j.LockOwner != ""
}

// JobMetadata is the flavor-specific payload stored in Job.Metadata.
type JobMetadata struct {
	Samples     []json.RawMessage `json:"samples,omitempty"`
	DepthCounts map[int]int       `json:"depth_counts,omitempty"`
	Depth       int               `json:"depth,omitempty"`
	Exhausted   []string          `json:"exhausted_providers,omitempty"`
	Extra       map[string]any    `json:"extra,omitempty"`
}

// DecodeMetadata parses Job.Metadata, returning an empty value for empty payloads.
func (j *Job) DecodeMetadata() (JobMetadata, error) {
	var md JobMetadata
	if len(j.Metadata) == 0 || string(j.Metadata) == "null" {
		return md, nil
	}
	if err := json.Unmarshal(j.Metadata, &md); err != nil {
		return md, fmt.Errorf("decode metadata for job %s: %w", j.ID, err)
	}
	return md, nil
}

// ItemKind distinguishes the two corpus item families.
type ItemKind string

const (
	ItemKindSong ItemKind = "song"
	ItemKindWord ItemKind = "word"
)

// Item is one unit of work: a song or a lexicon word.
type Item struct {
	ID        int64           `json:"id" db:"id"`
	Kind      ItemKind        `json:"kind" db:"kind"`
	Corpus    string          `json:"corpus" db:"corpus"`
	Artist    string          `json:"artist,omitempty" db:"artist"`
	Title     string          `json:"title" db:"title"`
	Body      string          `json:"body,omitempty" db:"body"`
	Metadata  json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// ItemResult is the persisted per-unit outcome of a chunk.
type ItemResult struct {
	JobID     uuid.UUID       `json:"job_id" db:"job_id"`
	ItemID    int64           `json:"item_id" db:"item_id"`
	Flavor    Flavor          `json:"flavor" db:"flavor"`
	Succeeded bool            `json:"succeeded" db:"succeeded"`
	Providers []string        `json:"providers,omitempty" db:"providers"`
	Payload   json.RawMessage `json:"payload,omitempty" db:"payload"`
	Error     *string         `json:"error,omitempty" db:"error"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// AIUsageLog represents a record of AI API usage for cost tracking.
type AIUsageLog struct {
	ID           int64      `db:"id"`
	Timestamp    time.Time  `db:"timestamp"`
	ProviderName string     `db:"provider_name"`
	ServiceType  string     `db:"service_type"` // the job flavor
	ModelName    string     `db:"model_name"`
	InputTokens  int        `db:"input_tokens"`
	OutputTokens int        `db:"output_tokens"`
	Cost         float64    `db:"cost"`
	RelatedJobID *uuid.UUID `db:"related_job_id"`
	RelatedItem  *int64     `db:"related_item_id"`
}

// UsageSummary aggregates AIUsageLog rows.
type UsageSummary struct {
	Calls        int64   `json:"calls"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// StringPtr and TimePtr are small helpers for building patches.
func StringPtr(s string) *string { return &s }

func TimePtr(t time.Time) *time.Time { return &t }
