package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"corpusflow/internal/enrich"
	"corpusflow/internal/models"
	"corpusflow/internal/ratelimit"
	"corpusflow/internal/store"
	"corpusflow/internal/store/sqlite"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T) (*sqlite.Store, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	s, err := sqlite.Open(context.Background(), ":memory:", store.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clock
}

// seedJob creates n songs for artist and a pending job over them.
func seedJob(t *testing.T, s *sqlite.Store, artist string, n, chunk int) *models.Job {
	t.Helper()
	ctx := context.Background()
	items := make([]*models.Item, n)
	for i := range items {
		items[i] = &models.Item{Kind: models.ItemKindSong, Corpus: "rock-latino", Artist: artist, Title: fmt.Sprintf("Song %03d", i)}
	}
	require.NoError(t, s.CreateItems(ctx, items))
	job := &models.Job{
		Flavor:     models.FlavorEnrichment,
		Scope:      models.Scope{Kind: models.ScopeArtist, Target: artist},
		TotalUnits: n,
		ChunkSize:  chunk,
	}
	require.NoError(t, s.CreateJob(ctx, job))
	return job
}

func succeedAll(ctx context.Context, sess *enrich.Session, job *models.Job, item *models.Item) enrich.UnitResult {
	return enrich.UnitResult{Succeeded: true, Providers: []string{"fake"}, Payload: json.RawMessage(fmt.Sprintf(`{"item":%d}`, item.ID))}
}

func pipelines(p enrich.Pipeline) Option {
	return WithPipelines(func(models.Flavor) (enrich.Pipeline, error) { return p, nil })
}

func TestExecute_HappyPath(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	job := seedJob(t, s, "Soda Stereo", 250, 50)
	exec := New(s, nil, DefaultConfig(), WithClock(clock.Now), pipelines(succeedAll))

	var statuses []models.JobStatus
	var lastHeartbeat time.Time
	lastProcessed := 0
	cursor := 0
	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		out, err := exec.Execute(ctx, ChunkRequest{JobID: job.ID, ContinueFrom: cursor, Lock: models.NormalLock()})
		require.NoError(t, err)
		assert.Equal(t, 50, out.Attempted)
		assert.Equal(t, 50, out.Succeeded)
		cursor = out.NextIndex
		statuses = append(statuses, out.Status)

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		require.NotNil(t, got.LastHeartbeatAt)
		assert.False(t, got.LastHeartbeatAt.Before(lastHeartbeat), "heartbeat never moves backwards")
		assert.GreaterOrEqual(t, got.ProcessedUnits, lastProcessed, "processed_units never decreases")
		assert.False(t, got.LockHeld(), "lock released after the chunk")
		lastHeartbeat = *got.LastHeartbeatAt
		lastProcessed = got.ProcessedUnits
	}

	assert.Equal(t, []models.JobStatus{
		models.JobStatusProcessing, models.JobStatusProcessing, models.JobStatusProcessing,
		models.JobStatusProcessing, models.JobStatusCompleted,
	}, statuses)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, 250, got.ProcessedUnits)
	assert.Equal(t, 250, got.SucceededUnits)
	assert.Equal(t, 0, got.FailedUnits)
	assert.Equal(t, 5, got.ChunksProcessed)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)

	md, err := got.DecodeMetadata()
	require.NoError(t, err)
	assert.Len(t, md.Samples, DefaultConfig().SampleLimit)

	results, err := s.ListItemResults(ctx, job.ID, 500, 0)
	require.NoError(t, err)
	assert.Len(t, results, 250)

	_, err = exec.Execute(ctx, ChunkRequest{JobID: job.ID, ContinueFrom: 250})
	require.ErrorIs(t, err, models.ErrJobTerminal)
}

func TestExecute_UnitFailuresDoNotAbortChunk(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	job := seedJob(t, s, "Los Prisioneros", 10, 10)
	flaky := func(ctx context.Context, sess *enrich.Session, job *models.Job, item *models.Item) enrich.UnitResult {
		if item.ID%2 == 0 {
			return enrich.UnitResult{Err: fmt.Errorf("video: %w", enrich.ErrNotFound)}
		}
		return succeedAll(ctx, sess, job, item)
	}
	exec := New(s, nil, DefaultConfig(), WithClock(clock.Now), pipelines(flaky))

	out, err := exec.Execute(ctx, ChunkRequest{JobID: job.ID})
	require.NoError(t, err)
	assert.Equal(t, 10, out.Attempted)
	assert.Equal(t, 5, out.Failed)
	assert.Equal(t, models.JobStatusCompleted, out.Status, "failed units still count as processed")

	got, _ := s.GetJob(ctx, job.ID)
	assert.Equal(t, 10, got.ProcessedUnits)
	assert.Equal(t, 5, got.FailedUnits)
}

func TestExecute_StaleCursor(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	job := seedJob(t, s, "Caifanes", 100, 50)
	exec := New(s, nil, DefaultConfig(), WithClock(clock.Now), pipelines(succeedAll))

	_, err := exec.Execute(ctx, ChunkRequest{JobID: job.ID, ContinueFrom: 0})
	require.NoError(t, err)

	before, _ := s.GetJob(ctx, job.ID)
	_, err = exec.Execute(ctx, ChunkRequest{JobID: job.ID, ContinueFrom: 0})
	require.ErrorIs(t, err, models.ErrStaleCursor)
	after, _ := s.GetJob(ctx, job.ID)
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.ProcessedUnits, after.ProcessedUnits)

	_, err = exec.Execute(ctx, ChunkRequest{JobID: job.ID, ContinueFrom: 75})
	require.ErrorIs(t, err, models.ErrValidation)
}

// countingStore tracks how many executors hold the chunk lock at once.
type countingStore struct {
	*sqlite.Store
	holders atomic.Int32
	maxSeen atomic.Int32
}

func (c *countingStore) AcquireChunkLock(ctx context.Context, id uuid.UUID, owner string, acq models.LockAcquisition) (*models.Job, error) {
	job, err := c.Store.AcquireChunkLock(ctx, id, owner, acq)
	if err == nil {
		n := c.holders.Add(1)
		for {
			m := c.maxSeen.Load()
			if n <= m || c.maxSeen.CompareAndSwap(m, n) {
				break
			}
		}
	}
	return job, err
}

func (c *countingStore) ReleaseChunkLock(ctx context.Context, id uuid.UUID, owner string) error {
	c.holders.Add(-1)
	return c.Store.ReleaseChunkLock(ctx, id, owner)
}

func TestExecute_ConcurrentResumesHoldLockOnce(t *testing.T) {
	base, clock := newTestStore(t)
	ctx := context.Background()
	job := seedJob(t, base, "Enanitos Verdes", 40, 40)
	s := &countingStore{Store: base}

	slow := func(ctx context.Context, sess *enrich.Session, job *models.Job, item *models.Item) enrich.UnitResult {
		time.Sleep(time.Millisecond)
		return succeedAll(ctx, sess, job, item)
	}
	exec := New(s, nil, DefaultConfig(), WithClock(clock.Now), pipelines(slow))

	var wg sync.WaitGroup
	var ran, busy atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := exec.Execute(ctx, ChunkRequest{JobID: job.ID, ContinueFrom: 0})
			switch {
			case err == nil:
				ran.Add(1)
			case errors.Is(err, models.ErrChunkInProgress), errors.Is(err, models.ErrStaleCursor), errors.Is(err, models.ErrJobTerminal):
				busy.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, s.maxSeen.Load(), int32(1))
	assert.Equal(t, int32(1), ran.Load(), "exactly one chunk processed the units")
	got, _ := base.GetJob(ctx, job.ID)
	assert.Equal(t, 40, got.ProcessedUnits, "no unit processed twice")
}

// racingStore runs another executor's chunk to completion right before the
// first lock acquisition goes through, as a second resume would.
type racingStore struct {
	*sqlite.Store
	once  sync.Once
	other func()
}

func (r *racingStore) AcquireChunkLock(ctx context.Context, id uuid.UUID, owner string, acq models.LockAcquisition) (*models.Job, error) {
	r.once.Do(r.other)
	return r.Store.AcquireChunkLock(ctx, id, owner, acq)
}

func TestExecute_CursorRecheckedUnderLock(t *testing.T) {
	base, clock := newTestStore(t)
	ctx := context.Background()
	job := seedJob(t, base, "Maná", 100, 50)

	var seen sync.Map
	var repeats atomic.Int32
	record := func(ctx context.Context, sess *enrich.Session, job *models.Job, item *models.Item) enrich.UnitResult {
		if _, dup := seen.LoadOrStore(item.ID, true); dup {
			repeats.Add(1)
		}
		return succeedAll(ctx, sess, job, item)
	}

	other := New(base, nil, DefaultConfig(), WithClock(clock.Now), pipelines(record))
	var otherOut *ChunkOutcome
	var otherErr error
	s := &racingStore{Store: base, other: func() {
		otherOut, otherErr = other.Execute(ctx, ChunkRequest{JobID: job.ID, ContinueFrom: 0, Lock: models.NormalLock()})
	}}
	exec := New(s, nil, DefaultConfig(), WithClock(clock.Now), pipelines(record))

	_, err := exec.Execute(ctx, ChunkRequest{JobID: job.ID, ContinueFrom: 0, Lock: models.NormalLock()})
	require.ErrorIs(t, err, models.ErrStaleCursor)
	require.NoError(t, otherErr)
	assert.Equal(t, 50, otherOut.NextIndex)

	got, err := base.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, got.Status)
	assert.Equal(t, 50, got.ProcessedUnits)
	assert.Equal(t, 50, got.CurrentIndex)
	assert.Equal(t, 1, got.ChunksProcessed)
	assert.False(t, got.LockHeld())
	assert.Zero(t, repeats.Load(), "no unit processed twice")

	out, err := exec.Execute(ctx, ChunkRequest{JobID: job.ID, ContinueFrom: 50, Lock: models.NormalLock()})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, out.Status)
	got, _ = base.GetJob(ctx, job.ID)
	assert.Equal(t, 100, got.ProcessedUnits)
	assert.Zero(t, repeats.Load())
}

func TestExecute_LockContentionAndForcedTakeover(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	job := seedJob(t, s, "Hombres G", 150, 50)
	exec := New(s, nil, DefaultConfig(), WithClock(clock.Now), pipelines(succeedAll))

	_, err := exec.Execute(ctx, ChunkRequest{JobID: job.ID, ContinueFrom: 0})
	require.NoError(t, err)
	// A crashed executor left its lock behind.
	_, err = s.AcquireChunkLock(ctx, job.ID, "dead-host:1:deadbeef", models.NormalLock())
	require.NoError(t, err)

	_, err = exec.Execute(ctx, ChunkRequest{JobID: job.ID, ContinueFrom: 50, Lock: models.NormalLock()})
	require.ErrorIs(t, err, models.ErrChunkInProgress)

	out, err := exec.Execute(ctx, ChunkRequest{JobID: job.ID, ContinueFrom: 50, Lock: models.ForcedLock("holder presumed dead")})
	require.NoError(t, err)
	assert.Equal(t, 50, out.StartIndex)
	assert.Equal(t, 100, out.NextIndex)
	got, _ := s.GetJob(ctx, job.ID)
	assert.False(t, got.LockHeld())
}

func TestExecute_CooperativeCancelMidChunk(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	job := seedJob(t, s, "Aterciopelados", 50, 50)

	var started atomic.Int32
	cancelling := func(ctx context.Context, sess *enrich.Session, j *models.Job, item *models.Item) enrich.UnitResult {
		if started.Add(1) == 31 {
			_, err := s.UpdateJobConditional(ctx, j.ID, models.InStatus(models.ActiveStatuses...),
				models.JobPatch{RequestCancel: true, CancelReason: models.StringPtr("user asked")})
			require.NoError(t, err)
		}
		return succeedAll(ctx, sess, j, item)
	}
	exec := New(s, nil, DefaultConfig(), WithClock(clock.Now), pipelines(cancelling))

	out, err := exec.Execute(ctx, ChunkRequest{JobID: job.ID})
	require.NoError(t, err)
	assert.True(t, out.Cancelled)
	assert.Equal(t, 31, out.Attempted)
	assert.Equal(t, int32(31), started.Load(), "unit 32 never starts")

	got, _ := s.GetJob(ctx, job.ID)
	assert.Equal(t, models.JobStatusCancelled, got.Status)
	assert.Equal(t, 31, got.ProcessedUnits)
	assert.Equal(t, "user asked", *got.CancelReason)
	assert.False(t, got.LockHeld())
}

func TestExecute_FinalizesCancellingJobBetweenChunks(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	job := seedJob(t, s, "Maná", 100, 50)
	exec := New(s, nil, DefaultConfig(), WithClock(clock.Now), pipelines(succeedAll))

	_, err := exec.Execute(ctx, ChunkRequest{JobID: job.ID})
	require.NoError(t, err)
	_, err = s.UpdateJobConditional(ctx, job.ID, models.InStatus(models.ActiveStatuses...), models.JobPatch{RequestCancel: true})
	require.NoError(t, err)

	out, err := exec.Execute(ctx, ChunkRequest{JobID: job.ID, ContinueFrom: 50})
	require.NoError(t, err)
	assert.True(t, out.Cancelled)
	got, _ := s.GetJob(ctx, job.ID)
	assert.Equal(t, models.JobStatusCancelled, got.Status)
	assert.Equal(t, 50, got.ProcessedUnits)
}

func TestExecute_PausedJobDoesNotRun(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	job := seedJob(t, s, "Fobia", 100, 50)
	exec := New(s, nil, DefaultConfig(), WithClock(clock.Now), pipelines(succeedAll))

	_, err := exec.Execute(ctx, ChunkRequest{JobID: job.ID})
	require.NoError(t, err)
	_, err = s.UpdateJobConditional(ctx, job.ID, models.InStatus(models.JobStatusProcessing), models.JobPatch{Status: models.StatusPtr(models.JobStatusPaused)})
	require.NoError(t, err)

	out, err := exec.Execute(ctx, ChunkRequest{JobID: job.ID, ContinueFrom: 50})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPaused, out.Status)
	assert.Zero(t, out.Attempted)
	assert.False(t, out.HasMore)
}

type rejectingAI struct{}

func (rejectingAI) Name() string             { return "openai" }
func (rejectingAI) Family() ratelimit.Family { return ratelimit.FamilyAI }
func (rejectingAI) Complete(ctx context.Context, system, prompt string) (*enrich.Completion, error) {
	return nil, &openai.APIError{HTTPStatusCode: 401, Message: "Incorrect API key provided"}
}

type quotaAI struct{}

func (quotaAI) Name() string             { return "openai" }
func (quotaAI) Family() ratelimit.Family { return ratelimit.FamilyAI }
func (quotaAI) Complete(ctx context.Context, system, prompt string) (*enrich.Completion, error) {
	return nil, &openai.APIError{Type: "insufficient_quota", HTTPStatusCode: 429}
}

func wordJob(t *testing.T, s *sqlite.Store, n int) *models.Job {
	t.Helper()
	ctx := context.Background()
	items := make([]*models.Item, n)
	for i := range items {
		items[i] = &models.Item{Kind: models.ItemKindWord, Corpus: "lexicon", Title: fmt.Sprintf("palabra%d", i)}
	}
	require.NoError(t, s.CreateItems(ctx, items))
	job := &models.Job{
		Flavor:     models.FlavorSemanticAnnotation,
		Scope:      models.Scope{Kind: models.ScopeCorpus, Target: "lexicon"},
		TotalUnits: n,
		ChunkSize:  n,
	}
	require.NoError(t, s.CreateJob(ctx, job))
	return job
}

func TestExecute_AllKeysRejectedErrorsJob(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	job := wordJob(t, s, 5)
	services := &enrich.Services{AI: []enrich.Completer{rejectingAI{}}, Breakers: enrich.NewBreakers(enrich.DefaultBreakerSettings()), Prompts: enrich.DefaultPrompts()}
	exec := New(s, services, DefaultConfig(), WithClock(clock.Now))

	out, err := exec.Execute(ctx, ChunkRequest{JobID: job.ID})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusError, out.Status)

	got, _ := s.GetJob(ctx, job.ID)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "all configured API keys rejected")
	assert.Equal(t, 5, got.FailedUnits)
}

func TestExecute_ProviderExhaustionPauses(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	job := wordJob(t, s, 4)
	services := &enrich.Services{AI: []enrich.Completer{quotaAI{}}, Breakers: enrich.NewBreakers(enrich.DefaultBreakerSettings()), Prompts: enrich.DefaultPrompts()}
	exec := New(s, services, DefaultConfig(), WithClock(clock.Now))

	out, err := exec.Execute(ctx, ChunkRequest{JobID: job.ID})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPaused, out.Status)
	assert.Equal(t, []string{"openai"}, out.Exhausted)

	got, _ := s.GetJob(ctx, job.ID)
	require.NotNil(t, got.Note)
	assert.Contains(t, *got.Note, "provider exhaustion")
	assert.Nil(t, got.ErrorMessage)
	assert.Equal(t, 4, got.ProcessedUnits)
}

func TestExecute_CheckpointHeartbeat(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	job := seedJob(t, s, "Cerati", 6, 6)

	var seen []int
	slow := func(ctx context.Context, sess *enrich.Session, j *models.Job, item *models.Item) enrich.UnitResult {
		clock.Advance(20 * time.Second)
		cur, err := s.GetJob(ctx, j.ID)
		require.NoError(t, err)
		seen = append(seen, cur.ProcessedUnits)
		return succeedAll(ctx, sess, j, item)
	}
	exec := New(s, nil, Config{HeartbeatInterval: 30 * time.Second}, WithClock(clock.Now), pipelines(slow))

	_, err := exec.Execute(ctx, ChunkRequest{JobID: job.ID})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0, 2, 2, 4, 4}, seen, "progress is checkpointed while the chunk runs")

	got, _ := s.GetJob(ctx, job.ID)
	assert.Equal(t, 6, got.ProcessedUnits)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
}
