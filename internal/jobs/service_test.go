package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"corpusflow/internal/enrich"
	"corpusflow/internal/executor"
	"corpusflow/internal/liveness"
	"corpusflow/internal/models"
	"corpusflow/internal/store"
	"corpusflow/internal/store/sqlite"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
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

type mockClient struct {
	mock.Mock
}

func (m *mockClient) DispatchChunk(ctx context.Context, d store.ChunkDispatch) error {
	args := m.Called(ctx, d)
	return args.Error(0)
}

func (m *mockClient) Close() error { return nil }

func succeedAll(ctx context.Context, sess *enrich.Session, job *models.Job, item *models.Item) enrich.UnitResult {
	return enrich.UnitResult{Succeeded: true, Payload: json.RawMessage(`{}`)}
}

type fixture struct {
	store *sqlite.Store
	clock *testClock
	svc   *Service
}

func newFixture(t *testing.T, client store.JobClient) *fixture {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	s, err := sqlite.Open(context.Background(), ":memory:", store.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	exec := executor.New(s, nil, executor.DefaultConfig(), executor.WithClock(clock.Now),
		executor.WithPipelines(func(models.Flavor) (enrich.Pipeline, error) { return succeedAll, nil }))
	svc := NewService(s, exec, client, liveness.DefaultPolicy(), DefaultConfig(), clock.Now)
	return &fixture{store: s, clock: clock, svc: svc}
}

func (f *fixture) seedSongs(t *testing.T, artist string, n int) {
	t.Helper()
	items := make([]*models.Item, n)
	for i := range items {
		items[i] = &models.Item{Kind: models.ItemKindSong, Corpus: "rock-latino", Artist: artist, Title: fmt.Sprintf("Track %d", i)}
	}
	require.NoError(t, f.store.CreateItems(context.Background(), items))
}

func artistScope(artist string) models.Scope {
	return models.Scope{Kind: models.ScopeArtist, Target: artist}
}

// markProcessing puts a pending job into processing with a heartbeat at hb.
func (f *fixture) markProcessing(t *testing.T, id uuid.UUID, hb time.Time) *models.Job {
	t.Helper()
	job, err := f.store.UpdateJobConditional(context.Background(), id, models.InStatus(models.JobStatusPending),
		models.JobPatch{Status: models.StatusPtr(models.JobStatusProcessing), Heartbeat: &hb})
	require.NoError(t, err)
	return job
}

func TestStartJob(t *testing.T) {
	client := &mockClient{}
	f := newFixture(t, client)
	ctx := context.Background()
	f.seedSongs(t, "Soda Stereo", 120)

	client.On("DispatchChunk", mock.Anything, mock.MatchedBy(func(d store.ChunkDispatch) bool {
		return d.ContinueFrom == 0 && !d.Lock.IsForced()
	})).Return(nil).Once()

	job, err := f.svc.StartJob(ctx, StartParams{Flavor: models.FlavorEnrichment, Scope: artistScope("soda stereo")})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, 120, job.TotalUnits)
	assert.Equal(t, 50, job.ChunkSize)
	client.AssertExpectations(t)

	_, err = f.svc.StartJob(ctx, StartParams{Flavor: models.FlavorEnrichment, Scope: artistScope("Soda Stereo")})
	require.ErrorIs(t, err, models.ErrActiveJobExists)

	_, err = f.svc.StartJob(ctx, StartParams{Flavor: models.FlavorEnrichment, Scope: artistScope("Nobody")})
	require.ErrorIs(t, err, models.ErrValidation)

	_, err = f.svc.StartJob(ctx, StartParams{Flavor: "karaoke", Scope: artistScope("Soda Stereo")})
	require.ErrorIs(t, err, models.ErrValidation)
}

func TestStartJob_DispatchFailureLeavesJobPending(t *testing.T) {
	client := &mockClient{}
	f := newFixture(t, client)
	f.seedSongs(t, "Virus", 3)
	client.On("DispatchChunk", mock.Anything, mock.Anything).Return(errors.New("redis down"))

	job, err := f.svc.StartJob(context.Background(), StartParams{Flavor: models.FlavorEnrichment, Scope: artistScope("Virus"), ChunkSize: 1000})
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().MaxChunkSize, job.ChunkSize)
	got, _ := f.svc.GetJob(context.Background(), job.ID)
	assert.Equal(t, models.JobStatusPending, got.Status)
}

func TestStartJob_RefinementDepth(t *testing.T) {
	client := &mockClient{}
	client.On("DispatchChunk", mock.Anything, mock.Anything).Return(nil)
	f := newFixture(t, client)
	require.NoError(t, f.store.CreateItems(context.Background(), []*models.Item{{Kind: models.ItemKindWord, Corpus: "lexicon", Title: "chimba"}}))

	job, err := f.svc.StartJob(context.Background(), StartParams{
		Flavor: models.FlavorSemanticRefinement,
		Scope:  models.Scope{Kind: models.ScopeCorpus, Target: "lexicon"},
		Depth:  2,
	})
	require.NoError(t, err)
	md, err := job.DecodeMetadata()
	require.NoError(t, err)
	assert.Equal(t, 2, md.Depth)
}

func TestInlineClient_RunsJobToCompletion(t *testing.T) {
	f := newFixture(t, nil)
	client := NewInlineClient(f.svc)
	f.seedSongs(t, "Aterciopelados", 250)

	job, err := f.svc.StartJob(context.Background(), StartParams{Flavor: models.FlavorEnrichment, Scope: artistScope("Aterciopelados"), ChunkSize: 50})
	require.NoError(t, err)
	client.Wait()
	require.NoError(t, client.Close())

	got, err := f.svc.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, 250, got.ProcessedUnits)
	assert.Equal(t, 0, got.FailedUnits)
	assert.Equal(t, 5, got.ChunksProcessed)

	p, err := f.svc.GetProgress(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 100.0, p.Percent)
}

func TestPauseAndResume(t *testing.T) {
	client := &mockClient{}
	client.On("DispatchChunk", mock.Anything, mock.Anything).Return(nil)
	f := newFixture(t, client)
	ctx := context.Background()
	f.seedSongs(t, "Caifanes", 100)

	job, err := f.svc.StartJob(ctx, StartParams{Flavor: models.FlavorEnrichment, Scope: artistScope("Caifanes")})
	require.NoError(t, err)

	paused, err := f.svc.PauseJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPaused, paused.Status)
	assert.Equal(t, NoteUserPaused, *paused.Note)

	again, err := f.svc.PauseJob(ctx, job.ID)
	require.NoError(t, err, "pausing a paused job is a no-op")
	assert.Equal(t, models.JobStatusPaused, again.Status)

	resumed, err := f.svc.ResumeJob(ctx, job.ID, ResumeOptions{Lock: models.NormalLock()})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, resumed.Status)
	assert.Nil(t, resumed.Note)
	client.AssertCalled(t, "DispatchChunk", mock.Anything, store.ChunkDispatch{JobID: job.ID, ContinueFrom: 0, Lock: models.NormalLock()})
}

func TestResume_LockHeldTellsCallerToRefresh(t *testing.T) {
	client := &mockClient{}
	client.On("DispatchChunk", mock.Anything, mock.Anything).Return(nil)
	f := newFixture(t, client)
	ctx := context.Background()
	f.seedSongs(t, "Maná", 10)

	job, err := f.svc.StartJob(ctx, StartParams{Flavor: models.FlavorEnrichment, Scope: artistScope("Maná")})
	require.NoError(t, err)
	_, err = f.store.AcquireChunkLock(ctx, job.ID, "other-client", models.NormalLock())
	require.NoError(t, err)

	_, err = f.svc.ResumeJob(ctx, job.ID, ResumeOptions{Lock: models.NormalLock()})
	require.ErrorIs(t, err, models.ErrChunkInProgress)
	assert.Equal(t, models.ActionRefresh, models.ActionFor(err))

	_, err = f.svc.ResumeJob(ctx, job.ID, ResumeOptions{Lock: models.LockAcquisition{Mode: models.LockForced}})
	require.ErrorIs(t, err, models.ErrValidation, "forcing needs a reason")

	_, err = f.svc.ResumeJob(ctx, job.ID, ResumeOptions{Lock: models.ForcedLock("holder crashed")})
	require.NoError(t, err)
}

func TestResume_CancellingWins(t *testing.T) {
	client := &mockClient{}
	client.On("DispatchChunk", mock.Anything, mock.Anything).Return(nil)
	f := newFixture(t, client)
	ctx := context.Background()
	f.seedSongs(t, "Fobia", 10)

	job, err := f.svc.StartJob(ctx, StartParams{Flavor: models.FlavorEnrichment, Scope: artistScope("Fobia")})
	require.NoError(t, err)
	f.markProcessing(t, job.ID, f.clock.Now())
	_, err = f.store.AcquireChunkLock(ctx, job.ID, "runner", models.NormalLock())
	require.NoError(t, err)

	latched, err := f.svc.CancelJob(ctx, job.ID, CancelOptions{Reason: "wrong artist"})
	require.NoError(t, err)
	assert.True(t, latched.IsCancelling)
	assert.Equal(t, models.JobStatusProcessing, latched.Status, "a running chunk finalises the cancel")

	_, err = f.svc.ResumeJob(ctx, job.ID, ResumeOptions{Lock: models.ForcedLock("stuck")})
	require.ErrorIs(t, err, models.ErrCancelling)
}

func TestCancelJob(t *testing.T) {
	client := &mockClient{}
	client.On("DispatchChunk", mock.Anything, mock.Anything).Return(nil)
	f := newFixture(t, client)
	ctx := context.Background()
	f.seedSongs(t, "Los Prisioneros", 10)

	job, err := f.svc.StartJob(ctx, StartParams{Flavor: models.FlavorEnrichment, Scope: artistScope("Los Prisioneros")})
	require.NoError(t, err)
	_, err = f.svc.PauseJob(ctx, job.ID)
	require.NoError(t, err)

	first, err := f.svc.CancelJob(ctx, job.ID, CancelOptions{Reason: "duplicate"})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, first.Status)

	second, err := f.svc.CancelJob(ctx, job.ID, CancelOptions{Reason: "duplicate"})
	require.NoError(t, err, "cancel is idempotent")
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, "duplicate", *second.CancelReason)

	_, err = f.svc.CancelJob(ctx, job.ID, CancelOptions{Force: true})
	require.ErrorIs(t, err, models.ErrValidation)
}

func TestCancelJob_ForcedOnStuckJob(t *testing.T) {
	client := &mockClient{}
	client.On("DispatchChunk", mock.Anything, mock.Anything).Return(nil)
	f := newFixture(t, client)
	ctx := context.Background()
	f.seedSongs(t, "Hombres G", 10)

	job, err := f.svc.StartJob(ctx, StartParams{Flavor: models.FlavorEnrichment, Scope: artistScope("Hombres G")})
	require.NoError(t, err)
	f.markProcessing(t, job.ID, f.clock.Now())
	_, err = f.store.AcquireChunkLock(ctx, job.ID, "dead-host:7:beef", models.NormalLock())
	require.NoError(t, err)
	f.clock.Advance(11 * time.Minute)

	cancelled, err := f.svc.CancelJob(ctx, job.ID, CancelOptions{Reason: "stuck for 11 minutes", Force: true})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, cancelled.Status)
	assert.False(t, cancelled.LockHeld())
}

func TestCancelJob_TerminalJob(t *testing.T) {
	f := newFixture(t, nil)
	client := NewInlineClient(f.svc)
	f.seedSongs(t, "Enanitos Verdes", 5)
	job, err := f.svc.StartJob(context.Background(), StartParams{Flavor: models.FlavorEnrichment, Scope: artistScope("Enanitos Verdes")})
	require.NoError(t, err)
	client.Wait()

	_, err = f.svc.CancelJob(context.Background(), job.ID, CancelOptions{Reason: "late"})
	require.ErrorIs(t, err, models.ErrJobTerminal)
}

func TestSweep(t *testing.T) {
	client := &mockClient{}
	client.On("DispatchChunk", mock.Anything, mock.Anything).Return(nil)
	f := newFixture(t, client)
	ctx := context.Background()
	for _, artist := range []string{"A", "B", "C", "D"} {
		f.seedSongs(t, artist, 5)
	}
	start := func(artist string) *models.Job {
		job, err := f.svc.StartJob(ctx, StartParams{Flavor: models.FlavorEnrichment, Scope: artistScope(artist)})
		require.NoError(t, err)
		return job
	}
	t0 := f.clock.Now()

	abandoned := start("A")
	f.markProcessing(t, abandoned.ID, t0)
	stuck := start("B")
	f.markProcessing(t, stuck.ID, t0.Add(-8*time.Minute))
	healthy := start("C")
	cancelling := start("D")
	_, err := f.svc.PauseJob(ctx, cancelling.ID)
	require.NoError(t, err)
	_, err = f.store.UpdateJobConditional(ctx, cancelling.ID, models.InStatus(models.JobStatusPaused), models.JobPatch{RequestCancel: true})
	require.NoError(t, err)

	f.clock.Advance(4 * time.Minute)
	f.markProcessing(t, healthy.ID, f.clock.Now())

	report, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Checked)
	assert.ElementsMatch(t, []uuid.UUID{abandoned.ID, stuck.ID}, report.Paused)
	assert.Equal(t, []uuid.UUID{stuck.ID}, report.Stuck)
	assert.Equal(t, []uuid.UUID{cancelling.ID}, report.Cancelled)

	got, _ := f.svc.GetJob(ctx, abandoned.ID)
	assert.Equal(t, models.JobStatusPaused, got.Status)
	assert.Equal(t, NoteAutoPaused, *got.Note)
	got, _ = f.svc.GetJob(ctx, healthy.ID)
	assert.Equal(t, models.JobStatusProcessing, got.Status)
	got, _ = f.svc.GetJob(ctx, cancelling.ID)
	assert.Equal(t, models.JobStatusCancelled, got.Status)
}
