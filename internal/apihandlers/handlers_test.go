package apihandlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"corpusflow/internal/app"
	"corpusflow/internal/config"
	"corpusflow/internal/enrich"
	"corpusflow/internal/executor"
	"corpusflow/internal/jobs"
	"corpusflow/internal/liveness"
	"corpusflow/internal/models"
	"corpusflow/internal/realtime"
	"corpusflow/internal/store"
	"corpusflow/internal/store/sqlite"

	"github.com/gin-gonic/gin"
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
	return m.Called(ctx, d).Error(0)
}

func (m *mockClient) Close() error { return nil }

type fixture struct {
	app    *app.App
	store  *sqlite.Store
	clock  *testClock
	client *mockClient
	router *gin.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	clock := &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	hub := realtime.NewHub()
	s, err := sqlite.Open(context.Background(), ":memory:", store.WithClock(clock.Now), store.WithNotifier(hub))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	succeed := func(ctx context.Context, sess *enrich.Session, job *models.Job, item *models.Item) enrich.UnitResult {
		return enrich.UnitResult{Succeeded: true, Payload: json.RawMessage(`{"genre":"rock"}`)}
	}
	exec := executor.New(s, nil, executor.DefaultConfig(), executor.WithClock(clock.Now),
		executor.WithPipelines(func(models.Flavor) (enrich.Pipeline, error) { return succeed, nil }))
	client := &mockClient{}
	client.On("DispatchChunk", mock.Anything, mock.Anything).Return(nil)
	svc := jobs.NewService(s, exec, client, liveness.DefaultPolicy(), jobs.Config{DefaultChunkSize: 50, MaxChunkSize: 500}, clock.Now)

	a := &app.App{
		Config:    &config.Config{},
		Store:     s,
		JobStore:  s,
		ItemStore: s,
		CostStore: s,
		Hub:       hub,
		Events:    hub,
		Executor:  exec,
		Jobs:      svc,
		JobClient: client,
	}
	a.Config.Realtime.PollInterval = 20 * time.Millisecond

	router := gin.New()
	NewAPIHandler(a).RegisterRoutes(router.Group("/api/v1"))

	items := make([]*models.Item, 120)
	for i := range items {
		items[i] = &models.Item{Kind: models.ItemKindSong, Corpus: "rock-latino", Artist: "Caifanes", Title: fmt.Sprintf("Track %d", i)}
	}
	require.NoError(t, s.CreateItems(context.Background(), items))
	return &fixture{app: a, store: s, clock: clock, client: client, router: router}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

type jobEnvelope struct {
	Data struct {
		models.Job
		Progress struct {
			Percent float64 `json:"percent"`
		} `json:"progress"`
	} `json:"data"`
}

func decodeJob(t *testing.T, w *httptest.ResponseRecorder) jobEnvelope {
	t.Helper()
	var env jobEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return env
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) APIError {
	t.Helper()
	var env errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return env.Error
}

func (f *fixture) start(t *testing.T) uuid.UUID {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/v1/jobs", jobs.StartParams{
		Flavor: models.FlavorEnrichment,
		Scope:  models.Scope{Kind: models.ScopeArtist, Target: "Caifanes"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decodeJob(t, w).Data.ID
}

func TestStartJobHandler(t *testing.T) {
	f := newFixture(t)
	id := f.start(t)

	w := f.do(t, http.MethodGet, "/api/v1/jobs/"+id.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	env := decodeJob(t, w)
	assert.Equal(t, models.JobStatusPending, env.Data.Status)
	assert.Equal(t, 120, env.Data.TotalUnits)
	f.client.AssertCalled(t, "DispatchChunk", mock.Anything, store.ChunkDispatch{JobID: id, ContinueFrom: 0, Lock: models.NormalLock()})

	w = f.do(t, http.MethodPost, "/api/v1/jobs", jobs.StartParams{
		Flavor: models.FlavorEnrichment,
		Scope:  models.Scope{Kind: models.ScopeArtist, Target: "caifanes"},
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "active_job_exists", decodeError(t, w).Code)

	w = f.do(t, http.MethodPost, "/api/v1/jobs", jobs.StartParams{Flavor: "karaoke", Scope: models.Scope{Kind: models.ScopeAll}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/jobs", "not an object")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetJobHandler_Errors(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/jobs/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/jobs/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decodeError(t, w).Code)
}

func TestPauseResumeHandlers(t *testing.T) {
	f := newFixture(t)
	id := f.start(t)

	w := f.do(t, http.MethodPost, "/api/v1/jobs/"+id.String()+"/pause", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.JobStatusPaused, decodeJob(t, w).Data.Status)

	w = f.do(t, http.MethodPost, "/api/v1/jobs/"+id.String()+"/resume", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, models.JobStatusProcessing, decodeJob(t, w).Data.Status)

	_, err := f.store.AcquireChunkLock(context.Background(), id, "other-host:1:abcd", models.NormalLock())
	require.NoError(t, err)

	w = f.do(t, http.MethodPost, "/api/v1/jobs/"+id.String()+"/resume", nil)
	require.Equal(t, http.StatusConflict, w.Code)
	apiErr := decodeError(t, w)
	assert.Equal(t, "chunk_in_progress", apiErr.Code)
	assert.Equal(t, models.ActionRefresh, apiErr.Action)

	w = f.do(t, http.MethodPost, "/api/v1/jobs/"+id.String()+"/resume", ResumeRequest{Force: true})
	assert.Equal(t, http.StatusBadRequest, w.Code, "a forced resume needs a reason")

	w = f.do(t, http.MethodPost, "/api/v1/jobs/"+id.String()+"/resume", ResumeRequest{Force: true, Reason: "holder crashed"})
	assert.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
}

func TestCancelJobHandler(t *testing.T) {
	f := newFixture(t)
	id := f.start(t)

	w := f.do(t, http.MethodPost, "/api/v1/jobs/"+id.String()+"/cancel", jobs.CancelOptions{Reason: "wrong artist"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	env := decodeJob(t, w)
	assert.Equal(t, models.JobStatusCancelled, env.Data.Status)
	require.NotNil(t, env.Data.CancelReason)
	assert.Equal(t, "wrong artist", *env.Data.CancelReason)

	w = f.do(t, http.MethodPost, "/api/v1/jobs/"+id.String()+"/cancel", nil)
	assert.Equal(t, http.StatusOK, w.Code, "cancel is idempotent")

	w = f.do(t, http.MethodPost, "/api/v1/jobs/"+id.String()+"/pause", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "job_terminal", decodeError(t, w).Code)
}

func TestCancelJobHandler_LatchesWhileChunkRuns(t *testing.T) {
	f := newFixture(t)
	id := f.start(t)
	_, err := f.store.AcquireChunkLock(context.Background(), id, "worker-1", models.NormalLock())
	require.NoError(t, err)

	w := f.do(t, http.MethodPost, "/api/v1/jobs/"+id.String()+"/cancel", jobs.CancelOptions{Reason: "stop"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	env := decodeJob(t, w)
	assert.True(t, env.Data.IsCancelling)
	assert.NotEqual(t, models.JobStatusCancelled, env.Data.Status)

	w = f.do(t, http.MethodPost, "/api/v1/jobs/"+id.String()+"/resume", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "cancelling", decodeError(t, w).Code)
}

func TestProgressResultsAndUsage(t *testing.T) {
	f := newFixture(t)
	id := f.start(t)

	f.clock.Advance(10 * time.Second)
	_, err := f.app.Jobs.RunChunk(context.Background(), store.ChunkDispatch{JobID: id, ContinueFrom: 0, Lock: models.NormalLock()})
	require.NoError(t, err)
	require.NoError(t, f.store.RecordUsage(context.Background(), &models.AIUsageLog{
		ProviderName: "openai", ServiceType: string(models.FlavorEnrichment), ModelName: "gpt-4o-mini",
		InputTokens: 100, OutputTokens: 40, Cost: 0.0001, RelatedJobID: &id,
	}))

	w := f.do(t, http.MethodGet, "/api/v1/jobs/"+id.String()+"/progress", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var prog struct {
		Data struct {
			Percent        float64 `json:"percent"`
			ProcessedUnits int     `json:"processed_units"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &prog))
	assert.Equal(t, 50, prog.Data.ProcessedUnits)
	assert.InDelta(t, 41.7, prog.Data.Percent, 0.001)

	w = f.do(t, http.MethodGet, "/api/v1/jobs/"+id.String()+"/results?limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var results struct {
		Items []models.ItemResult `json:"items"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &results))
	assert.Len(t, results.Items, 10)

	w = f.do(t, http.MethodGet, "/api/v1/jobs/"+id.String()+"/usage", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var usage struct {
		Data struct {
			Summary models.UsageSummary `json:"summary"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &usage))
	assert.Equal(t, int64(1), usage.Data.Summary.Calls)
	assert.Equal(t, int64(140), usage.Data.Summary.InputTokens+usage.Data.Summary.OutputTokens)

	w = f.do(t, http.MethodGet, "/api/v1/jobs/"+id.String()+"/results?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListHandlers(t *testing.T) {
	f := newFixture(t)
	id := f.start(t)

	w := f.do(t, http.MethodGet, "/api/v1/jobs/active?status=pending", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Items []models.Job `json:"items"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Items, 1)
	assert.Equal(t, id, list.Items[0].ID)

	w = f.do(t, http.MethodGet, "/api/v1/jobs/active?status=completed", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(t, http.MethodGet, "/api/v1/jobs/active?status=archived", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "unknown status")

	w = f.do(t, http.MethodGet, "/api/v1/jobs?limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list.Items, 1)
}

func TestEventsHandler_StreamsUntilTerminal(t *testing.T) {
	f := newFixture(t)
	id := f.start(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/jobs/"+id.String()+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	go func() {
		time.Sleep(50 * time.Millisecond)
		f.clock.Advance(time.Second)
		_, _ = f.app.Jobs.CancelJob(context.Background(), id, jobs.CancelOptions{Reason: "done watching"})
	}()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "event:job")
	assert.Contains(t, string(body), `"status":"pending"`)
	assert.Contains(t, string(body), `"status":"cancelled"`)
}
