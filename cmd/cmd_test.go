package cmd

import (
	"context"
	"errors"
	"testing"
	"time"

	"corpusflow/internal/liveness"
	"corpusflow/internal/models"
	"corpusflow/internal/progress"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	color.NoColor = true
}

func TestCommandTree(t *testing.T) {
	for _, path := range [][]string{
		{"serve"}, {"worker"}, {"sweep"}, {"doctor"},
		{"job", "start"}, {"job", "list"}, {"job", "show"}, {"job", "pause"},
		{"job", "resume"}, {"job", "cancel"}, {"job", "watch"}, {"job", "usage"},
		{"items", "import"},
	} {
		found, _, err := rootCmd.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], found.Name())
	}

	start, _, err := rootCmd.Find([]string{"job", "start"})
	require.NoError(t, err)
	for _, flag := range []string{"flavor", "chunk-size", "depth", "artist", "corpus", "items", "all"} {
		assert.NotNil(t, start.Flags().Lookup(flag), flag)
	}
}

func TestGetAppFromContext_Missing(t *testing.T) {
	_, err := GetAppFromContext(context.Background())
	assert.Error(t, err)
}

func TestProgressBar(t *testing.T) {
	assert.Equal(t, "[..........]", progressBar(0, 10))
	assert.Equal(t, "[#####.....]", progressBar(50, 10))
	assert.Equal(t, "[##########]", progressBar(140, 10))
	assert.Equal(t, "[..........]", progressBar(-3, 10))
}

func TestFormatScope(t *testing.T) {
	assert.Equal(t, "all", formatScope(models.Scope{Kind: models.ScopeAll}))
	assert.Equal(t, "artist:Caifanes", formatScope(models.Scope{Kind: models.ScopeArtist, Target: "Caifanes"}))
	assert.Equal(t, "items:3,7", formatScope(models.Scope{Kind: models.ScopeItems, ItemIDs: []int64{3, 7}}))
}

func TestFormatETA(t *testing.T) {
	assert.Equal(t, "-", formatETA(progress.Progress{}))
	eta := 90.0
	assert.Equal(t, "1m30s", formatETA(progress.Progress{ETASeconds: &eta}))
}

func TestProgressLine(t *testing.T) {
	job := &models.Job{
		Status:         models.JobStatusProcessing,
		TotalUnits:     120,
		ProcessedUnits: 50,
		SucceededUnits: 48,
		FailedUnits:    2,
		IsCancelling:   true,
		Note:           models.StringPtr("resumed"),
	}
	line := progressLine(job, progress.Progress{Percent: 41.7}, liveness.Status{Stuck: true, HeartbeatAge: 11 * time.Minute})
	assert.Contains(t, line, "processing")
	assert.Contains(t, line, "41.7%")
	assert.Contains(t, line, "50/120 ok=48 failed=2")
	assert.Contains(t, line, "stuck")
	assert.Contains(t, line, "cancelling")
	assert.Contains(t, line, "(resumed)")
}

func TestDescribeJobError(t *testing.T) {
	err := describeJobError(models.ErrChunkInProgress)
	assert.True(t, errors.Is(err, models.ErrChunkInProgress))
	assert.Contains(t, err.Error(), models.ActionRefresh)

	err = describeJobError(models.ErrJobTerminal)
	assert.Equal(t, models.ErrJobTerminal, err)
}
