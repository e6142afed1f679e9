package progress

import (
	"testing"
	"time"

	"corpusflow/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompute(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	job := &models.Job{
		ID:             uuid.New(),
		Status:         models.JobStatusProcessing,
		TotalUnits:     250,
		ProcessedUnits: 100,
		StartedAt:      &start,
	}
	p := Compute(job, start.Add(50*time.Second))
	assert.Equal(t, 40.0, p.Percent)
	assert.InDelta(t, 2.0, p.Rate, 1e-9)
	require.NotNil(t, p.ETASeconds)
	assert.Equal(t, 75.0, *p.ETASeconds)
}

func TestCompute_NotStarted(t *testing.T) {
	p := Compute(&models.Job{Status: models.JobStatusPending, TotalUnits: 10}, time.Now())
	assert.Zero(t, p.Percent)
	assert.Zero(t, p.Rate)
	assert.Nil(t, p.ETASeconds)
}

func TestCompute_Terminal(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	done := start.Add(100 * time.Second)
	job := &models.Job{Status: models.JobStatusCompleted, TotalUnits: 250, ProcessedUnits: 250, StartedAt: &start, CompletedAt: &done}
	p := Compute(job, done.Add(time.Hour))
	assert.Equal(t, 100.0, p.Percent)
	assert.InDelta(t, 2.5, p.Rate, 1e-9, "rate stops at completion")
	require.NotNil(t, p.ETASeconds)
	assert.Zero(t, *p.ETASeconds)
}

func TestCompute_EmptyScope(t *testing.T) {
	p := Compute(&models.Job{Status: models.JobStatusCompleted}, time.Now())
	assert.Equal(t, 100.0, p.Percent)
}
