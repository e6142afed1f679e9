package progress

import (
	"math"
	"time"

	"corpusflow/internal/models"
)

// Progress is what a progress bar needs.
type Progress struct {
	JobID          string           `json:"job_id"`
	Status         models.JobStatus `json:"status"`
	Percent        float64          `json:"percent"`
	ProcessedUnits int              `json:"processed_units"`
	TotalUnits     int              `json:"total_units"`
	// Rate is processed units per second since the job started.
	Rate float64 `json:"rate"`
	// ETASeconds is nil while the rate is unknown.
	ETASeconds *float64 `json:"eta_seconds,omitempty"`
}

// Compute derives percent, rate and ETA from the job's counters and timestamps.
func Compute(job *models.Job, now time.Time) Progress {
	p := Progress{
		JobID:          job.ID.String(),
		Status:         job.Status,
		ProcessedUnits: job.ProcessedUnits,
		TotalUnits:     job.TotalUnits,
	}
	switch {
	case job.TotalUnits > 0:
		p.Percent = math.Min(100, float64(job.ProcessedUnits)*100/float64(job.TotalUnits))
	case job.Status == models.JobStatusCompleted:
		p.Percent = 100
	}
	p.Percent = math.Round(p.Percent*10) / 10

	if job.StartedAt == nil {
		return p
	}
	end := now
	if job.CompletedAt != nil {
		end = *job.CompletedAt
	}
	elapsed := end.Sub(*job.StartedAt).Seconds()
	if elapsed <= 0 || job.ProcessedUnits == 0 {
		return p
	}
	p.Rate = float64(job.ProcessedUnits) / elapsed

	if job.Status.IsTerminal() {
		zero := 0.0
		p.ETASeconds = &zero
		return p
	}
	eta := math.Ceil(float64(job.RemainingUnits()) / p.Rate)
	p.ETASeconds = &eta
	return p
}
