package jobs

import (
	"context"
	"errors"

	"corpusflow/internal/liveness"
	"corpusflow/internal/models"
	"corpusflow/internal/store"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// SweepReport lists what one sweep changed.
type SweepReport struct {
	Checked   int         `json:"checked"`
	Paused    []uuid.UUID `json:"paused"`
	Cancelled []uuid.UUID `json:"cancelled"`
	Stuck     []uuid.UUID `json:"stuck"`
}

// Sweep auto-pauses abandoned jobs and finalises cancellations nobody is
// running. Races with live chunks lose quietly: the pause is predicated on the
// heartbeat the sweep observed.
func (s *Service) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	active, err := s.store.ListActiveJobs(ctx, store.JobFilter{})
	if err != nil {
		return report, err
	}
	now := s.clock()
	for _, job := range active {
		report.Checked++
		st := liveness.Evaluate(job, now, s.policy)
		logger := log.WithFields(log.Fields{"job_id": job.ID, "heartbeat_age": st.HeartbeatAge.String()})

		if job.IsCancelling {
			if job.LockHeld() && !st.Abandoned && !st.LockStale {
				continue
			}
			if _, err := s.store.CancelAdministratively(ctx, job.ID, now, sweepCancelReason); err != nil {
				if !errors.Is(err, models.ErrJobBusy) && !errors.Is(err, models.ErrConflict) {
					logger.WithError(err).Warn("Sweep failed to finalise cancellation")
				}
				continue
			}
			logger.Info("Sweep finalised cancellation")
			report.Cancelled = append(report.Cancelled, job.ID)
			continue
		}

		if st.Stuck {
			report.Stuck = append(report.Stuck, job.ID)
		}
		if !st.Abandoned {
			continue
		}
		observed := job.LastHeartbeatAt
		if observed == nil {
			observed = models.TimePtr(now.Add(-st.HeartbeatAge))
		}
		_, err := s.store.UpdateJobConditional(ctx, job.ID,
			models.Condition{Statuses: []models.JobStatus{models.JobStatusProcessing}, HeartbeatNotAfter: observed},
			models.JobPatch{Status: models.StatusPtr(models.JobStatusPaused), Note: models.StringPtr(NoteAutoPaused)})
		if err != nil {
			if !errors.Is(err, models.ErrConflict) {
				logger.WithError(err).Warn("Sweep failed to pause abandoned job")
			}
			continue
		}
		logger.Warn("Paused abandoned job")
		report.Paused = append(report.Paused, job.ID)
	}
	return report, nil
}
