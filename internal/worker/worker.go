// Package worker hosts the asynq handlers that run job chunks and the periodic
// liveness sweep.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"corpusflow/internal/executor"
	"corpusflow/internal/jobs"
	"corpusflow/internal/models"
	"corpusflow/internal/store"
	"corpusflow/internal/tasks"

	"github.com/hibiken/asynq"
	log "github.com/sirupsen/logrus"
)

// Runner is the part of the jobs service the worker drives.
type Runner interface {
	RunChunk(ctx context.Context, d store.ChunkDispatch) (*executor.ChunkOutcome, error)
	Sweep(ctx context.Context) (jobs.SweepReport, error)
}

// Config mirrors the worker section of the application config.
type Config struct {
	Concurrency   int            `mapstructure:"concurrency"`
	Queues        map[string]int `mapstructure:"queues"`
	SweepInterval time.Duration  `mapstructure:"sweep_interval"`
	// ShutdownTimeout bounds how long a running chunk gets to checkpoint on stop.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

func DefaultConfig() Config {
	return Config{
		Concurrency:     4,
		Queues:          map[string]int{tasks.QueueChunks: 6, tasks.QueueMaintenance: 1},
		SweepInterval:   time.Minute,
		ShutdownTimeout: 30 * time.Second,
	}
}

func (c Config) Validate() error {
	if c.Concurrency <= 0 {
		return fmt.Errorf("%w: worker concurrency must be positive", models.ErrValidation)
	}
	if len(c.Queues) == 0 {
		return fmt.Errorf("%w: worker queues cannot be empty", models.ErrValidation)
	}
	if c.SweepInterval < 10*time.Second {
		return fmt.Errorf("%w: worker sweep_interval must be at least 10s, got %s", models.ErrValidation, c.SweepInterval)
	}
	return nil
}

// RegisterHandlers wires every task type onto mux.
func RegisterHandlers(mux *asynq.ServeMux, runner Runner) {
	mux.HandleFunc(tasks.TypeChunkRun, HandleChunkRun(runner))
	mux.HandleFunc(tasks.TypeLivenessSweep, HandleLivenessSweep(runner))
}

// HandleChunkRun runs one chunk. Outcomes that mean another executor owns the
// job, or that the dispatch is obsolete, are acknowledged rather than failed.
func HandleChunkRun(runner Runner) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		p, err := tasks.DecodeChunkPayload(t.Payload())
		if err != nil {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		logger := log.WithFields(log.Fields{
			"job_id":        p.JobID,
			"continue_from": p.ContinueFrom,
			"lock":          p.Lock.String(),
		})

		out, err := runner.RunChunk(ctx, store.ChunkDispatch{JobID: p.JobID, ContinueFrom: p.ContinueFrom, Lock: p.Lock})
		switch {
		case err == nil:
			logger.WithFields(log.Fields{
				"attempted":  out.Attempted,
				"succeeded":  out.Succeeded,
				"failed":     out.Failed,
				"next_index": out.NextIndex,
				"status":     out.Status,
			}).Info("Chunk finished")
			return nil
		case isObsolete(err):
			logger.WithError(err).Info("Chunk skipped")
			return nil
		case errors.Is(err, models.ErrValidation), errors.Is(err, models.ErrNotFound):
			logger.WithError(err).Warn("Chunk rejected")
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		default:
			return fmt.Errorf("run chunk for job %s at %d: %w", p.JobID, p.ContinueFrom, err)
		}
	}
}

func isObsolete(err error) bool {
	return errors.Is(err, models.ErrChunkInProgress) ||
		errors.Is(err, models.ErrStaleCursor) ||
		errors.Is(err, models.ErrJobTerminal) ||
		errors.Is(err, models.ErrCancelling)
}

// HandleLivenessSweep pauses abandoned jobs and finalises dangling cancels.
func HandleLivenessSweep(runner Runner) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		report, err := runner.Sweep(ctx)
		if err != nil {
			return fmt.Errorf("liveness sweep: %w", err)
		}
		log.WithFields(log.Fields{
			"checked":   report.Checked,
			"paused":    len(report.Paused),
			"cancelled": len(report.Cancelled),
			"stuck":     len(report.Stuck),
		}).Debug("Liveness sweep finished")
		return nil
	}
}

// NewServer builds the asynq server with logrus error reporting.
func NewServer(opt asynq.RedisClientOpt, cfg Config) *asynq.Server {
	return asynq.NewServer(opt, asynq.Config{
		Concurrency:     cfg.Concurrency,
		Queues:          cfg.Queues,
		ShutdownTimeout: cfg.ShutdownTimeout,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			fields := log.Fields{"type": task.Type(), "payload": string(task.Payload())}
			if id, ok := asynq.GetTaskID(ctx); ok {
				fields["task_id"] = id
			}
			log.WithFields(fields).WithError(err).Error("Asynq task failed")
		}),
	})
}

// NewScheduler enqueues a liveness sweep every interval on the maintenance queue.
func NewScheduler(opt asynq.RedisClientOpt, interval time.Duration) (*asynq.Scheduler, error) {
	scheduler := asynq.NewScheduler(opt, &asynq.SchedulerOpts{Location: time.UTC})
	cronspec := "@every " + interval.String()
	entryID, err := scheduler.Register(cronspec, asynq.NewTask(tasks.TypeLivenessSweep, nil),
		asynq.Queue(tasks.QueueMaintenance),
		asynq.MaxRetry(0),
		asynq.Unique(interval))
	if err != nil {
		return nil, fmt.Errorf("register liveness sweep: %w", err)
	}
	log.WithFields(log.Fields{"entry_id": entryID, "cronspec": cronspec}).Info("Scheduled liveness sweep")
	return scheduler, nil
}
