package realtime

import (
	"context"
	"time"

	"corpusflow/internal/models"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Getter reads the current job row.
type Getter interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
}

type WatchOptions struct {
	// PollInterval re-reads the row so missed pushes are reconciled.
	PollInterval time.Duration
	// Debounce coalesces bursts of snapshots; the newest one is emitted.
	Debounce time.Duration
}

func DefaultWatchOptions() WatchOptions {
	return WatchOptions{PollInterval: 5 * time.Second, Debounce: 250 * time.Millisecond}
}

// Watch streams snapshots of job id merged from push (src) and polling (getter).
// Snapshots are emitted in UpdatedAt order and never older than the last one
// sent. The channel closes after a terminal snapshot or when ctx is done.
// src may be nil, in which case Watch only polls.
func Watch(ctx context.Context, src Source, getter Getter, id uuid.UUID, opts WatchOptions) (<-chan *models.Job, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultWatchOptions().PollInterval
	}
	initial, err := getter.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}

	var (
		push   <-chan *models.Job
		cancel = func() {}
	)
	if src != nil {
		push, cancel, err = src.Subscribe(ctx, id)
		if err != nil {
			log.WithError(err).WithField("job_id", id).Warn("Change feed unavailable, watching by polling only")
			push, cancel = nil, func() {}
		}
	}

	out := make(chan *models.Job, 1)
	go func() {
		defer close(out)
		defer cancel()

		w := watcher{out: out}
		if !w.emit(ctx, initial) || initial.Status.IsTerminal() {
			return
		}

		ticker := time.NewTicker(opts.PollInterval)
		defer ticker.Stop()

		var (
			pending  *models.Job
			debounce <-chan time.Time
		)
		offer := func(job *models.Job) bool {
			if !w.newer(job) {
				return true
			}
			if opts.Debounce <= 0 || job.Status.IsTerminal() {
				pending, debounce = nil, nil
				return w.emit(ctx, job) && !job.Status.IsTerminal()
			}
			if pending == nil || job.UpdatedAt.After(pending.UpdatedAt) {
				pending = job
			}
			if debounce == nil {
				debounce = time.After(opts.Debounce)
			}
			return true
		}

		for {
			select {
			case <-ctx.Done():
				return
			case job, ok := <-push:
				if !ok {
					push = nil
					continue
				}
				if !offer(job) {
					return
				}
			case <-ticker.C:
				job, err := getter.GetJob(ctx, id)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					log.WithError(err).WithField("job_id", id).Warn("Poll for job snapshot failed")
					continue
				}
				if !offer(job) {
					return
				}
			case <-debounce:
				debounce = nil
				job := pending
				pending = nil
				if job != nil && w.newer(job) && !w.emit(ctx, job) {
					return
				}
			}
		}
	}()
	return out, nil
}

type watcher struct {
	out  chan<- *models.Job
	last *models.Job
}

// newer orders snapshots by UpdatedAt. Terminal states are absorbing, so a
// terminal row wins a tie with a non-terminal one.
func (w *watcher) newer(job *models.Job) bool {
	if w.last == nil || job.UpdatedAt.After(w.last.UpdatedAt) {
		return true
	}
	return job.UpdatedAt.Equal(w.last.UpdatedAt) && job.Status.IsTerminal() && !w.last.Status.IsTerminal()
}

func (w *watcher) emit(ctx context.Context, job *models.Job) bool {
	select {
	case w.out <- job:
		w.last = job
		return true
	case <-ctx.Done():
		return false
	}
}
