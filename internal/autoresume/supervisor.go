package autoresume

import (
	"context"
	"sync"
	"time"

	"corpusflow/internal/liveness"
	"corpusflow/internal/realtime"
	"corpusflow/internal/store"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Supervisor keeps one Controller running per active job.
type Supervisor struct {
	resumer  Resumer
	store    store.JobStore
	source   realtime.Source
	policy   Policy
	live     liveness.Policy
	interval time.Duration
	opts     []Option

	mu      sync.Mutex
	running map[uuid.UUID]struct{}
	wg      sync.WaitGroup
}

// NewSupervisor rescans active jobs every interval.
func NewSupervisor(resumer Resumer, st store.JobStore, src realtime.Source, policy Policy, live liveness.Policy, interval time.Duration, opts ...Option) *Supervisor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Supervisor{
		resumer:  resumer,
		store:    st,
		source:   src,
		policy:   policy,
		live:     live,
		interval: interval,
		opts:     opts,
		running:  make(map[uuid.UUID]struct{}),
	}
}

// Run scans until ctx ends, then waits for its controllers.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.wg.Wait()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if err := s.Scan(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("Auto-resume scan failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Scan starts a controller for every active job that has none.
func (s *Supervisor) Scan(ctx context.Context) error {
	active, err := s.store.ListActiveJobs(ctx, store.JobFilter{})
	if err != nil {
		return err
	}
	for _, job := range active {
		s.mu.Lock()
		_, ok := s.running[job.ID]
		if !ok {
			s.running[job.ID] = struct{}{}
		}
		s.mu.Unlock()
		if ok {
			continue
		}

		id := job.ID
		c := NewController(id, s.resumer, s.store, s.source, s.policy, s.live, s.opts...)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.running, id)
				s.mu.Unlock()
			}()
			if err := c.Run(ctx); err != nil && ctx.Err() == nil {
				log.WithError(err).WithField("job_id", id).Warn("Auto-resume controller stopped")
			}
		}()
	}
	return nil
}

// Running reports how many jobs are supervised.
func (s *Supervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}
