// Package realtime fans job row changes out to watchers.
package realtime

import (
	"context"
	"sync"

	"corpusflow/internal/models"
	"corpusflow/internal/store"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Source delivers job snapshots. Subscribing to uuid.Nil receives every job.
// The returned cancel func releases the subscription and closes the channel.
type Source interface {
	Subscribe(ctx context.Context, jobID uuid.UUID) (<-chan *models.Job, func(), error)
}

const subscriberBuffer = 16

type subscriber struct {
	jobID uuid.UUID
	ch    chan *models.Job
}

// Hub is an in-process Source fed by the store's Notifier hook.
type Hub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*subscriber
}

var (
	_ Source         = (*Hub)(nil)
	_ store.Notifier = (*Hub)(nil)
)

func NewHub() *Hub {
	return &Hub{subs: make(map[int]*subscriber)}
}

// Publish hands job to every matching subscriber without blocking. A full
// subscriber misses the snapshot; Watch reconciles by polling.
func (h *Hub) Publish(_ context.Context, job *models.Job) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, sub := range h.subs {
		if sub.jobID != uuid.Nil && sub.jobID != job.ID {
			continue
		}
		select {
		case sub.ch <- job.Clone():
		default:
			log.WithFields(log.Fields{"job_id": job.ID, "subscriber": id}).Debug("Dropped job snapshot for slow subscriber")
		}
	}
}

func (h *Hub) Subscribe(_ context.Context, jobID uuid.UUID) (<-chan *models.Job, func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	sub := &subscriber{jobID: jobID, ch: make(chan *models.Job, subscriberBuffer)}
	h.subs[id] = sub

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel, nil
}

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// MultiNotifier publishes to several notifiers in order.
type MultiNotifier []store.Notifier

func (m MultiNotifier) Publish(ctx context.Context, job *models.Job) {
	for _, n := range m {
		if n != nil {
			n.Publish(ctx, job)
		}
	}
}
