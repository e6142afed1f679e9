package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"corpusflow/internal/models"
	"corpusflow/internal/store"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const defaultChannelPrefix = "corpusflow:jobs:"

// RedisBus carries job snapshots between processes over redis pub/sub, so a
// watcher on the API server sees writes made by a worker.
type RedisBus struct {
	client *redis.Client
	prefix string
}

var (
	_ Source         = (*RedisBus)(nil)
	_ store.Notifier = (*RedisBus)(nil)
)

// NewRedisBus pings redis before returning.
func NewRedisBus(ctx context.Context, opts *redis.Options, prefix string) (*RedisBus, error) {
	if opts == nil || opts.Addr == "" {
		return nil, fmt.Errorf("redis configuration is nil or empty")
	}
	if prefix == "" {
		prefix = defaultChannelPrefix
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connect error: %w", err)
	}
	return &RedisBus{client: client, prefix: prefix}, nil
}

func (b *RedisBus) channel(jobID uuid.UUID) string {
	return b.prefix + jobID.String()
}

// Publish sends a full-row snapshot. Failures are logged, never returned:
// the write is already committed and watchers fall back to polling.
func (b *RedisBus) Publish(ctx context.Context, job *models.Job) {
	payload, err := json.Marshal(job)
	if err != nil {
		log.WithError(err).WithField("job_id", job.ID).Warn("Failed to encode job snapshot")
		return
	}
	if err := b.client.Publish(ctx, b.channel(job.ID), payload).Err(); err != nil {
		log.WithError(err).WithField("job_id", job.ID).Warn("Failed to publish job snapshot")
	}
}

func (b *RedisBus) Subscribe(ctx context.Context, jobID uuid.UUID) (<-chan *models.Job, func(), error) {
	var pubsub *redis.PubSub
	if jobID == uuid.Nil {
		pubsub = b.client.PSubscribe(ctx, b.prefix+"*")
	} else {
		pubsub = b.client.Subscribe(ctx, b.channel(jobID))
	}
	// Receive blocks until the subscription is confirmed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe to job changes: %w", err)
	}

	out := make(chan *models.Job, subscriberBuffer)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case msg, ok := <-pubsub.Channel():
				if !ok {
					return
				}
				job, err := decodeSnapshot(msg.Payload)
				if err != nil {
					log.WithError(err).WithField("channel", msg.Channel).Warn("Ignoring malformed job snapshot")
					continue
				}
				select {
				case out <- job:
				case <-done:
					return
				default:
					log.WithField("job_id", job.ID).Debug("Dropped job snapshot for slow subscriber")
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			pubsub.Close()
		})
	}
	return out, cancel, nil
}

func decodeSnapshot(payload string) (*models.Job, error) {
	var job models.Job
	if err := json.NewDecoder(strings.NewReader(payload)).Decode(&job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}
