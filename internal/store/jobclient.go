package store

import (
	"context"
	"fmt"
	"time"

	"corpusflow/internal/tasks"

	"github.com/hibiken/asynq"
	log "github.com/sirupsen/logrus"
)

// AsynqJobClient dispatches chunks as asynq tasks for the worker process.
var _ JobClient = (*AsynqJobClient)(nil)

type AsynqJobClient struct {
	client    *asynq.Client
	queue     string
	retention time.Duration
}

// NewAsynqJobClient connects to redis. retention keeps finished chunk tasks
// around for inspection.
func NewAsynqJobClient(opt asynq.RedisClientOpt, queue string, retention time.Duration) (*AsynqJobClient, error) {
	if opt.Addr == "" {
		return nil, fmt.Errorf("redis address cannot be empty for AsynqJobClient")
	}
	if queue == "" {
		queue = tasks.QueueChunks
	}
	return &AsynqJobClient{client: asynq.NewClient(opt), queue: queue, retention: retention}, nil
}

func (jc *AsynqJobClient) Close() error {
	return jc.client.Close()
}

// DispatchChunk enqueues a chunk task. Every call enqueues a task; a chunk
// dispatched twice for the same cursor runs once and the other copy finds the
// cursor already advanced or the lock held.
func (jc *AsynqJobClient) DispatchChunk(ctx context.Context, d ChunkDispatch) error {
	payload, err := tasks.ChunkPayload{JobID: d.JobID, ContinueFrom: d.ContinueFrom, Lock: d.Lock}.Encode()
	if err != nil {
		return err
	}
	task := asynq.NewTask(tasks.TypeChunkRun, payload)
	opts := []asynq.Option{
		asynq.Queue(jc.queue),
		asynq.TaskID(tasks.ChunkTaskID(d.JobID, d.ContinueFrom, d.Lock)),
		// Chunks are resumed by the auto-resume controller, not by asynq retries.
		asynq.MaxRetry(0),
	}
	if jc.retention > 0 {
		opts = append(opts, asynq.Retention(jc.retention))
	}

	info, err := jc.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return fmt.Errorf("enqueue chunk for job %s at %d: %w", d.JobID, d.ContinueFrom, err)
	}
	log.WithFields(log.Fields{
		"job_id":        d.JobID,
		"continue_from": d.ContinueFrom,
		"task_id":       info.ID,
		"queue":         info.Queue,
		"lock":          d.Lock.String(),
	}).Debug("Enqueued chunk task")
	return nil
}
