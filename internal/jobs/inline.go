package jobs

import (
	"context"
	"errors"
	"sync"

	"corpusflow/internal/models"
	"corpusflow/internal/store"

	log "github.com/sirupsen/logrus"
)

// InlineClient runs chunks in goroutines of the current process. It stands in
// for the asynq client when no redis is configured.
type InlineClient struct {
	svc    *Service
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewInlineClient(svc *Service) *InlineClient {
	ctx, cancel := context.WithCancel(context.Background())
	c := &InlineClient{svc: svc, ctx: ctx, cancel: cancel}
	svc.SetClient(c)
	return c
}

func (c *InlineClient) DispatchChunk(_ context.Context, d store.ChunkDispatch) error {
	if c.ctx.Err() != nil {
		return c.ctx.Err()
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		out, err := c.svc.RunChunk(c.ctx, d)
		logger := log.WithFields(log.Fields{"job_id": d.JobID, "from": d.ContinueFrom})
		switch {
		case err == nil:
			logger.WithField("next_index", out.NextIndex).Debug("Inline chunk finished")
		case errors.Is(err, models.ErrChunkInProgress), errors.Is(err, models.ErrStaleCursor), errors.Is(err, models.ErrJobTerminal):
			logger.WithError(err).Info("Inline chunk skipped")
		default:
			logger.WithError(err).Error("Inline chunk failed")
		}
	}()
	return nil
}

// Wait blocks until every dispatched chunk, including chained ones, returns.
func (c *InlineClient) Wait() {
	c.wg.Wait()
}

// Close stops chained dispatches and waits for running chunks.
func (c *InlineClient) Close() error {
	c.cancel()
	c.wg.Wait()
	return nil
}
