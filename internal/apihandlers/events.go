package apihandlers

import (
	"io"

	"corpusflow/internal/progress"
	"corpusflow/internal/realtime"

	"github.com/gin-gonic/gin"
)

// EventsHandler streams job snapshots as server-sent events. Each event carries
// the row's progress; the stream ends after a terminal snapshot.
func (h *APIHandler) EventsHandler(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	updates, err := realtime.Watch(ctx, h.App.Events, h.App.JobStore, id, h.App.WatchOptions())
	if err != nil {
		JobFailure(c, err)
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Stream(func(w io.Writer) bool {
		job, ok := <-updates
		if !ok {
			return false
		}
		c.SSEvent("job", gin.H{
			"job":      job,
			"progress": progress.Compute(job, h.App.Jobs.Now()),
			"liveness": h.App.Jobs.Liveness(job),
		})
		return !job.Status.IsTerminal()
	})
}
