package tasks

import (
	"encoding/json"
	"fmt"

	"corpusflow/internal/models"

	"github.com/google/uuid"
)

// Task types handled by the worker.
const (
	// TypeChunkRun runs one chunk of a job.
	TypeChunkRun = "chunk:run"
	// TypeLivenessSweep evaluates every active job for abandonment and stalls.
	TypeLivenessSweep = "liveness:sweep"
)

// QueueChunks and QueueMaintenance are the asynq queues the worker listens on.
const (
	QueueChunks      = "chunks"
	QueueMaintenance = "maintenance"
)

// ChunkPayload is the body of a TypeChunkRun task.
type ChunkPayload struct {
	JobID        uuid.UUID              `json:"job_id"`
	ContinueFrom int                    `json:"continue_from"`
	Lock         models.LockAcquisition `json:"lock"`
}

func (p ChunkPayload) Encode() ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode chunk payload for job %s: %w", p.JobID, err)
	}
	return b, nil
}

func DecodeChunkPayload(b []byte) (ChunkPayload, error) {
	var p ChunkPayload
	if err := json.Unmarshal(b, &p); err != nil {
		return p, fmt.Errorf("decode chunk payload: %w", err)
	}
	if p.JobID == uuid.Nil {
		return p, fmt.Errorf("%w: chunk payload without job_id", models.ErrValidation)
	}
	return p, nil
}

// ChunkTaskID is the asynq task id for one dispatch of a chunk. Every dispatch
// gets its own id: asynq keeps ids of finished and archived tasks, so an id
// derived from the cursor alone would swallow a later resume from the same
// cursor. Duplicate chunks are dropped by the executor's cursor check instead.
func ChunkTaskID(jobID uuid.UUID, continueFrom int, lock models.LockAcquisition) string {
	mode := lock.Mode
	if mode == "" {
		mode = models.LockNormal
	}
	return fmt.Sprintf("chunk:%s:%d:%s:%s", jobID, continueFrom, mode, uuid.NewString()[:8])
}
