package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"corpusflow/internal/models"
	"corpusflow/internal/tasks"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJobClient(t *testing.T) (*AsynqJobClient, *asynq.Inspector) {
	t.Helper()
	mr := miniredis.RunT(t)
	opt := asynq.RedisClientOpt{Addr: mr.Addr()}
	jc, err := NewAsynqJobClient(opt, tasks.QueueChunks, time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { jc.Close() })
	inspector := asynq.NewInspector(opt)
	t.Cleanup(func() { inspector.Close() })
	return jc, inspector
}

func TestNewAsynqJobClient_RequiresAddress(t *testing.T) {
	_, err := NewAsynqJobClient(asynq.RedisClientOpt{}, "", 0)
	assert.Error(t, err)
}

func TestDispatchChunk_ResumeFromSameCursorIsEnqueued(t *testing.T) {
	jc, inspector := newTestJobClient(t)
	ctx := context.Background()
	jobID := uuid.New()

	require.NoError(t, jc.DispatchChunk(ctx, ChunkDispatch{JobID: jobID, ContinueFrom: 120, Lock: models.NormalLock()}))
	require.NoError(t, jc.DispatchChunk(ctx, ChunkDispatch{JobID: jobID, ContinueFrom: 120, Lock: models.ForcedLock("stuck: no heartbeat for 11m0s")}))

	pending, err := inspector.ListPendingTasks(tasks.QueueChunks)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	var locks []models.LockMode
	ids := map[string]bool{}
	for _, info := range pending {
		assert.Equal(t, tasks.TypeChunkRun, info.Type)
		assert.True(t, strings.HasPrefix(info.ID, "chunk:"+jobID.String()+":120:"), info.ID)
		ids[info.ID] = true

		p, err := tasks.DecodeChunkPayload(info.Payload)
		require.NoError(t, err)
		assert.Equal(t, jobID, p.JobID)
		assert.Equal(t, 120, p.ContinueFrom)
		locks = append(locks, p.Lock.Mode)
	}
	assert.Len(t, ids, 2)
	assert.ElementsMatch(t, []models.LockMode{models.LockNormal, models.LockForced}, locks)
}

func TestDispatchChunk_RepeatedDispatchNotSwallowed(t *testing.T) {
	jc, inspector := newTestJobClient(t)
	ctx := context.Background()
	jobID := uuid.New()

	for i := 0; i < 3; i++ {
		require.NoError(t, jc.DispatchChunk(ctx, ChunkDispatch{JobID: jobID, ContinueFrom: 50, Lock: models.NormalLock()}))
	}
	pending, err := inspector.ListPendingTasks(tasks.QueueChunks)
	require.NoError(t, err)
	assert.Len(t, pending, 3)
}
