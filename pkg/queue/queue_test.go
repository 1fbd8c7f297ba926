package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStalledTask_RoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	task, err := NewStalledTask(StalledPayload{JobID: "job-1", Policy: "fail", DetectedAt: now})
	require.NoError(t, err)
	assert.Equal(t, "stalled:job-1", task.ID)
	assert.Equal(t, TaskTypeJobStalled, task.Type)

	raw, err := json.Marshal(task)
	require.NoError(t, err)

	p, err := ParseStalledTask(asynq.NewTask(TaskTypeJobStalled, raw))
	require.NoError(t, err)
	assert.Equal(t, "job-1", p.JobID)
	assert.Equal(t, "fail", p.Policy)
	assert.True(t, now.Equal(p.DetectedAt))
}

func TestNewStalledTask_RequiresJobID(t *testing.T) {
	_, err := NewStalledTask(StalledPayload{})
	assert.Error(t, err)
}

func TestParseStalledTask_Rejects(t *testing.T) {
	_, err := ParseStalledTask(asynq.NewTask(TaskTypeJobStalled, []byte("not json")))
	assert.Error(t, err)

	_, err = ParseStalledTask(asynq.NewTask("other", []byte(`{"type":"other","payload":{}}`)))
	assert.Error(t, err)
}

func TestQueueFor(t *testing.T) {
	assert.Equal(t, QueueCritical, queueFor(1))
	assert.Equal(t, QueueDefault, queueFor(2))
	assert.Equal(t, QueueLow, queueFor(7))
}

func TestAsynqQueue_EnqueueDeduplicatesByID(t *testing.T) {
	mr := miniredis.RunT(t)
	q, err := NewAsynqQueue(&Config{RedisAddr: mr.Addr()})
	require.NoError(t, err)
	defer q.Close()

	task, err := NewStalledTask(StalledPayload{JobID: "job-2", Policy: "alert", DetectedAt: time.Now()})
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(context.Background(), task))
	again, err := NewStalledTask(StalledPayload{JobID: "job-2", Policy: "alert", DetectedAt: time.Now()})
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(context.Background(), again))

	assert.True(t, mr.Exists("asynq:{critical}:t:stalled:job-2"))
}

func TestNewAsynqQueue_RequiresAddr(t *testing.T) {
	_, err := NewAsynqQueue(&Config{})
	assert.Error(t, err)
}
