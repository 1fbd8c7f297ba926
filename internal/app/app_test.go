package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfg "github.com/feichai0017/shadowtwin/config"
	"github.com/feichai0017/shadowtwin/internal/models"
	"github.com/feichai0017/shadowtwin/internal/service/jobs"
	"github.com/feichai0017/shadowtwin/internal/service/orchestrator"
	"github.com/feichai0017/shadowtwin/internal/service/watchdog"
	"github.com/feichai0017/shadowtwin/pkg/logger"
	"github.com/feichai0017/shadowtwin/pkg/queue"
)

func testConfig(t *testing.T) *cfg.Config {
	t.Helper()
	mr := miniredis.RunT(t)
	c := cfg.Default()
	c.Redis.Addr = mr.Addr()
	c.Storage.Type = "memory"
	c.Storage.PublicBaseURL = "https://cdn.example.com"
	c.Provider.Root = t.TempDir()
	return c
}

func TestBuild_Direct(t *testing.T) {
	a, err := Build(context.Background(), testConfig(t), logger.NewNop(), RoleServer)
	require.NoError(t, err)
	defer a.Close()

	assert.NotNil(t, a.Orchestrator)
	assert.NotNil(t, a.Adapters)
	assert.Nil(t, a.queue)

	_, err = a.Adapters.For("markdown")
	assert.NoError(t, err)

	families, err := a.Registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestBuild_QueueEscalation(t *testing.T) {
	c := testConfig(t)
	c.Watchdog.Escalation = "queue"

	a, err := Build(context.Background(), c, logger.NewNop(), RoleServer)
	require.NoError(t, err)
	defer a.Close()
	assert.NotNil(t, a.queue)
	assert.NotNil(t, a.Relay)
}

type memQueue struct {
	mu    sync.Mutex
	tasks []*queue.Task
}

func (q *memQueue) Enqueue(ctx context.Context, task *queue.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *memQueue) Close() error { return nil }

// A stall failed by the worker process is visible to the server's
// subscribers and keeps the logs the server had buffered.
func TestQueueEscalation_ServerSeesWorkerOutcome(t *testing.T) {
	c := testConfig(t)
	c.Watchdog.Escalation = watchdog.EscalationQueue
	c.Watchdog.Policy = orchestrator.PolicyFail
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, err := Build(ctx, c, logger.NewNop(), RoleServer)
	require.NoError(t, err)
	defer server.Close()
	worker, err := Build(ctx, c, logger.NewNop(), RoleWorker)
	require.NoError(t, err)
	defer worker.Close()

	const owner, token = "ada@example.com", "tok"
	job := jobs.NewJob("job-1", owner, token, models.SourceRef{ItemID: "src", Name: "week1.pdf"}, models.JobOptions{})
	require.NoError(t, server.Orchestrator.Jobs.Create(ctx, job))
	_, err = server.Orchestrator.HandleCallback(ctx, "job-1", []byte(`{"progress": 30, "message": "page 3"}`), orchestrator.Credentials{Header: token})
	require.NoError(t, err)
	require.Equal(t, 1, server.Orchestrator.Logs.Len("job-1"))

	require.NoError(t, server.StartRelay(ctx))
	sub := server.Bus.Subscribe(owner)
	defer sub.Cancel()

	q := &memQueue{}
	watchdog.Enqueue(q, server.Orchestrator, c.Watchdog.Policy, logger.NewNop())("job-1")
	require.Len(t, q.tasks, 1)
	assert.Zero(t, server.Orchestrator.Logs.Len("job-1"))

	require.NoError(t, worker.Orchestrator.HandleStall(ctx, "job-1"))

	select {
	case ev := <-sub.C:
		assert.Equal(t, "job-1", ev.JobID)
		assert.Equal(t, models.JobFailed, ev.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("server subscriber did not see the failure")
	}

	stored, err := server.Orchestrator.Jobs.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, stored.Status)
	var messages []string
	for _, l := range stored.Logs {
		messages = append(messages, l.Message)
	}
	assert.Contains(t, messages, "page 3")
}

func TestBuild_Errors(t *testing.T) {
	c := testConfig(t)
	c.Provider.Type = "ftp"
	_, err := Build(context.Background(), c, logger.NewNop(), RoleServer)
	assert.ErrorContains(t, err, "unsupported provider type")

	c = testConfig(t)
	c.Redis.Addr = "127.0.0.1:1"
	_, err = Build(context.Background(), c, logger.NewNop(), RoleServer)
	assert.ErrorContains(t, err, "failed to connect to redis")
}
