package watchdog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/shadowtwin/pkg/logger"
	"github.com/feichai0017/shadowtwin/pkg/queue"
)

type stallRecorder struct {
	mu   sync.Mutex
	jobs []string
	ch   chan string
}

func newStallRecorder() *stallRecorder {
	return &stallRecorder{ch: make(chan string, 16)}
}

func (r *stallRecorder) fn(jobID string) {
	r.mu.Lock()
	r.jobs = append(r.jobs, jobID)
	r.mu.Unlock()
	r.ch <- jobID
}

func (r *stallRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

func TestWatchdog_FiresAfterSilence(t *testing.T) {
	w := New(20*time.Millisecond, logger.NewNop())
	rec := newStallRecorder()
	w.SetHandler(rec.fn)

	w.Bump("j1")
	assert.True(t, w.Watching("j1"))

	select {
	case id := <-rec.ch:
		assert.Equal(t, "j1", id)
	case <-time.After(time.Second):
		t.Fatal("watchdog did not fire")
	}
	assert.Equal(t, 0, w.Active())
}

func TestWatchdog_BumpResets(t *testing.T) {
	w := New(150*time.Millisecond, logger.NewNop())
	rec := newStallRecorder()
	w.SetHandler(rec.fn)

	w.Bump("j1")
	for i := 0; i < 5; i++ {
		time.Sleep(20 * time.Millisecond)
		w.Bump("j1")
	}
	assert.Equal(t, 0, rec.count())

	select {
	case <-rec.ch:
	case <-time.After(time.Second):
		t.Fatal("watchdog did not fire after bumps stopped")
	}
	assert.Equal(t, 1, rec.count())
}

func TestWatchdog_ClearPreventsStall(t *testing.T) {
	w := New(20*time.Millisecond, logger.NewNop())
	rec := newStallRecorder()
	w.SetHandler(rec.fn)

	w.Bump("j1")
	w.Bump("j2")
	assert.Equal(t, 2, w.Active())
	w.Clear("j1")
	w.Clear("unknown")

	select {
	case id := <-rec.ch:
		assert.Equal(t, "j2", id)
	case <-time.After(time.Second):
		t.Fatal("watchdog did not fire")
	}
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestWatchdog_ConcurrentBumpAndClear(t *testing.T) {
	w := New(time.Hour, logger.NewNop())
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); w.Bump("j1") }()
		go func() { defer wg.Done(); w.Clear("j1") }()
	}
	wg.Wait()
	w.Stop()
	assert.Equal(t, 0, w.Active())
}

type fakeHandler struct {
	jobID string
	err   error
}

func (f *fakeHandler) HandleStall(ctx context.Context, jobID string) error {
	f.jobID = jobID
	return f.err
}

func TestDirect_LogsHandlerError(t *testing.T) {
	log := logger.NewTestLogger()
	h := &fakeHandler{err: errors.New("boom")}
	Direct(h, time.Second, log)("j1")

	assert.Equal(t, "j1", h.jobID)
	assert.True(t, log.Contains("ERROR", "Failed to handle stalled job"))
}

type fakeQueue struct {
	tasks []*queue.Task
	err   error
}

func (q *fakeQueue) Enqueue(ctx context.Context, task *queue.Task) error {
	q.tasks = append(q.tasks, task)
	return q.err
}

func (q *fakeQueue) Close() error { return nil }

type fakeFlusher struct {
	jobs []string
	err  error
}

func (f *fakeFlusher) FlushLogs(ctx context.Context, jobID string) error {
	f.jobs = append(f.jobs, jobID)
	return f.err
}

func TestEnqueue_SendsStalledTask(t *testing.T) {
	q := &fakeQueue{}
	fl := &fakeFlusher{err: errors.New("redis down")}
	log := logger.NewTestLogger()
	Enqueue(q, fl, "fail", log)("j1")

	assert.Equal(t, []string{"j1"}, fl.jobs)
	assert.True(t, log.Contains("WARN", "Failed to flush logs of stalled job"))
	require.Len(t, q.tasks, 1)
	assert.Equal(t, queue.TaskTypeJobStalled, q.tasks[0].Type)
	assert.Equal(t, "j1", q.tasks[0].Metadata["jobId"])
	assert.Equal(t, "fail", q.tasks[0].Metadata["policy"])
}
