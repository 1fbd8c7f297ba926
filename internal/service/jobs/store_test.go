package jobs

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/shadowtwin/internal/models"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb, 0), mr
}

func createJob(t *testing.T, s *Store, id string) *models.Job {
	t.Helper()
	job := NewJob(id, "owner@example.com", "secret-"+id, models.SourceRef{ItemID: "src-" + id, Name: "doc.pdf"}, models.JobOptions{TargetLanguage: "de"})
	require.NoError(t, s.Create(context.Background(), job))
	return job
}

func TestSecret(t *testing.T) {
	hash := HashSecret("token")
	assert.Len(t, hash, 64)
	assert.NotContains(t, hash, "token")
	assert.True(t, VerifySecret(hash, "token"))
	assert.False(t, VerifySecret(hash, "other"))
	assert.False(t, VerifySecret(hash, ""))
	assert.False(t, VerifySecret("", "token"))
}

func TestStore_CreateGet(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	createJob(t, s, "j1")

	job, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, job.Status)
	assert.Len(t, job.Steps, 3)
	assert.Equal(t, HashSecret("secret-j1"), job.JobSecretHash)

	err = s.Create(ctx, NewJob("j1", "x", "y", models.SourceRef{}, models.JobOptions{}))
	assert.ErrorIs(t, err, ErrJobExists)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestStore_UpdateMissing(t *testing.T) {
	s, _ := newTestStore(t)
	_, _, err := s.Update(context.Background(), "missing", func(*models.Job) error { return nil })
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestStore_TerminalIsSticky(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	createJob(t, s, "j1")

	_, changed, err := s.Complete(ctx, "j1", &models.JobResult{ExtractedText: "Hello"})
	require.NoError(t, err)
	assert.True(t, changed)

	job, changed, err := s.MarkRunning(ctx, "j1", "proc-1")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, models.JobCompleted, job.Status)

	_, changed, err = s.Fail(ctx, "j1", &models.JobError{Code: "worker_error"})
	require.NoError(t, err)
	assert.False(t, changed)

	_, changed, err = s.Complete(ctx, "j1", nil)
	require.NoError(t, err)
	assert.False(t, changed)

	job, err = s.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, job.Status)
	assert.Nil(t, job.Error)
	assert.Equal(t, "Hello", job.Result.ExtractedText)
	assert.Equal(t, 100.0, job.Progress)
}

func TestStore_MarkRunningRecordsProcess(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	createJob(t, s, "j1")

	job, changed, err := s.MarkRunning(ctx, "j1", "proc-7")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.JobRunning, job.Status)
	assert.Equal(t, "proc-7", job.ProcessID)

	_, changed, err = s.MarkRunning(ctx, "j1", "")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestStore_ClaimStepOnce(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	createJob(t, s, "j1")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.ClaimStep(ctx, "j1", models.StepExtractPDF)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				claimed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, claimed)

	job, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	step := job.Step(models.StepExtractPDF)
	assert.Equal(t, models.StepRunning, step.Status)
	assert.NotNil(t, step.StartedAt)
	assert.Equal(t, models.JobRunning, job.Status)
}

func TestStore_ReleaseStepAllowsReclaim(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	createJob(t, s, "j1")

	_, ok, err := s.ClaimStep(ctx, "j1", models.StepExtractPDF)
	require.NoError(t, err)
	require.True(t, ok)

	job, changed, err := s.ReleaseStep(ctx, "j1", models.StepExtractPDF)
	require.NoError(t, err)
	assert.True(t, changed)
	step := job.Step(models.StepExtractPDF)
	assert.Equal(t, models.StepPending, step.Status)
	assert.Nil(t, step.StartedAt)

	_, ok, err = s.ClaimStep(ctx, "j1", models.StepExtractPDF)
	require.NoError(t, err)
	assert.True(t, ok)

	_, _, err = s.Fail(ctx, "j1", &models.JobError{Code: "x", Message: "boom"})
	require.NoError(t, err)
	_, changed, err = s.ReleaseStep(ctx, "j1", models.StepExtractPDF)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestStore_StepsMoveForwardOnly(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	createJob(t, s, "j1")

	_, changed, err := s.UpdateStep(ctx, "j1", models.StepTransformTemplate, StepUpdate{
		Status:  models.StepCompleted,
		Details: map[string]any{"skipped": true, "reason": "phase_disabled"},
	})
	require.NoError(t, err)
	assert.True(t, changed)

	_, changed, err = s.UpdateStep(ctx, "j1", models.StepTransformTemplate, StepUpdate{Status: models.StepRunning})
	require.NoError(t, err)
	assert.False(t, changed)

	job, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	step := job.Step(models.StepTransformTemplate)
	assert.Equal(t, models.StepCompleted, step.Status)
	assert.Equal(t, "phase_disabled", step.Details["reason"])
	assert.NotNil(t, step.EndedAt)

	_, _, err = s.UpdateStep(ctx, "j1", "bogus", StepUpdate{Status: models.StepRunning})
	assert.Error(t, err)
}

func TestStore_FailMarksRunningStep(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	createJob(t, s, "j1")

	_, _, err := s.ClaimStep(ctx, "j1", models.StepExtractPDF)
	require.NoError(t, err)

	jobErr := &models.JobError{Code: "images_download_failed", Message: "404"}
	job, changed, err := s.Fail(ctx, "j1", jobErr)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Equal(t, "images_download_failed", job.Error.Code)
	assert.Equal(t, models.StepFailed, job.Step(models.StepExtractPDF).Status)
	assert.Equal(t, models.StepPending, job.Step(models.StepIngestRAG).Status)
}

func TestStore_AppendLogsAndResult(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	createJob(t, s, "j1")

	require.NoError(t, s.AppendLogs(ctx, "j1", []models.LogEntry{{Phase: "extract", Message: "a"}}))
	require.NoError(t, s.AppendLogs(ctx, "j1", []models.LogEntry{{Phase: "extract", Message: "b"}}))
	require.NoError(t, s.AppendLogs(ctx, "j1", nil))

	_, _, err := s.SetResult(ctx, "j1", &models.JobResult{SavedItems: []string{"t1"}, ImageURLs: map[string]string{"a.png": "u1"}})
	require.NoError(t, err)
	_, _, err = s.SetResult(ctx, "j1", &models.JobResult{SavedItems: []string{"t1", "t2"}, ImageURLs: map[string]string{"b.png": "u2"}})
	require.NoError(t, err)

	require.NoError(t, s.SetShadowTwinState(ctx, "j1", &models.ShadowTwinState{FolderID: "f1"}))

	job, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	require.Len(t, job.Logs, 2)
	assert.Equal(t, "a", job.Logs[0].Message)
	assert.Equal(t, "b", job.Logs[1].Message)
	assert.Equal(t, []string{"t1", "t2"}, job.Result.SavedItems)
	assert.Len(t, job.Result.ImageURLs, 2)
	assert.Equal(t, "f1", job.ShadowTwinState.FolderID)
}

func TestStore_ConcurrentAppendsAreNotLost(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	createJob(t, s, "j1")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.AppendLogs(ctx, "j1", []models.LogEntry{{Message: "tick"}}))
		}()
	}
	wg.Wait()

	job, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Len(t, job.Logs, 10)
}
