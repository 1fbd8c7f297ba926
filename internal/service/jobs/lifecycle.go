package jobs

import (
	"context"

	"github.com/feichai0017/shadowtwin/internal/models"
)

// Terminal jobs are never moved by any helper in this file; the mutators
// return ErrNoChange instead.

// MarkRunning moves a queued job to running and records the worker process id.
func (s *Store) MarkRunning(ctx context.Context, jobID, processID string) (*models.Job, bool, error) {
	return s.Update(ctx, jobID, func(job *models.Job) error {
		if job.Status.Terminal() {
			return ErrNoChange
		}
		if job.Status == models.JobRunning && (processID == "" || processID == job.ProcessID) {
			return ErrNoChange
		}
		job.Status = models.JobRunning
		if processID != "" {
			job.ProcessID = processID
		}
		return nil
	})
}

// AppendLogs appends entries to the durable log. Logs may still be appended
// after the job is terminal.
func (s *Store) AppendLogs(ctx context.Context, jobID string, entries []models.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	_, _, err := s.Update(ctx, jobID, func(job *models.Job) error {
		job.Logs = append(job.Logs, entries...)
		return nil
	})
	return err
}

// StepUpdate describes a step transition.
type StepUpdate struct {
	Status  models.StepStatus
	Error   *models.JobError
	Details map[string]any
}

// UpdateStep moves the named step forward. Backward transitions and updates
// on a terminal job are ignored.
func (s *Store) UpdateStep(ctx context.Context, jobID, name string, u StepUpdate) (*models.Job, bool, error) {
	return s.Update(ctx, jobID, func(job *models.Job) error {
		if job.Status.Terminal() {
			return ErrNoChange
		}
		return applyStep(job, name, u, s.now())
	})
}

// ClaimStep moves a pending step to running. Only one caller can claim a
// step; later callers get false.
func (s *Store) ClaimStep(ctx context.Context, jobID, name string) (*models.Job, bool, error) {
	return s.Update(ctx, jobID, func(job *models.Job) error {
		if job.Status.Terminal() {
			return ErrNoChange
		}
		step := job.Step(name)
		if step == nil || step.Status != models.StepPending {
			return ErrNoChange
		}
		if job.Status == models.JobQueued {
			job.Status = models.JobRunning
		}
		return applyStep(job, name, StepUpdate{Status: models.StepRunning}, s.now())
	})
}

// ReleaseStep hands a claimed step back so a retried callback can claim it
// again. Terminal jobs and steps that are not running are left alone.
func (s *Store) ReleaseStep(ctx context.Context, jobID, name string) (*models.Job, bool, error) {
	return s.Update(ctx, jobID, func(job *models.Job) error {
		if job.Status.Terminal() {
			return ErrNoChange
		}
		step := job.Step(name)
		if step == nil || step.Status != models.StepRunning {
			return ErrNoChange
		}
		step.Status = models.StepPending
		step.StartedAt = nil
		return nil
	})
}

// SetResult merges result into the stored result.
func (s *Store) SetResult(ctx context.Context, jobID string, result *models.JobResult) (*models.Job, bool, error) {
	return s.Update(ctx, jobID, func(job *models.Job) error {
		if result == nil {
			return ErrNoChange
		}
		job.Result = mergeResult(job.Result, result)
		return nil
	})
}

// SetShadowTwinState replaces the cached artifact pointers.
func (s *Store) SetShadowTwinState(ctx context.Context, jobID string, state *models.ShadowTwinState) error {
	_, _, err := s.Update(ctx, jobID, func(job *models.Job) error {
		job.ShadowTwinState = state
		return nil
	})
	return err
}

// Complete marks the job completed. The boolean is false if the job was
// already terminal.
func (s *Store) Complete(ctx context.Context, jobID string, result *models.JobResult) (*models.Job, bool, error) {
	return s.Update(ctx, jobID, func(job *models.Job) error {
		if job.Status.Terminal() {
			return ErrNoChange
		}
		job.Status = models.JobCompleted
		job.Progress = 100
		job.Error = nil
		if result != nil {
			job.Result = mergeResult(job.Result, result)
		}
		return nil
	})
}

// Fail marks the job failed with jobErr and fails any step still running.
// The boolean is false if the job was already terminal.
func (s *Store) Fail(ctx context.Context, jobID string, jobErr *models.JobError) (*models.Job, bool, error) {
	return s.Update(ctx, jobID, func(job *models.Job) error {
		if job.Status.Terminal() {
			return ErrNoChange
		}
		now := s.now()
		for i := range job.Steps {
			if job.Steps[i].Status == models.StepRunning {
				_ = applyStep(job, job.Steps[i].Name, StepUpdate{Status: models.StepFailed, Error: jobErr}, now)
			}
		}
		job.Status = models.JobFailed
		job.Error = jobErr
		return nil
	})
}
