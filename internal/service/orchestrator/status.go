package orchestrator

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/feichai0017/shadowtwin/internal/models"
)

// StatusView is the client view of a job.
type StatusView struct {
	JobID     string            `json:"jobId"`
	Status    models.JobStatus  `json:"status"`
	Progress  float64           `json:"progress"`
	Worker    string            `json:"worker,omitempty"`
	Operation string            `json:"operation"`
	ProcessID string            `json:"processId,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
	Steps     []models.Step     `json:"steps"`
	Error     *models.JobError  `json:"error,omitempty"`
	Logs      []models.LogEntry `json:"logs"`
	Result    *models.JobResult `json:"result,omitempty"`
}

// Status returns the job as seen by caller. Logs merge buffered and
// persisted entries, most recent first, capped at limit when positive.
func (s *Service) Status(ctx context.Context, jobID, caller string, limit int) (*StatusView, error) {
	if jobID == "" {
		return nil, ErrMissingJobID
	}
	job, err := s.Jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if caller == "" || !strings.EqualFold(job.UserEmail, caller) {
		return nil, ErrForbidden
	}

	logs := make([]models.LogEntry, 0, len(job.Logs)+s.Logs.Len(jobID))
	logs = append(logs, job.Logs...)
	logs = append(logs, s.Logs.Peek(jobID)...)
	sort.SliceStable(logs, func(i, j int) bool {
		return logs[i].Timestamp.After(logs[j].Timestamp)
	})
	progress := job.Progress
	if !job.Status.Terminal() {
		for _, e := range logs {
			if e.Progress != nil {
				progress = *e.Progress
				break
			}
		}
	}
	if limit > 0 && len(logs) > limit {
		logs = logs[:limit]
	}

	return &StatusView{
		JobID:     job.JobID,
		Status:    job.Status,
		Progress:  progress,
		Worker:    job.Worker,
		Operation: job.Operation,
		ProcessID: job.ProcessID,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
		Steps:     job.Steps,
		Error:     job.Error,
		Logs:      logs,
		Result:    job.Result,
	}, nil
}
