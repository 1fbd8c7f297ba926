package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/feichai0017/shadowtwin/internal/models"
	"github.com/feichai0017/shadowtwin/internal/service/jobs"
	"github.com/feichai0017/shadowtwin/pkg/logger"
)

// HandleStall applies the watchdog policy to a job that went silent. Alert
// only records the stall; fail ends the job with watchdog_timeout. Finished
// and unknown jobs are ignored.
func (s *Service) HandleStall(ctx context.Context, jobID string) error {
	unlock := s.lock(jobID)
	defer unlock()

	job, err := s.Jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			s.Logger.Warn("Stalled job no longer exists", logger.String("jobId", jobID))
			return nil
		}
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	policy := s.config.WatchdogPolicy
	s.Metrics.Stall(policy)
	message := fmt.Sprintf("no callback received within %s", s.config.WatchdogTimeout)

	switch policy {
	case PolicyFail:
		s.Logs.Append(jobID, models.LogEntry{Phase: "watchdog", Message: message})
		_, err := s.fail(ctx, job, &models.JobError{
			Code:    CodeWatchdogTimeout,
			Message: message,
			Details: map[string]any{"timeout": s.config.WatchdogTimeout.String()},
		})
		return err
	default:
		s.Logger.Warn("Job stalled",
			logger.String("jobId", jobID),
			logger.String("status", string(job.Status)),
			logger.Duration("timeout", s.config.WatchdogTimeout),
		)
		s.Logs.Append(jobID, models.LogEntry{Phase: "watchdog", Message: "stalled: " + message})
		return s.flush(ctx, jobID)
	}
}
