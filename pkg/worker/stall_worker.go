package worker

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/feichai0017/shadowtwin/pkg/logger"
	"github.com/feichai0017/shadowtwin/pkg/queue"
)

// StallHandler applies the stall policy to one job.
type StallHandler interface {
	HandleStall(ctx context.Context, jobID string) error
}

// StallWorker consumes job:stalled escalations produced by the watchdog.
type StallWorker struct {
	BaseWorker
	handler StallHandler
}

func NewStallWorker(cfg *Config, handler StallHandler, log logger.Logger) (*StallWorker, error) {
	if handler == nil {
		return nil, fmt.Errorf("stall handler is required")
	}
	w := &StallWorker{
		BaseWorker: newBaseWorker(cfg, log),
		handler:    handler,
	}
	w.mux.HandleFunc(queue.TaskTypeJobStalled, w.handleStalled)
	return w, nil
}

func (w *StallWorker) handleStalled(ctx context.Context, t *asynq.Task) error {
	p, err := queue.ParseStalledTask(t)
	if err != nil {
		w.logger.Error("Invalid stalled task",
			logger.Error(err),
			logger.String("payload", string(t.Payload())),
		)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	w.logger.Info("Processing stalled job",
		logger.String("jobId", p.JobID),
		logger.String("policy", p.Policy),
		logger.Time("detectedAt", p.DetectedAt),
	)

	if err := w.handler.HandleStall(ctx, p.JobID); err != nil {
		w.logger.Error("Failed to handle stalled job",
			logger.String("jobId", p.JobID),
			logger.Error(err),
		)
		return err
	}
	return nil
}
