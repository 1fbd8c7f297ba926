package watchdog

import (
	"context"
	"time"

	"github.com/feichai0017/shadowtwin/pkg/logger"
	"github.com/feichai0017/shadowtwin/pkg/queue"
)

// Escalation routes.
const (
	EscalationDirect = "direct"
	EscalationQueue  = "queue"
)

// StallHandler applies the stall policy to a job.
type StallHandler interface {
	HandleStall(ctx context.Context, jobID string) error
}

// Direct returns a StallFunc that runs handler in-process.
func Direct(handler StallHandler, timeout time.Duration, log logger.Logger) StallFunc {
	return func(jobID string) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := handler.HandleStall(ctx, jobID); err != nil {
			log.Error("Failed to handle stalled job",
				logger.String("jobId", jobID),
				logger.Error(err),
			)
		}
	}
}

// LogFlusher persists the log entries buffered for a job.
type LogFlusher interface {
	FlushLogs(ctx context.Context, jobID string) error
}

// Enqueue returns a StallFunc that hands the stall to the background worker.
// Logs buffered in this process are flushed first, since the worker cannot
// see them. flusher may be nil.
func Enqueue(q queue.Queue, flusher LogFlusher, policy string, log logger.Logger) StallFunc {
	return func(jobID string) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if flusher != nil {
			if err := flusher.FlushLogs(ctx, jobID); err != nil {
				log.Warn("Failed to flush logs of stalled job", logger.String("jobId", jobID), logger.Error(err))
			}
		}

		task, err := queue.NewStalledTask(queue.StalledPayload{
			JobID:      jobID,
			Policy:     policy,
			DetectedAt: time.Now().UTC(),
		})
		if err != nil {
			log.Error("Failed to build stalled task", logger.String("jobId", jobID), logger.Error(err))
			return
		}
		if err := q.Enqueue(ctx, task); err != nil {
			log.Error("Failed to enqueue stalled job",
				logger.String("jobId", jobID),
				logger.Error(err),
			)
			return
		}
		log.Info("Enqueued stalled job", logger.String("jobId", jobID), logger.String("policy", policy))
	}
}
