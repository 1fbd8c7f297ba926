// Package queue carries watchdog escalations to the background worker
// through asynq.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// Task types.
const (
	TaskTypeJobStalled = "job:stalled"
)

// Queue names, highest priority first.
const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)

// Queue enqueues background tasks.
type Queue interface {
	Enqueue(ctx context.Context, task *Task) error
	Close() error
}

// Task is the envelope stored as the asynq payload.
type Task struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Priority  int               `json:"priority"`
	Payload   json.RawMessage   `json:"payload"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// StalledPayload identifies a job whose watchdog expired.
type StalledPayload struct {
	JobID      string    `json:"jobId"`
	Policy     string    `json:"policy"`
	DetectedAt time.Time `json:"detectedAt"`
}

type Config struct {
	RedisAddr      string
	RedisDB        int
	RedisPassword  string
	MaxRetries     int
	ProcessTimeout time.Duration
}

type AsynqQueue struct {
	client *asynq.Client
	cfg    Config
}

// NewAsynqQueue creates a producer for the given Redis instance.
func NewAsynqQueue(cfg *Config) (*AsynqQueue, error) {
	if cfg == nil || cfg.RedisAddr == "" {
		return nil, fmt.Errorf("queue redis address is required")
	}
	c := *cfg
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.ProcessTimeout <= 0 {
		c.ProcessTimeout = 5 * time.Minute
	}
	client := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     c.RedisAddr,
		DB:       c.RedisDB,
		Password: c.RedisPassword,
	})
	return &AsynqQueue{client: client, cfg: c}, nil
}

// NewStalledTask wraps a stall escalation. The task id is derived from the
// job id so a job already waiting in the queue is not enqueued twice.
func NewStalledTask(p StalledPayload) (*Task, error) {
	if p.JobID == "" {
		return nil, fmt.Errorf("stalled task requires a job id")
	}
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal stalled payload: %w", err)
	}
	return &Task{
		ID:        "stalled:" + p.JobID,
		Type:      TaskTypeJobStalled,
		Priority:  1,
		Payload:   body,
		Metadata:  map[string]string{"jobId": p.JobID, "policy": p.Policy},
		CreatedAt: time.Now(),
	}, nil
}

// ParseStalledTask decodes an asynq task produced by Enqueue.
func ParseStalledTask(t *asynq.Task) (*StalledPayload, error) {
	var task Task
	if err := json.Unmarshal(t.Payload(), &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	if task.Type != TaskTypeJobStalled {
		return nil, fmt.Errorf("unexpected task type %q", task.Type)
	}
	var p StalledPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stalled payload: %w", err)
	}
	if p.JobID == "" {
		return nil, fmt.Errorf("invalid task data: missing job id")
	}
	return &p, nil
}

// Enqueue stores task in the queue matching its priority. A task whose id is
// already queued is accepted without a second copy.
func (q *AsynqQueue) Enqueue(ctx context.Context, task *Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	opts := []asynq.Option{
		asynq.MaxRetry(q.cfg.MaxRetries),
		asynq.Timeout(q.cfg.ProcessTimeout),
		asynq.Queue(queueFor(task.Priority)),
	}
	if task.ID != "" {
		opts = append(opts, asynq.TaskID(task.ID))
	}

	info, err := q.client.EnqueueContext(ctx, asynq.NewTask(task.Type, payload), opts...)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			return nil
		}
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	task.ID = info.ID
	return nil
}

func (q *AsynqQueue) Close() error {
	return q.client.Close()
}

func queueFor(priority int) string {
	switch priority {
	case 1:
		return QueueCritical
	case 2:
		return QueueDefault
	default:
		return QueueLow
	}
}
