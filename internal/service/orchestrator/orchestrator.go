// Package orchestrator turns worker callbacks into job state transitions and
// Shadow-Twin artifacts.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/feichai0017/shadowtwin/internal/imagestore"
	"github.com/feichai0017/shadowtwin/internal/models"
	"github.com/feichai0017/shadowtwin/internal/phases"
	"github.com/feichai0017/shadowtwin/internal/provider"
	"github.com/feichai0017/shadowtwin/internal/service/events"
	"github.com/feichai0017/shadowtwin/internal/service/jobs"
	"github.com/feichai0017/shadowtwin/internal/service/logbuffer"
	"github.com/feichai0017/shadowtwin/internal/service/watchdog"
	"github.com/feichai0017/shadowtwin/internal/shadowtwin"
	"github.com/feichai0017/shadowtwin/pkg/logger"
	"github.com/feichai0017/shadowtwin/pkg/metrics"
)

// Response kinds returned to the worker.
const (
	ResponseProgress             = "progress"
	ResponseFailed               = "failed"
	ResponseNoop                 = "noop"
	ResponseFinal                = "final"
	ResponseFailedImagesDownload = "failed_images_download"
	ResponseFailedImagesExtract  = "failed_images_extract"
)

// Watchdog policies.
const (
	PolicyAlert = "alert"
	PolicyFail  = "fail"
)

type ServiceConfig struct {
	// Phase defaults used when the job options leave them unset.
	TemplateEnabled bool
	IngestEnabled   bool
	WatchdogPolicy  string
	WatchdogTimeout time.Duration
	FetchTimeout    time.Duration
	MaxArchiveBytes int64
	// MediaParallelism bounds concurrent writes of archive images into the
	// twin folder.
	MediaParallelism int
	// CallbackTimeout bounds the work done for one authenticated callback.
	// The work does not stop when the worker disconnects.
	CallbackTimeout time.Duration
}

// settleTimeout bounds the bookkeeping that records how a callback ended.
const settleTimeout = 30 * time.Second

// Deps are the collaborators of the service. Images, Transformer and
// Ingestor may be nil; Writer and Resolver nil means the provider is not
// configured.
type Deps struct {
	Jobs        *jobs.Store
	Logs        *logbuffer.Buffer
	Watchdog    *watchdog.Watchdog
	Events      events.Publisher
	Provider    provider.Provider
	Writer      *shadowtwin.Writer
	Resolver    *shadowtwin.Resolver
	Images      *imagestore.Store
	Transformer phases.Transformer
	Ingestor    phases.Ingestor
	HTTPClient  *http.Client
	Metrics     *metrics.Metrics
	Logger      logger.Logger
}

type Service struct {
	Deps
	config *ServiceConfig

	mu    sync.Mutex
	locks map[string]*jobLock
}

type jobLock struct {
	mu   sync.Mutex
	refs int
}

// Credentials are the token locations of a callback besides the body.
type Credentials struct {
	Header string
	Bearer string
}

// Outcome is the acknowledgement returned to the worker.
type Outcome struct {
	Kind     string           `json:"kind"`
	JobID    string           `json:"jobId"`
	Status   models.JobStatus `json:"status"`
	Progress *float64         `json:"progress,omitempty"`
	Error    *models.JobError `json:"error,omitempty"`
}

func NewService(deps Deps, cfg *ServiceConfig) *Service {
	if cfg == nil {
		cfg = &ServiceConfig{}
	}
	if cfg.WatchdogPolicy == "" {
		cfg.WatchdogPolicy = PolicyAlert
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 60 * time.Second
	}
	if cfg.MediaParallelism <= 0 {
		cfg.MediaParallelism = 4
	}
	if cfg.CallbackTimeout <= 0 {
		cfg.CallbackTimeout = 5 * time.Minute
	}
	if cfg.WatchdogTimeout <= 0 {
		cfg.WatchdogTimeout = 10 * time.Minute
	}
	if deps.Logs == nil {
		deps.Logs = logbuffer.New()
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: cfg.FetchTimeout}
	}
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	if deps.Watchdog == nil {
		deps.Watchdog = watchdog.New(cfg.WatchdogTimeout, deps.Logger)
	}
	deps.Logger = deps.Logger.Named("orchestrator")

	return &Service{
		Deps:   deps,
		config: cfg,
		locks:  make(map[string]*jobLock),
	}
}

// lock serializes callback handling per job within this process.
func (s *Service) lock(jobID string) func() {
	s.mu.Lock()
	l, ok := s.locks[jobID]
	if !ok {
		l = &jobLock{}
		s.locks[jobID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, jobID)
		}
		s.mu.Unlock()
	}
}

// ResolveToken picks the callback token: body first, then the dedicated
// header, then the bearer header.
func ResolveToken(bodyToken string, creds Credentials) string {
	for _, t := range []string{bodyToken, creds.Header, creds.Bearer} {
		if t = strings.TrimSpace(t); t != "" {
			return t
		}
	}
	return ""
}

// BearerToken extracts the token of an Authorization header.
func BearerToken(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

// HandleCallback authenticates and applies one worker callback. Caller
// errors (ErrMissingJobID, ErrMissingToken, jobs.ErrJobNotFound,
// ErrInvalidToken, ErrInvalidPayload) leave the job untouched.
func (s *Service) HandleCallback(ctx context.Context, jobID string, body []byte, creds Credentials) (*Outcome, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, ErrMissingJobID
	}
	bodyToken, err := tokenField(body)
	if err != nil {
		return nil, err
	}
	token := ResolveToken(bodyToken, creds)
	if token == "" {
		s.Logger.Debug("Callback without token", logger.String("jobId", jobID))
		return nil, ErrMissingToken
	}

	job, err := s.Jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !jobs.VerifySecret(job.JobSecretHash, token) {
		s.Logger.Debug("Callback token mismatch", logger.String("jobId", jobID))
		s.Metrics.Callback("unauthorized")
		return nil, ErrInvalidToken
	}

	payload, err := ParsePayload(body)
	if err != nil {
		return nil, err
	}

	// 鉴权通过后与调用方的连接解耦
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.CallbackTimeout)
	defer cancel()

	unlock := s.lock(jobID)
	defer unlock()

	// Re-read under the lock so a callback that raced a terminal transition
	// sees it.
	if job, err = s.Jobs.Get(ctx, jobID); err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		if err := s.flush(ctx, jobID); err != nil {
			s.Logger.Warn("Dropping logs of finished job", logger.String("jobId", jobID), logger.Error(err))
			s.Logs.Drain(jobID)
		}
		s.Metrics.Callback(ResponseNoop)
		s.Logger.Info("Callback for finished job acknowledged",
			logger.String("jobId", jobID),
			logger.String("status", string(job.Status)),
		)
		return &Outcome{Kind: ResponseNoop, JobID: jobID, Status: job.Status}, nil
	}

	kind := Classify(payload)
	var out *Outcome
	switch kind {
	case KindProgress:
		out, err = s.progress(ctx, job, payload)
	case KindError:
		out, err = s.workerError(ctx, job, payload)
	case KindFinal:
		out, err = s.final(ctx, job, payload)
	default:
		out, err = s.heartbeat(ctx, job, payload)
	}
	if err != nil {
		return nil, err
	}
	s.Metrics.Callback(out.Kind)
	return out, nil
}

func (s *Service) progress(ctx context.Context, job *models.Job, p *Payload) (*Outcome, error) {
	progress := p.ProgressValue()
	s.Logs.Append(job.JobID, models.LogEntry{
		Phase:    phaseOr(p.Phase, "progress"),
		Message:  p.Message,
		Progress: progress,
	})
	s.Watchdog.Bump(job.JobID)

	updated, _, err := s.Jobs.MarkRunning(ctx, job.JobID, p.ProcessID())
	if err != nil {
		return nil, fmt.Errorf("failed to mark job running: %w", err)
	}
	if updated.Status.Terminal() {
		return &Outcome{Kind: ResponseNoop, JobID: job.JobID, Status: updated.Status}, nil
	}

	message := p.Message
	if message == "" {
		message = p.Phase
	}
	s.publish(updated, progress, message)
	return &Outcome{Kind: ResponseProgress, JobID: job.JobID, Status: updated.Status, Progress: progress}, nil
}

func (s *Service) heartbeat(ctx context.Context, job *models.Job, p *Payload) (*Outcome, error) {
	message := p.Message
	if message == "" {
		message = "heartbeat"
	}
	s.Logs.Append(job.JobID, models.LogEntry{Phase: phaseOr(p.Phase, "heartbeat"), Message: message})
	s.Watchdog.Bump(job.JobID)
	if id := p.ProcessID(); id != "" {
		if _, _, err := s.Jobs.MarkRunning(ctx, job.JobID, id); err != nil {
			return nil, fmt.Errorf("failed to mark job running: %w", err)
		}
	}
	return &Outcome{Kind: ResponseNoop, JobID: job.JobID, Status: job.Status}, nil
}

func (s *Service) workerError(ctx context.Context, job *models.Job, p *Payload) (*Outcome, error) {
	message, details := p.WorkerError()
	s.Logs.Append(job.JobID, models.LogEntry{Phase: phaseOr(p.Phase, "error"), Message: message})
	jobErr := &models.JobError{Code: CodeWorkerError, Message: message, Details: details}

	failed, err := s.fail(ctx, job, jobErr)
	if err != nil {
		return nil, err
	}
	return &Outcome{Kind: ResponseFailed, JobID: job.JobID, Status: failed.Status, Error: failed.Error}, nil
}

// fail stops the watchdog, flushes buffered logs, records jobErr and then
// publishes the failure, in that order.
func (s *Service) fail(ctx context.Context, job *models.Job, jobErr *models.JobError) (*models.Job, error) {
	ctx, cancel := settle(ctx)
	defer cancel()
	s.Watchdog.Clear(job.JobID)
	if err := s.flush(ctx, job.JobID); err != nil {
		s.Logger.Error("Failed to flush logs before failing job",
			logger.String("jobId", job.JobID),
			logger.Error(err),
		)
	}
	failed, changed, err := s.Jobs.Fail(ctx, job.JobID, jobErr)
	if err != nil {
		return nil, fmt.Errorf("failed to mark job failed: %w", err)
	}
	if changed {
		s.Logger.Warn("Job failed",
			logger.String("jobId", job.JobID),
			logger.String("code", jobErr.Code),
			logger.String("message", jobErr.Message),
		)
		s.publish(failed, nil, jobErr.Message)
	}
	return failed, nil
}

// FlushLogs persists the buffered log entries of jobID.
func (s *Service) FlushLogs(ctx context.Context, jobID string) error {
	return s.flush(ctx, jobID)
}

// settle detaches ctx from its caller with a fresh deadline.
func settle(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

// flush moves buffered log entries into the job record. Entries are put back
// when the write fails.
func (s *Service) flush(ctx context.Context, jobID string) error {
	entries := s.Logs.Drain(jobID)
	if len(entries) == 0 {
		return nil
	}
	if err := s.Jobs.AppendLogs(ctx, jobID, entries); err != nil {
		s.Logs.Restore(jobID, entries)
		return err
	}
	return nil
}

func (s *Service) publish(job *models.Job, progress *float64, message string) {
	if s.Events == nil {
		return
	}
	if progress == nil && job.Status == models.JobCompleted {
		p := job.Progress
		progress = &p
	}
	s.Events.EmitUpdate(job.UserEmail, models.JobUpdateEvent{
		Type:      models.EventTypeJobUpdate,
		JobID:     job.JobID,
		Status:    job.Status,
		Progress:  progress,
		Message:   message,
		UpdatedAt: job.UpdatedAt,
		JobType:   job.JobType,
		FileName:  job.Source.Name,
	})
}

func phaseOr(phase, fallback string) string {
	if phase != "" {
		return phase
	}
	return fallback
}

// asPipelineError wraps unexpected errors so every failure carries a code.
func asPipelineError(err error, code, message string) *PipelineError {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe
	}
	return pipelineErr(code, message, err)
}
