package orchestrator

import (
	"errors"
	"fmt"

	"github.com/feichai0017/shadowtwin/internal/models"
)

// Failure codes recorded on the job error.
const (
	CodeWorkerError          = "worker_error"
	CodeImagesDownloadFailed = "images_download_failed"
	CodeImagesExtractFailed  = "images_extract_failed"
	CodeConfigError          = "CONFIG_ERROR"
	CodeTranscriptSaveFailed = "transcript_save_failed"
	CodeTemplateFailed       = "template_failed"
	CodeIngestFailed         = "ingest_failed"
	CodeWatchdogTimeout      = "watchdog_timeout"
)

// Caller errors. None of them mutate the job.
var (
	ErrMissingToken   = errors.New("callback token is required")
	ErrInvalidToken   = errors.New("callback token does not match")
	ErrInvalidPayload = errors.New("invalid callback payload")
	ErrMissingJobID   = errors.New("job id is required")
	ErrForbidden      = errors.New("job belongs to another user")
)

// PipelineError is a post-validation failure that ends the job.
type PipelineError struct {
	Code    string
	Message string
	Details any
	Err     error
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *PipelineError) Unwrap() error { return e.Err }

// JobError converts e into the structured job error.
func (e *PipelineError) JobError() *models.JobError {
	details := e.Details
	if details == nil && e.Err != nil {
		details = map[string]any{"cause": e.Err.Error()}
	}
	return &models.JobError{Code: e.Code, Message: e.Message, Details: details}
}

func pipelineErr(code, message string, err error) *PipelineError {
	return &PipelineError{Code: code, Message: message, Err: err}
}
