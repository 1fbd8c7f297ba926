package models

import (
	"time"
)

// JobStatus is the lifecycle state of a job. Completed and failed are terminal.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// StepStatus is the state of a single phase.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Step names, in execution order.
const (
	StepExtractPDF        = "extract_pdf"
	StepTransformTemplate = "transform_template"
	StepIngestRAG         = "ingest_rag"
)

// rank orders step states so transitions can only move forward.
func (s StepStatus) rank() int {
	switch s {
	case StepPending:
		return 0
	case StepRunning:
		return 1
	default:
		return 2
	}
}

// CanTransition reports whether a step may move from s to next.
func (s StepStatus) CanTransition(next StepStatus) bool {
	if s.rank() == 2 {
		return false
	}
	return next.rank() >= s.rank()
}

type Step struct {
	Name      string         `json:"name"`
	Status    StepStatus     `json:"status"`
	StartedAt *time.Time     `json:"startedAt,omitempty"`
	EndedAt   *time.Time     `json:"endedAt,omitempty"`
	Error     *JobError      `json:"error,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// SourceRef correlates a job with the library item it processes.
type SourceRef struct {
	ItemID    string `json:"itemId"`
	Name      string `json:"name"`
	ParentID  string `json:"parentId"`
	MediaType string `json:"mediaType"`
}

// JobOptions carry per-job processing choices.
type JobOptions struct {
	TargetLanguage string `json:"targetLanguage"`
	TemplateName   string `json:"templateName,omitempty"`
	// Nil phase flags fall back to the service defaults.
	TemplateEnabled *bool `json:"templateEnabled,omitempty"`
	IngestEnabled   *bool `json:"ingestEnabled,omitempty"`
	// TranscriptFrontmatter wraps the transcript in minimal frontmatter.
	TranscriptFrontmatter bool `json:"transcriptFrontmatter,omitempty"`
	// LibraryID and ImageScope enable uploads to the content-addressed image store.
	LibraryID  string `json:"libraryId,omitempty"`
	ImageScope string `json:"imageScope,omitempty"`
}

type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Phase     string         `json:"phase"`
	Message   string         `json:"message"`
	Progress  *float64       `json:"progress,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// JobError is the structured failure attached to a failed job.
type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ImageFailure reports one image that could not be stored.
type ImageFailure struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

type JobResult struct {
	ExtractedText    string            `json:"extracted_text,omitempty"`
	ImagesArchiveURL string            `json:"images_archive_url,omitempty"`
	Metadata         map[string]any    `json:"metadata,omitempty"`
	SavedItemID      string            `json:"savedItemId,omitempty"`
	SavedItems       []string          `json:"savedItems,omitempty"`
	ImageURLs        map[string]string `json:"imageUrls,omitempty"`
	ImageFailures    []ImageFailure    `json:"imageFailures,omitempty"`
}

// ShadowTwinState caches where the derived artifacts of the source live.
// It is recomputed after writes and never treated as the source of truth.
type ShadowTwinState struct {
	FolderID          string    `json:"shadowTwinFolderId,omitempty"`
	TranscriptFiles   []string  `json:"transcriptFiles,omitempty"`
	TransformedFileID string    `json:"transformedFileId,omitempty"`
	RawFileID         string    `json:"rawFileId,omitempty"`
	MediaFiles        []string  `json:"mediaFiles,omitempty"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Job is the persisted unit of work driven by worker callbacks.
type Job struct {
	JobID           string           `json:"jobId"`
	JobSecretHash   string           `json:"jobSecretHash"`
	UserEmail       string           `json:"userEmail"`
	JobType         string           `json:"jobType"`
	Operation       string           `json:"operation"`
	Worker          string           `json:"worker,omitempty"`
	ProcessID       string           `json:"processId,omitempty"`
	Status          JobStatus        `json:"status"`
	Progress        float64          `json:"progress"`
	Source          SourceRef        `json:"source"`
	Options         JobOptions       `json:"options"`
	Steps           []Step           `json:"steps"`
	ShadowTwinState *ShadowTwinState `json:"shadowTwinState,omitempty"`
	Logs            []LogEntry       `json:"logs,omitempty"`
	Result          *JobResult       `json:"result,omitempty"`
	Error           *JobError        `json:"error,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// DefaultSteps returns the phase list every new job starts with.
func DefaultSteps() []Step {
	return []Step{
		{Name: StepExtractPDF, Status: StepPending},
		{Name: StepTransformTemplate, Status: StepPending},
		{Name: StepIngestRAG, Status: StepPending},
	}
}

// Step returns the named step or nil.
func (j *Job) Step(name string) *Step {
	for i := range j.Steps {
		if j.Steps[i].Name == name {
			return &j.Steps[i]
		}
	}
	return nil
}
