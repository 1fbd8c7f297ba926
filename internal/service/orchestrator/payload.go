package orchestrator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const payloadSchemaURL = "callback.json"

// payloadSchema accepts unknown fields but rejects known fields of the wrong
// type.
const payloadSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "jobId": {"type": "string"},
    "callback_token": {"type": "string"},
    "progress": {"type": "number"},
    "percent": {"type": "number"},
    "phase": {"type": "string"},
    "message": {"type": "string"},
    "status": {"type": "string"},
    "error": {"type": ["object", "string", "null"]},
    "process": {
      "type": "object",
      "properties": {"id": {"type": ["string", "number"]}}
    },
    "data": {
      "type": "object",
      "properties": {
        "progress": {"type": "number"},
        "percent": {"type": "number"},
        "extracted_text": {"type": "string"},
        "images_archive_url": {"type": "string"},
        "metadata": {"type": "object"}
      }
    }
  }
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(payloadSchemaURL, strings.NewReader(payloadSchema)); err != nil {
		panic(fmt.Sprintf("add callback schema: %v", err))
	}
	return compiler.MustCompile(payloadSchemaURL)
}

// Payload is the typed worker callback body.
type Payload struct {
	JobID         string          `json:"jobId,omitempty"`
	CallbackToken string          `json:"callback_token,omitempty"`
	Progress      *float64        `json:"progress,omitempty"`
	Percent       *float64        `json:"percent,omitempty"`
	Phase         string          `json:"phase,omitempty"`
	Message       string          `json:"message,omitempty"`
	Status        string          `json:"status,omitempty"`
	Error         json.RawMessage `json:"error,omitempty"`
	Process       *Process        `json:"process,omitempty"`
	Data          *PayloadData    `json:"data,omitempty"`
}

type Process struct {
	// ID is a string or a number depending on the worker.
	ID any `json:"id,omitempty"`
}

type PayloadData struct {
	Progress         *float64       `json:"progress,omitempty"`
	Percent          *float64       `json:"percent,omitempty"`
	ExtractedText    *string        `json:"extracted_text,omitempty"`
	ImagesArchiveURL string         `json:"images_archive_url,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// tokenField reads callback_token without validating the rest of the body.
func tokenField(body []byte) (string, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return "", nil
	}
	var head struct {
		Token any `json:"callback_token"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	s, _ := head.Token.(string)
	return s, nil
}

// ParsePayload validates body against the callback schema and decodes it.
// An empty body is an empty payload.
func ParsePayload(body []byte) (*Payload, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return &Payload{}, nil
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return &p, nil
}

// ProgressValue returns the first of progress, percent, data.progress and
// data.percent, clamped to [0,100].
func (p *Payload) ProgressValue() *float64 {
	var v *float64
	switch {
	case p.Progress != nil:
		v = p.Progress
	case p.Percent != nil:
		v = p.Percent
	case p.Data != nil && p.Data.Progress != nil:
		v = p.Data.Progress
	case p.Data != nil && p.Data.Percent != nil:
		v = p.Data.Percent
	default:
		return nil
	}
	c := clamp(*v)
	return &c
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}

func (p *Payload) ProcessID() string {
	if p.Process == nil {
		return ""
	}
	switch id := p.Process.ID.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	default:
		return ""
	}
}

func (p *Payload) hasError() bool {
	trimmed := bytes.TrimSpace(p.Error)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) && !bytes.Equal(trimmed, []byte(`""`))
}

// WorkerError returns the reported message and the raw error object.
func (p *Payload) WorkerError() (string, any) {
	var s string
	if err := json.Unmarshal(p.Error, &s); err == nil {
		return s, map[string]any{"message": s}
	}
	var obj map[string]any
	_ = json.Unmarshal(p.Error, &obj)
	for _, k := range []string{"message", "error", "detail"} {
		if m, ok := obj[k].(string); ok && m != "" {
			return m, obj
		}
	}
	return "worker reported an error", obj
}

func (p *Payload) text() *string {
	if p.Data == nil {
		return nil
	}
	return p.Data.ExtractedText
}

func (p *Payload) archiveURL() string {
	if p.Data == nil {
		return ""
	}
	return strings.TrimSpace(p.Data.ImagesArchiveURL)
}

func (p *Payload) metadata() map[string]any {
	if p.Data == nil {
		return nil
	}
	return p.Data.Metadata
}

// Kind is the classification of one callback.
type Kind int

const (
	KindNoop Kind = iota
	KindProgress
	KindError
	KindFinal
)

func (k Kind) String() string {
	switch k {
	case KindProgress:
		return "progress"
	case KindError:
		return "error"
	case KindFinal:
		return "final"
	default:
		return "noop"
	}
}

// Classify decides what a callback means. An error wins over everything; a
// final marker without text or archive is a heartbeat.
func Classify(p *Payload) Kind {
	if p.hasError() {
		return KindError
	}
	hasText := p.text() != nil
	hasArchive := p.archiveURL() != ""
	if hasText || hasArchive {
		return KindFinal
	}
	if strings.EqualFold(p.Status, "completed") {
		return KindNoop
	}
	if p.ProgressValue() != nil || p.Phase != "" || p.Message != "" {
		return KindProgress
	}
	return KindNoop
}
