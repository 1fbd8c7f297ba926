// Package phases holds the downstream phases that run after extraction: the
// template transformation and the RAG ingestion.
package phases

import (
	"context"
	"fmt"
	"strings"

	"github.com/feichai0017/shadowtwin/internal/models"
	"github.com/feichai0017/shadowtwin/internal/shadowtwin"
	"github.com/feichai0017/shadowtwin/pkg/converters"
)

type TemplateInput struct {
	JobID          string
	Source         models.SourceRef
	TemplateName   string
	TargetLanguage string
	// Transcript is always the extraction output, never a prior transformation.
	Transcript string
	// Metadata is what the worker reported alongside the transcript.
	Metadata map[string]any
}

type Transformer interface {
	Transform(ctx context.Context, in TemplateInput) (string, error)
}

// reserved keys may not be overridden by worker metadata.
var reserved = map[string]bool{"template": true, "language": true, "source": true}

// FrontmatterTransformer merges worker metadata and template identity into
// the transcript frontmatter. The body is carried over unchanged.
type FrontmatterTransformer struct{}

func NewFrontmatterTransformer() *FrontmatterTransformer {
	return &FrontmatterTransformer{}
}

func (FrontmatterTransformer) Transform(ctx context.Context, in TemplateInput) (string, error) {
	if in.TemplateName == "" {
		return "", fmt.Errorf("template name is required")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	existing, body, err := converters.SplitFrontmatter(in.Transcript)
	if err != nil {
		return "", err
	}

	overlay := map[string]any{}
	for k, v := range in.Metadata {
		if !reserved[k] && v != nil {
			overlay[k] = v
		}
	}
	overlay["template"] = in.TemplateName
	overlay["language"] = in.TargetLanguage
	overlay["source"] = in.Source.Name

	merged := converters.MergeFrontmatter(existing, overlay)
	if converters.StringField(merged, "title") == "" {
		merged["title"] = strings.TrimSpace(shadowtwin.BaseName(in.Source.Name))
	}
	return converters.RenderFrontmatter(merged, body)
}
