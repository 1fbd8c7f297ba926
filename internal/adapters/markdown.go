package adapters

import (
	"context"
	"fmt"
	"strings"

	"github.com/feichai0017/shadowtwin/internal/models"
	"github.com/feichai0017/shadowtwin/pkg/converters"
)

// MarkdownAdapter keeps the body and completes the frontmatter.
type MarkdownAdapter struct {
	raw RawStore
}

func NewMarkdownAdapter(raw RawStore) *MarkdownAdapter {
	return &MarkdownAdapter{raw: raw}
}

func (a *MarkdownAdapter) Normalize(ctx context.Context, in Input) (*Output, error) {
	if err := requireSource(in); err != nil {
		return nil, err
	}
	ref, err := a.raw.StoreRaw(ctx, in.sourceRef(), in.Content, "text/markdown")
	if err != nil {
		return nil, fmt.Errorf("failed to store raw source: %w", err)
	}

	existing, body, err := converters.SplitFrontmatter(string(in.Content))
	if err != nil {
		return &Output{RawOriginRef: ref}, err
	}

	title := titleFromName(in.Name)
	if m := headingLine.FindStringSubmatch(body); m != nil {
		title = strings.TrimSpace(m[1])
	}
	meta := backfill(existing, models.CanonicalMeta{
		Source: in.SourceID,
		Title:  title,
		Date:   today(),
		Type:   TypeMarkdown,
	})
	meta.OriginRef = ref

	md, err := render(meta, existing, body)
	if err != nil {
		return &Output{RawOriginRef: ref}, err
	}
	return &Output{CanonicalMarkdown: md, CanonicalMeta: meta, RawOriginRef: ref}, nil
}
