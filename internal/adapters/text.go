package adapters

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/feichai0017/shadowtwin/internal/models"
	"github.com/feichai0017/shadowtwin/pkg/converters"
)

const maxTitleRunes = 120

// TextAdapter treats plain text as a markdown body. A leading frontmatter
// block is honored.
type TextAdapter struct {
	raw RawStore
}

func NewTextAdapter(raw RawStore) *TextAdapter {
	return &TextAdapter{raw: raw}
}

func (a *TextAdapter) Normalize(ctx context.Context, in Input) (*Output, error) {
	if err := requireSource(in); err != nil {
		return nil, err
	}
	ref, err := a.raw.StoreRaw(ctx, in.sourceRef(), in.Content, "text/plain")
	if err != nil {
		return nil, fmt.Errorf("failed to store raw source: %w", err)
	}
	if !utf8.Valid(in.Content) {
		return &Output{RawOriginRef: ref}, fmt.Errorf("text source is not valid UTF-8")
	}

	existing, body, err := converters.SplitFrontmatter(string(in.Content))
	if err != nil {
		return &Output{RawOriginRef: ref}, err
	}

	title := firstLine(body)
	if title == "" {
		title = titleFromName(in.Name)
	}
	meta := backfill(existing, models.CanonicalMeta{
		Source: in.SourceID,
		Title:  title,
		Date:   today(),
		Type:   TypeText,
	})
	meta.OriginRef = ref

	md, err := render(meta, existing, strings.ReplaceAll(body, "\r\n", "\n"))
	if err != nil {
		return &Output{RawOriginRef: ref}, err
	}
	return &Output{CanonicalMarkdown: md, CanonicalMeta: meta, RawOriginRef: ref}, nil
}

func firstLine(body string) string {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if utf8.RuneCountInString(line) > maxTitleRunes {
			runes := []rune(line)
			line = strings.TrimSpace(string(runes[:maxTitleRunes]))
		}
		return line
	}
	return ""
}
