// Package adapters normalizes source inputs into canonical markdown. Every
// adapter stores the unmodified input as the raw artifact before it starts
// normalizing.
package adapters

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/feichai0017/shadowtwin/internal/models"
	"github.com/feichai0017/shadowtwin/internal/shadowtwin"
	"github.com/feichai0017/shadowtwin/pkg/converters"
)

// Source types written into the canonical frontmatter.
const (
	TypeMarkdown = "markdown"
	TypeText     = "text"
	TypeWebsite  = "website"
)

type Input struct {
	SourceID  string
	Name      string
	ParentID  string
	MediaType string
	Content   []byte
	URL       string
}

func (in Input) sourceRef() models.SourceRef {
	return models.SourceRef{ItemID: in.SourceID, Name: in.Name, ParentID: in.ParentID, MediaType: in.MediaType}
}

type Output struct {
	CanonicalMarkdown string               `json:"canonicalMarkdown"`
	CanonicalMeta     models.CanonicalMeta `json:"canonicalMeta"`
	RawOriginRef      string               `json:"rawOriginRef"`
}

type Adapter interface {
	Normalize(ctx context.Context, in Input) (*Output, error)
}

// RawStore persists the original bytes and returns a reference to them.
type RawStore interface {
	StoreRaw(ctx context.Context, src models.SourceRef, content []byte, mimeType string) (string, error)
}

// TwinRawStore writes raw artifacts into the source's twin folder.
type TwinRawStore struct {
	Writer *shadowtwin.Writer
}

func (t TwinRawStore) StoreRaw(ctx context.Context, src models.SourceRef, content []byte, mimeType string) (string, error) {
	res, err := t.Writer.Write(ctx, shadowtwin.WriteRequest{
		Source:   src,
		Key:      models.ArtifactKey{SourceID: src.ItemID, Kind: models.KindRaw},
		Content:  content,
		MimeType: mimeType,
	})
	if err != nil {
		return "", err
	}
	return res.Item.ID, nil
}

var ErrUnsupportedMediaType = errors.New("no adapter for media type")

// Registry picks an adapter by media type.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(raw RawStore, fetcher *Fetcher) *Registry {
	md := &MarkdownAdapter{raw: raw}
	txt := &TextAdapter{raw: raw}
	web := &WebsiteAdapter{raw: raw, fetcher: fetcher}
	return &Registry{adapters: map[string]Adapter{
		"markdown":      md,
		"text/markdown": md,
		"text":          txt,
		"text/plain":    txt,
		"website":       web,
		"url":           web,
		"text/html":     web,
	}}
}

func (r *Registry) For(mediaType string) (Adapter, error) {
	a, ok := r.adapters[strings.ToLower(strings.TrimSpace(mediaType))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMediaType, mediaType)
	}
	return a, nil
}

var headingLine = regexp.MustCompile(`(?m)^#\s+(.+?)\s*#*\s*$`)

// backfill completes meta from the parsed frontmatter and fallbacks.
func backfill(existing map[string]any, fallback models.CanonicalMeta) models.CanonicalMeta {
	meta := fallback
	if v := converters.StringField(existing, "source"); v != "" {
		meta.Source = v
	}
	if v := converters.StringField(existing, "title"); v != "" {
		meta.Title = v
	}
	if v := converters.StringField(existing, "date"); v != "" {
		meta.Date = v
	}
	if v := converters.StringField(existing, "type"); v != "" {
		meta.Type = v
	}
	return meta
}

// render writes canonical frontmatter, keeping any extra fields the input
// already carried. originRef always points at the stored raw artifact.
func render(meta models.CanonicalMeta, extra map[string]any, body string) (string, error) {
	fields := make(map[string]any, len(extra)+5)
	for k, v := range extra {
		fields[k] = v
	}
	fields["source"] = meta.Source
	fields["title"] = meta.Title
	fields["date"] = meta.Date
	fields["type"] = meta.Type
	fields["originRef"] = meta.OriginRef
	return converters.RenderFrontmatter(fields, body)
}

func today() string {
	return time.Now().UTC().Format("2006-01-02")
}

func titleFromName(name string) string {
	base := shadowtwin.BaseName(name)
	return strings.TrimSpace(strings.NewReplacer("_", " ", "-", " ").Replace(base))
}

func requireSource(in Input) error {
	if in.SourceID == "" || in.Name == "" {
		return fmt.Errorf("source id and name are required")
	}
	return nil
}
