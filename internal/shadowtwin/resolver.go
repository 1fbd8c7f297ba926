package shadowtwin

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/feichai0017/shadowtwin/internal/models"
	"github.com/feichai0017/shadowtwin/internal/provider"
	"github.com/feichai0017/shadowtwin/pkg/logger"
)

// Purpose says what an artifact is read for. It decides which kinds may be
// returned and is always required.
type Purpose int

const (
	purposeUnset Purpose = iota
	// PurposeTemplateInput loads the transcript a template transformation
	// starts from. A previous transformation is never returned.
	PurposeTemplateInput
	// PurposeIngestInput loads the transformation, falling back to the
	// transcript.
	PurposeIngestInput
)

func (p Purpose) String() string {
	switch p {
	case PurposeTemplateInput:
		return "template_input"
	case PurposeIngestInput:
		return "ingest_input"
	default:
		return "unset"
	}
}

// Where an artifact was found.
const (
	FoundInState  = "state"
	FoundInIndex  = "index"
	FoundByScan   = "scan"
	FoundAsSource = "source"
)

var ErrArtifactNotFound = errors.New("artifact not found")

type ReadRequest struct {
	Purpose        Purpose
	Source         models.SourceRef
	TargetLanguage string
	// TemplateName narrows PurposeIngestInput to one template. Empty accepts
	// any transformation in the target language.
	TemplateName string
	State        *models.ShadowTwinState
}

type Artifact struct {
	Kind     models.ArtifactKind
	FileID   string
	Name     string
	Content  string
	FoundVia string
}

type Resolver struct {
	provider provider.Provider
	index    Index
	logger   logger.Logger
}

// NewResolver builds a resolver. index may be nil.
func NewResolver(p provider.Provider, index Index, log logger.Logger) *Resolver {
	return &Resolver{provider: p, index: index, logger: log.Named("resolver")}
}

// Resolve loads the artifact for req.Purpose. Lookup order per kind is the
// cached state, then the index, then a scan of the twin folder; markdown
// sources finally stand in for their own transcript.
func (r *Resolver) Resolve(ctx context.Context, req ReadRequest) (*Artifact, error) {
	if req.Source.ItemID == "" || req.Source.Name == "" {
		return nil, fmt.Errorf("source id and name are required")
	}
	if req.TargetLanguage == "" {
		return nil, fmt.Errorf("target language is required")
	}

	switch req.Purpose {
	case PurposeTemplateInput:
		return r.transcript(ctx, req)
	case PurposeIngestInput:
		a, err := r.transformation(ctx, req)
		if err == nil {
			return a, nil
		}
		if !errors.Is(err, ErrArtifactNotFound) {
			return nil, err
		}
		return r.transcript(ctx, req)
	default:
		return nil, fmt.Errorf("read purpose is required")
	}
}

func (r *Resolver) transcript(ctx context.Context, req ReadRequest) (*Artifact, error) {
	key := models.ArtifactKey{SourceID: req.Source.ItemID, Kind: models.KindTranscript, TargetLanguage: req.TargetLanguage}
	name, err := NameForKey(req.Source.Name, key)
	if err != nil {
		return nil, err
	}

	if req.State != nil {
		for _, id := range req.State.TranscriptFiles {
			if a := r.load(ctx, id, name, models.KindTranscript, FoundInState); a != nil {
				return a, nil
			}
		}
	}
	if a := r.fromIndex(ctx, key, name); a != nil {
		return a, nil
	}
	if a := r.scan(ctx, req, func(n string) bool { return n == name }, models.KindTranscript); a != nil {
		return a, nil
	}
	if IsMarkdownSource(req.Source) {
		if a := r.load(ctx, req.Source.ItemID, req.Source.Name, models.KindTranscript, FoundAsSource); a != nil {
			return a, nil
		}
	}
	return nil, fmt.Errorf("%s for %s: %w", name, req.Source.ItemID, ErrArtifactNotFound)
}

func (r *Resolver) transformation(ctx context.Context, req ReadRequest) (*Artifact, error) {
	match := func(n string) bool {
		kind, lang, tmpl, ok := Classify(req.Source.Name, n)
		return ok && kind == models.KindTransformation && lang == segment(req.TargetLanguage) &&
			(req.TemplateName == "" || tmpl == segment(req.TemplateName))
	}

	if req.State != nil && req.State.TransformedFileID != "" {
		if a := r.loadMatching(ctx, req.State.TransformedFileID, match, FoundInState); a != nil {
			return a, nil
		}
	}
	if req.TemplateName != "" {
		key := models.ArtifactKey{
			SourceID:       req.Source.ItemID,
			Kind:           models.KindTransformation,
			TargetLanguage: req.TargetLanguage,
			TemplateName:   req.TemplateName,
		}
		name, err := NameForKey(req.Source.Name, key)
		if err != nil {
			return nil, err
		}
		if a := r.fromIndex(ctx, key, name); a != nil {
			return a, nil
		}
	}
	if a := r.scan(ctx, req, match, models.KindTransformation); a != nil {
		return a, nil
	}
	return nil, fmt.Errorf("transformation for %s: %w", req.Source.ItemID, ErrArtifactNotFound)
}

func (r *Resolver) fromIndex(ctx context.Context, key models.ArtifactKey, name string) *Artifact {
	if r.index == nil {
		return nil
	}
	id, ok, err := r.index.Lookup(ctx, key)
	if err != nil {
		r.logger.Warn("Artifact index lookup failed", logger.String("key", key.String()), logger.Error(err))
		return nil
	}
	if !ok {
		return nil
	}
	item, err := r.provider.GetItem(ctx, id)
	if errors.Is(err, provider.ErrNotFound) || (err == nil && (item.IsFolder() || item.Name != name)) {
		if err := r.index.Forget(ctx, key); err != nil {
			r.logger.Warn("Failed to drop stale index entry", logger.String("key", key.String()), logger.Error(err))
		}
		return nil
	}
	return r.load(ctx, id, name, key.Kind, FoundInIndex)
}

// scan looks in the twin folder, then next to the source.
func (r *Resolver) scan(ctx context.Context, req ReadRequest, match func(string) bool, kind models.ArtifactKind) *Artifact {
	folders := make([]string, 0, 2)
	if req.State != nil && req.State.FolderID != "" {
		folders = append(folders, req.State.FolderID)
	} else if twin, err := provider.FindChild(ctx, r.provider, parentOrRoot(req.Source.ParentID), FolderName(req.Source.Name)); err == nil {
		folders = append(folders, twin.ID)
	}
	folders = append(folders, parentOrRoot(req.Source.ParentID))

	for _, folder := range folders {
		children, err := r.provider.ListChildren(ctx, folder)
		if err != nil {
			continue
		}
		for _, c := range children {
			if c.IsFolder() || !match(c.Name) {
				continue
			}
			if a := r.load(ctx, c.ID, c.Name, kind, FoundByScan); a != nil {
				return a
			}
		}
	}
	return nil
}

func (r *Resolver) loadMatching(ctx context.Context, id string, match func(string) bool, via string) *Artifact {
	item, err := r.provider.GetItem(ctx, id)
	if err != nil || item.IsFolder() || !match(item.Name) {
		return nil
	}
	return r.load(ctx, item.ID, item.Name, models.KindTransformation, via)
}

// load reads id if it still exists under the expected name. Stale pointers
// are skipped, not reported.
func (r *Resolver) load(ctx context.Context, id, wantName string, kind models.ArtifactKind, via string) *Artifact {
	item, err := r.provider.GetItem(ctx, id)
	if err != nil || item.IsFolder() || (wantName != "" && item.Name != wantName) {
		return nil
	}
	data, err := provider.ReadAll(ctx, r.provider, item.ID)
	if err != nil {
		r.logger.Warn("Failed to read artifact", logger.String("id", item.ID), logger.Error(err))
		return nil
	}
	return &Artifact{
		Kind:     kind,
		FileID:   item.ID,
		Name:     item.Name,
		Content:  string(data),
		FoundVia: via,
	}
}

func parentOrRoot(id string) string {
	if strings.TrimSpace(id) == "" {
		return provider.RootID
	}
	return id
}
