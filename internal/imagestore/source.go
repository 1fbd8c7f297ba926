package imagestore

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/feichai0017/shadowtwin/internal/provider"
)

// Source loads the bytes behind an image reference.
type Source interface {
	Open(ctx context.Context, ref string) ([]byte, error)
}

// ArchiveSource resolves references against an extracted archive. A
// reference matches an entry by its cleaned path, or by its base name when
// that name is unique in the archive.
type ArchiveSource struct {
	archive *Archive
	byBase  map[string][]string
}

func NewArchiveSource(a *Archive) *ArchiveSource {
	byBase := make(map[string][]string)
	for _, name := range a.Order {
		b := path.Base(name)
		byBase[b] = append(byBase[b], name)
	}
	return &ArchiveSource{archive: a, byBase: byBase}
}

func (s *ArchiveSource) Open(ctx context.Context, ref string) ([]byte, error) {
	name, err := provider.CleanRelative(ref)
	if err != nil {
		return nil, err
	}
	if data, ok := s.archive.Files[name]; ok {
		return data, nil
	}
	if candidates := s.byBase[path.Base(name)]; len(candidates) == 1 {
		return s.archive.Files[candidates[0]], nil
	}
	return nil, fmt.Errorf("%s: %w", ref, ErrImageNotFound)
}

// ProviderSource resolves references relative to a provider folder.
type ProviderSource struct {
	provider provider.Provider
	folderID string
}

func NewProviderSource(p provider.Provider, folderID string) *ProviderSource {
	return &ProviderSource{provider: p, folderID: folderID}
}

func (s *ProviderSource) Open(ctx context.Context, ref string) ([]byte, error) {
	item, err := s.provider.ResolvePath(ctx, s.folderID, ref)
	if err != nil {
		if errors.Is(err, provider.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", ref, ErrImageNotFound)
		}
		return nil, err
	}
	if item.IsFolder() {
		return nil, fmt.Errorf("%s: %w", ref, ErrImageNotFound)
	}
	return provider.ReadAll(ctx, s.provider, item.ID)
}

// ChainSource tries each source in order until one has the image.
type ChainSource []Source

func (c ChainSource) Open(ctx context.Context, ref string) ([]byte, error) {
	var lastErr error = fmt.Errorf("%s: %w", ref, ErrImageNotFound)
	for _, s := range c {
		data, err := s.Open(ctx, ref)
		if err == nil {
			return data, nil
		}
		if errors.Is(err, provider.ErrUnsafePath) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}
