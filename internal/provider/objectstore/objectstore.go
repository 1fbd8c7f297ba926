// Package objectstore exposes a blob bucket as virtual folders. Folders exist
// implicitly through their children or explicitly through a marker object.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/feichai0017/shadowtwin/internal/provider"
	"github.com/feichai0017/shadowtwin/pkg/storage"
)

const folderMarker = ".folder"

type Store struct {
	blobs  storage.Storage
	prefix string
}

// New serves the keys of blobs below prefix.
func New(blobs storage.Storage, prefix string) *Store {
	return &Store{blobs: blobs, prefix: strings.Trim(prefix, "/")}
}

func (s *Store) key(rel string) string {
	switch {
	case s.prefix == "":
		return rel
	case rel == "":
		return s.prefix
	default:
		return s.prefix + "/" + rel
	}
}

func (s *Store) childPrefix(rel string) string {
	k := s.key(rel)
	if k == "" {
		return ""
	}
	return k + "/"
}

func (s *Store) ListChildren(ctx context.Context, folderID string) ([]provider.Item, error) {
	rel, err := provider.NormalizeID(folderID)
	if err != nil {
		return nil, err
	}
	prefix := s.childPrefix(rel)
	objects, err := s.blobs.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", folderID, err)
	}

	folders := make(map[string]time.Time)
	out := make([]provider.Item, 0)
	marked := false
	for _, o := range objects {
		rest := strings.TrimPrefix(o.Key, prefix)
		if rest == "" {
			continue
		}
		if rest == folderMarker {
			marked = true
			continue
		}
		if i := strings.Index(rest, "/"); i >= 0 {
			name := rest[:i]
			if o.LastModified.After(folders[name]) {
				folders[name] = o.LastModified
			}
			continue
		}
		out = append(out, provider.Item{
			ID:         provider.JoinID(rel, rest),
			Name:       rest,
			ParentID:   parentOf(rel),
			Type:       provider.ItemFile,
			Size:       o.Size,
			MimeType:   o.ContentType,
			ModifiedAt: o.LastModified,
		})
	}
	for name, mod := range folders {
		out = append(out, provider.Item{
			ID:         provider.JoinID(rel, name),
			Name:       name,
			ParentID:   parentOf(rel),
			Type:       provider.ItemFolder,
			ModifiedAt: mod,
		})
	}
	if rel != "" && len(out) == 0 && !marked {
		return nil, fmt.Errorf("%s: %w", folderID, provider.ErrNotFound)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// parentOf returns the id children of rel report as their parent.
func parentOf(rel string) string {
	if rel == "" {
		return provider.RootID
	}
	return rel
}

func (s *Store) GetItem(ctx context.Context, id string) (*provider.Item, error) {
	rel, err := provider.NormalizeID(id)
	if err != nil {
		return nil, err
	}
	if rel == "" {
		return &provider.Item{ID: provider.RootID, Type: provider.ItemFolder}, nil
	}
	parent, name := provider.SplitID(rel)

	info, err := s.blobs.Stat(ctx, s.key(rel))
	if err == nil {
		return &provider.Item{
			ID:         rel,
			Name:       name,
			ParentID:   parent,
			Type:       provider.ItemFile,
			Size:       info.Size,
			MimeType:   info.ContentType,
			ModifiedAt: info.LastModified,
		}, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to stat %s: %w", id, err)
	}

	children, err := s.blobs.List(ctx, s.childPrefix(rel))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", id, err)
	}
	if len(children) == 0 {
		return nil, fmt.Errorf("%s: %w", id, provider.ErrNotFound)
	}
	return &provider.Item{ID: rel, Name: name, ParentID: parent, Type: provider.ItemFolder}, nil
}

func (s *Store) ReadBinary(ctx context.Context, id string) (io.ReadCloser, error) {
	rel, err := provider.NormalizeID(id)
	if err != nil {
		return nil, err
	}
	if rel == "" {
		return nil, fmt.Errorf("%s: is a folder", id)
	}
	rc, err := s.blobs.Get(ctx, s.key(rel))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", id, provider.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read %s: %w", id, err)
	}
	return rc, nil
}

func (s *Store) requireFolder(ctx context.Context, id string) (string, error) {
	rel, err := provider.NormalizeID(id)
	if err != nil {
		return "", err
	}
	if rel == "" {
		return "", nil
	}
	item, err := s.GetItem(ctx, rel)
	if err != nil {
		return "", err
	}
	if !item.IsFolder() {
		return "", fmt.Errorf("%s: %w", id, provider.ErrNotFolder)
	}
	return rel, nil
}

// WriteFile stores the object under the parent's key. Object stores replace
// on put, so rewriting a name never creates a second object.
func (s *Store) WriteFile(ctx context.Context, parentID, name string, content []byte, mimeType string) (*provider.Item, error) {
	if err := provider.ValidName(name); err != nil {
		return nil, err
	}
	parent, err := s.requireFolder(ctx, parentID)
	if err != nil {
		return nil, err
	}
	rel := provider.JoinID(parent, name)
	if _, err := s.blobs.Store(ctx, bytes.NewReader(content), s.key(rel), mimeType); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", rel, err)
	}
	return &provider.Item{
		ID:         rel,
		Name:       name,
		ParentID:   parentOf(parent),
		Type:       provider.ItemFile,
		Size:       int64(len(content)),
		MimeType:   mimeType,
		ModifiedAt: time.Now().UTC(),
	}, nil
}

func (s *Store) CreateFolder(ctx context.Context, parentID, name string) (*provider.Item, error) {
	if err := provider.ValidName(name); err != nil {
		return nil, err
	}
	parent, err := s.requireFolder(ctx, parentID)
	if err != nil {
		return nil, err
	}
	rel := provider.JoinID(parent, name)
	existing, err := s.GetItem(ctx, rel)
	switch {
	case err == nil && existing.IsFolder():
		return existing, nil
	case err == nil:
		return nil, fmt.Errorf("%s: %w", rel, provider.ErrNotFolder)
	case !errors.Is(err, provider.ErrNotFound):
		return nil, err
	}

	marker := s.key(provider.JoinID(rel, folderMarker))
	if _, err := s.blobs.Store(ctx, bytes.NewReader(nil), marker, "application/x-directory"); err != nil {
		return nil, fmt.Errorf("failed to create folder %s: %w", rel, err)
	}
	return &provider.Item{
		ID:         rel,
		Name:       name,
		ParentID:   parentOf(parent),
		Type:       provider.ItemFolder,
		ModifiedAt: time.Now().UTC(),
	}, nil
}

func (s *Store) ResolvePath(ctx context.Context, folderID, relPath string) (*provider.Item, error) {
	base, err := provider.NormalizeID(folderID)
	if err != nil {
		return nil, err
	}
	rel, err := provider.CleanRelative(relPath)
	if err != nil {
		return nil, err
	}
	id := base
	if rel != "" {
		id = provider.JoinID(base, rel)
	}
	return s.GetItem(ctx, id)
}
