// Package localfs serves a directory tree as a provider. Item ids are slash
// separated paths relative to the root.
package localfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/gabriel-vasile/mimetype"

	"github.com/feichai0017/shadowtwin/internal/provider"
)

type FS struct {
	root string
}

// New serves root, creating it if needed.
func New(root string) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve provider root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create provider root: %w", err)
	}
	return &FS{root: abs}, nil
}

func (f *FS) Root() string { return f.root }

// abs maps an id to a filesystem path that is guaranteed to stay below root.
func (f *FS) abs(id string) (string, string, error) {
	rel, err := provider.NormalizeID(id)
	if err != nil {
		return "", "", err
	}
	full := filepath.Join(f.root, filepath.FromSlash(rel))
	if full != f.root && !strings.HasPrefix(full, f.root+string(filepath.Separator)) {
		return "", "", fmt.Errorf("%q: %w", id, provider.ErrUnsafePath)
	}
	return full, rel, nil
}

func (f *FS) item(rel string, info fs.FileInfo) provider.Item {
	it := provider.Item{
		ID:         rel,
		Name:       info.Name(),
		Type:       provider.ItemFile,
		Size:       info.Size(),
		ModifiedAt: info.ModTime().UTC(),
	}
	if rel == "" {
		it.ID = provider.RootID
		it.Name = ""
		it.ParentID = ""
	} else {
		it.ParentID, _ = provider.SplitID(rel)
	}
	if info.IsDir() {
		it.Type = provider.ItemFolder
		it.Size = 0
	}
	return it
}

func (f *FS) ListChildren(ctx context.Context, folderID string) ([]provider.Item, error) {
	full, rel, err := f.abs(folderID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", folderID, provider.ErrNotFound)
		}
		if errors.Is(err, syscall.ENOTDIR) {
			return nil, fmt.Errorf("%s: %w", folderID, provider.ErrNotFolder)
		}
		return nil, fmt.Errorf("failed to list %s: %w", folderID, err)
	}

	out := make([]provider.Item, 0, len(entries))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, f.item(provider.JoinID(rel, e.Name()), info))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *FS) GetItem(ctx context.Context, id string) (*provider.Item, error) {
	full, rel, err := f.abs(id)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", id, provider.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", id, err)
	}
	it := f.item(rel, info)
	if !info.IsDir() {
		if mt, err := mimetype.DetectFile(full); err == nil {
			it.MimeType = mt.String()
		}
	}
	return &it, nil
}

func (f *FS) ReadBinary(ctx context.Context, id string) (io.ReadCloser, error) {
	full, _, err := f.abs(id)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", id, provider.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to open %s: %w", id, err)
	}
	if info, err := file.Stat(); err == nil && info.IsDir() {
		file.Close()
		return nil, fmt.Errorf("%s: is a folder", id)
	}
	return file, nil
}

// WriteFile writes through a temp file and rename so readers never observe a
// partial file and a second write replaces the first.
func (f *FS) WriteFile(ctx context.Context, parentID, name string, content []byte, mimeType string) (*provider.Item, error) {
	if err := provider.ValidName(name); err != nil {
		return nil, err
	}
	dir, rel, err := f.abs(parentID)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%s: %w", parentID, provider.ErrNotFound)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-"+name+"-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return nil, fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return nil, fmt.Errorf("failed to write %s: %w", name, err)
	}
	target := filepath.Join(dir, name)
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return nil, fmt.Errorf("failed to replace %s: %w", name, err)
	}

	info, err := os.Stat(target)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", name, err)
	}
	it := f.item(provider.JoinID(rel, name), info)
	it.MimeType = mimeType
	return &it, nil
}

func (f *FS) CreateFolder(ctx context.Context, parentID, name string) (*provider.Item, error) {
	if err := provider.ValidName(name); err != nil {
		return nil, err
	}
	dir, rel, err := f.abs(parentID)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%s: %w", parentID, provider.ErrNotFound)
	}
	target := filepath.Join(dir, name)
	if err := os.Mkdir(target, 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
		return nil, fmt.Errorf("failed to create folder %s: %w", name, err)
	}
	info, err := os.Stat(target)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", name, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s: %w", name, provider.ErrNotFolder)
	}
	it := f.item(provider.JoinID(rel, name), info)
	return &it, nil
}

func (f *FS) ResolvePath(ctx context.Context, folderID, relPath string) (*provider.Item, error) {
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
	return f.GetItem(ctx, id)
}
