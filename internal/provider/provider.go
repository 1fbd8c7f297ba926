// Package provider is the narrow file interface the pipeline writes through.
// Backends live in subpackages; callers depend only on Provider.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/feichai0017/shadowtwin/pkg/logger"
)

// RootID addresses the top-level folder of every backend.
const RootID = "root"

var (
	ErrNotFound   = errors.New("item not found")
	ErrUnsafePath = errors.New("unsafe path")
	ErrNotFolder  = errors.New("item is not a folder")
)

type ItemType string

const (
	ItemFile   ItemType = "file"
	ItemFolder ItemType = "folder"
)

type Item struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	ParentID   string    `json:"parentId"`
	Type       ItemType  `json:"type"`
	Size       int64     `json:"size"`
	MimeType   string    `json:"mimeType,omitempty"`
	ModifiedAt time.Time `json:"modifiedAt"`
}

func (i *Item) IsFolder() bool { return i.Type == ItemFolder }

type Provider interface {
	// ListChildren returns the direct children of a folder.
	ListChildren(ctx context.Context, folderID string) ([]Item, error)
	GetItem(ctx context.Context, id string) (*Item, error)
	ReadBinary(ctx context.Context, id string) (io.ReadCloser, error)
	// WriteFile creates name under parentID or replaces the file already there.
	WriteFile(ctx context.Context, parentID, name string, content []byte, mimeType string) (*Item, error)
	// CreateFolder creates name under parentID, returning the existing folder
	// if one is already there.
	CreateFolder(ctx context.Context, parentID, name string) (*Item, error)
	// ResolvePath resolves a relative path below folderID.
	ResolvePath(ctx context.Context, folderID, relPath string) (*Item, error)
}

// ReadAll reads a whole file through p.
func ReadAll(ctx context.Context, p Provider, id string) ([]byte, error) {
	rc, err := p.ReadBinary(ctx, id)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// FindChild looks up a direct child by exact name.
func FindChild(ctx context.Context, p Provider, folderID, name string) (*Item, error) {
	children, err := p.ListChildren(ctx, folderID)
	if err != nil {
		return nil, err
	}
	for i := range children {
		if children[i].Name == name {
			return &children[i], nil
		}
	}
	return nil, fmt.Errorf("%s in %s: %w", name, folderID, ErrNotFound)
}

// CleanRelative normalizes a slash separated relative path and rejects
// anything that could escape its base: absolute paths, parent segments and
// NUL bytes. The empty path and "." clean to "".
func CleanRelative(p string) (string, error) {
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("%q: %w", p, ErrUnsafePath)
	}
	p = strings.ReplaceAll(p, "\\", "/")
	if strings.HasPrefix(p, "/") || hasDrive(p) {
		return "", fmt.Errorf("%q: %w", p, ErrUnsafePath)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%q: %w", p, ErrUnsafePath)
		}
	}
	cleaned := path.Clean(p)
	if cleaned == "." {
		return "", nil
	}
	return cleaned, nil
}

// ValidName rejects names that are not a single path segment.
func ValidName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\\x00") {
		return fmt.Errorf("invalid name %q: %w", name, ErrUnsafePath)
	}
	return nil
}

func hasDrive(p string) bool {
	return len(p) >= 2 && p[1] == ':' && ((p[0] >= 'a' && p[0] <= 'z') || (p[0] >= 'A' && p[0] <= 'Z'))
}

// JoinID builds the id of a child from its parent id.
func JoinID(parentID, name string) string {
	if parentID == "" || parentID == RootID {
		return name
	}
	return parentID + "/" + name
}

// SplitID returns the parent id and name of id.
func SplitID(id string) (string, string) {
	i := strings.LastIndex(id, "/")
	if i < 0 {
		return RootID, id
	}
	return id[:i], id[i+1:]
}

// NormalizeID maps RootID and the empty id to "" and cleans the rest.
func NormalizeID(id string) (string, error) {
	if id == "" || id == RootID {
		return "", nil
	}
	return CleanRelative(id)
}

// Logged wraps p so every write is logged.
func Logged(p Provider, log logger.Logger) Provider {
	return &loggedProvider{Provider: p, logger: log.Named("provider")}
}

type loggedProvider struct {
	Provider
	logger logger.Logger
}

func (l *loggedProvider) WriteFile(ctx context.Context, parentID, name string, content []byte, mimeType string) (*Item, error) {
	item, err := l.Provider.WriteFile(ctx, parentID, name, content, mimeType)
	if err != nil {
		l.logger.Error("Failed to write file",
			logger.String("parentId", parentID),
			logger.String("name", name),
			logger.Error(err),
		)
		return nil, err
	}
	l.logger.Debug("Wrote file",
		logger.String("id", item.ID),
		logger.Int("bytes", len(content)),
	)
	return item, nil
}

func (l *loggedProvider) CreateFolder(ctx context.Context, parentID, name string) (*Item, error) {
	item, err := l.Provider.CreateFolder(ctx, parentID, name)
	if err != nil {
		l.logger.Error("Failed to create folder",
			logger.String("parentId", parentID),
			logger.String("name", name),
			logger.Error(err),
		)
		return nil, err
	}
	return item, nil
}
