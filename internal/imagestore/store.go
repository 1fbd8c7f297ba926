// Package imagestore uploads images to blob storage under a content hash so
// identical bytes are stored once per library and scope.
package imagestore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"

	"github.com/feichai0017/shadowtwin/pkg/logger"
	"github.com/feichai0017/shadowtwin/pkg/metrics"
	"github.com/feichai0017/shadowtwin/pkg/storage"
)

// Scopes partition the blob namespace by the kind of owning document.
const (
	ScopeBooks    = "books"
	ScopeSessions = "sessions"
)

const (
	defaultHashLength  = 32
	defaultBatchSize   = 10
	defaultParallelism = 2
	maxSegmentLength   = 128
)

var (
	ErrImageNotFound = errors.New("image not found")
	ErrInvalidScope  = errors.New("invalid image scope")
)

var knownExtensions = map[string]bool{
	"png": true, "jpg": true, "jpeg": true, "gif": true, "webp": true,
	"svg": true, "bmp": true, "tif": true, "tiff": true, "avif": true,
}

// CacheKey identifies an uploaded image independent of which document
// referenced it.
type CacheKey struct {
	LibraryID string
	Scope     string
	Hash      string
	Ext       string
}

type Options struct {
	HashLength  int
	BatchSize   int
	Parallelism int
}

type Store struct {
	blobs   storage.Storage
	cache   sync.Map // CacheKey -> string
	opts    Options
	metrics *metrics.Metrics
	logger  logger.Logger
}

func New(blobs storage.Storage, opts Options, m *metrics.Metrics, log logger.Logger) *Store {
	if opts.HashLength <= 0 || opts.HashLength > sha256.Size*2 {
		opts.HashLength = defaultHashLength
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = defaultParallelism
	}
	return &Store{
		blobs:   blobs,
		opts:    opts,
		metrics: m,
		logger:  log.Named("imagestore"),
	}
}

type PutRequest struct {
	LibraryID string
	Scope     string
	OwnerID   string
	Data      []byte
	// Ext is taken from the reference; it is detected from the bytes when
	// empty or not an image extension.
	Ext string
}

type PutResult struct {
	URL          string
	Key          string
	Hash         string
	Deduplicated bool
}

// Hash returns the truncated hex SHA-256 of data.
func (s *Store) Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:s.opts.HashLength]
}

// BlobKey is the storage key of an image.
func BlobKey(libraryID, scope, ownerID, hash, ext string) string {
	return path.Join(SafeSegment(libraryID), scope, SafeSegment(ownerID), hash+"."+ext)
}

// Put stores one image unless it is already known. The in-process cache is
// consulted first, then the blob store at the computed key.
func (s *Store) Put(ctx context.Context, req PutRequest) (*PutResult, error) {
	if req.Scope != ScopeBooks && req.Scope != ScopeSessions {
		return nil, fmt.Errorf("%q: %w", req.Scope, ErrInvalidScope)
	}
	if req.LibraryID == "" {
		return nil, fmt.Errorf("library id is required")
	}
	if len(req.Data) == 0 {
		return nil, fmt.Errorf("image is empty")
	}

	hash := s.Hash(req.Data)
	mt := mimetype.Detect(req.Data)
	ext := normalizeExt(req.Ext)
	if !knownExtensions[ext] {
		ext = strings.TrimPrefix(mt.Extension(), ".")
		if ext == "" {
			ext = "bin"
		}
	}

	ck := CacheKey{LibraryID: req.LibraryID, Scope: req.Scope, Hash: hash, Ext: ext}
	key := BlobKey(req.LibraryID, req.Scope, req.OwnerID, hash, ext)
	if url, ok := s.cache.Load(ck); ok {
		s.metrics.Image(metrics.ImageDeduplicated)
		return &PutResult{URL: url.(string), Key: key, Hash: hash, Deduplicated: true}, nil
	}

	exists, err := storage.Exists(ctx, s.blobs, key)
	if err != nil {
		return nil, fmt.Errorf("failed to check image %s: %w", key, err)
	}
	deduplicated := exists
	if !exists {
		if _, err := s.blobs.Store(ctx, bytes.NewReader(req.Data), key, mt.String()); err != nil {
			return nil, fmt.Errorf("failed to upload image: %w", err)
		}
	}

	url, loaded := s.cache.LoadOrStore(ck, s.blobs.URL(key))
	if loaded {
		deduplicated = true
	}
	if deduplicated {
		s.metrics.Image(metrics.ImageDeduplicated)
	} else {
		s.metrics.Image(metrics.ImageUploaded)
	}
	return &PutResult{URL: url.(string), Key: key, Hash: hash, Deduplicated: deduplicated}, nil
}

func normalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
}

// SafeSegment reduces s to a single path segment of letters, digits, dot,
// dash and underscore.
func SafeSegment(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if len(out) > maxSegmentLength {
		out = out[:maxSegmentLength]
	}
	if out == "" {
		return "unknown"
	}
	return out
}
