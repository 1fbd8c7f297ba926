package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	cfg "github.com/feichai0017/shadowtwin/config"
	"github.com/feichai0017/shadowtwin/pkg/logger"
	"github.com/feichai0017/shadowtwin/pkg/storage/memory"
	"github.com/feichai0017/shadowtwin/pkg/storage/minio"
	"github.com/feichai0017/shadowtwin/pkg/storage/object"
	"github.com/feichai0017/shadowtwin/pkg/storage/s3"
)

// StorageType selects a blob backend
type StorageType string

const (
	StorageTypeS3     StorageType = "s3"
	StorageTypeMinio  StorageType = "minio"
	StorageTypeMemory StorageType = "memory"
)

// Object describes a stored blob.
type Object = object.Info

// ErrNotFound is returned by Stat and Get when the key does not exist.
var ErrNotFound = object.ErrNotFound

// Storage is a flat key/value blob store.
type Storage interface {
	// Store writes the reader under key, replacing any existing object.
	Store(ctx context.Context, reader io.Reader, key string, contentType string) (string, error)
	// Get opens the object stored under key.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Stat returns object info or ErrNotFound.
	Stat(ctx context.Context, key string) (*Object, error)
	// List returns objects whose key starts with prefix.
	List(ctx context.Context, prefix string) ([]Object, error)
	// URL returns the public address of key.
	URL(key string) string
}

// NewStorage creates a blob store from configuration.
func NewStorage(c *cfg.Config, log logger.Logger) (Storage, error) {
	switch StorageType(c.Storage.Type) {
	case StorageTypeS3:
		return s3.NewS3Storage(context.Background(), &c.S3, c.Storage.PublicBaseURL, log)
	case StorageTypeMinio:
		return minio.NewMinioStorage(context.Background(), &c.Minio, c.Storage.PublicBaseURL, log)
	case StorageTypeMemory:
		return memory.New(c.Storage.PublicBaseURL), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", c.Storage.Type)
	}
}

// Exists reports whether key is present.
func Exists(ctx context.Context, s Storage, key string) (bool, error) {
	_, err := s.Stat(ctx, key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

// ReadAll fetches the whole object.
func ReadAll(ctx context.Context, s Storage, key string) ([]byte, error) {
	rc, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

