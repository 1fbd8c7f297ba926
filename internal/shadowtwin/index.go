package shadowtwin

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/feichai0017/shadowtwin/internal/models"
)

const (
	indexKeyPrefix = "shadowtwin:"
	folderField    = "_folder"
)

// Index maps artifact keys to provider file ids.
type Index interface {
	Lookup(ctx context.Context, key models.ArtifactKey) (string, bool, error)
	Record(ctx context.Context, key models.ArtifactKey, fileID string) error
	Folder(ctx context.Context, sourceID string) (string, bool, error)
	RecordFolder(ctx context.Context, sourceID, folderID string) error
	Forget(ctx context.Context, key models.ArtifactKey) error
}

// RedisIndex keeps one hash per source.
type RedisIndex struct {
	rdb *redis.Client
}

func NewRedisIndex(rdb *redis.Client) *RedisIndex {
	return &RedisIndex{rdb: rdb}
}

func indexKey(sourceID string) string {
	return indexKeyPrefix + sourceID
}

func (r *RedisIndex) Lookup(ctx context.Context, key models.ArtifactKey) (string, bool, error) {
	return r.get(ctx, key.SourceID, key.String())
}

func (r *RedisIndex) Record(ctx context.Context, key models.ArtifactKey, fileID string) error {
	if err := r.rdb.HSet(ctx, indexKey(key.SourceID), key.String(), fileID).Err(); err != nil {
		return fmt.Errorf("failed to record artifact %s: %w", key.String(), err)
	}
	return nil
}

func (r *RedisIndex) Folder(ctx context.Context, sourceID string) (string, bool, error) {
	return r.get(ctx, sourceID, folderField)
}

func (r *RedisIndex) RecordFolder(ctx context.Context, sourceID, folderID string) error {
	if err := r.rdb.HSet(ctx, indexKey(sourceID), folderField, folderID).Err(); err != nil {
		return fmt.Errorf("failed to record twin folder: %w", err)
	}
	return nil
}

// Forget drops a stale entry.
func (r *RedisIndex) Forget(ctx context.Context, key models.ArtifactKey) error {
	if err := r.rdb.HDel(ctx, indexKey(key.SourceID), key.String()).Err(); err != nil {
		return fmt.Errorf("failed to forget artifact %s: %w", key.String(), err)
	}
	return nil
}

func (r *RedisIndex) get(ctx context.Context, sourceID, field string) (string, bool, error) {
	v, err := r.rdb.HGet(ctx, indexKey(sourceID), field).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read artifact index: %w", err)
	}
	return v, true, nil
}
