package imagestore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/feichai0017/shadowtwin/internal/models"
	"github.com/feichai0017/shadowtwin/internal/provider"
	"github.com/feichai0017/shadowtwin/pkg/logger"
	"github.com/feichai0017/shadowtwin/pkg/metrics"
)

type BatchRequest struct {
	LibraryID string
	Scope     string
	OwnerID   string
	Refs      []string
	Source    Source
}

type BatchResult struct {
	// URLs maps each successful reference to its blob URL.
	URLs         map[string]string
	Failures     []models.ImageFailure
	Uploaded     int
	Deduplicated int
}

// UploadBatch stores every reference in req. References are split into
// fixed-size batches, a bounded number of batches run at once, and a failing
// image never affects its siblings.
func (s *Store) UploadBatch(ctx context.Context, req BatchRequest) (*BatchResult, error) {
	if req.Scope != ScopeBooks && req.Scope != ScopeSessions {
		return nil, fmt.Errorf("%q: %w", req.Scope, ErrInvalidScope)
	}
	if req.Source == nil {
		return nil, fmt.Errorf("image source is required")
	}

	res := &BatchResult{URLs: make(map[string]string, len(req.Refs))}
	var mu sync.Mutex
	record := func(ref string, put *PutResult, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			res.Failures = append(res.Failures, models.ImageFailure{Path: ref, Error: Describe(err)})
			return
		}
		res.URLs[ref] = put.URL
		if put.Deduplicated {
			res.Deduplicated++
		} else {
			res.Uploaded++
		}
	}

	g := new(errgroup.Group)
	g.SetLimit(s.opts.Parallelism)
	for start := 0; start < len(req.Refs); start += s.opts.BatchSize {
		end := min(start+s.opts.BatchSize, len(req.Refs))
		batch := req.Refs[start:end]
		g.Go(func() error {
			var wg sync.WaitGroup
			for _, ref := range batch {
				wg.Add(1)
				go func() {
					defer wg.Done()
					put, err := s.uploadOne(ctx, req, ref)
					record(ref, put, err)
				}()
			}
			wg.Wait()
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info("Image batch finished",
		logger.String("libraryId", req.LibraryID),
		logger.String("scope", req.Scope),
		logger.String("ownerId", req.OwnerID),
		logger.Int("uploaded", res.Uploaded),
		logger.Int("deduplicated", res.Deduplicated),
		logger.Int("failed", len(res.Failures)),
	)
	return res, nil
}

func (s *Store) uploadOne(ctx context.Context, req BatchRequest, ref string) (*PutResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := provider.CleanRelative(ref); err != nil {
		s.metrics.Image(metrics.ImageFailed)
		return nil, err
	}
	data, err := req.Source.Open(ctx, ref)
	if err != nil {
		s.metrics.Image(metrics.ImageFailed)
		return nil, err
	}
	put, err := s.Put(ctx, PutRequest{
		LibraryID: req.LibraryID,
		Scope:     req.Scope,
		OwnerID:   req.OwnerID,
		Data:      data,
		Ext:       path.Ext(ref),
	})
	if err != nil {
		s.metrics.Image(metrics.ImageFailed)
		return nil, err
	}
	return put, nil
}

// Describe turns an image error into a message fit for job logs.
func Describe(err error) string {
	switch {
	case errors.Is(err, ErrImageNotFound), errors.Is(err, provider.ErrNotFound):
		return "image not found"
	case errors.Is(err, provider.ErrUnsafePath):
		return "unsafe image path rejected"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "image upload timed out"
	default:
		return "image upload failed: " + err.Error()
	}
}
