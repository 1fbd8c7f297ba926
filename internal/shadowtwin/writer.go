package shadowtwin

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/feichai0017/shadowtwin/internal/models"
	"github.com/feichai0017/shadowtwin/internal/provider"
	"github.com/feichai0017/shadowtwin/pkg/logger"
	"github.com/feichai0017/shadowtwin/pkg/metrics"
)

// StateStore persists the recomputed twin state on the job.
type StateStore interface {
	SetShadowTwinState(ctx context.Context, jobID string, state *models.ShadowTwinState) error
}

type WriteRequest struct {
	// JobID receives the recomputed state. Empty skips persistence.
	JobID    string
	Source   models.SourceRef
	Key      models.ArtifactKey
	Content  []byte
	MimeType string
	State    *models.ShadowTwinState
}

type WriteResult struct {
	Item  *provider.Item
	State *models.ShadowTwinState
}

type Writer struct {
	provider provider.Provider
	index    Index
	states   StateStore
	metrics  *metrics.Metrics
	logger   logger.Logger

	mu      sync.Mutex
	folders map[string]*sync.Mutex
}

// NewWriter builds a writer. index, states and m may be nil.
func NewWriter(p provider.Provider, index Index, states StateStore, m *metrics.Metrics, log logger.Logger) *Writer {
	return &Writer{
		provider: p,
		index:    index,
		states:   states,
		metrics:  m,
		logger:   log.Named("writer"),
		folders:  make(map[string]*sync.Mutex),
	}
}

// Write creates or replaces the artifact for req.Key in the twin folder,
// then refreshes the twin state.
func (w *Writer) Write(ctx context.Context, req WriteRequest) (*WriteResult, error) {
	if req.Key.SourceID == "" {
		req.Key.SourceID = req.Source.ItemID
	}
	if req.Key.SourceID != req.Source.ItemID {
		return nil, fmt.Errorf("artifact key source %q does not match source %q", req.Key.SourceID, req.Source.ItemID)
	}
	name, err := NameForKey(req.Source.Name, req.Key)
	if err != nil {
		return nil, err
	}
	if req.MimeType == "" {
		req.MimeType = "text/markdown"
	}

	folderID, err := w.EnsureFolder(ctx, req.Source, req.State)
	if err != nil {
		return nil, err
	}

	item, err := w.provider.WriteFile(ctx, folderID, name, req.Content, req.MimeType)
	if err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", name, err)
	}
	w.metrics.ArtifactWritten(string(req.Key.Kind))

	if w.index != nil {
		if err := w.index.Record(ctx, req.Key, item.ID); err != nil {
			w.logger.Warn("Failed to index artifact", logger.String("fileId", item.ID), logger.Error(err))
		}
	}

	state, err := w.Refresh(ctx, req.JobID, req.Source, folderID)
	if err != nil {
		return nil, err
	}
	if req.Key.Kind == models.KindTransformation {
		state.TransformedFileID = item.ID
		if err := w.persist(ctx, req.JobID, state); err != nil {
			return nil, err
		}
	}

	w.logger.Info("Wrote artifact",
		logger.String("jobId", req.JobID),
		logger.String("sourceId", req.Source.ItemID),
		logger.String("kind", string(req.Key.Kind)),
		logger.String("fileId", item.ID),
	)
	return &WriteResult{Item: item, State: state}, nil
}

// WriteMedia stores a media file, such as an extracted image, in the twin
// folder under name.
func (w *Writer) WriteMedia(ctx context.Context, src models.SourceRef, state *models.ShadowTwinState, name string, content []byte, mimeType string) (*provider.Item, error) {
	folderID, err := w.EnsureFolder(ctx, src, state)
	if err != nil {
		return nil, err
	}
	item, err := w.provider.WriteFile(ctx, folderID, name, content, mimeType)
	if err != nil {
		return nil, fmt.Errorf("failed to write media %s: %w", name, err)
	}
	return item, nil
}

// EnsureFolder returns the twin folder id, creating the folder only when no
// cached or indexed id is known.
func (w *Writer) EnsureFolder(ctx context.Context, src models.SourceRef, state *models.ShadowTwinState) (string, error) {
	if state != nil && state.FolderID != "" {
		return state.FolderID, nil
	}

	lock := w.folderLock(src.ItemID)
	lock.Lock()
	defer lock.Unlock()

	if w.index != nil {
		if id, ok, err := w.index.Folder(ctx, src.ItemID); err == nil && ok {
			if item, err := w.provider.GetItem(ctx, id); err == nil && item.IsFolder() {
				return id, nil
			}
		}
	}

	folder, err := w.provider.CreateFolder(ctx, parentOrRoot(src.ParentID), FolderName(src.Name))
	if err != nil {
		return "", fmt.Errorf("failed to create twin folder: %w", err)
	}
	if w.index != nil {
		if err := w.index.RecordFolder(ctx, src.ItemID, folder.ID); err != nil {
			w.logger.Warn("Failed to index twin folder", logger.String("folderId", folder.ID), logger.Error(err))
		}
	}
	if state != nil {
		state.FolderID = folder.ID
	}
	return folder.ID, nil
}

func (w *Writer) folderLock(sourceID string) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()
	l, ok := w.folders[sourceID]
	if !ok {
		l = &sync.Mutex{}
		w.folders[sourceID] = l
	}
	return l
}

// Refresh recomputes the twin state from the folder contents and persists it
// on the job.
func (w *Writer) Refresh(ctx context.Context, jobID string, src models.SourceRef, folderID string) (*models.ShadowTwinState, error) {
	children, err := w.provider.ListChildren(ctx, folderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list twin folder: %w", err)
	}

	state := &models.ShadowTwinState{FolderID: folderID, UpdatedAt: time.Now().UTC()}
	var latest time.Time
	for _, c := range children {
		if c.IsFolder() {
			continue
		}
		kind, _, _, ok := Classify(src.Name, c.Name)
		switch {
		case !ok:
			state.MediaFiles = append(state.MediaFiles, c.ID)
		case kind == models.KindRaw:
			state.RawFileID = c.ID
		case kind == models.KindTranscript:
			state.TranscriptFiles = append(state.TranscriptFiles, c.ID)
		case kind == models.KindTransformation:
			if state.TransformedFileID == "" || c.ModifiedAt.After(latest) {
				state.TransformedFileID = c.ID
				latest = c.ModifiedAt
			}
		}
	}
	sort.Strings(state.TranscriptFiles)
	sort.Strings(state.MediaFiles)

	if err := w.persist(ctx, jobID, state); err != nil {
		return nil, err
	}
	return state, nil
}

func (w *Writer) persist(ctx context.Context, jobID string, state *models.ShadowTwinState) error {
	if jobID == "" || w.states == nil {
		return nil
	}
	if err := w.states.SetShadowTwinState(ctx, jobID, state); err != nil {
		return fmt.Errorf("failed to persist twin state: %w", err)
	}
	return nil
}
