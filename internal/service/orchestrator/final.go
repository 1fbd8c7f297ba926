package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/feichai0017/shadowtwin/internal/imagestore"
	"github.com/feichai0017/shadowtwin/internal/models"
	"github.com/feichai0017/shadowtwin/internal/provider"
	"github.com/feichai0017/shadowtwin/internal/service/jobs"
	"github.com/feichai0017/shadowtwin/internal/shadowtwin"
	"github.com/feichai0017/shadowtwin/pkg/converters"
	"github.com/feichai0017/shadowtwin/pkg/logger"
)

// extraction carries what the extract phase produced through the later ones.
type extraction struct {
	job        *models.Job
	text       *string
	archiveURL string
	metadata   map[string]any
	archive    *imagestore.Archive
	state      *models.ShadowTwinState
	result     *models.JobResult
	// saved is set once result has been merged into the job record.
	saved bool
}

func (s *Service) final(ctx context.Context, job *models.Job, p *Payload) (*Outcome, error) {
	s.Watchdog.Bump(job.JobID)
	if id := p.ProcessID(); id != "" {
		if _, _, err := s.Jobs.MarkRunning(ctx, job.JobID, id); err != nil {
			return nil, fmt.Errorf("failed to mark job running: %w", err)
		}
	}

	claimed, ok, err := s.Jobs.ClaimStep(ctx, job.JobID, models.StepExtractPDF)
	if err != nil {
		return nil, fmt.Errorf("failed to claim extract step: %w", err)
	}
	if !ok {
		s.Logger.Info("Duplicate final callback ignored", logger.String("jobId", job.JobID))
		return &Outcome{Kind: ResponseNoop, JobID: job.JobID, Status: claimed.Status}, nil
	}

	out, err := s.finish(ctx, claimed, p)
	if err != nil {
		s.release(ctx, job.JobID)
		return nil, err
	}
	return out, nil
}

// release hands the extract step back after a final callback could not be
// recorded, so the worker's retry is processed instead of ignored.
func (s *Service) release(ctx context.Context, jobID string) {
	ctx, cancel := settle(ctx)
	defer cancel()
	_, changed, err := s.Jobs.ReleaseStep(ctx, jobID, models.StepExtractPDF)
	if err != nil {
		s.Logger.Error("Failed to release extract step", logger.String("jobId", jobID), logger.Error(err))
		return
	}
	if changed {
		s.Watchdog.Bump(jobID)
		s.Logger.Warn("Extract step released for retry", logger.String("jobId", jobID))
	}
}

func (s *Service) finish(ctx context.Context, job *models.Job, p *Payload) (*Outcome, error) {
	s.Logs.Append(job.JobID, models.LogEntry{Phase: models.StepExtractPDF, Message: "final callback received"})

	x := &extraction{
		job:        job,
		text:       p.text(),
		archiveURL: p.archiveURL(),
		metadata:   p.metadata(),
		state:      job.ShadowTwinState,
		result:     &models.JobResult{Metadata: p.metadata()},
	}
	if x.state == nil {
		x.state = &models.ShadowTwinState{}
	}
	if x.text != nil {
		x.result.ExtractedText = *x.text
	}
	x.result.ImagesArchiveURL = x.archiveURL

	if perr := s.runPhases(ctx, x); perr != nil {
		return s.pipelineFailure(ctx, x, perr)
	}

	sctx, cancel := settle(ctx)
	defer cancel()
	s.Watchdog.Clear(job.JobID)
	done, changed, err := s.Jobs.Complete(sctx, job.JobID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to complete job: %w", err)
	}
	if !changed {
		if err := s.flush(sctx, job.JobID); err != nil {
			s.Logger.Error("Failed to flush logs", logger.String("jobId", job.JobID), logger.Error(err))
		}
		s.Logger.Info("Job finished before completion was recorded",
			logger.String("jobId", job.JobID),
			logger.String("status", string(done.Status)),
		)
		return &Outcome{Kind: ResponseNoop, JobID: job.JobID, Status: done.Status, Error: done.Error}, nil
	}
	s.Logs.Append(job.JobID, models.LogEntry{Phase: "completed", Message: "job completed"})
	if err := s.flush(sctx, job.JobID); err != nil {
		s.Logger.Error("Failed to flush logs", logger.String("jobId", job.JobID), logger.Error(err))
	}
	s.publish(done, nil, "completed")

	s.Logger.Info("Job completed",
		logger.String("jobId", job.JobID),
		logger.String("sourceId", job.Source.ItemID),
		logger.Int("savedItems", len(x.result.SavedItems)),
	)
	return &Outcome{Kind: ResponseFinal, JobID: job.JobID, Status: done.Status, Progress: &done.Progress}, nil
}

func (s *Service) pipelineFailure(ctx context.Context, x *extraction, perr *PipelineError) (*Outcome, error) {
	ctx, cancel := settle(ctx)
	defer cancel()
	if !x.saved {
		if _, _, err := s.Jobs.SetResult(ctx, x.job.JobID, x.result); err != nil {
			s.Logger.Warn("Failed to save partial result", logger.String("jobId", x.job.JobID), logger.Error(err))
		}
	}
	s.Logs.Append(x.job.JobID, models.LogEntry{Phase: "failed", Message: perr.Error()})
	failed, err := s.fail(ctx, x.job, perr.JobError())
	if err != nil {
		return nil, err
	}

	kind := ResponseFailed
	switch perr.Code {
	case CodeImagesDownloadFailed:
		kind = ResponseFailedImagesDownload
	case CodeImagesExtractFailed:
		kind = ResponseFailedImagesExtract
	}
	return &Outcome{Kind: kind, JobID: x.job.JobID, Status: failed.Status, Error: failed.Error}, nil
}

func (s *Service) runPhases(ctx context.Context, x *extraction) *PipelineError {
	if s.Writer == nil || s.Resolver == nil || s.Provider == nil {
		return pipelineErr(CodeConfigError, "storage provider is not configured", nil)
	}
	if err := s.extract(ctx, x); err != nil {
		return err
	}
	if err := s.template(ctx, x); err != nil {
		return err
	}
	return s.ingest(ctx, x)
}

// extract saves the transcript while the image archive downloads. The two
// do not share cancellation, so a failed download leaves the transcript in
// place.
func (s *Service) extract(ctx context.Context, x *extraction) *PipelineError {
	job := x.job
	var (
		g           errgroup.Group
		archive     []byte
		downloadErr error
		saveErr     error
	)
	if x.archiveURL != "" {
		g.Go(func() error {
			fetchCtx, cancel := context.WithTimeout(ctx, s.config.FetchTimeout)
			defer cancel()
			archive, downloadErr = imagestore.FetchArchive(fetchCtx, s.HTTPClient, x.archiveURL, s.config.MaxArchiveBytes)
			return nil
		})
	}
	if x.text != nil {
		g.Go(func() error {
			saveErr = s.saveTranscript(ctx, x)
			return nil
		})
	}
	_ = g.Wait()

	if saveErr != nil {
		return asPipelineError(saveErr, CodeTranscriptSaveFailed, "failed to save transcript")
	}
	if downloadErr != nil {
		return pipelineErr(CodeImagesDownloadFailed, "failed to download image archive", downloadErr)
	}

	if archive != nil {
		if err := s.saveArchive(ctx, x, archive); err != nil {
			return err
		}
	}

	if err := s.uploadImages(ctx, x); err != nil {
		return err
	}

	if _, _, err := s.Jobs.SetResult(ctx, job.JobID, x.result); err != nil {
		return pipelineErr(CodeTranscriptSaveFailed, "failed to save result", err)
	}
	x.saved = true
	if _, _, err := s.Jobs.UpdateStep(ctx, job.JobID, models.StepExtractPDF, jobs.StepUpdate{
		Status:  models.StepCompleted,
		Details: map[string]any{"savedItemId": x.result.SavedItemID},
	}); err != nil {
		return pipelineErr(CodeTranscriptSaveFailed, "failed to complete extract step", err)
	}
	s.Logs.Append(job.JobID, models.LogEntry{Phase: models.StepExtractPDF, Message: "extraction saved"})
	return nil
}

func (s *Service) saveTranscript(ctx context.Context, x *extraction) error {
	job := x.job
	content := *x.text
	if job.Options.TranscriptFrontmatter {
		var err error
		if content, err = transcriptWithFrontmatter(job, content); err != nil {
			return err
		}
	}
	res, err := s.Writer.Write(ctx, shadowtwin.WriteRequest{
		JobID:  job.JobID,
		Source: job.Source,
		Key: models.ArtifactKey{
			SourceID:       job.Source.ItemID,
			Kind:           models.KindTranscript,
			TargetLanguage: targetLanguage(job),
		},
		Content:  []byte(content),
		MimeType: "text/markdown",
		State:    x.state,
	})
	if err != nil {
		return err
	}
	x.state = res.State
	x.result.SavedItemID = res.Item.ID
	x.result.SavedItems = appendUnique(x.result.SavedItems, res.Item.ID)
	s.Logs.Append(job.JobID, models.LogEntry{
		Phase:   models.StepExtractPDF,
		Message: "transcript saved",
		Details: map[string]any{"fileId": res.Item.ID},
	})
	return nil
}

// transcriptWithFrontmatter adds the minimal frontmatter to text, keeping
// any fields the worker already wrote.
func transcriptWithFrontmatter(job *models.Job, text string) (string, error) {
	existing, body, err := converters.SplitFrontmatter(text)
	if err != nil {
		existing, body = nil, text
	}
	meta := converters.MergeFrontmatter(map[string]any{
		"source":    job.Source.Name,
		"title":     shadowtwin.BaseName(job.Source.Name),
		"date":      time.Now().UTC().Format("2006-01-02"),
		"type":      string(models.KindTranscript),
		"language":  targetLanguage(job),
		"originRef": job.Source.ItemID,
	}, existing)
	return converters.RenderFrontmatter(meta, body)
}

// saveArchive extracts the archive and writes its images into the twin
// folder. Single image write failures are recorded, not fatal.
func (s *Service) saveArchive(ctx context.Context, x *extraction, data []byte) *PipelineError {
	job := x.job
	archive, err := imagestore.ExtractArchive(data, s.config.MaxArchiveBytes)
	if err != nil {
		return pipelineErr(CodeImagesExtractFailed, "failed to extract image archive", err)
	}
	x.result.ImageFailures = append(x.result.ImageFailures, archive.Rejected...)

	folderID, err := s.Writer.EnsureFolder(ctx, job.Source, x.state)
	if err != nil {
		return pipelineErr(CodeImagesExtractFailed, "failed to prepare twin folder", err)
	}
	state := &models.ShadowTwinState{FolderID: folderID}

	images := archive.Images()
	names := mediaNames(images)
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.MediaParallelism)
	for _, name := range images {
		g.Go(func() error {
			item, err := s.Writer.WriteMedia(gctx, job.Source, state, names[name], archive.Files[name], "")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				x.result.ImageFailures = append(x.result.ImageFailures, models.ImageFailure{Path: name, Error: imagestore.Describe(err)})
				return nil
			}
			x.result.SavedItems = appendUnique(x.result.SavedItems, item.ID)
			return nil
		})
	}
	_ = g.Wait()

	if refreshed, err := s.Writer.Refresh(ctx, job.JobID, job.Source, folderID); err == nil {
		x.state = refreshed
	} else {
		s.Logger.Warn("Failed to refresh twin state", logger.String("jobId", job.JobID), logger.Error(err))
	}

	x.archive = archive
	s.Logs.Append(job.JobID, models.LogEntry{
		Phase:   models.StepExtractPDF,
		Message: fmt.Sprintf("saved %d archive images", len(images)),
	})
	return nil
}

// uploadImages pushes referenced images to the image store when the job
// names a library and scope.
func (s *Service) uploadImages(ctx context.Context, x *extraction) *PipelineError {
	job := x.job
	if s.Images == nil || job.Options.LibraryID == "" || job.Options.ImageScope == "" {
		return nil
	}

	var refs []string
	if x.text != nil {
		refs = imagestore.ExtractMarkdownRefs(*x.text)
	}
	seen := make(map[string]bool, len(refs))
	for _, r := range refs {
		seen[r] = true
	}
	for _, r := range imagestore.ExtractSlideRefs(imagestore.SlidesFromMetadata(x.metadata)) {
		if !seen[r] {
			seen[r] = true
			refs = append(refs, r)
		}
	}
	if len(refs) == 0 {
		return nil
	}

	var chain imagestore.ChainSource
	if x.archive != nil {
		chain = append(chain, imagestore.NewArchiveSource(x.archive))
	}
	if x.state != nil && x.state.FolderID != "" {
		chain = append(chain, imagestore.NewProviderSource(s.Provider, x.state.FolderID))
	}
	chain = append(chain, imagestore.NewProviderSource(s.Provider, parentFolder(job.Source)))

	res, err := s.Images.UploadBatch(ctx, imagestore.BatchRequest{
		LibraryID: job.Options.LibraryID,
		Scope:     job.Options.ImageScope,
		OwnerID:   job.Source.ItemID,
		Refs:      refs,
		Source:    chain,
	})
	if err != nil {
		return pipelineErr(CodeConfigError, "invalid image store settings", err)
	}
	x.result.ImageURLs = res.URLs
	x.result.ImageFailures = append(x.result.ImageFailures, res.Failures...)
	for _, f := range res.Failures {
		s.Logs.Append(job.JobID, models.LogEntry{
			Phase:   "images",
			Message: fmt.Sprintf("image %s: %s", f.Path, f.Error),
		})
	}
	s.Logs.Append(job.JobID, models.LogEntry{
		Phase:   "images",
		Message: fmt.Sprintf("stored %d images (%d new, %d deduplicated, %d failed)", len(res.URLs), res.Uploaded, res.Deduplicated, len(res.Failures)),
	})
	return nil
}

// mediaNames flattens archive paths into twin folder file names. Paths that
// flatten to the same name get a short hash of the full path.
func mediaNames(paths []string) map[string]string {
	flat := make(map[string]string, len(paths))
	count := make(map[string]int, len(paths))
	for _, p := range paths {
		n := strings.ReplaceAll(path.Clean(p), "/", "_")
		flat[p] = n
		count[n]++
	}
	for p, n := range flat {
		if count[n] < 2 {
			continue
		}
		sum := sha256.Sum256([]byte(p))
		ext := path.Ext(n)
		flat[p] = strings.TrimSuffix(n, ext) + "-" + hex.EncodeToString(sum[:4]) + ext
	}
	return flat
}

func parentFolder(src models.SourceRef) string {
	if src.ParentID == "" {
		return provider.RootID
	}
	return src.ParentID
}

func targetLanguage(job *models.Job) string {
	if job.Options.TargetLanguage != "" {
		return job.Options.TargetLanguage
	}
	return "en"
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}
