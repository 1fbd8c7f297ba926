package orchestrator

import (
	"context"

	"github.com/feichai0017/shadowtwin/internal/models"
	"github.com/feichai0017/shadowtwin/internal/phases"
	"github.com/feichai0017/shadowtwin/internal/service/jobs"
	"github.com/feichai0017/shadowtwin/internal/shadowtwin"
	"github.com/feichai0017/shadowtwin/pkg/logger"
)

const skipReasonDisabled = "phase_disabled"

func (s *Service) templateEnabled(job *models.Job) bool {
	if job.Options.TemplateEnabled != nil {
		return *job.Options.TemplateEnabled
	}
	return s.config.TemplateEnabled
}

func (s *Service) ingestEnabled(job *models.Job) bool {
	if job.Options.IngestEnabled != nil {
		return *job.Options.IngestEnabled
	}
	return s.config.IngestEnabled
}

// skip marks a disabled phase completed with the skip reason in its details.
func (s *Service) skip(ctx context.Context, jobID, step string) *PipelineError {
	_, _, err := s.Jobs.UpdateStep(ctx, jobID, step, jobs.StepUpdate{
		Status:  models.StepCompleted,
		Details: map[string]any{"skipped": true, "reason": skipReasonDisabled},
	})
	if err != nil {
		s.Logger.Warn("Failed to mark step skipped", logger.String("jobId", jobID), logger.String("step", step), logger.Error(err))
	}
	s.Logs.Append(jobID, models.LogEntry{Phase: step, Message: "skipped: " + skipReasonDisabled})
	return nil
}

func (s *Service) template(ctx context.Context, x *extraction) *PipelineError {
	job := x.job
	if !s.templateEnabled(job) {
		return s.skip(ctx, job.JobID, models.StepTransformTemplate)
	}
	if s.Transformer == nil || job.Options.TemplateName == "" {
		return pipelineErr(CodeConfigError, "template phase enabled without transformer or template name", nil)
	}
	if _, _, err := s.Jobs.ClaimStep(ctx, job.JobID, models.StepTransformTemplate); err != nil {
		return pipelineErr(CodeTemplateFailed, "failed to start template step", err)
	}
	s.Watchdog.Bump(job.JobID)

	lang := targetLanguage(job)
	input, err := s.Resolver.Resolve(ctx, shadowtwin.ReadRequest{
		Purpose:        shadowtwin.PurposeTemplateInput,
		Source:         job.Source,
		TargetLanguage: lang,
		State:          x.state,
	})
	if err != nil {
		return pipelineErr(CodeTemplateFailed, "failed to load transcript", err)
	}

	out, err := s.Transformer.Transform(ctx, phases.TemplateInput{
		JobID:          job.JobID,
		Source:         job.Source,
		TemplateName:   job.Options.TemplateName,
		TargetLanguage: lang,
		Transcript:     input.Content,
		Metadata:       x.metadata,
	})
	if err != nil {
		return pipelineErr(CodeTemplateFailed, "template transformation failed", err)
	}

	res, err := s.Writer.Write(ctx, shadowtwin.WriteRequest{
		JobID:  job.JobID,
		Source: job.Source,
		Key: models.ArtifactKey{
			SourceID:       job.Source.ItemID,
			Kind:           models.KindTransformation,
			TargetLanguage: lang,
			TemplateName:   job.Options.TemplateName,
		},
		Content:  []byte(out),
		MimeType: "text/markdown",
		State:    x.state,
	})
	if err != nil {
		return pipelineErr(CodeTemplateFailed, "failed to save transformation", err)
	}
	x.state = res.State

	if _, _, err := s.Jobs.SetResult(ctx, job.JobID, &models.JobResult{SavedItems: []string{res.Item.ID}}); err != nil {
		return pipelineErr(CodeTemplateFailed, "failed to save result", err)
	}
	if _, _, err := s.Jobs.UpdateStep(ctx, job.JobID, models.StepTransformTemplate, jobs.StepUpdate{
		Status:  models.StepCompleted,
		Details: map[string]any{"fileId": res.Item.ID, "input": input.FoundVia},
	}); err != nil {
		return pipelineErr(CodeTemplateFailed, "failed to complete template step", err)
	}
	s.Logs.Append(job.JobID, models.LogEntry{
		Phase:   models.StepTransformTemplate,
		Message: "transformation saved",
		Details: map[string]any{"fileId": res.Item.ID, "template": job.Options.TemplateName},
	})
	return nil
}

func (s *Service) ingest(ctx context.Context, x *extraction) *PipelineError {
	job := x.job
	if !s.ingestEnabled(job) {
		return s.skip(ctx, job.JobID, models.StepIngestRAG)
	}
	if s.Ingestor == nil {
		return pipelineErr(CodeConfigError, "ingest phase enabled without ingestor", nil)
	}
	if _, _, err := s.Jobs.ClaimStep(ctx, job.JobID, models.StepIngestRAG); err != nil {
		return pipelineErr(CodeIngestFailed, "failed to start ingest step", err)
	}
	s.Watchdog.Bump(job.JobID)

	lang := targetLanguage(job)
	artifact, err := s.Resolver.Resolve(ctx, shadowtwin.ReadRequest{
		Purpose:        shadowtwin.PurposeIngestInput,
		Source:         job.Source,
		TargetLanguage: lang,
		TemplateName:   job.Options.TemplateName,
		State:          x.state,
	})
	if err != nil {
		return pipelineErr(CodeIngestFailed, "failed to load ingest input", err)
	}

	template := ""
	if artifact.Kind == models.KindTransformation {
		template = job.Options.TemplateName
	}
	doc, err := phases.NewDocument(job.JobID, job.Source, artifact.Kind, lang, template, artifact.Content)
	if err != nil {
		return pipelineErr(CodeIngestFailed, "failed to prepare document", err)
	}
	doc.ImageURLs = x.result.ImageURLs
	if err := s.Ingestor.Ingest(ctx, doc); err != nil {
		return pipelineErr(CodeIngestFailed, "failed to ingest document", err)
	}

	if _, _, err := s.Jobs.UpdateStep(ctx, job.JobID, models.StepIngestRAG, jobs.StepUpdate{
		Status:  models.StepCompleted,
		Details: map[string]any{"documentId": doc.DocumentID(), "kind": string(artifact.Kind)},
	}); err != nil {
		return pipelineErr(CodeIngestFailed, "failed to complete ingest step", err)
	}
	s.Logs.Append(job.JobID, models.LogEntry{
		Phase:   models.StepIngestRAG,
		Message: "document ingested",
		Details: map[string]any{"documentId": doc.DocumentID()},
	})
	return nil
}
