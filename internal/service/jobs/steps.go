package jobs

import (
	"fmt"
	"time"

	"github.com/feichai0017/shadowtwin/internal/models"
)

func applyStep(job *models.Job, name string, u StepUpdate, now time.Time) error {
	step := job.Step(name)
	if step == nil {
		return fmt.Errorf("unknown step %q", name)
	}
	if step.Status == u.Status && u.Details == nil && u.Error == nil {
		return ErrNoChange
	}
	if step.Status != u.Status && !step.Status.CanTransition(u.Status) {
		return ErrNoChange
	}

	switch u.Status {
	case models.StepRunning:
		if step.StartedAt == nil {
			t := now
			step.StartedAt = &t
		}
	case models.StepCompleted, models.StepFailed, models.StepSkipped:
		if step.StartedAt == nil {
			t := now
			step.StartedAt = &t
		}
		t := now
		step.EndedAt = &t
	}
	step.Status = u.Status
	if u.Error != nil {
		step.Error = u.Error
	}
	if u.Details != nil {
		if step.Details == nil {
			step.Details = make(map[string]any, len(u.Details))
		}
		for k, v := range u.Details {
			step.Details[k] = v
		}
	}
	return nil
}

func mergeResult(dst, src *models.JobResult) *models.JobResult {
	if dst == nil {
		cp := *src
		return &cp
	}
	if src.ExtractedText != "" {
		dst.ExtractedText = src.ExtractedText
	}
	if src.ImagesArchiveURL != "" {
		dst.ImagesArchiveURL = src.ImagesArchiveURL
	}
	if src.Metadata != nil {
		dst.Metadata = src.Metadata
	}
	if src.SavedItemID != "" {
		dst.SavedItemID = src.SavedItemID
	}
	for _, id := range src.SavedItems {
		if !contains(dst.SavedItems, id) {
			dst.SavedItems = append(dst.SavedItems, id)
		}
	}
	if len(src.ImageURLs) > 0 {
		if dst.ImageURLs == nil {
			dst.ImageURLs = make(map[string]string, len(src.ImageURLs))
		}
		for k, v := range src.ImageURLs {
			dst.ImageURLs[k] = v
		}
	}
	if len(src.ImageFailures) > 0 {
		dst.ImageFailures = append(dst.ImageFailures, src.ImageFailures...)
	}
	return dst
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
