package models

import "time"

const EventTypeJobUpdate = "job_update"

// JobUpdateEvent is pushed to live subscribers of the job owner.
type JobUpdateEvent struct {
	Type      string    `json:"type"`
	JobID     string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	Progress  *float64  `json:"progress,omitempty"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
	JobType   string    `json:"jobType"`
	FileName  string    `json:"fileName,omitempty"`
}
