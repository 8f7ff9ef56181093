package domain

import (
	"fmt"
	"time"
)

// JobType identifies one pipeline stage.
// Values include JobTypeScrape, JobTypeProcess, and JobTypeTrain.
type JobType string

const (
	JobTypeScrape  JobType = "scrape"
	JobTypeProcess JobType = "process"
	JobTypeTrain   JobType = "train"
)

// AllJobTypes lists the stages in pipeline order.
var AllJobTypes = []JobType{JobTypeScrape, JobTypeProcess, JobTypeTrain}

// ParseJobType accepts either the stage name ("scrape") or its queue name ("scraping").
func ParseJobType(s string) (JobType, error) {
	for _, t := range AllJobTypes {
		if s == string(t) || s == t.QueueName() {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown job type %q", s)
}

// QueueName returns the job queue the stage is submitted to.
// It doubles as the job_type label on metrics.
func (t JobType) QueueName() string {
	switch t {
	case JobTypeScrape:
		return "scraping"
	case JobTypeProcess:
		return "processing"
	case JobTypeTrain:
		return "training"
	default:
		return string(t)
	}
}

// TaskName returns the type tag workers use to pick the handler for the job.
func (t JobType) TaskName() string {
	switch t {
	case JobTypeScrape:
		return "scraper.scrape_source"
	case JobTypeProcess:
		return "processor.process_source"
	case JobTypeTrain:
		return "trainer.train_model"
	default:
		return string(t)
	}
}

// PerSource reports whether the stage is evaluated per source (train is global).
func (t JobType) PerSource() bool {
	return t != JobTypeTrain
}

// JobStatus represents the lifecycle state of a JobRecord.
// Values include JobStatusStarted, JobStatusTraining, JobStatusCompleted, and JobStatusFailed.
type JobStatus string

const (
	JobStatusStarted   JobStatus = "started"
	JobStatusTraining  JobStatus = "training"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// InFlightStatuses are the statuses of a job that has not yet finished.
var InFlightStatuses = []JobStatus{JobStatusStarted, JobStatusTraining}

// JobRecord is the audit row written when a job is dispatched and updated by
// the worker that executes it.
type JobRecord struct {
	ID           string     `gorm:"type:text;primaryKey" json:"id"`
	JobType      JobType    `gorm:"type:text;not null;index:idx_pipeline_jobs_type_source" json:"job_type"`
	TargetSource *string    `gorm:"type:text;index:idx_pipeline_jobs_type_source" json:"target_source"`
	Status       JobStatus  `gorm:"type:text;not null;default:started" json:"status"`
	QueueName    string     `gorm:"type:text" json:"queue_name"`
	ErrorMessage *string    `gorm:"type:text" json:"error_message"`
	CreatedAt    time.Time  `gorm:"index:idx_pipeline_jobs_created_at" json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	FailedAt     *time.Time `json:"failed_at,omitempty"`
}

// TableName returns the database table name for JobRecord.
func (JobRecord) TableName() string {
	return "pipeline_jobs"
}

// Source returns the target source or "" for global jobs.
func (r *JobRecord) Source() string {
	if r.TargetSource == nil {
		return ""
	}
	return *r.TargetSource
}
