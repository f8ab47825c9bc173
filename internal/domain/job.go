package domain

import "time"

// JobStatus represents the terminal-or-not state of a job.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// Quality is the validator's classification of a produced PDF.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityPoor      Quality = "poor"
)

// Job represents one typesetting pipeline execution for one document.
type Job struct {
	ID         int64
	ProjectID  string
	SourceKey  string
	SourceName string
	Settings   Settings
	Cover      CoverInfo

	Status   JobStatus
	Step     Step
	Progress int
	Runs     int

	ErrorKind    ErrorKind
	ErrorStep    Step
	ErrorMessage string

	OutputKey  string
	ArchiveKey string
	PageCount  int
	Quality    Quality
	Warnings   []string
	CompileLog string

	StartedAt  *time.Time
	DurationMS int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// IsTerminal reports whether the job reached completed or failed.
func (j *Job) IsTerminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// CanRetry returns true if the explicit retry entry point may be used.
func (j *Job) CanRetry() bool {
	return j.Status == StatusFailed
}

// NewJob carries the fields accepted when a typeset request is submitted.
type NewJob struct {
	ProjectID  string
	SourceKey  string
	SourceName string
	Settings   Settings
	Cover      CoverInfo
}

// JobUpdate is a partial update of a job record. Only the fields declared
// here can ever be written; nil pointers are left untouched.
type JobUpdate struct {
	Step         *Step
	Progress     *int
	Status       *JobStatus
	ErrorKind    *ErrorKind
	ErrorStep    *Step
	ErrorMessage *string
	OutputKey    *string
	ArchiveKey   *string
	PageCount    *int
	Quality      *Quality
	Warnings     *[]string
	CompileLog   *string
	StartedAt    *time.Time
	DurationMS   *int64
}

// IsEmpty reports whether the update touches no field.
func (u JobUpdate) IsEmpty() bool {
	return u == (JobUpdate{})
}

// Ptr returns a pointer to v. Handy when building JobUpdate literals.
func Ptr[T any](v T) *T {
	return &v
}
