package domain

import (
	"context"
	"strings"
	"time"
)

// JobRepository is the driven port for the persistent job record.
type JobRepository interface {
	Create(ctx context.Context, nj NewJob) (*Job, error)
	Get(ctx context.Context, id int64) (*Job, error)
	// Update writes only the non-nil fields of u.
	Update(ctx context.Context, id int64, u JobUpdate) error
	// Begin atomically moves a pending job to running at StepQueued with
	// progress 0. Returns ErrJobRunning or ErrJobTerminal when the job is
	// not pending.
	Begin(ctx context.Context, id int64, at time.Time) error
	// ResetForRetry moves a failed job back to pending, clearing error and
	// output fields. Returns ErrJobNotRetryable otherwise.
	ResetForRetry(ctx context.Context, id int64) error
	FindPending(ctx context.Context, limit int) ([]Job, error)
	// RecoverStale fails jobs left running by a crash, keeping their step.
	RecoverStale(ctx context.Context, message string) (int64, error)
}

// Parser is the Structural Parser.
type Parser interface {
	Parse(ctx context.Context, name string, data []byte) (*ParsedDocument, error)
}

// Planner is the Structure Planner.
type Planner interface {
	Plan(ctx context.Context, units []StructuralUnit, meta DocumentMeta, settings Settings) (BuildPlan, error)
}

// TranscodeRequest is one unit's markup generation input.
type TranscodeRequest struct {
	Unit     StructuralUnit
	Index    int
	Total    int
	Plan     BuildPlan
	Settings Settings
}

// Transcoder is the Content Transcoder.
type Transcoder interface {
	Transcode(ctx context.Context, req TranscodeRequest) (string, error)
	// Repair returns a patched full source, or "" when it cannot repair.
	Repair(ctx context.Context, source string, diagnostic string) (string, error)
}

// Asset is a named binary shipped to the compiler.
type Asset struct {
	Name string `json:"name"`
	Data []byte `json:"data"`
}

// CompileOutcome is the result of one compilation attempt.
type CompileOutcome struct {
	Success   bool
	PDF       []byte
	PageCount int
	Log       string
	Errors    []string
}

// Diagnostic joins the error list for the repair prompt.
func (o CompileOutcome) Diagnostic() string {
	if len(o.Errors) == 0 {
		return o.Log
	}
	return strings.Join(o.Errors, "\n")
}

// Compiler is the Compilation Service as seen by the orchestrator.
type Compiler interface {
	Compile(ctx context.Context, source string, assets []Asset) (CompileOutcome, error)
}

// BlobStore is durable object storage for uploads and artifacts.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

// ProgressEvent is published at step boundaries.
type ProgressEvent struct {
	JobID    int64          `json:"job_id"`
	Step     Step           `json:"step"`
	Progress int            `json:"progress"`
	Message  string         `json:"message,omitempty"`
	Extra    map[string]any `json:"extra,omitempty"`
}

// Publisher is the best-effort progress event emitter.
type Publisher interface {
	Publish(ctx context.Context, ev ProgressEvent) error
}

// Notifier delivers completion notifications.
type Notifier interface {
	NotifyCompleted(ctx context.Context, job *Job) error
}
