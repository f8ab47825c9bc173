package domain

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound        = errors.New("job not found")
	ErrJobRunning         = errors.New("job is already running")
	ErrJobTerminal        = errors.New("job already finished")
	ErrJobNotRetryable    = errors.New("job is not in a failed state")
	ErrInvalidJob         = errors.New("invalid job")
	ErrInvalidTransition  = errors.New("invalid step transition")
	ErrUnknownField       = errors.New("unknown job field")
	ErrUnsupportedFormat  = errors.New("unsupported document format")
	ErrBlobNotFound       = errors.New("blob not found")
	ErrCollaboratorFailed = errors.New("collaborator unavailable")
)

// ErrorKind classifies a pipeline failure.
type ErrorKind string

const (
	// KindSource is a malformed or missing upload; retrying will not help.
	KindSource ErrorKind = "source"
	// KindCollaborator is a planner/transcoder outage without a fallback.
	KindCollaborator ErrorKind = "collaborator"
	// KindCompilation is a toolchain failure after the repair budget.
	KindCompilation ErrorKind = "compilation"
	// KindValidation is a structurally unsound output binary.
	KindValidation ErrorKind = "validation"
	// KindInfrastructure is storage or database trouble.
	KindInfrastructure ErrorKind = "infrastructure"
)

// PipelineError is a classified error raised by a pipeline step.
type PipelineError struct {
	Kind        ErrorKind
	Step        Step
	Message     string
	Diagnostics []string
	Err         error
}

func (e *PipelineError) Error() string {
	prefix := fmt.Sprintf("[%s]", e.Kind)
	if e.Step != "" {
		prefix = fmt.Sprintf("[%s:%s]", e.Kind, e.Step)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", prefix, e.Message, e.Err)
	}
	return fmt.Sprintf("%s %s", prefix, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// WithStep returns a copy tagged with step, keeping an existing tag.
func (e *PipelineError) WithStep(step Step) *PipelineError {
	c := *e
	if c.Step == "" {
		c.Step = step
	}
	return &c
}

// SourceError reports an unusable upload.
func SourceError(msg string, err error) *PipelineError {
	return &PipelineError{Kind: KindSource, Message: msg, Err: err}
}

// CollaboratorError reports an unusable external service.
func CollaboratorError(msg string, err error) *PipelineError {
	return &PipelineError{Kind: KindCollaborator, Message: msg, Err: err}
}

// CompilationError reports a compile failure with its diagnostic list.
func CompilationError(msg string, diagnostics []string) *PipelineError {
	return &PipelineError{Kind: KindCompilation, Message: msg, Diagnostics: diagnostics}
}

// ValidationError reports an unsound output binary.
func ValidationError(msg string, problems []string) *PipelineError {
	return &PipelineError{Kind: KindValidation, Message: msg, Diagnostics: problems}
}

// InfrastructureError reports storage or database trouble.
func InfrastructureError(msg string, err error) *PipelineError {
	return &PipelineError{Kind: KindInfrastructure, Message: msg, Err: err}
}

// AsPipelineError extracts a PipelineError from the chain.
func AsPipelineError(err error) (*PipelineError, bool) {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// KindOf classifies err. Unclassified errors count as infrastructure.
func KindOf(err error) ErrorKind {
	if pe, ok := AsPipelineError(err); ok {
		return pe.Kind
	}
	return KindInfrastructure
}
