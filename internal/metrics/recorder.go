package metrics

import "time"

// ResultLabel enumerates step result categories for counters.
type ResultLabel string

const (
	ResultSuccess ResultLabel = "success"
	ResultFailed  ResultLabel = "failed"
)

// Recorder defines observability hooks for pipeline and compiler metrics.
// Implementations may forward to Prometheus; NoopRecorder is the default.
type Recorder interface {
	ObserveStepDuration(step string, d time.Duration)
	IncStepResult(step string, result ResultLabel)
	IncJobOutcome(outcome string)
	ObserveJobDuration(d time.Duration)
	ObserveCompileAttempts(n int)
	IncRepair(result string)
	ObserveCompile(mode string, success bool, d time.Duration)
	ObservePass(pass string, d time.Duration)
}

// NoopRecorder is a Recorder that does nothing.
type NoopRecorder struct{}

func (NoopRecorder) ObserveStepDuration(string, time.Duration)  {}
func (NoopRecorder) IncStepResult(string, ResultLabel)          {}
func (NoopRecorder) IncJobOutcome(string)                       {}
func (NoopRecorder) ObserveJobDuration(time.Duration)           {}
func (NoopRecorder) ObserveCompileAttempts(int)                 {}
func (NoopRecorder) IncRepair(string)                           {}
func (NoopRecorder) ObserveCompile(string, bool, time.Duration) {}
func (NoopRecorder) ObservePass(string, time.Duration)          {}
