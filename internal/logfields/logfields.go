package logfields

import "log/slog"

// Canonical log field names shared across packages.
const (
	KeyJobID      = "job_id"
	KeyProject    = "project_id"
	KeyStep       = "step"
	KeyProgress   = "progress"
	KeyAttempt    = "attempt"
	KeyUnit       = "unit"
	KeyRequestID  = "req_id"
	KeyDurationMS = "duration_ms"
	KeyError      = "error"
)

func JobID(id int64) slog.Attr      { return slog.Int64(KeyJobID, id) }
func Project(p string) slog.Attr    { return slog.String(KeyProject, p) }
func Step(s string) slog.Attr       { return slog.String(KeyStep, s) }
func Progress(p int) slog.Attr      { return slog.Int(KeyProgress, p) }
func Attempt(n int) slog.Attr       { return slog.Int(KeyAttempt, n) }
func Unit(i int) slog.Attr          { return slog.Int(KeyUnit, i) }
func RequestID(id string) slog.Attr { return slog.String(KeyRequestID, id) }
func DurationMS(ms int64) slog.Attr { return slog.Int64(KeyDurationMS, ms) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
