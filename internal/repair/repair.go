// Package repair wraps compilation in a bounded compile/repair loop.
//
// The policy is a pure state machine (State, AfterCompile, AfterRepair);
// CompileWithRetry drives it against a Compiler and a RepairFunc.
package repair

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/cwygoda/typesetter/internal/domain"
	"github.com/cwygoda/typesetter/internal/logfields"
	"github.com/cwygoda/typesetter/internal/metrics"
)

// Phase is what the loop does next.
type Phase int

const (
	PhaseCompile Phase = iota
	PhaseRepair
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseCompile:
		return "compile"
	case PhaseRepair:
		return "repair"
	case PhaseDone:
		return "done"
	}
	return "unknown"
}

// State is the loop state between steps.
type State struct {
	Phase    Phase
	Attempt  int
	Max      int
	Source   string
	Outcome  domain.CompileOutcome
	Repaired int
}

// Start returns the initial state. maxAttempts is raised to at least 1.
func Start(source string, maxAttempts int) State {
	return State{Phase: PhaseCompile, Max: max(1, maxAttempts), Source: source}
}

// AfterCompile records a compile outcome. Success or an exhausted budget
// ends the loop; otherwise a repair is requested.
func (s State) AfterCompile(o domain.CompileOutcome) State {
	s.Attempt++
	s.Outcome = o
	switch {
	case o.Success, s.Attempt >= s.Max:
		s.Phase = PhaseDone
	default:
		s.Phase = PhaseRepair
	}
	return s
}

// AfterRepair substitutes a usable revised source. A failed or unusable
// repair keeps the current source for the next attempt.
func (s State) AfterRepair(revised string, err error) State {
	s.Phase = PhaseCompile
	if err == nil && Usable(revised) {
		s.Source = revised
		s.Repaired++
	}
	return s
}

// Usable rejects revised sources that cannot be a complete document.
func Usable(src string) bool {
	s := strings.TrimSpace(src)
	if s == "" {
		return false
	}
	begin := strings.Index(s, `\begin{document}`)
	end := strings.LastIndex(s, `\end{document}`)
	return begin >= 0 && end > begin
}

// RepairFunc patches a full source given a diagnostic. An empty result means
// no repair was possible.
type RepairFunc func(ctx context.Context, source, diagnostic string) (string, error)

// Options tune the driver.
type Options struct {
	MaxAttempts   int
	RepairTimeout time.Duration
	Recorder      metrics.Recorder
	Logger        *slog.Logger
}

// Result is the final state of a loop run.
type Result struct {
	Outcome  domain.CompileOutcome
	Source   string
	Attempts int
	Repaired int
}

// CompileWithRetry compiles source, repairing and recompiling on failure
// until success or MaxAttempts compiles. The last failed outcome is
// returned verbatim. Compiler transport errors count as failed attempts.
func CompileWithRetry(ctx context.Context, c domain.Compiler, source string, assets []domain.Asset, repairFn RepairFunc, opts Options) Result {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rec := opts.Recorder
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}

	st := Start(source, opts.MaxAttempts)
	for st.Phase != PhaseDone {
		switch st.Phase {
		case PhaseCompile:
			o, err := c.Compile(ctx, st.Source, assets)
			if err != nil {
				logger.Warn("compile attempt errored",
					logfields.Attempt(st.Attempt+1),
					logfields.Error(err),
				)
				o = domain.CompileOutcome{Errors: []string{"compilation service: " + err.Error()}}
			}
			st = st.AfterCompile(o)
			if !o.Success {
				logger.Info("compile attempt failed",
					logfields.Attempt(st.Attempt),
					slog.Int("errors", len(o.Errors)),
				)
			}
			if ctx.Err() != nil && st.Phase != PhaseDone {
				st.Phase = PhaseDone
			}

		case PhaseRepair:
			revised, err := runRepair(ctx, repairFn, st.Source, st.Outcome.Diagnostic(), opts.RepairTimeout)
			next := st.AfterRepair(revised, err)
			switch {
			case err != nil:
				rec.IncRepair("error")
				logger.Warn("repair failed, retrying unchanged source", logfields.Attempt(st.Attempt), logfields.Error(err))
			case next.Repaired == st.Repaired:
				rec.IncRepair("unusable")
				logger.Info("repair produced nothing usable, retrying unchanged source", logfields.Attempt(st.Attempt))
			default:
				rec.IncRepair("applied")
			}
			st = next
		}
	}

	rec.ObserveCompileAttempts(st.Attempt)
	return Result{Outcome: st.Outcome, Source: st.Source, Attempts: st.Attempt, Repaired: st.Repaired}
}

func runRepair(ctx context.Context, fn RepairFunc, source, diagnostic string, timeout time.Duration) (string, error) {
	if fn == nil {
		return "", nil
	}
	rctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return fn(rctx, source, diagnostic)
}
