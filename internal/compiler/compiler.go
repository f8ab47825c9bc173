// Package compiler runs document sources through a sandboxed, multi-pass
// TeX build and classifies the result.
package compiler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cwygoda/typesetter/internal/domain"
	"github.com/cwygoda/typesetter/internal/metrics"
	"github.com/cwygoda/typesetter/internal/pdfinfo"
)

const (
	mainStem = "main"
	mainFile = mainStem + ".tex"
)

// Config controls the build.
type Config struct {
	Engine      string
	PassTimeout time.Duration
}

// DefaultConfig returns xelatex with a two-minute pass budget.
func DefaultConfig() Config {
	return Config{Engine: "xelatex", PassTimeout: 2 * time.Minute}
}

// Result is the outcome of one build.
type Result struct {
	Success   bool
	PDF       []byte
	PageCount int
	Log       string
	Errors    []string
	// Source and Assets are the inputs after asset normalization.
	Source string
	Assets []domain.Asset
}

// Outcome converts r into the orchestrator-facing outcome.
func (r Result) Outcome() domain.CompileOutcome {
	return domain.CompileOutcome{
		Success:   r.Success,
		PDF:       r.PDF,
		PageCount: r.PageCount,
		Log:       r.Log,
		Errors:    r.Errors,
	}
}

// Service performs builds. It holds no per-request state.
type Service struct {
	cfg       Config
	runner    Runner
	scratch   *Scratch
	converter *AssetConverter
	recorder  metrics.Recorder
	logger    *slog.Logger
}

// New creates a Service.
func New(cfg Config, runner Runner, scratch *Scratch, recorder metrics.Recorder, logger *slog.Logger) *Service {
	if cfg.Engine == "" {
		cfg.Engine = DefaultConfig().Engine
	}
	if cfg.PassTimeout <= 0 {
		cfg.PassTimeout = DefaultConfig().PassTimeout
	}
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:       cfg,
		runner:    runner,
		scratch:   scratch,
		converter: NewAssetConverter(runner, logger),
		recorder:  recorder,
		logger:    logger,
	}
}

// Compile runs the full pass sequence. A missing PDF after the last pass is
// a failed Result, not an error; errors are reserved for the service itself.
func (s *Service) Compile(ctx context.Context, source string, assets []domain.Asset) (Result, error) {
	start := time.Now()
	res, err := s.build(ctx, source, assets, false)
	if err == nil {
		s.recorder.ObserveCompile("compile", res.Success, time.Since(start))
	}
	return res, err
}

// Validate runs a single pass without producing output and reports
// structural errors found in the log.
func (s *Service) Validate(ctx context.Context, source string, assets []domain.Asset) (Result, error) {
	start := time.Now()
	res, err := s.build(ctx, source, assets, true)
	if err == nil {
		s.recorder.ObserveCompile("validate", res.Success, time.Since(start))
	}
	return res, err
}

func (s *Service) build(ctx context.Context, source string, assets []domain.Asset, validateOnly bool) (Result, error) {
	dir, err := s.scratch.Create()
	if err != nil {
		return Result{}, err
	}
	defer s.scratch.Release(dir)

	normalized, renames, err := s.converter.Normalize(ctx, dir, assets)
	if err != nil {
		return Result{}, err
	}
	source = RewriteReferences(source, renames)
	if err := os.WriteFile(filepath.Join(dir, mainFile), []byte(source), 0o600); err != nil {
		return Result{}, fmt.Errorf("write source: %w", err)
	}
	res := Result{Source: source, Assets: normalized}

	if validateOnly {
		s.pass(ctx, dir, "draft", s.cfg.Engine, s.engineArgs(true)...)
		res.Log = s.readLog(dir)
		res.Errors = ExtractErrors(res.Log, MaxErrors)
		if err := ctx.Err(); err != nil {
			res.Errors = append(res.Errors, "validation aborted: "+err.Error())
		}
		res.Success = len(res.Errors) == 0
		return res, nil
	}

	s.pass(ctx, dir, "first", s.cfg.Engine, s.engineArgs(false)...)
	if exists(dir, mainStem+".bcf") {
		s.pass(ctx, dir, "bibliography", "biber", mainStem)
	}
	if exists(dir, mainStem+".idx") {
		s.pass(ctx, dir, "index", "makeindex", mainStem+".idx")
	}
	s.pass(ctx, dir, "references", s.cfg.Engine, s.engineArgs(false)...)
	s.pass(ctx, dir, "final", s.cfg.Engine, s.engineArgs(false)...)

	pdf, err := os.ReadFile(filepath.Join(dir, mainStem+".pdf"))
	if err != nil || len(pdf) == 0 {
		res.Log = s.readLog(dir)
		res.Errors = ExtractErrors(res.Log, MaxErrors)
		if cerr := ctx.Err(); cerr != nil {
			res.Errors = append([]string{"compilation aborted: " + cerr.Error()}, res.Errors...)
		}
		if len(res.Errors) == 0 {
			res.Errors = []string{"no output produced"}
		}
		res.Log = LogExcerpt(res.Log, 16<<10)
		return res, nil
	}

	res.Success = true
	res.PDF = pdf
	res.PageCount = -1
	if n, err := pdfinfo.PageCount(pdf); err == nil {
		res.PageCount = n
	} else {
		s.logger.Warn("page count query failed", "error", err)
	}
	return res, nil
}

// pass runs one toolchain invocation under the pass timeout. Non-zero exits
// are expected on recoverable warnings and are only logged.
func (s *Service) pass(ctx context.Context, dir, name, cmd string, args ...string) {
	pctx, cancel := context.WithTimeout(ctx, s.cfg.PassTimeout)
	defer cancel()

	start := time.Now()
	_, _, err := s.runner.Run(pctx, dir, sandboxEnv(), cmd, args...)
	s.recorder.ObservePass(name, time.Since(start))

	if err != nil {
		level := slog.LevelDebug
		if errors.Is(pctx.Err(), context.DeadlineExceeded) {
			level = slog.LevelWarn
		}
		s.logger.Log(ctx, level, "compile.pass", "pass", name, "cmd", cmd, "error", err)
	}
}

func (s *Service) engineArgs(draft bool) []string {
	args := []string{"-interaction=nonstopmode", "-no-shell-escape"}
	if draft {
		if s.cfg.Engine == "xelatex" {
			args = append(args, "-no-pdf")
		} else {
			args = append(args, "-draftmode")
		}
	}
	return append(args, mainFile)
}

func (s *Service) readLog(dir string) string {
	data, err := os.ReadFile(filepath.Join(dir, mainStem+".log"))
	if err != nil {
		return ""
	}
	return string(data)
}

// sandboxEnv disables shell escape and restricts file output to the
// working directory.
func sandboxEnv() []string {
	return append(os.Environ(), "openout_any=p", "openin_any=a", "shell_escape=f")
}

func exists(dir, name string) bool {
	_, err := os.Stat(filepath.Join(dir, name))
	return err == nil
}
