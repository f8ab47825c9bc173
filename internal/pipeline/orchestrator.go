// Package pipeline drives one job through parsing, planning, markup
// generation, compilation with repair, validation and artifact storage.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cwygoda/typesetter/internal/chunker"
	"github.com/cwygoda/typesetter/internal/domain"
	"github.com/cwygoda/typesetter/internal/logfields"
	"github.com/cwygoda/typesetter/internal/markup"
	"github.com/cwygoda/typesetter/internal/messages"
	"github.com/cwygoda/typesetter/internal/metrics"
	"github.com/cwygoda/typesetter/internal/plan"
	"github.com/cwygoda/typesetter/internal/repair"
	"github.com/cwygoda/typesetter/internal/validator"
)

// Config tunes a run.
type Config struct {
	MaxAttempts    int
	ChunkLimit     int
	RepairTimeout  time.Duration
	PublishTimeout time.Duration
	NotifyTimeout  time.Duration
	// Locale is used for user-facing messages when the job's settings carry
	// no language.
	Locale string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		ChunkLimit:     100_000,
		RepairTimeout:  2 * time.Minute,
		PublishTimeout: 2 * time.Second,
		NotifyTimeout:  10 * time.Second,
		Locale:         "en",
	}
}

// Deps are the collaborators of the orchestrator.
type Deps struct {
	Jobs       domain.JobRepository
	Blobs      domain.BlobStore
	Parser     domain.Parser
	Plans      *plan.Resolver
	Assembler  *markup.Assembler
	Transcoder domain.Transcoder
	Compiler   domain.Compiler
	Publisher  domain.Publisher
	Notifier   domain.Notifier
	Recorder   metrics.Recorder
	Logger     *slog.Logger
}

// Orchestrator runs jobs. It is safe for concurrent use across jobs.
type Orchestrator struct {
	cfg  Config
	deps Deps
	log  *slog.Logger
	now  func() time.Time
}

// New creates an Orchestrator, filling optional collaborators with no-ops.
func New(cfg Config, deps Deps) *Orchestrator {
	d := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = d.MaxAttempts
	}
	if cfg.ChunkLimit <= 0 {
		cfg.ChunkLimit = d.ChunkLimit
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = d.PublishTimeout
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = d.NotifyTimeout
	}
	if cfg.Locale == "" {
		cfg.Locale = d.Locale
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Recorder == nil {
		deps.Recorder = metrics.NoopRecorder{}
	}
	if deps.Plans == nil {
		deps.Plans = plan.NewResolver(nil, 0, deps.Logger)
	}
	if deps.Assembler == nil {
		deps.Assembler = markup.NewAssembler(deps.Transcoder, markup.Options{}, deps.Logger)
	}
	return &Orchestrator{cfg: cfg, deps: deps, log: deps.Logger, now: time.Now}
}

// Run executes the pipeline for jobID. It returns domain.ErrJobRunning when
// another execution owns the job, and the classified error when the run
// fails; the failure is persisted before Run returns.
func (o *Orchestrator) Run(ctx context.Context, jobID int64) error {
	start := o.now()
	if err := o.deps.Jobs.Begin(ctx, jobID, start); err != nil {
		return err
	}

	r := &run{
		o:         o,
		job:       &domain.Job{ID: jobID},
		step:      domain.StepQueued,
		start:     start,
		stepStart: start,
		log:       o.log.With(logfields.JobID(jobID)),
	}
	job, err := o.deps.Jobs.Get(ctx, jobID)
	if err != nil {
		return r.fail(ctx, domain.InfrastructureError("load job", err))
	}
	r.job = job
	r.log.Info("job started", logfields.Project(job.ProjectID), slog.String("source", job.SourceName))
	r.publish(ctx, "Queued", nil)

	if err := r.execute(ctx); err != nil {
		return r.fail(ctx, err)
	}
	return nil
}

// PrepareRetry moves a failed job back to pending so it can be dispatched.
func (o *Orchestrator) PrepareRetry(ctx context.Context, jobID int64) error {
	if err := o.deps.Jobs.ResetForRetry(ctx, jobID); err != nil {
		return err
	}
	o.log.Info("job reset for retry", logfields.JobID(jobID))
	return nil
}

// Retry is the explicit retry entry point: it resets a failed job and runs
// it again from the start.
func (o *Orchestrator) Retry(ctx context.Context, jobID int64) error {
	if err := o.PrepareRetry(ctx, jobID); err != nil {
		return err
	}
	return o.Run(ctx, jobID)
}

// run is the state of one execution.
type run struct {
	o         *Orchestrator
	job       *domain.Job
	log       *slog.Logger
	start     time.Time
	stepStart time.Time

	// pmu serializes markup progress callbacks.
	pmu sync.Mutex

	mu         sync.Mutex
	step       domain.Step
	progress   int
	compileLog string
}

func (r *run) execute(ctx context.Context) error {
	d := r.o.deps

	if err := r.advance(ctx, domain.StepParsing, "Reading document", nil); err != nil {
		return err
	}
	doc, err := r.parse(ctx)
	if err != nil {
		return err
	}
	if err := r.advance(ctx, domain.StepParsed, "Document read", map[string]any{
		"words":    doc.Meta.WordCount,
		"chapters": doc.Meta.ChapterCount,
		"images":   doc.Meta.ImageCount,
		"tables":   doc.Meta.TableCount,
	}); err != nil {
		return err
	}

	if err := r.advance(ctx, domain.StepAnalyzing, "Planning layout", nil); err != nil {
		return err
	}
	bp := d.Plans.Resolve(ctx, doc, r.job.Settings)
	if err := r.advance(ctx, domain.StepAnalyzed, "Layout planned", map[string]any{
		"plan_source":     string(bp.Source),
		"estimated_pages": bp.EstimatedPages,
	}); err != nil {
		return err
	}

	if err := r.advance(ctx, domain.StepPreparingAssets, "Preparing images", nil); err != nil {
		return err
	}
	assets := collectAssets(doc.Units)
	if err := r.advance(ctx, domain.StepAssetsReady, "Images ready", map[string]any{"assets": len(assets)}); err != nil {
		return err
	}

	if err := r.advance(ctx, domain.StepGeneratingMarkup, "Generating markup", nil); err != nil {
		return err
	}
	units := chunker.Chunk(doc.Units, r.o.cfg.ChunkLimit)
	cover := r.cover(doc)
	assembled, err := d.Assembler.Assemble(ctx, units, bp, r.job.Settings, cover, r.markupProgress(ctx))
	if err != nil {
		return domain.InfrastructureError("markup generation interrupted", err)
	}
	if err := r.advance(ctx, domain.StepMarkupGenerated, "Markup generated", map[string]any{
		"units":     len(units),
		"fallbacks": len(assembled.Fallbacks),
	}); err != nil {
		return err
	}

	if err := r.advance(ctx, domain.StepCompiling, "Typesetting", nil); err != nil {
		return err
	}
	var repairFn repair.RepairFunc
	if d.Transcoder != nil {
		repairFn = d.Transcoder.Repair
	}
	compiled := repair.CompileWithRetry(ctx, d.Compiler, assembled.Source, assets, repairFn, repair.Options{
		MaxAttempts:   r.o.cfg.MaxAttempts,
		RepairTimeout: r.o.cfg.RepairTimeout,
		Recorder:      d.Recorder,
		Logger:        r.log,
	})
	if !compiled.Outcome.Success {
		r.compileLog = compiled.Outcome.Log
		return domain.CompilationError(
			fmt.Sprintf("compilation failed after %d attempts", compiled.Attempts),
			compiled.Outcome.Errors,
		)
	}
	if err := r.advance(ctx, domain.StepCompiled, "Typeset", map[string]any{
		"attempts": compiled.Attempts,
		"repaired": compiled.Repaired,
	}); err != nil {
		return err
	}

	if err := r.advance(ctx, domain.StepValidating, "Checking output", nil); err != nil {
		return err
	}
	report := validator.Validate(compiled.Outcome.PDF, bp, compiled.Outcome.PageCount)
	if !report.OK() {
		return domain.ValidationError("output failed validation", report.Errors)
	}
	for _, w := range report.Warnings {
		r.log.Warn("validation warning", slog.String("warning", w))
	}
	if err := r.update(ctx, domain.JobUpdate{
		PageCount: domain.Ptr(report.PageCount),
		Quality:   domain.Ptr(report.Quality),
		Warnings:  domain.Ptr(report.Warnings),
	}); err != nil {
		return err
	}
	if err := r.advance(ctx, domain.StepValidated, "Output checked", map[string]any{
		"pages":   report.PageCount,
		"quality": string(report.Quality),
	}); err != nil {
		return err
	}

	if err := r.advance(ctx, domain.StepStoring, "Saving files", nil); err != nil {
		return err
	}
	outputKey, archiveKey, err := r.store(ctx, compiled.Outcome.PDF, compiled.Source, assets)
	if err != nil {
		return err
	}

	return r.complete(ctx, outputKey, archiveKey, report)
}

func (r *run) parse(ctx context.Context) (*domain.ParsedDocument, error) {
	data, err := r.o.deps.Blobs.Get(ctx, r.job.SourceKey)
	if errors.Is(err, domain.ErrBlobNotFound) {
		return nil, domain.SourceError("uploaded document is missing", err)
	}
	if err != nil {
		return nil, domain.InfrastructureError("read upload", err)
	}
	doc, err := r.o.deps.Parser.Parse(ctx, r.job.SourceName, data)
	if err != nil {
		if _, ok := domain.AsPipelineError(err); ok {
			return nil, err
		}
		return nil, domain.SourceError("document could not be parsed", err)
	}
	return doc, nil
}

// cover fills missing cover fields from the parsed document.
func (r *run) cover(doc *domain.ParsedDocument) domain.CoverInfo {
	c := r.job.Cover
	if c.Title == "" {
		c.Title = doc.Title
	}
	if c.Title == "" {
		c.Title = r.job.SourceName
	}
	return c
}

// markupProgress maps finished units onto the generating_markup range.
func (r *run) markupProgress(ctx context.Context) markup.ProgressFunc {
	from := domain.StepGeneratingMarkup.Progress()
	to := domain.StepMarkupGenerated.Progress()
	return func(done, total int) {
		if total == 0 {
			return
		}
		r.pmu.Lock()
		defer r.pmu.Unlock()

		p := from + (to-from)*done/total
		if p >= to {
			p = to - 1
		}
		r.mu.Lock()
		if p <= r.progress {
			r.mu.Unlock()
			return
		}
		r.progress = p
		r.mu.Unlock()

		if err := r.update(ctx, domain.JobUpdate{Progress: domain.Ptr(p)}); err != nil {
			r.log.Warn("progress update failed", logfields.Error(err))
		}
		r.publish(ctx, fmt.Sprintf("Generated %d of %d sections", done, total), map[string]any{
			"done":  done,
			"total": total,
		})
	}
}

// advance persists the transition to next and publishes it.
func (r *run) advance(ctx context.Context, next domain.Step, msg string, extra map[string]any) error {
	if err := ctx.Err(); err != nil {
		return domain.InfrastructureError("run interrupted", err)
	}

	r.mu.Lock()
	from := r.step
	r.mu.Unlock()
	if err := domain.ValidateTransition(from, next); err != nil {
		return domain.InfrastructureError("invalid step transition", err)
	}

	progress := max(r.currentProgress(), next.Progress())
	if err := r.update(ctx, domain.JobUpdate{Step: domain.Ptr(next), Progress: domain.Ptr(progress)}); err != nil {
		return err
	}

	now := r.o.now()
	r.o.deps.Recorder.ObserveStepDuration(string(from), now.Sub(r.stepStart))
	r.o.deps.Recorder.IncStepResult(string(from), metrics.ResultSuccess)

	r.mu.Lock()
	r.step = next
	r.progress = progress
	r.stepStart = now
	r.mu.Unlock()

	r.log.Debug("step", logfields.Step(string(next)), logfields.Progress(progress))
	r.publish(ctx, msg, extra)
	return nil
}

func (r *run) currentProgress() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress
}

func (r *run) update(ctx context.Context, u domain.JobUpdate) error {
	if err := r.o.deps.Jobs.Update(ctx, r.job.ID, u); err != nil {
		return domain.InfrastructureError("update job record", err)
	}
	return nil
}

// publish emits a progress event. Failures are logged and dropped.
func (r *run) publish(ctx context.Context, msg string, extra map[string]any) {
	if r.o.deps.Publisher == nil {
		return
	}
	r.mu.Lock()
	ev := domain.ProgressEvent{
		JobID:    r.job.ID,
		Step:     r.step,
		Progress: r.progress,
		Message:  msg,
		Extra:    extra,
	}
	r.mu.Unlock()
	r.emit(ctx, ev)
}

func (r *run) emit(ctx context.Context, ev domain.ProgressEvent) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.o.cfg.PublishTimeout)
	defer cancel()
	if err := r.o.deps.Publisher.Publish(pctx, ev); err != nil {
		r.log.Warn("progress publish failed", logfields.Step(string(ev.Step)), logfields.Error(err))
	}
}

func (r *run) complete(ctx context.Context, outputKey, archiveKey string, report validator.Report) error {
	if err := ctx.Err(); err != nil {
		return domain.InfrastructureError("run interrupted", err)
	}
	if err := domain.ValidateTransition(r.step, domain.StepCompleted); err != nil {
		return domain.InfrastructureError("invalid step transition", err)
	}

	now := r.o.now()
	elapsed := now.Sub(r.start)
	err := r.update(ctx, domain.JobUpdate{
		Status:     domain.Ptr(domain.StatusCompleted),
		Step:       domain.Ptr(domain.StepCompleted),
		Progress:   domain.Ptr(100),
		OutputKey:  domain.Ptr(outputKey),
		ArchiveKey: domain.Ptr(archiveKey),
		DurationMS: domain.Ptr(elapsed.Milliseconds()),
	})
	if err != nil {
		return err
	}

	rec := r.o.deps.Recorder
	rec.ObserveStepDuration(string(r.step), now.Sub(r.stepStart))
	rec.IncStepResult(string(r.step), metrics.ResultSuccess)
	rec.IncJobOutcome(string(domain.StatusCompleted))
	rec.ObserveJobDuration(elapsed)

	r.mu.Lock()
	r.step = domain.StepCompleted
	r.progress = 100
	r.mu.Unlock()

	r.log.Info("job completed",
		slog.Int("pages", report.PageCount),
		slog.String("quality", string(report.Quality)),
		logfields.DurationMS(elapsed.Milliseconds()),
	)
	r.publish(ctx, "Completed", map[string]any{
		"output_key":  outputKey,
		"archive_key": archiveKey,
		"pages":       report.PageCount,
		"quality":     string(report.Quality),
		"warnings":    report.Warnings,
	})
	r.notify(ctx)
	return nil
}

func (r *run) notify(ctx context.Context) {
	if r.o.deps.Notifier == nil {
		return
	}
	job, err := r.o.deps.Jobs.Get(ctx, r.job.ID)
	if err != nil {
		r.log.Warn("notification skipped", logfields.Error(err))
		return
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.o.cfg.NotifyTimeout)
	defer cancel()
	if err := r.o.deps.Notifier.NotifyCompleted(nctx, job); err != nil {
		r.log.Warn("completion notification failed", logfields.Error(err))
	}
}

// fail persists the failure and returns the classified error. The record
// keeps the step the run failed in.
func (r *run) fail(ctx context.Context, err error) error {
	r.mu.Lock()
	step := r.step
	progress := r.progress
	r.mu.Unlock()

	pe, ok := domain.AsPipelineError(err)
	if !ok {
		pe = domain.InfrastructureError("unexpected failure", err)
	}
	pe = pe.WithStep(step)

	locale := r.job.Settings.Language
	if locale == "" {
		locale = r.o.cfg.Locale
	}
	msg := messages.New(locale).Failure(pe.Kind)

	elapsed := r.o.now().Sub(r.start)
	u := domain.JobUpdate{
		Status:       domain.Ptr(domain.StatusFailed),
		ErrorKind:    domain.Ptr(pe.Kind),
		ErrorStep:    domain.Ptr(step),
		ErrorMessage: domain.Ptr(msg),
		DurationMS:   domain.Ptr(elapsed.Milliseconds()),
	}
	if r.compileLog != "" || len(pe.Diagnostics) > 0 {
		u.CompileLog = domain.Ptr(diagnosticLog(pe.Diagnostics, r.compileLog))
	}

	// The run context may be the reason for the failure; the record must
	// still be written.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if uerr := r.o.deps.Jobs.Update(wctx, r.job.ID, u); uerr != nil {
		r.log.Error("persist failure failed", logfields.Error(uerr))
	}

	rec := r.o.deps.Recorder
	rec.ObserveStepDuration(string(step), r.o.now().Sub(r.stepStart))
	rec.IncStepResult(string(step), metrics.ResultFailed)
	rec.IncJobOutcome(string(domain.StatusFailed) + "_" + string(pe.Kind))
	rec.ObserveJobDuration(elapsed)

	r.log.Error("job failed",
		logfields.Step(string(step)),
		slog.String("kind", string(pe.Kind)),
		logfields.Error(pe),
	)
	r.emit(ctx, domain.ProgressEvent{
		JobID:    r.job.ID,
		Step:     domain.StepFailed,
		Progress: progress,
		Message:  msg,
		Extra: map[string]any{
			"failed_step": string(step),
			"error_kind":  string(pe.Kind),
		},
	})
	return pe
}

func diagnosticLog(diagnostics []string, log string) string {
	var out string
	for _, d := range diagnostics {
		out += d + "\n"
	}
	if log != "" {
		if out != "" {
			out += "\n"
		}
		out += log
	}
	return out
}
