package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwygoda/typesetter/internal/adapter/blob"
	"github.com/cwygoda/typesetter/internal/adapter/parser"
	"github.com/cwygoda/typesetter/internal/adapter/sqlite"
	"github.com/cwygoda/typesetter/internal/domain"
	"github.com/cwygoda/typesetter/internal/testutil"
)

const sampleText = "Chapter One\n\nIt was a bright cold day in April.\n\nChapter Two\n\nThe clocks were striking thirteen.\n"

type fakeTranscoder struct {
	mu          sync.Mutex
	repairs     int
	onTranscode func()
}

func (f *fakeTranscoder) Transcode(ctx context.Context, req domain.TranscodeRequest) (string, error) {
	if f.onTranscode != nil {
		f.onTranscode()
		return "", ctx.Err()
	}
	return fmt.Sprintf("\\chapter{%s}\n%s\n", req.Unit.Title, req.Unit.Body()), nil
}

func (f *fakeTranscoder) Repair(ctx context.Context, source, diagnostic string) (string, error) {
	f.mu.Lock()
	f.repairs++
	f.mu.Unlock()
	return "", nil
}

type fakeCompiler struct {
	mu      sync.Mutex
	calls   int
	outcome func(call int) domain.CompileOutcome
}

func (f *fakeCompiler) Compile(ctx context.Context, source string, assets []domain.Asset) (domain.CompileOutcome, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	return f.outcome(n), nil
}

func (f *fakeCompiler) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func succeed(int) domain.CompileOutcome {
	return domain.CompileOutcome{Success: true, PDF: testutil.MinimalPDF(1, 2048, true), PageCount: 1, Log: "ok"}
}

func breakAlways(int) domain.CompileOutcome {
	return domain.CompileOutcome{Log: "! Undefined control sequence.", Errors: []string{"! Undefined control sequence."}}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.ProgressEvent
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, ev domain.ProgressEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) Events() []domain.ProgressEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.ProgressEvent(nil), p.events...)
}

type recordingNotifier struct {
	mu   sync.Mutex
	jobs []*domain.Job
}

func (n *recordingNotifier) NotifyCompleted(ctx context.Context, job *domain.Job) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.jobs = append(n.jobs, job)
	return nil
}

type harness struct {
	orch     *Orchestrator
	repo     *sqlite.Repository
	blobs    *blob.FSStore
	compiler *fakeCompiler
	trans    *fakeTranscoder
	pub      *recordingPublisher
	notifier *recordingNotifier
}

func newHarness(t *testing.T, outcome func(int) domain.CompileOutcome) *harness {
	t.Helper()
	dir := t.TempDir()

	repo, err := sqlite.New(filepath.Join(dir, "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	blobs, err := blob.NewFSStore(filepath.Join(dir, "blobs"))
	require.NoError(t, err)

	h := &harness{
		repo:     repo,
		blobs:    blobs,
		compiler: &fakeCompiler{outcome: outcome},
		trans:    &fakeTranscoder{},
		pub:      &recordingPublisher{},
		notifier: &recordingNotifier{},
	}
	h.orch = New(Config{MaxAttempts: 3}, Deps{
		Jobs:       repo,
		Blobs:      blobs,
		Parser:     parser.Default(),
		Transcoder: h.trans,
		Compiler:   h.compiler,
		Publisher:  h.pub,
		Notifier:   h.notifier,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return h
}

func (h *harness) submit(t *testing.T, name, content string) *domain.Job {
	t.Helper()
	ctx := context.Background()
	key, err := h.blobs.Put(ctx, "jobs/proj-1/uploads/"+name, []byte(content), "text/plain")
	require.NoError(t, err)

	job, err := h.repo.Create(ctx, domain.NewJob{
		ProjectID:  "proj-1",
		SourceKey:  key,
		SourceName: name,
		Settings:   domain.DefaultSettings(),
		Cover:      domain.CoverInfo{Author: "Ann Author"},
	})
	require.NoError(t, err)
	return job
}

func TestRun_Completes(t *testing.T) {
	h := newHarness(t, succeed)
	job := h.submit(t, "novel.txt", sampleText)

	require.NoError(t, h.orch.Run(context.Background(), job.ID))

	got, err := h.repo.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, domain.StepCompleted, got.Step)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, 1, got.PageCount)
	assert.NotEqual(t, domain.QualityPoor, got.Quality)
	assert.Equal(t, OutputKey(job.ID), got.OutputKey)
	assert.Equal(t, ArchiveKey(job.ID), got.ArchiveKey)
	assert.Empty(t, got.ErrorKind)
	assert.Equal(t, 1, h.compiler.Calls())

	pdf, err := h.blobs.Get(context.Background(), got.OutputKey)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(pdf, []byte("%PDF-")))

	archive, err := h.blobs.Get(context.Background(), got.ArchiveKey)
	require.NoError(t, err)
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	require.NoError(t, err)
	require.NotEmpty(t, zr.File)
	assert.Equal(t, mainFile, zr.File[0].Name)

	require.Len(t, h.notifier.jobs, 1)
	assert.Equal(t, job.ID, h.notifier.jobs[0].ID)
}

func TestRun_PublishesMonotonicProgress(t *testing.T) {
	h := newHarness(t, succeed)
	job := h.submit(t, "novel.txt", sampleText)

	require.NoError(t, h.orch.Run(context.Background(), job.ID))

	events := h.pub.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, domain.StepQueued, events[0].Step)
	assert.Equal(t, domain.StepCompleted, events[len(events)-1].Step)
	assert.Equal(t, 100, events[len(events)-1].Progress)

	seen := map[domain.Step]bool{}
	last := 0
	for _, ev := range events {
		assert.GreaterOrEqual(t, ev.Progress, last, "progress went backwards at %s", ev.Step)
		last = ev.Progress
		seen[ev.Step] = true
	}
	for _, s := range domain.Steps() {
		assert.True(t, seen[s], "no event for %s", s)
	}
}

func TestRun_AlreadyRunning(t *testing.T) {
	h := newHarness(t, succeed)
	job := h.submit(t, "novel.txt", sampleText)
	require.NoError(t, h.repo.Begin(context.Background(), job.ID, job.CreatedAt))

	err := h.orch.Run(context.Background(), job.ID)
	assert.ErrorIs(t, err, domain.ErrJobRunning)
	assert.Zero(t, h.compiler.Calls())
	assert.Empty(t, h.pub.Events())
}

func TestRun_CompletedIsTerminal(t *testing.T) {
	h := newHarness(t, succeed)
	job := h.submit(t, "novel.txt", sampleText)
	require.NoError(t, h.orch.Run(context.Background(), job.ID))

	err := h.orch.Run(context.Background(), job.ID)
	assert.ErrorIs(t, err, domain.ErrJobTerminal)
	assert.Equal(t, 1, h.compiler.Calls())
}

func TestRun_CompilationFailure(t *testing.T) {
	h := newHarness(t, breakAlways)
	job := h.submit(t, "novel.txt", sampleText)

	err := h.orch.Run(context.Background(), job.ID)
	require.Error(t, err)
	assert.Equal(t, domain.KindCompilation, domain.KindOf(err))

	got, err := h.repo.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, domain.StepCompiling, got.Step)
	assert.Equal(t, domain.StepCompiling, got.ErrorStep)
	assert.Equal(t, domain.KindCompilation, got.ErrorKind)
	assert.Equal(t, "The document could not be typeset.", got.ErrorMessage)
	assert.Contains(t, got.CompileLog, "Undefined control sequence")
	assert.Equal(t, domain.StepCompiling.Progress(), got.Progress)
	assert.Empty(t, got.OutputKey)

	assert.Equal(t, 3, h.compiler.Calls())
	assert.Equal(t, 2, h.trans.repairs)

	events := h.pub.Events()
	last := events[len(events)-1]
	assert.Equal(t, domain.StepFailed, last.Step)
	assert.Equal(t, string(domain.StepCompiling), last.Extra["failed_step"])
	assert.Equal(t, string(domain.KindCompilation), last.Extra["error_kind"])
}

func TestRun_LocalizedFailureMessage(t *testing.T) {
	h := newHarness(t, breakAlways)
	ctx := context.Background()
	key, err := h.blobs.Put(ctx, "jobs/proj-1/uploads/buch.txt", []byte(sampleText), "text/plain")
	require.NoError(t, err)

	settings := domain.DefaultSettings()
	settings.Language = "de"
	job, err := h.repo.Create(ctx, domain.NewJob{ProjectID: "proj-1", SourceKey: key, SourceName: "buch.txt", Settings: settings})
	require.NoError(t, err)

	require.Error(t, h.orch.Run(ctx, job.ID))
	got, err := h.repo.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "Das Dokument konnte nicht gesetzt werden.", got.ErrorMessage)
}

func TestRun_SourceFailures(t *testing.T) {
	tests := []struct {
		name    string
		content string
		missing bool
	}{
		{name: "empty.txt", content: ""},
		{name: "blank.txt", content: "   \n\n  "},
		{name: "missing.txt", missing: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, succeed)
			var job *domain.Job
			if tt.missing {
				job = h.submitKey(t, "jobs/proj-1/uploads/nowhere.txt", tt.name)
			} else {
				job = h.submit(t, tt.name, tt.content)
			}

			err := h.orch.Run(context.Background(), job.ID)
			require.Error(t, err)
			assert.Equal(t, domain.KindSource, domain.KindOf(err))

			got, err := h.repo.Get(context.Background(), job.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.StatusFailed, got.Status)
			assert.Equal(t, domain.StepParsing, got.ErrorStep)
			assert.Zero(t, h.compiler.Calls())
		})
	}
}

func (h *harness) submitKey(t *testing.T, key, name string) *domain.Job {
	t.Helper()
	job, err := h.repo.Create(context.Background(), domain.NewJob{
		ProjectID:  "proj-1",
		SourceKey:  key,
		SourceName: name,
		Settings:   domain.DefaultSettings(),
	})
	require.NoError(t, err)
	return job
}

func TestRun_ValidationFailure(t *testing.T) {
	h := newHarness(t, func(int) domain.CompileOutcome {
		return domain.CompileOutcome{Success: true, PDF: []byte("not a pdf at all"), PageCount: -1}
	})
	job := h.submit(t, "novel.txt", sampleText)

	err := h.orch.Run(context.Background(), job.ID)
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	got, err := h.repo.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, domain.StepValidating, got.ErrorStep)
	assert.Contains(t, got.CompileLog, "missing %PDF- signature")
	assert.Empty(t, got.OutputKey)
}

func TestRun_PublisherErrorsIgnored(t *testing.T) {
	h := newHarness(t, succeed)
	h.pub.err = errors.New("broker down")
	job := h.submit(t, "novel.txt", sampleText)

	require.NoError(t, h.orch.Run(context.Background(), job.ID))
	got, err := h.repo.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
}

func TestRun_Cancelled(t *testing.T) {
	h := newHarness(t, succeed)
	job := h.submit(t, "novel.txt", sampleText)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.trans.onTranscode = cancel

	err := h.orch.Run(ctx, job.ID)
	require.Error(t, err)
	assert.Zero(t, h.compiler.Calls())

	got, gerr := h.repo.Get(context.Background(), job.ID)
	require.NoError(t, gerr)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, domain.KindInfrastructure, got.ErrorKind)
}

// unreadableJobs fails every Get after a successful claim.
type unreadableJobs struct {
	domain.JobRepository
	err error
}

func (u unreadableJobs) Get(ctx context.Context, id int64) (*domain.Job, error) {
	return nil, u.err
}

func TestRun_LoadFailureMarksJobFailed(t *testing.T) {
	h := newHarness(t, succeed)
	job := h.submit(t, "novel.txt", sampleText)
	loadErr := errors.New("database is locked")
	h.orch.deps.Jobs = unreadableJobs{JobRepository: h.repo, err: loadErr}

	err := h.orch.Run(context.Background(), job.ID)
	require.ErrorIs(t, err, loadErr)
	assert.Equal(t, domain.KindInfrastructure, domain.KindOf(err))
	assert.Zero(t, h.compiler.Calls())

	got, gerr := h.repo.Get(context.Background(), job.ID)
	require.NoError(t, gerr)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, domain.KindInfrastructure, got.ErrorKind)
	assert.Equal(t, domain.StepQueued, got.ErrorStep)

	require.NoError(t, h.orch.PrepareRetry(context.Background(), job.ID))
}

func TestRetry(t *testing.T) {
	var broken sync.Map
	broken.Store("on", true)
	h := newHarness(t, func(n int) domain.CompileOutcome {
		if v, _ := broken.Load("on"); v == true {
			return breakAlways(n)
		}
		return succeed(n)
	})
	job := h.submit(t, "novel.txt", sampleText)
	ctx := context.Background()

	require.Error(t, h.orch.Run(ctx, job.ID))

	broken.Store("on", false)
	require.NoError(t, h.orch.Retry(ctx, job.ID))

	got, err := h.repo.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Empty(t, got.ErrorKind)
	assert.Empty(t, got.ErrorMessage)
	assert.Empty(t, got.CompileLog)
	assert.Equal(t, 2, got.Runs)

	assert.ErrorIs(t, h.orch.Retry(ctx, job.ID), domain.ErrJobNotRetryable)
}

func TestCollectAssets(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n")
	units := []domain.StructuralUnit{
		{Title: "A", Images: []domain.Image{{ID: "img001", Data: png, Format: domain.ImagePNG}}},
		{Title: "B", Images: []domain.Image{
			{ID: "img001", Data: png, Format: domain.ImagePNG},
			{ID: "img002", Format: domain.ImagePNG},
		}},
	}
	got := collectAssets(units)
	require.Len(t, got, 1)
	assert.Equal(t, "img001.png", got[0].Name)
}
