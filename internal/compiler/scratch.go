package compiler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
)

const scratchPrefix = "compile-"

// Scratch manages per-request working directories under one root.
type Scratch struct {
	root   string
	grace  time.Duration
	logger *slog.Logger
}

// NewScratch creates a Scratch rooted at root (os.TempDir when empty).
func NewScratch(root string, grace time.Duration, logger *slog.Logger) (*Scratch, error) {
	if root == "" {
		root = filepath.Join(os.TempDir(), "typesetter")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create scratch root: %w", err)
	}
	return &Scratch{root: root, grace: grace, logger: logger}, nil
}

// Root returns the scratch root directory.
func (s *Scratch) Root() string {
	return s.root
}

// Create makes a fresh, uniquely named directory.
func (s *Scratch) Create() (string, error) {
	dir := filepath.Join(s.root, scratchPrefix+uuid.NewString())
	if err := os.Mkdir(dir, 0o700); err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	return dir, nil
}

// Release removes dir after the grace delay. Removal failures are logged.
func (s *Scratch) Release(dir string) {
	if s.grace <= 0 {
		s.remove(dir)
		return
	}
	time.AfterFunc(s.grace, func() { s.remove(dir) })
}

func (s *Scratch) remove(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		s.logger.Warn("scratch cleanup failed", "dir", dir, "error", err)
	}
}

// Sweep removes scratch directories older than maxAge and returns how many
// were removed.
func (s *Scratch) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0, fmt.Errorf("read scratch root: %w", err)
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), scratchPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.root, e.Name())); err != nil {
			s.logger.Warn("scratch sweep failed", "dir", e.Name(), "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// Janitor periodically sweeps leftover scratch directories.
type Janitor struct {
	scheduler gocron.Scheduler
	scratch   *Scratch
	maxAge    time.Duration
	logger    *slog.Logger
}

// NewJanitor schedules a sweep every interval.
func NewJanitor(scratch *Scratch, interval, maxAge time.Duration, logger *slog.Logger) (*Janitor, error) {
	return newJanitor(scratch, interval, maxAge, logger, (*Janitor).sweep)
}

func newJanitor(scratch *Scratch, interval, maxAge time.Duration, logger *slog.Logger, task func(*Janitor)) (*Janitor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	j := &Janitor{scheduler: s, scratch: scratch, maxAge: maxAge, logger: logger}
	if _, err := s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(task, j),
		gocron.WithName("scratch-janitor"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return nil, fmt.Errorf("failed to create janitor job: %w", err)
	}
	return j, nil
}

// Start begins the schedule.
func (j *Janitor) Start() {
	j.logger.Info("starting scratch janitor", "root", j.scratch.Root(), "max_age", j.maxAge)
	j.scheduler.Start()
}

// Stop shuts the schedule down, waiting for a running sweep until ctx is
// done.
func (j *Janitor) Stop(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- j.scheduler.Shutdown() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("stop scratch janitor: %w", ctx.Err())
	}
}

func (j *Janitor) sweep() {
	n, err := j.scratch.Sweep(j.maxAge)
	if err != nil {
		j.logger.Error("scratch sweep failed", "error", err)
		return
	}
	if n > 0 {
		j.logger.Info("removed stale scratch dirs", "count", n)
	}
}
