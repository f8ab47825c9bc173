// Package worker runs pending jobs on a fixed-size pool of goroutines.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cwygoda/typesetter/internal/domain"
	"github.com/cwygoda/typesetter/internal/logfields"
)

// Runner executes one job to a terminal state.
type Runner interface {
	Run(ctx context.Context, jobID int64) error
}

// Options configure a Worker.
type Options struct {
	Workers      int
	PollInterval time.Duration
	// JobTimeout bounds a single run. Zero means unbounded.
	JobTimeout time.Duration
	// DrainTimeout is how long shutdown waits for in-flight jobs before
	// cancelling them.
	DrainTimeout time.Duration
}

// Worker polls for pending jobs and dispatches them to the pool.
type Worker struct {
	svc    *domain.JobService
	runner Runner
	opts   Options
	logger *slog.Logger

	wake chan struct{}

	mu       sync.Mutex
	inFlight map[int64]bool
}

// New creates a new worker.
func New(svc *domain.JobService, runner Runner, opts Options, logger *slog.Logger) *Worker {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		svc:      svc,
		runner:   runner,
		opts:     opts,
		logger:   logger,
		wake:     make(chan struct{}, 1),
		inFlight: make(map[int64]bool),
	}
}

// Wake triggers an immediate poll. It never blocks.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// InFlight returns the number of jobs currently running.
func (w *Worker) InFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.inFlight)
}

// Run starts the pool and blocks until ctx is cancelled and in-flight jobs
// have drained.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("worker started",
		slog.Int("workers", w.opts.Workers),
		slog.Duration("poll_interval", w.opts.PollInterval),
	)

	// Jobs outlive ctx so shutdown can drain them.
	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJobs()

	queue := make(chan int64)
	var wg sync.WaitGroup
	for range w.opts.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range queue {
				w.process(jobCtx, id)
			}
		}()
	}

	w.dispatch(ctx, queue)
	close(queue)

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(w.opts.DrainTimeout):
		w.logger.Warn("drain timeout, cancelling in-flight jobs", slog.Int("in_flight", w.InFlight()))
		cancelJobs()
		<-drained
	}
	w.logger.Info("worker stopped")
}

func (w *Worker) dispatch(ctx context.Context, queue chan<- int64) {
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	w.poll(ctx, queue)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker shutting down")
			return
		case <-ticker.C:
		case <-w.wake:
		}
		w.poll(ctx, queue)
	}
}

func (w *Worker) poll(ctx context.Context, queue chan<- int64) {
	jobs, err := w.svc.GetPending(ctx, w.opts.Workers*2)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("poll failed", logfields.Error(err))
		}
		return
	}

	for _, job := range jobs {
		if !w.claim(job.ID) {
			continue
		}
		select {
		case queue <- job.ID:
		case <-ctx.Done():
			w.release(job.ID)
			return
		}
	}
}

func (w *Worker) claim(id int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inFlight[id] {
		return false
	}
	w.inFlight[id] = true
	return true
}

func (w *Worker) release(id int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inFlight, id)
}

func (w *Worker) process(ctx context.Context, id int64) {
	defer w.release(id)

	if w.opts.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.opts.JobTimeout)
		defer cancel()
	}

	err := w.runner.Run(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrJobRunning), errors.Is(err, domain.ErrJobTerminal):
		w.logger.Debug("job skipped", logfields.JobID(id), logfields.Error(err))
	default:
		w.logger.Info("job finished with error", logfields.JobID(id), logfields.Error(err))
	}
}
