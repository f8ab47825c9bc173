package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/cwygoda/typesetter/internal/adapter/blob"
	"github.com/cwygoda/typesetter/internal/adapter/compilerhttp"
	httpAdapter "github.com/cwygoda/typesetter/internal/adapter/http"
	"github.com/cwygoda/typesetter/internal/adapter/llm"
	"github.com/cwygoda/typesetter/internal/adapter/notify"
	"github.com/cwygoda/typesetter/internal/adapter/parser"
	"github.com/cwygoda/typesetter/internal/adapter/publisher"
	"github.com/cwygoda/typesetter/internal/adapter/sqlite"
	"github.com/cwygoda/typesetter/internal/config"
	"github.com/cwygoda/typesetter/internal/domain"
	"github.com/cwygoda/typesetter/internal/markup"
	"github.com/cwygoda/typesetter/internal/metrics"
	"github.com/cwygoda/typesetter/internal/pipeline"
	"github.com/cwygoda/typesetter/internal/plan"
	"github.com/cwygoda/typesetter/internal/worker"
)

// ServeCmd runs the job API together with the worker pool.
type ServeCmd struct {
	Port    int    `help:"HTTP server port"`
	DB      string `help:"SQLite database path" type:"path"`
	Workers int    `help:"Number of concurrent jobs"`
}

func (c *ServeCmd) apply(cfg *config.Config) {
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}
	if c.DB != "" {
		cfg.Database.Path = c.DB
	}
	if c.Workers != 0 {
		cfg.Worker.Count = c.Workers
	}
}

func (c *ServeCmd) Run(g *Globals) error {
	cfg, logger := g.Config, g.Logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting typesetter", "port", cfg.Server.Port, "database", cfg.Database.Path, "blob_backend", cfg.Storage.Backend)

	repo, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer repo.Close()

	svc := domain.NewJobService(repo)
	if recovered, err := svc.RecoverStale(ctx); err != nil {
		logger.Warn("failed to recover stale jobs", "error", err)
	} else if recovered > 0 {
		logger.Info("recovered stale jobs", "count", recovered)
	}

	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err = nats.Connect(cfg.NATS.URL, nats.Name("typesetter"), nats.MaxReconnects(-1))
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer nc.Drain()
	}

	blobs, err := openBlobStore(ctx, cfg.Storage, nc)
	if err != nil {
		return err
	}

	pubs := publisher.Multi{publisher.NewLog(logger)}
	if nc != nil {
		pubs = append(pubs, publisher.NewNATS(nc, cfg.NATS.ProgressSubject))
	}

	var notifier domain.Notifier = notify.Noop{}
	if cfg.Notify.URL != "" {
		notifier = notify.NewWebhook(cfg.Notify.URL, cfg.Notify.Secret, cfg.Notify.Timeout)
	}

	var (
		planner    domain.Planner
		transcoder domain.Transcoder
	)
	if cfg.LLM.BaseURL != "" {
		client := llm.NewClient(llm.Config{
			BaseURL:     cfg.LLM.BaseURL,
			APIKey:      cfg.LLM.APIKey,
			Model:       cfg.LLM.Model,
			Temperature: float32(cfg.LLM.Temperature),
			Timeout:     cfg.LLM.Timeout,
		}, logger)
		planner, transcoder = client, client
	} else {
		logger.Warn("no llm configured, every job uses the fallback plan and template")
	}

	reg := prom.NewRegistry()
	recorder := metrics.NewPrometheusRecorder(reg)

	orch := pipeline.New(pipeline.Config{
		MaxAttempts:   cfg.Pipeline.MaxAttempts,
		ChunkLimit:    cfg.Pipeline.ChunkLimit,
		RepairTimeout: cfg.Pipeline.RepairTimeout,
		NotifyTimeout: cfg.Notify.Timeout,
		Locale:        cfg.Pipeline.Locale,
	}, pipeline.Deps{
		Jobs:       repo,
		Blobs:      blobs,
		Parser:     parser.Default(),
		Plans:      plan.NewResolver(planner, cfg.Pipeline.PlanTimeout, logger),
		Assembler:  markup.NewAssembler(transcoder, markup.Options{Concurrency: cfg.Pipeline.MarkupConcurrency, UnitTimeout: cfg.Pipeline.UnitTimeout}, logger),
		Transcoder: transcoder,
		Compiler:   compilerhttp.NewClient(cfg.Compiler.URL, cfg.Compiler.RequestTimeout, logger),
		Publisher:  pubs,
		Notifier:   notifier,
		Recorder:   recorder,
		Logger:     logger,
	})

	w := worker.New(svc, orch, worker.Options{
		Workers:      cfg.Worker.Count,
		PollInterval: cfg.Worker.PollInterval,
		JobTimeout:   cfg.Worker.JobTimeout,
		DrainTimeout: cfg.Worker.DrainTimeout,
	}, logger)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := httpAdapter.NewServer(svc, blobs, orch, w, addr, httpAdapter.Options{
		Secret:        cfg.Server.Secret,
		MaxUploadSize: cfg.Server.MaxUploadSize,
		Locale:        cfg.Pipeline.Locale,
		Metrics:       metrics.Handler(reg),
	}, logger)

	workerDone := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(workerDone)
	}()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serverErr:
		logger.Error("HTTP server error", "error", err)
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	<-workerDone
	logger.Info("shutdown complete")
	return nil
}

func openBlobStore(ctx context.Context, sc config.StorageConfig, nc *nats.Conn) (domain.BlobStore, error) {
	switch sc.Backend {
	case "nats":
		if nc == nil {
			return nil, errors.New("nats blob backend requires nats.url")
		}
		js, err := jetstream.New(nc)
		if err != nil {
			return nil, fmt.Errorf("failed to open JetStream: %w", err)
		}
		store, err := blob.NewObjectStore(ctx, js, sc.Bucket)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		store, err := blob.NewFSStore(sc.Dir)
		if err != nil {
			return nil, fmt.Errorf("failed to open blob store: %w", err)
		}
		return store, nil
	}
}
