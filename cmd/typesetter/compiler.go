package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/cwygoda/typesetter/internal/adapter/compilerhttp"
	"github.com/cwygoda/typesetter/internal/compiler"
	"github.com/cwygoda/typesetter/internal/config"
	"github.com/cwygoda/typesetter/internal/metrics"
)

// CompilerCmd runs the compilation service.
type CompilerCmd struct {
	Port   int    `help:"HTTP server port"`
	Engine string `help:"TeX engine binary"`
}

func (c *CompilerCmd) apply(cfg *config.Config) {
	if c.Port != 0 {
		cfg.Compiler.Port = c.Port
	}
	if c.Engine != "" {
		cfg.Compiler.Engine = c.Engine
	}
}

func (c *CompilerCmd) Run(g *Globals) error {
	cfg, logger := g.Config.Compiler, g.Logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scratch, err := compiler.NewScratch(cfg.ScratchDir, cfg.CleanupGrace, logger)
	if err != nil {
		return err
	}
	if n, err := scratch.Sweep(cfg.JanitorMaxAge); err != nil {
		logger.Warn("initial scratch sweep failed", "error", err)
	} else if n > 0 {
		logger.Info("removed stale scratch dirs", "count", n)
	}

	janitor, err := compiler.NewJanitor(scratch, cfg.JanitorInterval, cfg.JanitorMaxAge, logger)
	if err != nil {
		return err
	}
	janitor.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := janitor.Stop(stopCtx); err != nil {
			logger.Warn("janitor shutdown error", "error", err)
		}
	}()

	reg := prom.NewRegistry()
	recorder := metrics.NewPrometheusRecorder(reg)

	svc := compiler.New(compiler.Config{Engine: cfg.Engine, PassTimeout: cfg.PassTimeout},
		compiler.ExecRunner{Logger: logger}, scratch, recorder, logger)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := compilerhttp.NewServer(svc, addr, compilerhttp.Options{
		MaxBodyBytes:   cfg.MaxBodyBytes,
		RequestTimeout: cfg.RequestTimeout,
		Metrics:        metrics.Handler(reg),
	}, logger)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("compilation service listening", "addr", addr, "engine", cfg.Engine, "scratch", scratch.Root())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serverErr:
		return fmt.Errorf("compilation service: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("compilation service shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
	return nil
}
