package publisher

import (
	"context"
	"errors"
	"log/slog"

	"github.com/cwygoda/typesetter/internal/domain"
	"github.com/cwygoda/typesetter/internal/logfields"
)

// Log writes progress events to a logger.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

func (p *Log) Publish(ctx context.Context, ev domain.ProgressEvent) error {
	attrs := []any{
		logfields.JobID(ev.JobID),
		logfields.Step(string(ev.Step)),
		logfields.Progress(ev.Progress),
	}
	if ev.Message != "" {
		attrs = append(attrs, slog.String("message", ev.Message))
	}
	p.logger.InfoContext(ctx, "job.progress", attrs...)
	return nil
}

// Multi fans an event out to every publisher, joining their errors.
type Multi []domain.Publisher

func (m Multi) Publish(ctx context.Context, ev domain.ProgressEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
