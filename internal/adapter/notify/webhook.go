// Package notify delivers job completion notifications.
package notify

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cwygoda/typesetter/internal/domain"
)

// Noop drops notifications. Used when no webhook is configured.
type Noop struct{}

func (Noop) NotifyCompleted(context.Context, *domain.Job) error { return nil }

// Webhook POSTs a signed JSON payload to a fixed URL.
type Webhook struct {
	url    string
	secret string
	client *http.Client
	now    func() time.Time
}

// NewWebhook creates a webhook notifier. timeout bounds each delivery.
func NewWebhook(url, secret string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: timeout},
		now:    time.Now,
	}
}

// payload is the body of a completion notification.
type payload struct {
	Event      string         `json:"event"`
	JobID      int64          `json:"job_id"`
	ProjectID  string         `json:"project_id"`
	SourceName string         `json:"source_name"`
	OutputKey  string         `json:"output_key"`
	ArchiveKey string         `json:"archive_key"`
	PageCount  int            `json:"page_count"`
	Quality    domain.Quality `json:"quality"`
	Warnings   []string       `json:"warnings"`
	DurationMS int64          `json:"duration_ms"`
}

// Sign computes the X-Signature value: SHA256("${timestamp}\n${body}\n${secret}").
func Sign(timestamp string, body []byte, secret string) string {
	payload := fmt.Sprintf("%s\n%s\n%s", timestamp, string(body), secret)
	hash := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(hash[:])
}

func (w *Webhook) NotifyCompleted(ctx context.Context, job *domain.Job) error {
	body, err := json.Marshal(payload{
		Event:      "job.completed",
		JobID:      job.ID,
		ProjectID:  job.ProjectID,
		SourceName: job.SourceName,
		OutputKey:  job.OutputKey,
		ArchiveKey: job.ArchiveKey,
		PageCount:  job.PageCount,
		Quality:    job.Quality,
		Warnings:   job.Warnings,
		DurationMS: job.DurationMS,
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	timestamp := w.now().UTC().Format(time.RFC3339)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Timestamp", timestamp)
	if w.secret != "" {
		req.Header.Set("X-Signature", Sign(timestamp, body, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver notification: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notification rejected: status %d", resp.StatusCode)
	}
	return nil
}
