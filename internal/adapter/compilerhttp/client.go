package compilerhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/cwygoda/typesetter/internal/domain"
)

// Client calls a remote compilation service. It implements domain.Compiler.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a client. timeout bounds a whole request, including
// every build pass on the server.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Compile sends source and assets for a full build. A 422 response is a
// failed outcome, not an error.
func (c *Client) Compile(ctx context.Context, source string, assets []domain.Asset) (domain.CompileOutcome, error) {
	return c.call(ctx, "/compile", source, assets)
}

// Validate runs the draft-only check.
func (c *Client) Validate(ctx context.Context, source string, assets []domain.Asset) (domain.CompileOutcome, error) {
	return c.call(ctx, "/validate", source, assets)
}

func (c *Client) call(ctx context.Context, path, source string, assets []domain.Asset) (domain.CompileOutcome, error) {
	rid := uuid.New().String()
	start := time.Now()

	body, err := json.Marshal(compileRequest{Source: source, Assets: assets})
	if err != nil {
		return domain.CompileOutcome{}, fmt.Errorf("encode compile request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return domain.CompileOutcome{}, fmt.Errorf("build compile request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.RequestIDHeader, rid)

	c.logger.Info("compile.request", "req_id", rid, "path", path, "bytes", len(body), "assets", len(assets))

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.CompileOutcome{}, fmt.Errorf("compile request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.CompileOutcome{}, fmt.Errorf("read compile response: %w", err)
	}
	c.logger.Info("compile.response",
		"req_id", rid,
		"status", resp.StatusCode,
		"bytes", len(raw),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	switch {
	case resp.StatusCode == http.StatusOK && path == "/compile":
		return domain.CompileOutcome{
			Success:   true,
			PDF:       raw,
			PageCount: parsePageCount(resp.Header.Get(PageCountHeader)),
		}, nil
	case resp.StatusCode == http.StatusOK, resp.StatusCode == http.StatusUnprocessableEntity:
		var f failureResponse
		if err := json.Unmarshal(raw, &f); err != nil {
			return domain.CompileOutcome{}, fmt.Errorf("decode compile failure: %w", err)
		}
		return domain.CompileOutcome{Success: f.Success, Log: f.Log, Errors: f.Errors}, nil
	}
	return domain.CompileOutcome{}, fmt.Errorf("compiler status %d", resp.StatusCode)
}

// parsePageCount returns -1 when the header is missing or malformed.
func parsePageCount(v string) int {
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return -1
	}
	return n
}
