// Package llm talks to an OpenAI-compatible chat/completions endpoint and
// implements the Structure Planner and Content Transcoder ports on top of it.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrEmptyResponse is returned when the model produced no content.
var ErrEmptyResponse = errors.New("empty model response")

// Config for the chat client.
type Config struct {
	BaseURL     string        // e.g. https://api.openai.com/v1
	APIKey      string        // sent as a bearer token when set
	Model       string        // e.g. "gpt-4o-mini"
	Temperature float32       // 0..2
	Timeout     time.Duration // per request
}

// Client is a minimal chat/completions client.
type Client struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger
}

// NewClient fills defaults and returns a client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  logger,
	}
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Temperature    float32           `json:"temperature"`
	Messages       []message         `json:"messages"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// complete sends one chat request and returns the first choice's content.
// op names the operation in log events ("llm.<op>.start" ...).
func (c *Client) complete(ctx context.Context, op string, msgs []message, jsonMode bool) (string, error) {
	rid := uuid.New().String()
	start := time.Now()

	body := chatRequest{
		Model:       c.cfg.Model,
		Temperature: c.cfg.Temperature,
		Messages:    msgs,
	}
	if jsonMode {
		body.ResponseFormat = map[string]string{"type": "json_object"}
	}

	promptLen := 0
	for _, m := range msgs {
		promptLen += len(m.Content)
	}
	c.log.Info("llm."+op+".start",
		"req_id", rid,
		"model", c.cfg.Model,
		"prompt_len", promptLen,
	)

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	raw, err := c.post(ctx, endpoint, body)
	if err != nil {
		c.log.Error("llm."+op+".http_error",
			"req_id", rid, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return "", err
	}

	var cc chatResponse
	if err := json.Unmarshal(raw, &cc); err != nil {
		c.log.Error("llm."+op+".decode_error",
			"req_id", rid, "error", err, "raw_bytes", len(raw),
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if len(cc.Choices) == 0 {
		c.log.Error("llm."+op+".no_choices",
			"req_id", rid,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return "", fmt.Errorf("no choices in chat response")
	}

	content := strings.TrimSpace(cc.Choices[0].Message.Content)
	c.log.Info("llm."+op+".ok",
		"req_id", rid,
		"content_len", len(content),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return content, nil
}

func (c *Client) post(ctx context.Context, url string, body any) ([]byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat http error: %w", err)
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			c.log.Warn("llm.http.response_body_close_error", "error", err)
		}
	}(resp.Body)

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read chat response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("chat status %d: %s", resp.StatusCode, truncate(string(raw), 512))
	}
	return raw, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func mustJSON(v any) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}
