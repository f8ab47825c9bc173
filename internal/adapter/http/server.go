package http

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cwygoda/typesetter/internal/adapter/blob"
	"github.com/cwygoda/typesetter/internal/adapter/notify"
	"github.com/cwygoda/typesetter/internal/domain"
	"github.com/cwygoda/typesetter/internal/logfields"
	"github.com/cwygoda/typesetter/internal/messages"
)

// Retrier resets a failed job so it can be dispatched again.
type Retrier interface {
	PrepareRetry(ctx context.Context, jobID int64) error
}

// Waker nudges the worker pool to poll immediately.
type Waker interface {
	Wake()
}

// Options configure the job API.
type Options struct {
	// Secret enables X-Timestamp/X-Signature verification of submissions.
	Secret        string
	MaxUploadSize int64
	// Locale renders suggestions for jobs whose settings carry no language.
	Locale  string
	Metrics http.Handler
}

// Server is the HTTP adapter for the job API.
type Server struct {
	svc     *domain.JobService
	blobs   domain.BlobStore
	retrier Retrier
	waker   Waker
	opts    Options
	logger  *slog.Logger
	mux     *http.ServeMux
	server  *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(svc *domain.JobService, blobs domain.BlobStore, retrier Retrier, waker Waker, addr string, opts Options, logger *slog.Logger) *Server {
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = 100 << 20
	}
	if opts.Locale == "" {
		opts.Locale = "en"
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		svc:     svc,
		blobs:   blobs,
		retrier: retrier,
		waker:   waker,
		opts:    opts,
		logger:  logger,
		mux:     http.NewServeMux(),
	}
	s.routes()
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /projects/{project}/typeset", s.handleTypeset)
	s.mux.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("POST /jobs/{id}/retry", s.handleRetry)
	s.mux.HandleFunc("GET /jobs/{id}/output", s.handleOutput)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	if s.opts.Metrics != nil {
		s.mux.Handle("GET /metrics", s.opts.Metrics)
	}
}

// jobResponse is the JSON response for job endpoints.
type jobResponse struct {
	ID          int64            `json:"id"`
	ProjectID   string           `json:"project_id"`
	SourceName  string           `json:"source_name"`
	Status      string           `json:"status"`
	Step        string           `json:"step"`
	Progress    int              `json:"progress"`
	Runs        int              `json:"runs"`
	Settings    domain.Settings  `json:"settings"`
	Cover       domain.CoverInfo `json:"cover"`
	ErrorKind   string           `json:"error_kind,omitempty"`
	ErrorStep   string           `json:"error_step,omitempty"`
	Error       string           `json:"error_message,omitempty"`
	Suggestions []string         `json:"suggestions,omitempty"`
	PageCount   int              `json:"page_count,omitempty"`
	Quality     string           `json:"quality,omitempty"`
	Warnings    []string         `json:"warnings,omitempty"`
	OutputURL   string           `json:"output_url,omitempty"`
	DurationMS  int64            `json:"duration_ms,omitempty"`
	CreatedAt   string           `json:"created_at"`
	UpdatedAt   string           `json:"updated_at"`
}

// errorResponse is the JSON error response.
type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleTypeset(w http.ResponseWriter, r *http.Request) {
	project := strings.TrimSpace(r.PathValue("project"))
	if project == "" || strings.ContainsAny(project, `/\`) || project == "." || project == ".." {
		s.writeError(w, http.StatusBadRequest, "invalid project")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadSize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	if s.opts.Secret != "" {
		if err := s.verifySignature(r, body); err != nil {
			s.logger.Warn("submission verification failed", logfields.Project(project), logfields.Error(err))
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
	}

	r.Body = io.NopCloser(bytes.NewReader(body))
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.writeError(w, http.StatusBadRequest, "expected multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read file")
		return
	}

	settings := domain.DefaultSettings()
	if raw := r.FormValue("settings"); raw != "" {
		if err := decodeStrict(raw, &settings); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid settings: "+err.Error())
			return
		}
	}
	var cover domain.CoverInfo
	if raw := r.FormValue("cover"); raw != "" {
		if err := decodeStrict(raw, &cover); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid cover: "+err.Error())
			return
		}
	}

	name := uploadName(header.Filename)
	key, err := blob.CleanKey(fmt.Sprintf("jobs/%s/uploads/%s/%s", project, uuid.NewString(), name))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid file name")
		return
	}
	if _, err := s.blobs.Put(r.Context(), key, data, header.Header.Get("Content-Type")); err != nil {
		s.logger.Error("store upload failed", logfields.Project(project), logfields.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	job, err := s.svc.Submit(r.Context(), domain.NewJob{
		ProjectID:  project,
		SourceKey:  key,
		SourceName: name,
		Settings:   settings,
		Cover:      cover,
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidJob) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("submit failed", logfields.Project(project), logfields.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("job submitted", logfields.JobID(job.ID), logfields.Project(project), slog.String("source", name), slog.Int("bytes", len(data)))
	s.wake()
	s.writeJSON(w, http.StatusAccepted, s.jobToResponse(job))
}

const maxTimestampSkew = 5 * time.Minute

func (s *Server) verifySignature(r *http.Request, body []byte) error {
	timestamp := r.Header.Get("X-Timestamp")
	if timestamp == "" {
		return fmt.Errorf("missing X-Timestamp header")
	}

	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return fmt.Errorf("invalid X-Timestamp: must be ISO8601/RFC3339 format")
	}

	skew := time.Since(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > maxTimestampSkew {
		return fmt.Errorf("X-Timestamp too far from current time (skew: %v, max: %v)", skew.Truncate(time.Second), maxTimestampSkew)
	}

	signature := r.Header.Get("X-Signature")
	if signature == "" {
		return fmt.Errorf("missing X-Signature header")
	}

	expected := notify.Sign(timestamp, body, s.opts.Secret)
	if subtle.ConstantTimeCompare([]byte(signature), []byte(expected)) != 1 {
		return fmt.Errorf("invalid signature")
	}
	return nil
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, s.jobToResponse(job))
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if !job.CanRetry() {
		s.writeError(w, http.StatusConflict, fmt.Sprintf("job is %s, only failed jobs can be retried", job.Status))
		return
	}

	if err := s.retrier.PrepareRetry(r.Context(), job.ID); err != nil {
		if errors.Is(err, domain.ErrJobNotRetryable) {
			s.writeError(w, http.StatusConflict, "job is not in a failed state")
			return
		}
		s.logger.Error("retry failed", logfields.JobID(job.ID), logfields.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.wake()

	id := job.ID
	job, err := s.svc.Get(r.Context(), id)
	if err != nil {
		s.logger.Error("get job error", logfields.JobID(id), logfields.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusAccepted, s.jobToResponse(job))
}

func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if job.Status != domain.StatusCompleted || job.OutputKey == "" {
		s.writeError(w, http.StatusNotFound, "output not available")
		return
	}

	pdf, err := s.blobs.Get(r.Context(), job.OutputKey)
	if err != nil {
		if errors.Is(err, domain.ErrBlobNotFound) {
			s.writeError(w, http.StatusNotFound, "output not available")
			return
		}
		s.logger.Error("read output failed", logfields.JobID(job.ID), logfields.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Length", strconv.Itoa(len(pdf)))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", outputName(job.SourceName)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pdf)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (*domain.Job, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid job ID")
		return nil, false
	}

	job, err := s.svc.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return nil, false
		}
		s.logger.Error("get job error", logfields.JobID(id), logfields.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	return job, true
}

func (s *Server) wake() {
	if s.waker != nil {
		s.waker.Wake()
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) jobToResponse(job *domain.Job) jobResponse {
	resp := jobResponse{
		ID:         job.ID,
		ProjectID:  job.ProjectID,
		SourceName: job.SourceName,
		Status:     string(job.Status),
		Step:       string(job.Step),
		Progress:   job.Progress,
		Runs:       job.Runs,
		Settings:   job.Settings,
		Cover:      job.Cover,
		PageCount:  job.PageCount,
		Quality:    string(job.Quality),
		Warnings:   job.Warnings,
		DurationMS: job.DurationMS,
		CreatedAt:  job.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:  job.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if job.Status == domain.StatusCompleted {
		resp.OutputURL = fmt.Sprintf("/jobs/%d/output", job.ID)
	}
	if job.Status == domain.StatusFailed {
		locale := job.Settings.Language
		if locale == "" {
			locale = s.opts.Locale
		}
		loc := messages.New(locale)
		resp.ErrorKind = string(job.ErrorKind)
		resp.ErrorStep = string(job.ErrorStep)
		resp.Error = job.ErrorMessage
		if job.ErrorMessage == domain.InterruptedMessage {
			resp.Error = loc.Interrupted()
		}
		resp.Suggestions = loc.Suggestions(job.ErrorStep)
	}
	return resp
}

// decodeStrict decodes a JSON form field, rejecting unknown keys.
func decodeStrict(raw string, v any) error {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if strings.HasPrefix(err.Error(), "json: unknown field") {
			return fmt.Errorf("%w: %s", domain.ErrUnknownField, strings.TrimPrefix(err.Error(), "json: unknown field "))
		}
		return err
	}
	return nil
}

// uploadName reduces a client file name to a safe base name.
func uploadName(name string) string {
	name = path.Base(strings.ReplaceAll(name, `\`, "/"))
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == "/" || name == ".." {
		return "upload"
	}
	return name
}

func outputName(source string) string {
	stem := strings.TrimSuffix(source, path.Ext(source))
	if stem == "" {
		stem = "output"
	}
	return stem + ".pdf"
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Addr returns the server address.
func (s *Server) Addr() string {
	return s.server.Addr
}
