// Package compilerhttp exposes the compilation service over HTTP and
// provides the matching client used by the orchestrator.
package compilerhttp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cwygoda/typesetter/internal/compiler"
	"github.com/cwygoda/typesetter/internal/domain"
)

// PageCountHeader carries the page count of a successful compile.
const PageCountHeader = "X-Page-Count"

// Builder is the part of compiler.Service the server needs.
type Builder interface {
	Compile(ctx context.Context, source string, assets []domain.Asset) (compiler.Result, error)
	Validate(ctx context.Context, source string, assets []domain.Asset) (compiler.Result, error)
}

// Options tune the server.
type Options struct {
	MaxBodyBytes   int64
	RequestTimeout time.Duration
	Metrics        http.Handler
}

// Server is the compilation service HTTP adapter.
type Server struct {
	svc    Builder
	opts   Options
	router *chi.Mux
	server *http.Server
	logger *slog.Logger
}

// NewServer creates the compilation service server.
func NewServer(svc Builder, addr string, opts Options, logger *slog.Logger) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 200 << 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{svc: svc, opts: opts, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Post("/compile", s.handleCompile)
	r.Post("/validate", s.handleValidate)
	r.Get("/health", s.handleHealth)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}
	s.router = r

	s.server = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// compileRequest is the body of POST /compile and POST /validate. Asset
// data is base64 encoded.
type compileRequest struct {
	Source string         `json:"source"`
	Assets []domain.Asset `json:"assets"`
}

// failureResponse is the 422 body of a failed build.
type failureResponse struct {
	Success bool     `json:"success"`
	Log     string   `json:"log"`
	Errors  []string `json:"errors"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleCompile(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()

	res, err := s.svc.Compile(ctx, req.Source, req.Assets)
	if err != nil {
		s.logger.Error("compile failed", "req_id", middleware.GetReqID(r.Context()), "error", err)
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	if !res.Success {
		s.writeJSON(w, http.StatusUnprocessableEntity, failureResponse{Log: res.Log, Errors: res.Errors})
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	if res.PageCount >= 0 {
		w.Header().Set(PageCountHeader, strconv.Itoa(res.PageCount))
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(res.PDF)))
	w.WriteHeader(http.StatusOK)
	w.Write(res.PDF)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()

	res, err := s.svc.Validate(ctx, req.Source, req.Assets)
	if err != nil {
		s.logger.Error("validate failed", "req_id", middleware.GetReqID(r.Context()), "error", err)
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	status := http.StatusOK
	if !res.Success {
		status = http.StatusUnprocessableEntity
	}
	errs := res.Errors
	if errs == nil {
		errs = []string{}
	}
	s.writeJSON(w, status, failureResponse{Success: res.Success, Log: compiler.LogExcerpt(res.Log, 16<<10), Errors: errs})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request) (compileRequest, bool) {
	var req compileRequest
	body := http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request too large"})
			return req, false
		}
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON"})
		return req, false
	}
	if req.Source == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "source is required"})
		return req, false
	}
	return req, true
}

func (s *Server) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	if s.opts.RequestTimeout > 0 {
		return context.WithTimeout(r.Context(), s.opts.RequestTimeout)
	}
	return context.WithCancel(r.Context())
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http.request",
			"req_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
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
	s.router.ServeHTTP(w, r)
}
