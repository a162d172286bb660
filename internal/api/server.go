// Package api exposes the HTTP interface for the scan service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/aaj441/wcag-ai-platform-sub010/internal/batch"
	"github.com/aaj441/wcag-ai-platform-sub010/internal/config"
	"github.com/aaj441/wcag-ai-platform-sub010/internal/queue"
	"github.com/aaj441/wcag-ai-platform-sub010/internal/scan"
)

// Server wires HTTP handlers to the queue and the batch runner.
type Server struct {
	router chi.Router
	queue  *queue.Queue
	runner *batch.Runner
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(q *queue.Queue, runner *batch.Runner, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		queue:  q,
		runner: runner,
		cfg:    cfg,
		logger: logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey, logger))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/scans", func(r chi.Router) {
			r.Post("/", s.submitScan)
			r.Post("/bulk", s.submitScansBulk)
			r.Get("/", s.listScans)
			r.Get("/stats", s.getStats)
			r.Post("/clear", s.clearCompleted)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getScan)
				r.Post("/retry", s.retryScan)
			})
		})
		r.Route("/batches", func(r chi.Router) {
			r.Post("/", s.createBatch)
			r.Get("/{batch_id}", s.getBatch)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, s.logger)
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	health, err := s.queue.Health(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error(), s.logger)
		return
	}
	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health, s.logger)
}

type scanRequest struct {
	URL         string `json:"url"`
	Kind        string `json:"kind"`
	Priority    int    `json:"priority"`
	MaxAttempts int    `json:"max_attempts"`
	DelayMs     int    `json:"delay_ms"`
}

type bulkScanRequest struct {
	URLs        []string `json:"urls"`
	Priority    int      `json:"priority"`
	MaxAttempts int      `json:"max_attempts"`
}

func (s *Server) submitScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", s.logger)
		return
	}
	job, err := s.queue.AddScan(r.Context(), toScanRequest(req), queue.Options{
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
		Delay:       time.Duration(req.DelayMs) * time.Millisecond,
	})
	if err != nil {
		writeError(w, submitStatus(err), err.Error(), s.logger)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": job.ID, "state": job.State}, s.logger)
}

func (s *Server) submitScansBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", s.logger)
		return
	}
	if len(req.URLs) == 0 {
		writeError(w, http.StatusBadRequest, "urls required", s.logger)
		return
	}
	reqs := make([]queue.ScanRequest, len(req.URLs))
	for i, u := range req.URLs {
		reqs[i] = queue.ScanRequest{Kind: scan.KindSiteScan, URL: u}
	}
	jobs, err := s.queue.AddScansBulk(r.Context(), reqs, queue.Options{
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
	}, nil)
	if err != nil {
		writeError(w, submitStatus(err), err.Error(), s.logger)
		return
	}
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_ids": ids}, s.logger)
}

func (s *Server) getScan(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.queue.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job}, s.logger)
}

func (s *Server) listScans(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", s.logger)
			return
		}
		limit = n
	}
	state := scan.JobState(r.URL.Query().Get("state"))
	jobs, err := s.queue.RecentJobs(r.Context(), limit, state)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs}, s.logger)
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), s.logger)
		return
	}
	writeJSON(w, http.StatusOK, stats, s.logger)
}

func (s *Server) retryScan(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.queue.RetryFailedJob(r.Context(), jobID); err != nil {
		writeError(w, http.StatusNotFound, err.Error(), s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "state": string(scan.JobStateWaiting)}, s.logger)
}

func (s *Server) clearCompleted(w http.ResponseWriter, r *http.Request) {
	purged, err := s.queue.Clear(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"purged": purged}, s.logger)
}

type batchRequest struct {
	URLs []string `json:"urls"`
}

func (s *Server) createBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", s.logger)
		return
	}
	job, err := s.runner.CreateAuditJob(req.URLs)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	writeJSON(w, http.StatusAccepted, job, s.logger)
}

func (s *Server) getBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batch_id")
	job, err := s.runner.GetJobStatus(batchID)
	if err != nil {
		if errors.Is(err, batch.ErrNotFound) {
			writeError(w, http.StatusNotFound, "batch job not found", s.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error(), s.logger)
		return
	}
	writeJSON(w, http.StatusOK, job, s.logger)
}

func toScanRequest(req scanRequest) queue.ScanRequest {
	kind := scan.JobKind(req.Kind)
	if kind == "" {
		kind = scan.KindSiteScan
	}
	return queue.ScanRequest{Kind: kind, URL: req.URL}
}

func submitStatus(err error) int {
	switch {
	case errors.Is(err, scan.ErrInvalidURL):
		return http.StatusBadRequest
	case errors.Is(err, queue.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error", logger)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized", logger)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string, logger *zap.Logger) {
	writeJSON(w, status, map[string]string{"error": msg}, logger)
}
