// Package http is the request/response layer: thin handlers that validate
// input, check admission, and translate to core calls.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"

	"mediaflow/internal/adapter/redis"
	"mediaflow/internal/domain"
	"mediaflow/internal/metrics"
)

// Server is the HTTP adapter for the download service.
type Server struct {
	svc     *domain.JobService
	limiter domain.RateLimiter
	runner  domain.ToolRunner
	stats   *metrics.Metrics
	ping    func(context.Context) error
	mux     *http.ServeMux
	server  *http.Server
}

// NewServer creates a new HTTP server. ping checks backing-store health and
// may be nil.
func NewServer(svc *domain.JobService, limiter domain.RateLimiter, runner domain.ToolRunner, stats *metrics.Metrics, ping func(context.Context) error, addr string) *Server {
	s := &Server{
		svc:     svc,
		limiter: limiter,
		runner:  runner,
		stats:   stats,
		ping:    ping,
		mux:     http.NewServeMux(),
	}
	s.routes()
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.mux,
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/info", s.limited(redis.ClassInfo, s.handleInfo))
	s.mux.HandleFunc("POST /api/download", s.limited(redis.ClassDownload, s.handleDownload))
	s.mux.HandleFunc("POST /api/stream", s.limited(redis.ClassDownload, s.handleStream))
	s.mux.HandleFunc("GET /api/status/{jobId}", s.limited(redis.ClassStatus, s.handleStatus))
	s.mux.HandleFunc("GET /api/download/{downloadId}/{filename}", s.handleFetch)
	s.mux.HandleFunc("DELETE /api/download/{jobId}", s.handleCancel)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", s.stats.Handler())
}

// limited wraps a handler with per-endpoint-class admission control.
func (s *Server) limited(class string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		decision := s.limiter.Allow(r.Context(), class, redis.ClientIP(r))
		if !decision.Allowed {
			if decision.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds())+1))
			}
			s.writeError(w, http.StatusTooManyRequests, "too many requests, please try again later")
			return
		}
		next(w, r)
	}
}

type infoRequest struct {
	URL string `json:"url"`
}

type downloadRequest struct {
	URL        string                  `json:"url"`
	Format     string                  `json:"format"`
	CustomName string                  `json:"customName,omitempty"`
	Subtitles  *domain.SubtitleOptions `json:"subtitleOptions,omitempty"`
}

// statusResponse is the JSON body for status polls.
type statusResponse struct {
	JobID    string         `json:"jobId"`
	State    string         `json:"state"`
	Progress float64        `json:"progress"`
	Attempts int            `json:"attempts"`
	Error    string         `json:"error,omitempty"`
	Result   *domain.Result `json:"result,omitempty"`
}

// errorResponse is the JSON error envelope.
type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	var req infoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	info, err := s.svc.FetchInfo(r.Context(), req.URL)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(info)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	s.stats.IncDownload("requested")
	var req downloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	result, err := s.svc.SubmitDownload(r.Context(), domain.SubmitRequest{
		URL:        req.URL,
		Format:     req.Format,
		CustomName: req.CustomName,
		Subtitles:  req.Subtitles,
	})
	if err != nil {
		s.stats.IncDownload("failed")
		s.writeDomainError(w, err)
		return
	}
	s.stats.IncDownload("queued")
	s.writeJSON(w, http.StatusOK, result)
}

var unsafeTitle = regexp.MustCompile(`[^a-zA-Z0-9]`)

// handleStream pipes the tool's output directly to the caller. This path
// bypasses the durable queue, cache, and breaker.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	s.stats.IncDownload("stream_requested")
	var req downloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.URL == "" || req.Format == "" {
		s.writeError(w, http.StatusBadRequest, "url and format are required")
		return
	}

	title := "download"
	if info, err := s.svc.FetchInfo(r.Context(), req.URL); err == nil {
		var meta struct {
			Title string `json:"title"`
		}
		if json.Unmarshal(info, &meta) == nil && meta.Title != "" {
			title = unsafeTitle.ReplaceAllString(meta.Title, "_")
		}
	}
	ext := strings.SplitN(strings.SplitN(req.Format, " ", 2)[0], "+", 2)[0]

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", title+"."+ext))
	w.Header().Set("Content-Type", "application/octet-stream")

	if err := s.runner.Stream(r.Context(), req.URL, req.Format, w); err != nil {
		// Headers are long gone; all we can do is log and close.
		log.Printf("stream %s: %v", req.URL, err)
		s.stats.IncDownload("stream_failed")
		return
	}
	s.stats.IncDownload("streamed")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Status(r.Context(), r.PathValue("jobId"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, statusResponse{
		JobID:    job.ID,
		State:    string(job.State),
		Progress: job.Progress,
		Attempts: job.Attempts,
		Error:    job.Error,
		Result:   job.Result,
	})
}

// handleFetch serves a completed artifact. The janitor may have purged the
// directory already; that is a not-found, never a crash.
func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	downloadID := r.PathValue("downloadId")
	filename := r.PathValue("filename")
	if strings.Contains(downloadID, "..") || strings.Contains(filename, "..") {
		s.writeError(w, http.StatusBadRequest, "invalid path")
		return
	}

	path := s.svc.ArtifactPath(downloadID, filename)
	if _, err := os.Stat(path); err != nil {
		s.stats.IncDownload("file_not_found")
		s.writeError(w, http.StatusNotFound, "file not found")
		return
	}
	s.stats.IncDownload("downloaded")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	http.ServeFile(w, r, path)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Cancel(r.Context(), r.PathValue("jobId")); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.stats.IncDownload("cancelled")
	s.writeJSON(w, http.StatusOK, map[string]string{"message": "Download cancelled"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ping != nil {
		if err := s.ping(r.Context()); err != nil {
			log.Printf("health check failed: %v", err)
			s.writeJSON(w, http.StatusInternalServerError,
				map[string]string{"status": "error", "message": err.Error()})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeDomainError maps the error taxonomy onto status codes.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrJobNotFound):
		s.writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, domain.ErrCircuitOpen):
		s.writeError(w, http.StatusServiceUnavailable, "service is currently unavailable, please try again later")
	case errors.Is(err, domain.ErrToolFailure):
		s.writeError(w, http.StatusInternalServerError, err.Error())
	default:
		log.Printf("internal error: %v", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
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
