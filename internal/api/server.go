package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pcallen/catalogue-harvester/internal/config"
	"github.com/pcallen/catalogue-harvester/internal/dispatch"
	"github.com/pcallen/catalogue-harvester/internal/harvest"
	"github.com/pcallen/catalogue-harvester/internal/logging"
	"github.com/pcallen/catalogue-harvester/internal/metrics"
	"github.com/pcallen/catalogue-harvester/internal/source/qs"
)

// Job names recorded for API-submitted runs. The CLI records the same
// names for its equivalent commands, so job history reads uniformly.
const (
	jobNameCrawl      = "university_rankings_crawl"
	jobNameFileImport = "file_import"
)

const (
	readinessTimeout      = 3 * time.Second
	defaultRequestTimeout = 60 * time.Second
)

// SourceBuilder constructs candidate sources for submitted jobs. The
// app layer implements it with the shared transport and archive wired
// in, so handlers never touch those dependencies directly.
type SourceBuilder interface {
	RankingsFeed(cfg qs.Config) (harvest.Source, error)
	FileSource(path string) (harvest.Source, error)
}

// Server wires HTTP handlers to the dispatcher and the record store.
type Server struct {
	router     chi.Router
	store      harvest.RecordStore
	dispatcher *dispatch.Dispatcher
	sources    SourceBuilder
	feed       config.FeedConfig
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes. The feed
// config supplies defaults for request fields the caller omits.
func NewServer(
	store harvest.RecordStore,
	dispatcher *dispatch.Dispatcher,
	sources SourceBuilder,
	cfg config.APIConfig,
	feed config.FeedConfig,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:      store,
		dispatcher: dispatcher,
		sources:    sources,
		feed:       feed,
		logger:     logger,
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.submitJob)
			r.Get("/{job_id}", s.getJob)
		})
		r.Get("/records", s.listRecords)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("readiness probe failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type jobRequest struct {
	Source string    `json:"source"`
	Params jobParams `json:"params"`
}

type jobParams struct {
	Limit         *int   `json:"limit"`
	MaxRank       int    `json:"max_rank"`
	PageURL       string `json:"page_url"`
	MainURL       string `json:"main_url"`
	IndicatorsURL string `json:"indicators_url"`
	Path          string `json:"path"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	name, src, metadata, err := s.buildJob(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobID, err := s.store.CreateJob(r.Context(), name, harvest.JobStatusQueued, metadata)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("create job record: %v", err))
		return
	}
	if err := s.dispatcher.TryEnqueue(dispatch.Task{JobID: jobID, Name: name, Source: src}); err != nil {
		s.failUnqueuedJob(r.Context(), jobID, err)
		switch {
		case errors.Is(err, dispatch.ErrQueueFull):
			writeError(w, http.StatusTooManyRequests, "job queue is full")
		case errors.Is(err, dispatch.ErrClosed):
			writeError(w, http.StatusServiceUnavailable, "dispatcher is shutting down")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": jobID,
		"status": string(harvest.JobStatusQueued),
	})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, harvest.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "fetch job record")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

// buildJob resolves a submission into a job name, a runnable source,
// and the metadata stored on the job record.
func (s *Server) buildJob(req jobRequest) (string, harvest.Source, map[string]any, error) {
	switch req.Source {
	case "qs":
		cfg := s.feedConfig(req.Params)
		src, err := s.sources.RankingsFeed(cfg)
		if err != nil {
			return "", nil, nil, fmt.Errorf("build rankings feed: %w", err)
		}
		metadata := map[string]any{"source": "qs", "limit": cfg.Limit}
		if cfg.MainURL != "" {
			metadata["main_url"] = cfg.MainURL
		} else {
			metadata["page_url"] = cfg.PageURL
		}
		if cfg.MaxRank > 0 {
			metadata["max_rank"] = cfg.MaxRank
		}
		return jobNameCrawl, src, metadata, nil
	case "file":
		if req.Params.Path == "" {
			return "", nil, nil, errors.New("path is required for file jobs")
		}
		src, err := s.sources.FileSource(req.Params.Path)
		if err != nil {
			return "", nil, nil, fmt.Errorf("build file source: %w", err)
		}
		metadata := map[string]any{"source": "file", "path": req.Params.Path}
		return jobNameFileImport, src, metadata, nil
	case "":
		return "", nil, nil, errors.New("source is required")
	default:
		return "", nil, nil, fmt.Errorf("unknown source %q", req.Source)
	}
}

// feedConfig merges request params over the configured feed defaults.
// A request naming any endpoint takes the endpoint trio wholesale so a
// caller-supplied page URL is not short-circuited by a configured main
// URL.
func (s *Server) feedConfig(p jobParams) qs.Config {
	cfg := qs.Config{
		PageURL:       p.PageURL,
		MainURL:       p.MainURL,
		IndicatorsURL: p.IndicatorsURL,
		MaxRank:       p.MaxRank,
	}
	if p.PageURL == "" && p.MainURL == "" && p.IndicatorsURL == "" {
		cfg.PageURL = s.feed.PageURL
		cfg.MainURL = s.feed.MainURL
		cfg.IndicatorsURL = s.feed.IndicatorsURL
	}
	if p.Limit != nil {
		cfg.Limit = *p.Limit
	} else {
		cfg.Limit = s.feed.Limit
	}
	return cfg
}

// failUnqueuedJob marks a job the dispatcher refused so its record does
// not sit in queued forever.
func (s *Server) failUnqueuedJob(ctx context.Context, jobID string, cause error) {
	update := harvest.JobUpdate{Status: harvest.JobStatusFailed, ErrorText: cause.Error()}
	if err := s.store.UpdateJob(ctx, jobID, update); err != nil {
		s.logger.Warn("could not mark refused job failed",
			zap.String("job_id", jobID), zap.Error(err))
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
					writeError(w, http.StatusInternalServerError, "internal server error")
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

type requestIDKey struct{}

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

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.L.Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
