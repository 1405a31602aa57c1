// Package api exposes the HTTP interface for the indexer service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitemap-indexer/internal/config"
	"github.com/JakeFAU/sitemap-indexer/internal/logging"
	"github.com/JakeFAU/sitemap-indexer/internal/metrics"
	"github.com/JakeFAU/sitemap-indexer/internal/pipeline"
	"github.com/JakeFAU/sitemap-indexer/internal/queue"
	"github.com/JakeFAU/sitemap-indexer/internal/scheduler"
	"github.com/JakeFAU/sitemap-indexer/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

// TraversalLister returns recent traversal reports.
type TraversalLister interface {
	List(sourceID string, limit int) []pipeline.TraversalReport
}

// JobControl lists and triggers scheduled jobs.
type JobControl interface {
	Jobs() []scheduler.JobInfo
	TriggerAsync(jobID string) error
}

// JobStats exposes in-process job counters.
type JobStats interface {
	Metrics() map[string]scheduler.JobMetrics
}

// QuotaReader reports quota discovery state.
type QuotaReader interface {
	Snapshot() []store.QuotaState
}

// QueueControl reads the submission queue and overrides priorities.
type QueueControl interface {
	Peek(ctx context.Context, siteID string, n int) ([]store.DiscoveredURL, error)
	SetManualPriority(ctx context.Context, id string, priority *int) (store.DiscoveredURL, error)
}

// Pinger reports whether a backing dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps groups the collaborators the handlers read from.
type Deps struct {
	Traversals TraversalLister
	Jobs       JobControl
	Stats      JobStats
	Executions store.ExecutionRepository
	Quotas     QuotaReader
	Queue      QueueControl
	// Ready is optional; nil reports ready.
	Ready Pinger
}

// Server wires HTTP handlers to the pipeline, scheduler and stores.
type Server struct {
	router chi.Router
	deps   Deps
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	s := &Server{
		deps:   deps,
		cfg:    cfg,
		logger: logging.OrNop(logger),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Get("/traversals", s.listTraversals)
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.listJobs)
			r.Get("/{job_id}", s.getJob)
			r.Post("/{job_id}/trigger", s.triggerJob)
		})
		r.Get("/quotas", s.listQuotas)
		r.Get("/queue", s.peekQueue)
		r.Put("/urls/{url_id}/priority", s.setPriority)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Ready.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			s.writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listTraversals(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.limitParam(w, r)
	if !ok {
		return
	}
	reports := s.deps.Traversals.List(r.URL.Query().Get("source_id"), limit)
	s.writeJSON(w, http.StatusOK, map[string]any{"traversals": reports})
}

type jobView struct {
	scheduler.JobInfo
	Metrics scheduler.JobMetrics `json:"metrics"`
}

func (s *Server) listJobs(w http.ResponseWriter, _ *http.Request) {
	stats := s.deps.Stats.Metrics()
	jobs := s.deps.Jobs.Jobs()
	out := make([]jobView, 0, len(jobs))
	for _, info := range jobs {
		out = append(out, jobView{JobInfo: info, Metrics: stats[info.ID]})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	idx := slices.IndexFunc(s.deps.Jobs.Jobs(), func(j scheduler.JobInfo) bool { return j.ID == jobID })
	if idx < 0 {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	limit, ok := s.limitParam(w, r)
	if !ok {
		return
	}
	history, err := s.deps.Executions.ListExecutions(r.Context(), jobID, limit)
	if err != nil {
		s.logger.Error("list executions failed", zap.String("job_id", jobID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"job":        jobView{JobInfo: s.deps.Jobs.Jobs()[idx], Metrics: s.deps.Stats.Metrics()[jobID]},
		"executions": history,
	})
}

func (s *Server) triggerJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	err := s.deps.Jobs.TriggerAsync(jobID)
	switch {
	case errors.Is(err, scheduler.ErrUnknownJob):
		s.writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, scheduler.ErrJobRunning):
		s.writeError(w, http.StatusConflict, "job already running")
	case err != nil:
		s.logger.Error("trigger failed", zap.String("job_id", jobID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to trigger job")
	default:
		s.logger.Info("job triggered via api", zap.String("job_id", jobID))
		s.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": "triggered"})
	}
}

func (s *Server) listQuotas(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"quotas": s.deps.Quotas.Snapshot()})
}

func (s *Server) peekQueue(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.limitParam(w, r)
	if !ok {
		return
	}
	urls, err := s.deps.Queue.Peek(r.Context(), r.URL.Query().Get("site_id"), limit)
	if err != nil {
		s.logger.Error("queue peek failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to read queue")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"urls": urls})
}

type priorityRequest struct {
	// Priority nil clears a manual override.
	Priority *int `json:"priority"`
}

func (s *Server) setPriority(w http.ResponseWriter, r *http.Request) {
	var req priorityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	urlID := chi.URLParam(r, "url_id")
	u, err := s.deps.Queue.SetManualPriority(r.Context(), urlID, req.Priority)
	switch {
	case errors.Is(err, queue.ErrInvalidPriority):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "url not found")
	case err != nil:
		s.logger.Error("set priority failed", zap.String("url_id", urlID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to set priority")
	default:
		s.writeJSON(w, http.StatusOK, map[string]any{"url": u})
	}
}

func (s *Server) limitParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	return min(n, maxListLimit), true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
