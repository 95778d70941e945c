// Package api exposes the HTTP admin surface: job submission and status,
// scheduler pause controls, queue statistics, proxy pool health, and
// Prometheus metrics.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/scraperpro/orchestrator/internal/config"
	"github.com/scraperpro/orchestrator/internal/domain"
	"github.com/scraperpro/orchestrator/internal/store/postgres"
)

// JobDirectory is the job queue surface the API needs.
type JobDirectory interface {
	Submit(ctx context.Context, job *domain.Job) (*domain.Job, error)
	Get(ctx context.Context, jobID int64) (*domain.Job, error)
	SetPaused(ctx context.Context, jobID int64, paused bool) error
	SoftDelete(ctx context.Context, jobID int64) error
	Stats(ctx context.Context) (postgres.QueueStats, error)
}

// RunDirectory resolves a job's most recent execution attempt.
type RunDirectory interface {
	LatestForJob(ctx context.Context, jobID int64) (*domain.JobRun, error)
}

// ProxyDirectory lists pool members with their health counters.
type ProxyDirectory interface {
	ListActive(ctx context.Context) ([]*domain.Proxy, error)
}

// SchedulerControl flips and reads the global scheduler switch.
type SchedulerControl interface {
	SetSchedulerPaused(ctx context.Context, paused bool) error
	Snapshot(ctx context.Context) (postgres.Settings, error)
}

// SettingsInvalidator drops the scheduler's cached settings snapshot so
// a pause takes effect before the refresh window elapses.
type SettingsInvalidator interface {
	Invalidate()
}

// Server wires HTTP handlers to the stores and scheduler controls.
type Server struct {
	router   chi.Router
	jobs     JobDirectory
	runs     RunDirectory
	proxies  ProxyDirectory
	settings SchedulerControl
	cache    SettingsInvalidator
	registry *prometheus.Registry
	cfg      config.SchedulerConfig
	log      *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	jobs JobDirectory,
	runs RunDirectory,
	proxies ProxyDirectory,
	settings SchedulerControl,
	cache SettingsInvalidator,
	registry *prometheus.Registry,
	cfg config.SchedulerConfig,
	log *zap.Logger,
) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		jobs:     jobs,
		runs:     runs,
		proxies:  proxies,
		settings: settings,
		cache:    cache,
		registry: registry,
		cfg:      cfg,
		log:      log,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(log))
	r.Use(recoverMiddleware(log))
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Get("/metrics", s.metrics)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.submitJob)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Delete("/", s.deleteJob)
				r.Post("/pause", s.pauseJob)
				r.Post("/resume", s.resumeJob)
			})
		})
		r.Get("/queue/stats", s.queueStats)
		r.Get("/proxies", s.listProxies)
		r.Route("/scheduler", func(r chi.Router) {
			r.Get("/", s.schedulerStatus)
			r.Post("/pause", s.pauseScheduler)
			r.Post("/resume", s.resumeScheduler)
		})
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
	// Settings live in Postgres; a readable snapshot proves the
	// database path end to end.
	if _, err := s.settings.Snapshot(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}
