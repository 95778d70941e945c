package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/scraperpro/orchestrator/internal/domain"
	"github.com/scraperpro/orchestrator/internal/store/postgres"
)

type submitJobRequest struct {
	URL                string   `json:"url"`
	CountryFilter      string   `json:"country_filter"`
	LangFilter         string   `json:"lang_filter"`
	Theme              string   `json:"theme"`
	QueryGroupID       int64    `json:"query_group_id"`
	CustomKeywords     []string `json:"custom_keywords"`
	LogicMode          string   `json:"logic_mode"`
	MinMatches         int      `json:"min_matches"`
	UseJS              bool     `json:"use_js"`
	MaxPagesPerDomain  int      `json:"max_pages_per_domain"`
	TargetContactCount int      `json:"target_contact_count"`
	Priority           int      `json:"priority"`
	MaxRetries         int      `json:"max_retries"`
	RetryStrategy      string   `json:"retry_strategy"`
	RetryBaseSeconds   int      `json:"retry_base_seconds"`
	RotationMode       string   `json:"rotation_mode"`
	StickyTTLSeconds   int      `json:"sticky_ttl_seconds"`
	RPSPerProxy        float64  `json:"rps_per_proxy"`
	Notes              string   `json:"notes"`
}

type jobResponse struct {
	ID                int64                              `json:"id"`
	URL               string                             `json:"url"`
	Status            domain.JobStatus                   `json:"status"`
	Priority          int                                `json:"priority"`
	RetryCount        int                                `json:"retry_count"`
	MaxRetries        int                                `json:"max_retries"`
	NextRetryAt       *time.Time                         `json:"next_retry_at,omitempty"`
	PhaseStatus       map[domain.Phase]domain.PhaseState `json:"phase_status"`
	ContactsExtracted int                                `json:"contacts_extracted"`
	LastError         string                             `json:"last_error,omitempty"`
	LastRunAt         *time.Time                         `json:"last_run_at,omitempty"`
	CreatedAt         time.Time                          `json:"created_at"`
	UpdatedAt         time.Time                          `json:"updated_at"`
}

type runResponse struct {
	ID           string           `json:"id"`
	Status       domain.RunStatus `json:"status"`
	StartedAt    time.Time        `json:"started_at"`
	FinishedAt   *time.Time       `json:"finished_at,omitempty"`
	PagesCrawled int64            `json:"pages_crawled"`
	ProxiesUsed  int              `json:"proxies_used"`
	BytesFetched int64            `json:"bytes_fetched"`
	ErrorText    string           `json:"error_text,omitempty"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	job, err := s.toJob(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	saved, err := s.jobs.Submit(r.Context(), job)
	if err != nil {
		s.log.Error("submit job", zap.String("url", req.URL), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to submit job")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": toJobResponse(saved)})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := parseJobID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := s.jobs.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, postgres.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.log.Error("get job", zap.Int64("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	payload := map[string]any{"job": toJobResponse(job)}
	if run, err := s.runs.LatestForJob(r.Context(), jobID); err == nil {
		payload["latest_run"] = toRunResponse(run)
	} else if !errors.Is(err, postgres.ErrRunNotFound) {
		s.log.Error("latest run", zap.Int64("job_id", jobID), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	s.jobStatusChange(w, r, func(jobID int64) error {
		return s.jobs.SoftDelete(r.Context(), jobID)
	})
}

func (s *Server) pauseJob(w http.ResponseWriter, r *http.Request) {
	s.jobStatusChange(w, r, func(jobID int64) error {
		return s.jobs.SetPaused(r.Context(), jobID, true)
	})
}

func (s *Server) resumeJob(w http.ResponseWriter, r *http.Request) {
	s.jobStatusChange(w, r, func(jobID int64) error {
		return s.jobs.SetPaused(r.Context(), jobID, false)
	})
}

func (s *Server) jobStatusChange(w http.ResponseWriter, r *http.Request, apply func(jobID int64) error) {
	jobID, err := parseJobID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := apply(jobID); err != nil {
		if errors.Is(err, postgres.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.log.Error("job status change", zap.Int64("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to update job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) toJob(req submitJobRequest) (*domain.Job, error) {
	if req.URL == "" {
		return nil, errors.New("url is required")
	}

	logicMode := domain.LogicMode(req.LogicMode)
	switch logicMode {
	case "":
		logicMode = domain.LogicOr
	case domain.LogicOr, domain.LogicAnd, domain.LogicMultiple:
	default:
		return nil, fmt.Errorf("unknown logic mode %q", req.LogicMode)
	}

	strategy := domain.RetryStrategy(req.RetryStrategy)
	switch strategy {
	case "":
		strategy = domain.RetryExponential
	case domain.RetryExponential, domain.RetryLinear, domain.RetryFixed:
	default:
		return nil, fmt.Errorf("unknown retry strategy %q", req.RetryStrategy)
	}

	rotation := domain.RotationMode(req.RotationMode)
	switch rotation {
	case "":
		rotation = domain.RotatePerSpider
	case domain.RotatePerSpider, domain.RotatePerRequest, domain.RotateSticky:
	default:
		return nil, fmt.Errorf("unknown rotation mode %q", req.RotationMode)
	}

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.cfg.DefaultMaxRetries
	}
	retryBase := req.RetryBaseSeconds
	if retryBase <= 0 {
		retryBase = s.cfg.DefaultRetryBase
	}

	phases := make(map[domain.Phase]domain.PhaseState, len(domain.Phases()))
	for _, p := range domain.Phases() {
		phases[p] = domain.PhasePending
	}

	return &domain.Job{
		URL:                req.URL,
		CountryFilter:      req.CountryFilter,
		LangFilter:         req.LangFilter,
		Theme:              req.Theme,
		QueryGroupID:       req.QueryGroupID,
		CustomKeywords:     req.CustomKeywords,
		LogicMode:          logicMode,
		MinMatches:         req.MinMatches,
		UseJS:              req.UseJS,
		MaxPagesPerDomain:  req.MaxPagesPerDomain,
		TargetContactCount: req.TargetContactCount,
		Priority:           req.Priority,
		MaxRetries:         maxRetries,
		RetryStrategy:      strategy,
		RetryBaseSeconds:   retryBase,
		RotationMode:       rotation,
		StickyTTLSeconds:   req.StickyTTLSeconds,
		RPSPerProxy:        req.RPSPerProxy,
		PhaseStatus:        phases,
		Notes:              req.Notes,
	}, nil
}

func toJobResponse(job *domain.Job) jobResponse {
	return jobResponse{
		ID:                job.ID,
		URL:               job.URL,
		Status:            job.Status,
		Priority:          job.Priority,
		RetryCount:        job.RetryCount,
		MaxRetries:        job.MaxRetries,
		NextRetryAt:       job.NextRetryAt,
		PhaseStatus:       job.PhaseStatus,
		ContactsExtracted: job.ContactsExtracted,
		LastError:         job.LastError,
		LastRunAt:         job.LastRunAt,
		CreatedAt:         job.CreatedAt,
		UpdatedAt:         job.UpdatedAt,
	}
}

func toRunResponse(run *domain.JobRun) runResponse {
	return runResponse{
		ID:           run.ID,
		Status:       run.Status,
		StartedAt:    run.StartedAt,
		FinishedAt:   run.FinishedAt,
		PagesCrawled: run.PagesCrawled,
		ProxiesUsed:  run.ProxiesUsed,
		BytesFetched: run.BytesFetched,
		ErrorText:    run.ErrorText,
	}
}

func parseJobID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "job_id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid job id %q", raw)
	}
	return id, nil
}
