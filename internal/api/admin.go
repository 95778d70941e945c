package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/scraperpro/orchestrator/internal/domain"
)

type proxyResponse struct {
	ID             int64               `json:"id"`
	Scheme         domain.ProxyScheme  `json:"scheme"`
	Host           string              `json:"host"`
	Port           int                 `json:"port"`
	Country        string              `json:"country,omitempty"`
	PoolTag        string              `json:"pool_tag,omitempty"`
	Priority       int                 `json:"priority"`
	Weight         float64             `json:"weight"`
	SuccessRate    float64             `json:"success_rate"`
	ResponseTimeMs float64             `json:"response_time_ms"`
	TotalRequests  int64               `json:"total_requests"`
	BreakerState   domain.BreakerState `json:"breaker_state"`
	CooldownUntil  *time.Time          `json:"cooldown_until,omitempty"`
	LastUsedAt     *time.Time          `json:"last_used_at,omitempty"`
	LastTestAt     *time.Time          `json:"last_test_at,omitempty"`
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.jobs.Stats(r.Context())
	if err != nil {
		s.log.Error("queue stats", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load queue stats")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pending":         stats.Pending,
		"in_progress":     stats.InProgress,
		"completed_today": stats.CompletedToday,
		"failed_today":    stats.FailedToday,
	})
}

func (s *Server) listProxies(w http.ResponseWriter, r *http.Request) {
	proxies, err := s.proxies.ListActive(r.Context())
	if err != nil {
		s.log.Error("list proxies", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list proxies")
		return
	}
	out := make([]proxyResponse, 0, len(proxies))
	for _, p := range proxies {
		// Credentials stay server-side.
		out = append(out, proxyResponse{
			ID:             p.ID,
			Scheme:         p.Scheme,
			Host:           p.Host,
			Port:           p.Port,
			Country:        p.Country,
			PoolTag:        p.PoolTag,
			Priority:       p.Priority,
			Weight:         p.Weight,
			SuccessRate:    p.SuccessRate,
			ResponseTimeMs: p.ResponseTimeMs,
			TotalRequests:  p.TotalRequests,
			BreakerState:   p.BreakerState,
			CooldownUntil:  p.CooldownUntil,
			LastUsedAt:     p.LastUsedAt,
			LastTestAt:     p.LastTestAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"proxies": out})
}

func (s *Server) schedulerStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.settings.Snapshot(r.Context())
	if err != nil {
		s.log.Error("settings snapshot", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load settings")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"paused":         snap.SchedulerPaused,
		"js_pages_limit": snap.JSPagesLimit,
		"js_pages_used":  snap.JSPagesUsed,
		"js_reset_day":   snap.JSResetDay,
	})
}

func (s *Server) pauseScheduler(w http.ResponseWriter, r *http.Request) {
	s.setSchedulerPaused(w, r, true)
}

func (s *Server) resumeScheduler(w http.ResponseWriter, r *http.Request) {
	s.setSchedulerPaused(w, r, false)
}

func (s *Server) setSchedulerPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	if err := s.settings.SetSchedulerPaused(r.Context(), paused); err != nil {
		s.log.Error("set scheduler paused", zap.Bool("paused", paused), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to update scheduler state")
		return
	}
	// Without this the cached snapshot keeps claiming until the refresh
	// window rolls over.
	if s.cache != nil {
		s.cache.Invalidate()
	}
	s.log.Info("scheduler state changed", zap.Bool("paused", paused))
	writeJSON(w, http.StatusOK, map[string]any{"paused": paused})
}
