package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/scraperpro/orchestrator/internal/dedup"
	"github.com/scraperpro/orchestrator/internal/domain"
	"github.com/scraperpro/orchestrator/internal/health"
	"github.com/scraperpro/orchestrator/internal/progress"
)

// Fetch describes one completed request for bookkeeping purposes.
type Fetch struct {
	// URLHash links the fetch back to the dedup row; empty for requests
	// that never passed through ShouldProcess (probes, pagination).
	URLHash string
	// ContentHash is the SHA-256 of the fetched body on success.
	ContentHash string
	// StatusCode is the final HTTP status; zero when the request never
	// got a response.
	StatusCode int
	// RTT is the request round-trip time.
	RTT time.Duration
	// Err is the transport or parse failure, nil on success.
	Err error
}

// Tools is the per-phase bookkeeping surface handed to the engine. All
// methods are safe to call from the engine's own goroutines.
type Tools struct {
	w     *Worker
	job   *domain.Job
	runID string
	phase domain.Phase
	proxy *domain.Proxy
	host  string
}

// ShouldProcess asks the dedup tracker whether rawURL is worth fetching
// and records the decision on the progress stream.
func (t *Tools) ShouldProcess(ctx context.Context, rawURL string) (dedup.Decision, error) {
	d, err := t.w.deps.Dedup.ShouldProcess(ctx, rawURL)
	if err != nil {
		return d, err
	}
	t.w.emit(progress.Event{
		Kind:     progress.KindURLDecision,
		JobID:    t.job.ID,
		RunID:    t.runID,
		Decision: string(d.Action),
		Note:     d.SkipReason,
	})
	return d, nil
}

// RecordFetch folds one request outcome into proxy health, the error
// log, and the dedup record, returning the error category on failure.
func (t *Tools) RecordFetch(ctx context.Context, f Fetch) domain.ErrorCategory {
	success := f.Err == nil && (f.StatusCode == 0 || f.StatusCode < 400)

	var cat domain.ErrorCategory
	if !success {
		cat = t.w.deps.Errors.Record(ctx, f.Err, f.StatusCode, &t.job.ID, &t.proxy.ID)
	}

	wasOpen := t.proxy.BreakerState == domain.BreakerOpen
	if err := t.w.deps.Health.Record(ctx, t.proxy, health.Outcome{
		Success:    success,
		StatusCode: f.StatusCode,
		Category:   cat,
		RTT:        f.RTT,
	}); err != nil {
		t.w.log.Error("record proxy health", zap.Int64("proxy_id", t.proxy.ID), zap.Error(err))
	}
	if !wasOpen && t.proxy.BreakerState == domain.BreakerOpen && t.w.deps.Alerts != nil {
		t.w.deps.Alerts.ProxyQuarantined(ctx, t.proxy, t.w.deps.Clock.Now())
	}

	if f.URLHash != "" {
		if err := t.w.deps.Dedup.RecordResult(ctx, f.URLHash, f.ContentHash, f.StatusCode, f.RTT); err != nil {
			t.w.log.Error("record url result", zap.String("url_hash", f.URLHash), zap.Error(err))
		}
	}

	t.w.emit(progress.Event{
		Kind:     progress.KindProxyOutcome,
		JobID:    t.job.ID,
		RunID:    t.runID,
		ProxyID:  t.proxy.ID,
		Host:     t.host,
		Success:  success,
		Category: cat,
		Dur:      f.RTT,
	})
	return cat
}

// Checkpoint persists a resumable snapshot of the current phase.
func (t *Tools) Checkpoint(ctx context.Context, payload domain.CheckpointPayload) error {
	return t.w.deps.Checkpoints.Save(ctx, t.job.ID, t.runID, payload, t.w.cfg.CheckpointTTL)
}
