// Package dedup decides whether a discovered URL is worth processing.
// Decisions key off the SHA-256 hash of the normalized URL, and revisit
// scheduling backs off adaptively: unchanged content doubles the interval
// up to a cap, changed content resets it to the base.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/scraperpro/orchestrator/internal/clock"
	"github.com/scraperpro/orchestrator/internal/domain"
	"github.com/scraperpro/orchestrator/internal/store/postgres"
	"github.com/scraperpro/orchestrator/internal/urlnorm"
)

// Action is the tracker's verdict for a URL.
type Action string

// Tracker verdicts.
const (
	ActionProcess Action = "process"
	ActionSkip    Action = "skip"
	ActionRevisit Action = "revisit"
)

// Decision is the outcome of ShouldProcess.
type Decision struct {
	Action     Action
	SkipReason string
	// URLHash and NormalizedURL identify the dedup row for the later
	// RecordResult call.
	URLHash       string
	NormalizedURL string
}

// Store is the durable dedup layer; satisfied by postgres.SeenURLStore.
type Store interface {
	Get(ctx context.Context, urlHash string) (*domain.SeenURL, error)
	RecordSighting(ctx context.Context, urlHash, normalizedURL string, status domain.ProcessingStatus, skipReason string) (*domain.SeenURL, error)
	RecordResult(ctx context.Context, urlHash string, contentHash string, statusCode int, responseMs int64, status domain.ProcessingStatus, nextRevisitAfter time.Time) error
}

// Config bounds the revisit backoff.
type Config struct {
	// BaseInterval is the revisit interval for new or changed content.
	BaseInterval time.Duration
	// MaxInterval caps the doubling.
	MaxInterval time.Duration
}

// Tracker applies dedup and revisit policy.
type Tracker struct {
	store Store
	cfg   Config
	clock clock.Clock
	log   *zap.Logger
}

// New constructs a Tracker.
func New(store Store, cfg Config, clk clock.Clock, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{store: store, cfg: cfg, clock: clk, log: log}
}

// ShouldProcess decides what to do with a discovered URL:
//
//   - never seen: Process, and a pending row is recorded so concurrent
//     discoveries of the same URL converge on one row;
//   - seen with the revisit window still open: Skip("duplicate");
//   - seen with the window elapsed: Revisit.
//
// Repeated calls within a run are idempotent: the recorded sighting bumps
// counters but never flips an earlier verdict.
func (t *Tracker) ShouldProcess(ctx context.Context, rawURL string) (Decision, error) {
	normalized, err := urlnorm.Normalize(rawURL)
	if err != nil {
		return Decision{}, fmt.Errorf("normalize %q: %w", rawURL, err)
	}
	hash, err := urlnorm.Hash(rawURL)
	if err != nil {
		return Decision{}, err
	}

	existing, err := t.store.Get(ctx, hash)
	if err != nil && !errors.Is(err, postgres.ErrURLNotSeen) {
		return Decision{}, err
	}

	d := Decision{URLHash: hash, NormalizedURL: normalized}
	switch {
	case existing == nil:
		d.Action = ActionProcess
		if _, err := t.store.RecordSighting(ctx, hash, normalized, domain.URLProcessing, ""); err != nil {
			return Decision{}, err
		}
	case t.revisitDue(existing):
		d.Action = ActionRevisit
		if _, err := t.store.RecordSighting(ctx, hash, normalized, domain.URLProcessing, ""); err != nil {
			return Decision{}, err
		}
	default:
		d.Action = ActionSkip
		d.SkipReason = "duplicate"
		if _, err := t.store.RecordSighting(ctx, hash, normalized, domain.URLSkipped, d.SkipReason); err != nil {
			return Decision{}, err
		}
	}
	return d, nil
}

// RecordResult stores a fetch outcome and schedules the next revisit.
// Content that did not change since the last visit doubles the interval
// (capped); changed or first-seen content resets it to the base.
func (t *Tracker) RecordResult(ctx context.Context, urlHash, contentHash string, statusCode int, responseTime time.Duration) error {
	existing, err := t.store.Get(ctx, urlHash)
	if err != nil {
		return err
	}

	interval := t.cfg.BaseInterval
	if existing.ContentHash != "" && existing.ContentHash == contentHash {
		interval = t.nextInterval(existing)
	}

	status := domain.URLDone
	if statusCode >= 400 {
		status = domain.URLFailed
	}

	now := t.clock.Now()
	next := now.Add(interval)
	if err := t.store.RecordResult(ctx, urlHash, contentHash, statusCode,
		responseTime.Milliseconds(), status, next); err != nil {
		return err
	}
	t.log.Debug("url result recorded",
		zap.String("url_hash", urlHash),
		zap.Int("status_code", statusCode),
		zap.Time("next_revisit_after", next),
	)
	return nil
}

func (t *Tracker) revisitDue(rec *domain.SeenURL) bool {
	if rec.NextRevisitAfter == nil {
		// A row without a scheduled revisit is still being processed by
		// some worker; do not pile on.
		return false
	}
	return !rec.NextRevisitAfter.After(t.clock.Now())
}

// nextInterval doubles the previously applied interval, inferred from the
// gap between last_seen_at and the scheduled revisit.
func (t *Tracker) nextInterval(rec *domain.SeenURL) time.Duration {
	prev := t.cfg.BaseInterval
	if rec.NextRevisitAfter != nil {
		if gap := rec.NextRevisitAfter.Sub(rec.LastSeenAt); gap > prev {
			prev = gap
		}
	}
	next := prev * 2
	if t.cfg.MaxInterval > 0 && next > t.cfg.MaxInterval {
		next = t.cfg.MaxInterval
	}
	return next
}
