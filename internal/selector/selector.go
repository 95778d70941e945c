// Package selector picks the proxy a request should egress through. It
// combines the store's health-ranked candidates, sticky bindings shared
// through Redis, and token bucket admission into one Select call.
package selector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/scraperpro/orchestrator/internal/clock"
	"github.com/scraperpro/orchestrator/internal/domain"
)

// ErrPoolExhausted is returned when no proxy satisfies the constraints.
// Jobs hitting this stay pending rather than consuming a retry.
var ErrPoolExhausted = errors.New("proxy pool exhausted")

// CandidateSource lists selectable proxies; satisfied by
// postgres.ProxyStore.
type CandidateSource interface {
	Candidates(ctx context.Context, country, poolTag string) ([]*domain.Proxy, error)
}

// StickyBinder is the shared binding table; satisfied by
// coordination.Coordinator.
type StickyBinder interface {
	BindSticky(ctx context.Context, jobID int64, affinityKey string, proxyID int64, ttl time.Duration) (int64, bool, error)
	ReleaseSticky(ctx context.Context, jobID int64, affinityKey string) error
}

// Admitter blocks until the proxy's shared rate cap grants a slot;
// satisfied by ratelimit.Limiter.
type Admitter interface {
	Wait(ctx context.Context, p *domain.Proxy, rateOverride float64) error
}

// Constraints narrow the candidate set for one selection.
type Constraints struct {
	JobID       int64
	Country     string
	PoolTag     string
	Rotation    domain.RotationMode
	StickyTTL   time.Duration
	RPSOverride float64
}

// Selector picks and admits proxies.
type Selector struct {
	source CandidateSource
	sticky StickyBinder
	admit  Admitter
	clock  clock.Clock
	log    *zap.Logger
}

// New constructs a Selector.
func New(source CandidateSource, sticky StickyBinder, admit Admitter, clk clock.Clock, log *zap.Logger) *Selector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Selector{source: source, sticky: sticky, admit: admit, clock: clk, log: log}
}

// Select returns a proxy satisfying the constraints, waiting on rate
// admission before returning. affinityKey scopes stickiness (typically
// the target domain); it is ignored unless rotation is sticky.
//
// Sticky selection converges across workers: the first selection for an
// affinity key binds it, and later selections reuse the binding while it
// lives and the proxy stays healthy. A binding to a proxy that has since
// dropped out of the candidate set is released and rebound.
func (s *Selector) Select(ctx context.Context, c Constraints, affinityKey string) (*domain.Proxy, error) {
	candidates, err := s.source.Candidates(ctx, c.Country, c.PoolTag)
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}

	now := s.clock.Now()
	eligible := candidates[:0]
	for _, p := range candidates {
		if p.Selectable(now) {
			eligible = append(eligible, p)
		}
	}
	if len(eligible) == 0 {
		return nil, ErrPoolExhausted
	}

	chosen := eligible[0]
	if c.Rotation == domain.RotateSticky && affinityKey != "" {
		chosen, err = s.selectSticky(ctx, c, affinityKey, eligible)
		if err != nil {
			return nil, err
		}
	}

	if err := s.admit.Wait(ctx, chosen, c.RPSOverride); err != nil {
		return nil, err
	}
	return chosen, nil
}

func (s *Selector) selectSticky(ctx context.Context, c Constraints, affinityKey string, eligible []*domain.Proxy) (*domain.Proxy, error) {
	best := eligible[0]
	boundID, created, err := s.sticky.BindSticky(ctx, c.JobID, affinityKey, best.ID, c.StickyTTL)
	if err != nil {
		return nil, err
	}
	if created || boundID == best.ID {
		return best, nil
	}

	for _, p := range eligible {
		if p.ID == boundID {
			return p, nil
		}
	}

	// The bound proxy fell out of the eligible set (breaker tripped,
	// deactivated, cooldown). Drop the binding and rebind to the best
	// current candidate.
	s.log.Debug("sticky binding stale, rebinding",
		zap.Int64("job_id", c.JobID),
		zap.String("affinity_key", affinityKey),
		zap.Int64("stale_proxy_id", boundID),
	)
	if err := s.sticky.ReleaseSticky(ctx, c.JobID, affinityKey); err != nil {
		return nil, err
	}
	boundID, _, err = s.sticky.BindSticky(ctx, c.JobID, affinityKey, best.ID, c.StickyTTL)
	if err != nil {
		return nil, err
	}
	for _, p := range eligible {
		if p.ID == boundID {
			return p, nil
		}
	}
	// Another worker rebound to a proxy we cannot see; fall back to our
	// best candidate for this request only.
	return best, nil
}
