// Package ratelimit admits requests against shared per-proxy token
// buckets. The bucket state lives in Redis so the cap holds across every
// worker process; this package adds the warm-up ramp and the blocking
// wait the selector relies on.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/scraperpro/orchestrator/internal/clock"
	"github.com/scraperpro/orchestrator/internal/domain"
)

// TokenTaker is the shared bucket; satisfied by coordination.Coordinator.
type TokenTaker interface {
	TakeToken(ctx context.Context, proxyID int64, rps float64, burst int, now time.Time) (bool, error)
}

// WarmupConfig shapes the ramp applied after a proxy starts cold or comes
// out of a cooldown.
type WarmupConfig struct {
	// Window is how long the ramp takes to reach the full rate.
	Window time.Duration
	// StartRPS is the rate at the beginning of the ramp.
	StartRPS float64
}

// EffectiveRate linearly interpolates between the warm-up start rate and
// the target over the window. Outside a ramp (sinceRecovery >= window, or
// no window configured) the target applies unchanged. The ramp only ever
// lowers the cap.
func (w WarmupConfig) EffectiveRate(target float64, sinceRecovery time.Duration) float64 {
	if w.Window <= 0 || sinceRecovery >= w.Window || target <= 0 {
		return target
	}
	if sinceRecovery < 0 {
		sinceRecovery = 0
	}
	start := w.StartRPS
	if start <= 0 || start > target {
		start = target
	}
	frac := float64(sinceRecovery) / float64(w.Window)
	return start + (target-start)*frac
}

// Limiter blocks callers until the shared bucket grants a token. Retries
// are paced locally so a starving worker does not hammer Redis.
type Limiter struct {
	bucket  TokenTaker
	warmup  WarmupConfig
	clock   clock.Clock
	started time.Time
	// retry pacing for the poll loop against the shared bucket
	poll *rate.Limiter
}

// NewLimiter constructs a Limiter. The limiter's own start time anchors
// warm-up for proxies with no recorded cooldown recovery.
func NewLimiter(bucket TokenTaker, warmup WarmupConfig, clk clock.Clock) *Limiter {
	return &Limiter{
		bucket:  bucket,
		warmup:  warmup,
		clock:   clk,
		started: clk.Now(),
		poll:    rate.NewLimiter(rate.Every(50*time.Millisecond), 1),
	}
}

// Wait blocks until a token is available for the proxy at the given rate
// cap, or the context expires. rateOverride > 0 replaces the proxy's
// rps_max (job-level override); otherwise the proxy's own cap applies.
func (l *Limiter) Wait(ctx context.Context, p *domain.Proxy, rateOverride float64) error {
	target := p.RPSMax
	if rateOverride > 0 {
		target = rateOverride
	}
	if target <= 0 {
		return nil
	}

	for {
		now := l.clock.Now()
		eff := l.warmup.EffectiveRate(target, now.Sub(l.recoveryAnchor(p)))
		burst := int(eff)
		if burst < 1 {
			burst = 1
		}

		ok, err := l.bucket.TakeToken(ctx, p.ID, eff, burst, now)
		if err != nil {
			return fmt.Errorf("rate admission: %w", err)
		}
		if ok {
			return nil
		}
		if err := l.poll.Wait(ctx); err != nil {
			return err
		}
	}
}

// recoveryAnchor is the moment the proxy last became usable: limiter
// start for a cold proxy, otherwise the end of its latest cooldown or
// open-breaker window.
func (l *Limiter) recoveryAnchor(p *domain.Proxy) time.Time {
	anchor := l.started
	if p.CooldownUntil != nil && p.CooldownUntil.After(anchor) {
		anchor = *p.CooldownUntil
	}
	if p.BreakerNextAttempt != nil && p.BreakerNextAttempt.After(anchor) {
		anchor = *p.BreakerNextAttempt
	}
	return anchor
}
