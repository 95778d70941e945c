// Package health maintains per-proxy health: success rate, response time,
// request counters, breaker state, and cooldowns. It sits between the
// request outcome and the durable proxy store.
package health

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/scraperpro/orchestrator/internal/breaker"
	"github.com/scraperpro/orchestrator/internal/clock"
	"github.com/scraperpro/orchestrator/internal/domain"
)

// Smoothing factors. The EWMA weights recent outcomes without letting one
// bad request erase a long success history.
const (
	successRateAlpha = 0.2
	rttAlpha         = 0.3
)

// ProxyWriter persists recomputed health fields.
type ProxyWriter interface {
	UpdateHealth(ctx context.Context, p *domain.Proxy) error
}

// Outcome is one request result attributed to a proxy.
type Outcome struct {
	Success    bool
	StatusCode int
	Category   domain.ErrorCategory
	RTT        time.Duration
}

// BlamesProxy reports whether the outcome counts against the proxy's
// health rather than the job. Rate limiting and blocking (429, 403) are
// proxy problems; other 4xx responses mean the target rejected the
// request itself.
func (o Outcome) BlamesProxy() bool {
	if o.Success {
		return false
	}
	switch o.StatusCode {
	case 429, 403:
		return true
	}
	switch o.Category {
	case domain.ErrNetwork, domain.ErrTimeout, domain.ErrProxy, domain.ErrHTTP5xx:
		return true
	}
	return false
}

// Recorder applies outcomes to proxy health and persists the result.
type Recorder struct {
	store           ProxyWriter
	breaker         breaker.Config
	failureCooldown time.Duration
	clock           clock.Clock
	log             *zap.Logger
}

// NewRecorder constructs a Recorder. failureCooldown is the soft rest
// window applied after a proxy-blamed failure, independent of the breaker.
func NewRecorder(store ProxyWriter, cfg breaker.Config, failureCooldown time.Duration, clk clock.Clock, log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{
		store:           store,
		breaker:         cfg,
		failureCooldown: failureCooldown,
		clock:           clk,
		log:             log,
	}
}

// Record folds one outcome into the proxy's health fields and writes them
// back. The proxy struct is mutated in place so callers see the new state.
// Counter updates are last-writer-wins across concurrent workers; the
// counters are statistical, not ledgers.
func (r *Recorder) Record(ctx context.Context, p *domain.Proxy, out Outcome) error {
	now := r.clock.Now()

	st := breakerState(p)
	st = r.breaker.Observe(st, now)

	p.TotalRequests++
	blamed := out.BlamesProxy()
	if out.Success {
		p.SuccessfulRequests++
		p.ConsecutiveFailures = 0
		st = r.breaker.OnSuccess(st, now)
		p.CooldownUntil = nil
	} else if blamed {
		p.FailedRequests++
		p.ConsecutiveFailures++
		st = r.breaker.OnFailure(st, now)
		if r.failureCooldown > 0 {
			until := now.Add(r.failureCooldown)
			p.CooldownUntil = &until
		}
	} else {
		// Job-blamed failure: counted, but the breaker stays untouched.
		p.FailedRequests++
	}

	p.SuccessRate = ewma(p.SuccessRate, boolTo1(out.Success), successRateAlpha, p.TotalRequests == 1)
	if out.RTT > 0 {
		p.ResponseTimeMs = ewma(p.ResponseTimeMs, float64(out.RTT.Milliseconds()), rttAlpha, p.ResponseTimeMs == 0)
	}
	p.LastUsedAt = &now

	applyBreakerState(p, st)

	if st.Status == domain.BreakerOpen && blamed {
		r.log.Warn("proxy circuit breaker open",
			zap.Int64("proxy_id", p.ID),
			zap.String("host", p.Host),
			zap.Int("consecutive_failures", p.ConsecutiveFailures),
			zap.Duration("cooldown", st.Cooldown),
		)
	}

	if err := r.store.UpdateHealth(ctx, p); err != nil {
		return fmt.Errorf("persist proxy health: %w", err)
	}
	return nil
}

func breakerState(p *domain.Proxy) breaker.State {
	st := breaker.State{
		Status:              p.BreakerState,
		ConsecutiveFailures: p.BreakerFailures,
		Cooldown:            p.BreakerCooldown,
	}
	if p.BreakerNextAttempt != nil {
		st.NextAttempt = *p.BreakerNextAttempt
	}
	if st.Status == "" {
		st.Status = domain.BreakerClosed
	}
	return st
}

func applyBreakerState(p *domain.Proxy, st breaker.State) {
	p.BreakerState = st.Status
	p.BreakerFailures = st.ConsecutiveFailures
	p.BreakerCooldown = st.Cooldown
	if st.NextAttempt.IsZero() {
		p.BreakerNextAttempt = nil
	} else {
		next := st.NextAttempt
		p.BreakerNextAttempt = &next
	}
}

func ewma(prev, sample, alpha float64, first bool) float64 {
	if first {
		return sample
	}
	return prev*(1-alpha) + sample*alpha
}

func boolTo1(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
