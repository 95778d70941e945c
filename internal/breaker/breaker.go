// Package breaker implements the per-proxy circuit breaker state machine.
// It is pure: callers feed outcomes and the current time, and persist the
// returned state in the proxy health store.
package breaker

import (
	"time"

	"github.com/scraperpro/orchestrator/internal/domain"
)

// Config holds operator-tunable breaker parameters. The source material
// disagrees on canonical values, so none are hardcoded here.
type Config struct {
	// Threshold is the consecutive-failure count that trips the breaker.
	Threshold int
	// Cooldown is the base open duration after a trip.
	Cooldown time.Duration
	// CooldownMax caps the escalated cooldown on repeated trips.
	CooldownMax time.Duration
}

// State is the breaker position for one proxy plus its escalation memory.
type State struct {
	Status              domain.BreakerState
	ConsecutiveFailures int
	// Cooldown is the open duration applied on the most recent trip. It
	// doubles on each re-trip, so repeated failures back a proxy off
	// progressively, and never decreases while the breaker is unhealthy.
	Cooldown    time.Duration
	NextAttempt time.Time
}

// NewState returns a closed breaker with the base cooldown armed.
func NewState(cfg Config) State {
	return State{Status: domain.BreakerClosed, Cooldown: cfg.Cooldown}
}

// Observe advances open→half_open once the cooldown window has elapsed.
// Call before deciding whether a proxy is selectable; a half-open breaker
// admits exactly one trial request.
func (cfg Config) Observe(s State, now time.Time) State {
	if s.Status == domain.BreakerOpen && !s.NextAttempt.After(now) {
		s.Status = domain.BreakerHalfOpen
	}
	return s
}

// OnSuccess records a successful request. From half_open this closes the
// breaker; in any state it resets the consecutive-failure count and re-arms
// the base cooldown.
func (cfg Config) OnSuccess(s State, _ time.Time) State {
	s.Status = domain.BreakerClosed
	s.ConsecutiveFailures = 0
	s.Cooldown = cfg.Cooldown
	s.NextAttempt = time.Time{}
	return s
}

// OnFailure records a failed request. A closed breaker trips once the
// threshold is reached; a half-open trial failure re-opens with a
// non-decreasing, escalated cooldown.
func (cfg Config) OnFailure(s State, now time.Time) State {
	s.ConsecutiveFailures++
	if s.Cooldown <= 0 {
		s.Cooldown = cfg.Cooldown
	}

	switch s.Status {
	case domain.BreakerHalfOpen:
		s.Status = domain.BreakerOpen
		s.Cooldown = cfg.escalate(s.Cooldown)
		s.NextAttempt = now.Add(s.Cooldown)
	case domain.BreakerClosed:
		if s.ConsecutiveFailures >= cfg.Threshold {
			s.Status = domain.BreakerOpen
			s.NextAttempt = now.Add(s.Cooldown)
		}
	case domain.BreakerOpen:
		// Outcomes reported for requests already in flight when the
		// breaker tripped; the open window is left untouched.
	}
	return s
}

// Allows reports whether a request may be sent under this state at now.
func (s State) Allows(now time.Time) bool {
	switch s.Status {
	case domain.BreakerClosed, domain.BreakerHalfOpen:
		return true
	default:
		return !s.NextAttempt.After(now)
	}
}

func (cfg Config) escalate(cur time.Duration) time.Duration {
	next := cur * 2
	if cfg.CooldownMax > 0 && next > cfg.CooldownMax {
		next = cfg.CooldownMax
	}
	if next < cur {
		next = cur
	}
	return next
}
