package scheduler

import (
	"math"
	"time"

	"github.com/scraperpro/orchestrator/internal/domain"
)

// backoffCeiling bounds any computed delay; exponential growth on a large
// base would otherwise overflow a Duration.
const backoffCeiling = 24 * time.Hour

// Backoff computes the delay before retry attempt n (1-based) under the
// job's declared strategy. An unknown strategy falls back to fixed.
func Backoff(strategy domain.RetryStrategy, baseSeconds, attempt int) time.Duration {
	if baseSeconds <= 0 {
		baseSeconds = 1
	}
	if attempt < 1 {
		attempt = 1
	}

	var secs float64
	switch strategy {
	case domain.RetryExponential:
		secs = math.Pow(float64(baseSeconds), float64(attempt))
	case domain.RetryLinear:
		secs = float64(baseSeconds * attempt)
	default:
		secs = float64(baseSeconds)
	}

	d := time.Duration(secs * float64(time.Second))
	if d <= 0 || d > backoffCeiling {
		return backoffCeiling
	}
	return d
}
