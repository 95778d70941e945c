package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/scraperpro/orchestrator/internal/domain"
)

// Kind denotes the type of milestone represented by an Event.
type Kind string

// Supported event kinds.
const (
	KindJobClaimed    Kind = "JOB_CLAIMED"
	KindJobDone       Kind = "JOB_DONE"
	KindJobRequeued   Kind = "JOB_REQUEUED"
	KindJobFailed     Kind = "JOB_FAILED"
	KindPoolExhausted Kind = "POOL_EXHAUSTED"
	KindPhaseDone     Kind = "PHASE_DONE"
	KindProxyOutcome  Kind = "PROXY_OUTCOME"
	KindURLDecision   Kind = "URL_DECISION"
)

// Event captures a single orchestration milestone.
type Event struct {
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Kind denotes which milestone occurred.
	Kind Kind
	// JobID scopes the event to a queue job where applicable.
	JobID int64
	// RunID identifies the execution attempt.
	RunID string
	// Phase scopes phase completion events.
	Phase domain.Phase
	// ProxyID scopes proxy outcome events.
	ProxyID int64
	// Host is the target domain label for proxy outcomes.
	Host string
	// Success reports whether a proxy outcome succeeded.
	Success bool
	// Category carries the error taxonomy tag on failures.
	Category domain.ErrorCategory
	// Decision is the dedup verdict for URL decision events.
	Decision string
	// Contacts is the extraction count on job completion.
	Contacts int64
	// Dur captures latency for requests and whole jobs.
	Dur time.Duration
	// Note attaches low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindJobClaimed, KindJobDone, KindJobRequeued, KindJobFailed, KindPoolExhausted:
		if e.JobID == 0 {
			return errors.New("job events require job id")
		}
	case KindPhaseDone:
		if e.JobID == 0 || e.Phase == "" {
			return errors.New("phase events require job id and phase")
		}
	case KindProxyOutcome:
		if e.ProxyID == 0 {
			return errors.New("proxy outcome requires proxy id")
		}
	case KindURLDecision:
		if e.Decision == "" {
			return errors.New("url decision requires a decision")
		}
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
