// Package domain holds the persistent entities shared by the scheduler,
// proxy selector, checkpoint manager, and dedup tracker.
package domain

import (
	"strconv"
	"time"
)

// JobStatus is the lifecycle state of a queued crawl job.
type JobStatus string

// Job lifecycle states.
const (
	JobPending    JobStatus = "pending"
	JobInProgress JobStatus = "in_progress"
	JobDone       JobStatus = "done"
	JobFailed     JobStatus = "failed"
	JobPaused     JobStatus = "paused"
)

// RotationMode controls how a job binds to egress proxies.
type RotationMode string

// Supported proxy rotation modes.
const (
	RotatePerSpider  RotationMode = "per_spider"
	RotatePerRequest RotationMode = "per_request"
	RotateSticky     RotationMode = "sticky"
)

// LogicMode is the keyword match logic applied by the crawl worker.
type LogicMode string

// Supported keyword match modes.
const (
	LogicOr       LogicMode = "or"
	LogicAnd      LogicMode = "and"
	LogicMultiple LogicMode = "multiple"
)

// RetryStrategy names a backoff computation for failed jobs.
type RetryStrategy string

// Supported retry strategies.
const (
	RetryExponential RetryStrategy = "exponential"
	RetryLinear      RetryStrategy = "linear"
	RetryFixed       RetryStrategy = "fixed"
)

// Phase is one stage of a crawl run.
type Phase string

// Crawl phases, in execution order.
const (
	PhaseSearch   Phase = "search"
	PhaseListing  Phase = "listing"
	PhaseDetail   Phase = "detail"
	PhaseDownload Phase = "download"
)

// Phases lists all crawl phases in execution order.
func Phases() []Phase {
	return []Phase{PhaseSearch, PhaseListing, PhaseDetail, PhaseDownload}
}

// PhaseState tracks progress of a single phase within a job.
type PhaseState string

// Phase progress states.
const (
	PhasePending PhaseState = "pending"
	PhaseActive  PhaseState = "active"
	PhaseDone    PhaseState = "done"
	PhaseFailed  PhaseState = "failed"
)

// Job is one crawl target plus its constraints and lifecycle state.
// A job is uniquely identified by its IdentityKey while not soft-deleted;
// re-submitting the same parameters updates the existing row.
type Job struct {
	ID                 int64
	URL                string
	CountryFilter      string
	LangFilter         string
	Theme              string
	QueryGroupID       int64
	CustomKeywords     []string
	LogicMode          LogicMode
	MinMatches         int
	UseJS              bool
	MaxPagesPerDomain  int
	TargetContactCount int
	Priority           int
	Status             JobStatus
	RetryCount         int
	MaxRetries         int
	RetryStrategy      RetryStrategy
	RetryBaseSeconds   int
	NextRetryAt        *time.Time
	RotationMode       RotationMode
	StickyTTLSeconds   int
	RPSPerProxy        float64
	PhaseStatus        map[Phase]PhaseState
	ContactsExtracted  int
	ExecutionSeconds   int
	LastError          string
	LastRunAt          *time.Time
	Notes              string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	DeletedAt          *time.Time
}

// IdentityKey is the natural key under which job submissions are upserted.
type IdentityKey struct {
	URL               string
	CountryFilter     string
	LangFilter        string
	Theme             string
	QueryGroupID      int64
	LogicMode         LogicMode
	UseJS             bool
	MaxPagesPerDomain int
}

// Identity returns the job's natural key.
func (j *Job) Identity() IdentityKey {
	return IdentityKey{
		URL:               j.URL,
		CountryFilter:     j.CountryFilter,
		LangFilter:        j.LangFilter,
		Theme:             j.Theme,
		QueryGroupID:      j.QueryGroupID,
		LogicMode:         j.LogicMode,
		UseJS:             j.UseJS,
		MaxPagesPerDomain: j.MaxPagesPerDomain,
	}
}

// RetriesExhausted reports whether one more failure would exceed the
// job's retry allowance. The current attempt counts toward the total.
func (j *Job) RetriesExhausted() bool {
	return j.RetryCount+1 >= j.MaxRetries
}

// Terminal reports whether the job has reached a final status.
func (s JobStatus) Terminal() bool {
	return s == JobDone || s == JobFailed
}

// RunStatus is the terminal state of one execution attempt.
type RunStatus string

// Run states.
const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
	RunTimeout   RunStatus = "timeout"
)

// JobRun records one execution attempt of a job.
type JobRun struct {
	ID           string
	JobID        int64
	Status       RunStatus
	StartedAt    time.Time
	FinishedAt   *time.Time
	PagesCrawled int64
	ProxiesUsed  int
	BytesFetched int64
	ErrorText    string
}

// BreakerState is the circuit breaker position for one proxy.
type BreakerState string

// Circuit breaker states.
const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// ProxyScheme is the egress protocol of a proxy endpoint.
type ProxyScheme string

// Supported proxy schemes.
const (
	SchemeHTTP   ProxyScheme = "http"
	SchemeHTTPS  ProxyScheme = "https"
	SchemeSOCKS5 ProxyScheme = "socks5"
)

// Proxy is one egress credential/endpoint with its health counters.
// Unique on (scheme, host, port, username); disabled via Active=false,
// never deleted while referenced by stats.
type Proxy struct {
	ID                  int64
	Scheme              ProxyScheme
	Host                string
	Port                int
	Username            string
	Password            string
	Active              bool
	Priority            int
	Weight              float64
	Country             string
	PoolTag             string
	StickyGroup         string
	SuccessRate         float64
	ResponseTimeMs      float64
	ConsecutiveFailures int
	SuccessfulRequests  int64
	FailedRequests      int64
	TotalRequests       int64
	BreakerState        BreakerState
	BreakerFailures     int
	BreakerNextAttempt  *time.Time
	BreakerCooldown     time.Duration
	CooldownUntil       *time.Time
	RPSMax              float64
	LastUsedAt          *time.Time
	LastTestAt          *time.Time
}

// URL renders the proxy as a URI suitable for an HTTP transport,
// embedding credentials when present.
func (p *Proxy) URL() string {
	auth := ""
	if p.Username != "" {
		auth = p.Username
		if p.Password != "" {
			auth += ":" + p.Password
		}
		auth += "@"
	}
	return string(p.Scheme) + "://" + auth + p.Host + ":" + strconv.Itoa(p.Port)
}

// Selectable reports whether the proxy may be offered to a worker at now:
// it must be active, off cooldown, and its breaker must not be open
// (an elapsed next-attempt window admits a half-open trial).
func (p *Proxy) Selectable(now time.Time) bool {
	if !p.Active {
		return false
	}
	if p.CooldownUntil != nil && p.CooldownUntil.After(now) {
		return false
	}
	if p.BreakerState == BreakerOpen {
		return p.BreakerNextAttempt != nil && !p.BreakerNextAttempt.After(now)
	}
	return true
}

// ProcessingStatus tracks the outcome of handling a seen URL.
type ProcessingStatus string

// Seen URL processing states.
const (
	URLPending    ProcessingStatus = "pending"
	URLProcessing ProcessingStatus = "processing"
	URLDone       ProcessingStatus = "done"
	URLFailed     ProcessingStatus = "failed"
	URLSkipped    ProcessingStatus = "skipped"
)

// SeenURL is the dedup record for one normalized URL.
type SeenURL struct {
	URLHash          string
	NormalizedURL    string
	VisitCount       int64
	LastStatusCode   int
	LastResponseMs   int64
	ContentHash      string
	Status           ProcessingStatus
	SkipReason       string
	NextRevisitAfter *time.Time
	FirstSeenAt      time.Time
	LastSeenAt       time.Time
}

// Session is an externally managed credential blob scoped to a domain.
// The core reads it and enforces only the concurrency cap.
type Session struct {
	ID                int64
	Domain            string
	Active            bool
	ValidationStatus  string
	MaxConcurrentUses int
	CurrentUses       int
}

// ErrorCategory tags entries in the append-only error event log.
type ErrorCategory string

// Error taxonomy categories.
const (
	ErrNetwork ErrorCategory = "network"
	ErrHTTP4xx ErrorCategory = "http_4xx"
	ErrHTTP5xx ErrorCategory = "http_5xx"
	ErrParse   ErrorCategory = "parse"
	ErrTimeout ErrorCategory = "timeout"
	ErrProxy   ErrorCategory = "proxy"
	ErrDB      ErrorCategory = "db"
	ErrUnknown ErrorCategory = "unknown"
)

// ErrorEvent is one append-only error log record.
type ErrorEvent struct {
	ID        int64
	Category  ErrorCategory
	JobID     *int64
	ProxyID   *int64
	Message   string
	CreatedAt time.Time
}
