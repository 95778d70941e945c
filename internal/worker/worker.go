// Package worker executes claimed jobs phase by phase, wiring proxy
// selection, checkpointing, dedup, and health accounting around an
// external crawl engine.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scraperpro/orchestrator/internal/alert"
	"github.com/scraperpro/orchestrator/internal/clock"
	"github.com/scraperpro/orchestrator/internal/dedup"
	"github.com/scraperpro/orchestrator/internal/domain"
	"github.com/scraperpro/orchestrator/internal/health"
	"github.com/scraperpro/orchestrator/internal/progress"
	"github.com/scraperpro/orchestrator/internal/scheduler"
	"github.com/scraperpro/orchestrator/internal/selector"
	"github.com/scraperpro/orchestrator/internal/store/postgres"
)

// FatalError marks a phase failure that no retry can fix, such as a
// malformed job configuration. The scheduler fails the job immediately
// without consuming a retry.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err so the harness treats the phase failure as terminal.
func Fatal(err error) error { return &FatalError{Err: err} }

// PhaseRequest carries everything an engine needs to run one phase.
type PhaseRequest struct {
	Job    *domain.Job
	RunID  string
	Phase  domain.Phase
	Proxy  *domain.Proxy
	Resume domain.CheckpointPayload
}

// PhaseResult reports what a completed phase produced.
type PhaseResult struct {
	Contacts     int
	PagesCrawled int64
	BytesFetched int64
	JSPages      int64
}

// Engine executes the crawl work of a single phase. The harness owns
// sequencing, proxy selection, and bookkeeping; the engine owns fetching
// and extraction, reporting per-fetch outcomes through the Tools it is
// handed. Engines must honor ctx and should checkpoint at natural
// boundaries so an interrupted phase resumes instead of restarting.
type Engine interface {
	RunPhase(ctx context.Context, req PhaseRequest, tools *Tools) (PhaseResult, error)
}

// JobSource supplies claimed jobs and accepts their outcomes.
type JobSource interface {
	Jobs() <-chan *domain.Job
	ReportOutcome(ctx context.Context, job *domain.Job, out scheduler.Outcome) error
}

// ProxySelector picks an admitted proxy for the job's constraints.
type ProxySelector interface {
	Select(ctx context.Context, c selector.Constraints, affinityKey string) (*domain.Proxy, error)
}

// CheckpointManager loads and persists phase checkpoints.
type CheckpointManager interface {
	Load(ctx context.Context, jobID int64, phase domain.Phase) (domain.CheckpointPayload, error)
	Save(ctx context.Context, jobID int64, runID string, payload domain.CheckpointPayload, validFor time.Duration) error
	Finish(ctx context.Context, jobID int64) error
}

// DedupTracker answers URL processing decisions and records results.
type DedupTracker interface {
	ShouldProcess(ctx context.Context, rawURL string) (dedup.Decision, error)
	RecordResult(ctx context.Context, urlHash, contentHash string, statusCode int, responseTime time.Duration) error
}

// HealthRecorder folds a request outcome into a proxy's health record.
type HealthRecorder interface {
	Record(ctx context.Context, p *domain.Proxy, out health.Outcome) error
}

// ErrorRecorder classifies and logs failures to the error event log.
type ErrorRecorder interface {
	Record(ctx context.Context, err error, statusCode int, jobID, proxyID *int64) domain.ErrorCategory
}

// RunLog persists execution attempts.
type RunLog interface {
	Start(ctx context.Context, run *domain.JobRun) error
	Finish(ctx context.Context, run *domain.JobRun) error
}

// PhaseWriter persists per-phase progress.
type PhaseWriter interface {
	UpdatePhaseStatus(ctx context.Context, jobID int64, phases map[domain.Phase]domain.PhaseState) error
}

// JSBudget consumes rendered-page budget.
type JSBudget interface {
	IncrementJSUsed(ctx context.Context, pages int64) error
}

// SessionSource resolves an authenticated session for a target domain.
type SessionSource interface {
	GetByDomain(ctx context.Context, targetDomain string) (*domain.Session, error)
}

// SessionSlots enforces per-session concurrency across workers.
type SessionSlots interface {
	AcquireSessionSlot(ctx context.Context, sessionID int64, maxUses int) (bool, error)
	ReleaseSessionSlot(ctx context.Context, sessionID int64) error
}

// Config tunes the worker pool.
type Config struct {
	// Count is the number of concurrent executors.
	Count int
	// JobTimeout caps a single attempt end to end.
	JobTimeout time.Duration
	// CheckpointTTL bounds how long a saved checkpoint stays resumable.
	CheckpointTTL time.Duration
	// StickyTTL applies when the job does not carry its own.
	StickyTTL time.Duration
}

// Deps bundles the harness collaborators.
type Deps struct {
	Source      JobSource
	Selector    ProxySelector
	Checkpoints CheckpointManager
	Dedup       DedupTracker
	Health      HealthRecorder
	Errors      ErrorRecorder
	Runs        RunLog
	Phases      PhaseWriter
	Budget      JSBudget
	Sessions    SessionSource
	Slots       SessionSlots
	Engine      Engine
	Emitter     progress.Emitter
	Alerts      *alert.Alerter
	Clock       clock.Clock
	Logger      *zap.Logger
}

// Worker drains the scheduler's job channel with a pool of executors.
type Worker struct {
	deps Deps
	cfg  Config
	log  *zap.Logger
}

// New constructs a Worker.
func New(deps Deps, cfg Config) *Worker {
	if cfg.Count <= 0 {
		cfg.Count = 1
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Minute
	}
	if cfg.CheckpointTTL <= 0 {
		cfg.CheckpointTTL = 24 * time.Hour
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{deps: deps, cfg: cfg, log: log}
}

// Run blocks, executing jobs until the source channel closes.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Count; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	for job := range w.deps.Source.Jobs() {
		out := w.execute(ctx, job)
		// Outcome reporting must survive shutdown or the claimed job
		// stays stuck in active until the maintenance sweep.
		reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		if err := w.deps.Source.ReportOutcome(reportCtx, job, out); err != nil {
			w.log.Error("report outcome", zap.Int64("job_id", job.ID), zap.Error(err))
		}
		cancel()
	}
}

// execute runs one attempt of a job and maps the result onto an outcome
// for the scheduler's retry policy.
func (w *Worker) execute(ctx context.Context, job *domain.Job) scheduler.Outcome {
	start := w.deps.Clock.Now()
	runID := uuid.NewString()
	host := affinityHost(job.URL)

	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	defer cancel()
	// Status writes after a timeout or shutdown still need to land.
	finalCtx := context.WithoutCancel(ctx)

	run := &domain.JobRun{ID: runID, JobID: job.ID, Status: domain.RunRunning, StartedAt: start}
	if err := w.deps.Runs.Start(jobCtx, run); err != nil {
		w.log.Error("start run", zap.Int64("job_id", job.ID), zap.Error(err))
	}
	w.emit(progress.Event{Kind: progress.KindJobClaimed, JobID: job.ID, RunID: runID})

	release, ok, err := w.acquireSession(jobCtx, host)
	if err != nil {
		return w.finishAttempt(finalCtx, job, run, start, nil, attemptResult{
			kind: scheduler.OutcomeRetryable,
			err:  fmt.Errorf("acquire session: %w", err),
		})
	}
	if !ok {
		// All session slots for the target are in use elsewhere; the
		// condition self-heals, so the job goes back untouched.
		return w.finishAttempt(finalCtx, job, run, start, nil, attemptResult{kind: scheduler.OutcomePoolExhausted})
	}
	defer release()

	totals, proxies, res := w.runPhases(jobCtx, job, runID, host)
	return w.finishAttempt(finalCtx, job, run, start, &attemptTotals{totals: totals, proxies: proxies}, res)
}

type attemptResult struct {
	kind    scheduler.OutcomeKind
	err     error
	timeout bool
}

type attemptTotals struct {
	totals  PhaseResult
	proxies map[int64]struct{}
}

func (w *Worker) runPhases(ctx context.Context, job *domain.Job, runID, host string) (PhaseResult, map[int64]struct{}, attemptResult) {
	var totals PhaseResult
	proxies := make(map[int64]struct{})

	for _, phase := range domain.Phases() {
		if job.PhaseStatus[phase] == domain.PhaseDone {
			continue
		}
		if err := ctx.Err(); err != nil {
			return totals, proxies, cancelResult(err)
		}

		proxy, err := w.deps.Selector.Select(ctx, w.constraints(job), host)
		if err != nil {
			if errors.Is(err, selector.ErrPoolExhausted) {
				w.emit(progress.Event{Kind: progress.KindPoolExhausted, JobID: job.ID, RunID: runID})
				return totals, proxies, attemptResult{kind: scheduler.OutcomePoolExhausted}
			}
			if ctx.Err() != nil {
				return totals, proxies, cancelResult(ctx.Err())
			}
			return totals, proxies, attemptResult{kind: scheduler.OutcomeRetryable, err: fmt.Errorf("select proxy: %w", err)}
		}
		proxies[proxy.ID] = struct{}{}

		resume, err := w.deps.Checkpoints.Load(ctx, job.ID, phase)
		if err != nil {
			return totals, proxies, attemptResult{kind: scheduler.OutcomeRetryable, err: fmt.Errorf("load checkpoint: %w", err)}
		}

		w.setPhase(ctx, job, phase, domain.PhaseActive)
		tools := &Tools{w: w, job: job, runID: runID, phase: phase, proxy: proxy, host: host}

		res, err := w.deps.Engine.RunPhase(ctx, PhaseRequest{
			Job:    job,
			RunID:  runID,
			Phase:  phase,
			Proxy:  proxy,
			Resume: resume,
		}, tools)
		if err != nil {
			w.setPhase(ctx, job, phase, domain.PhaseFailed)
			w.deps.Errors.Record(ctx, err, 0, &job.ID, &proxy.ID)
			var fatal *FatalError
			if errors.As(err, &fatal) {
				return totals, proxies, attemptResult{kind: scheduler.OutcomeFatal, err: err}
			}
			if ctx.Err() != nil {
				return totals, proxies, cancelResult(ctx.Err())
			}
			return totals, proxies, attemptResult{
				kind: scheduler.OutcomeRetryable,
				err:  fmt.Errorf("phase %s: %w", phase, err),
			}
		}

		totals.Contacts += res.Contacts
		totals.PagesCrawled += res.PagesCrawled
		totals.BytesFetched += res.BytesFetched
		totals.JSPages += res.JSPages
		if job.UseJS && res.JSPages > 0 {
			if err := w.deps.Budget.IncrementJSUsed(ctx, res.JSPages); err != nil {
				w.log.Error("consume js budget", zap.Int64("job_id", job.ID), zap.Error(err))
			}
		}
		w.setPhase(ctx, job, phase, domain.PhaseDone)
		w.emit(progress.Event{Kind: progress.KindPhaseDone, JobID: job.ID, RunID: runID, Phase: phase})
	}

	if err := w.deps.Checkpoints.Finish(ctx, job.ID); err != nil {
		w.log.Error("archive checkpoints", zap.Int64("job_id", job.ID), zap.Error(err))
	}
	return totals, proxies, attemptResult{kind: scheduler.OutcomeSuccess}
}

// cancelResult maps a dead context onto an outcome. A blown per-job
// deadline consumes a retry like any transient failure; a shutdown
// cancellation returns the job to pending untouched.
func cancelResult(err error) attemptResult {
	if errors.Is(err, context.DeadlineExceeded) {
		return attemptResult{kind: scheduler.OutcomeRetryable, err: errors.New("job execution deadline exceeded"), timeout: true}
	}
	return attemptResult{kind: scheduler.OutcomePoolExhausted, err: err}
}

func (w *Worker) finishAttempt(ctx context.Context, job *domain.Job, run *domain.JobRun, start time.Time, at *attemptTotals, res attemptResult) scheduler.Outcome {
	now := w.deps.Clock.Now()
	dur := now.Sub(start)

	run.FinishedAt = &now
	if at != nil {
		run.PagesCrawled = at.totals.PagesCrawled
		run.BytesFetched = at.totals.BytesFetched
		run.ProxiesUsed = len(at.proxies)
	}
	if res.err != nil {
		run.ErrorText = res.err.Error()
	}

	out := scheduler.Outcome{Kind: res.kind, Duration: dur, Err: res.err}
	switch res.kind {
	case scheduler.OutcomeSuccess:
		run.Status = domain.RunCompleted
		if at != nil {
			out.Contacts = at.totals.Contacts
		}
		w.emit(progress.Event{
			Kind:     progress.KindJobDone,
			JobID:    job.ID,
			RunID:    run.ID,
			Contacts: int64(out.Contacts),
			Dur:      dur,
		})
	case scheduler.OutcomePoolExhausted:
		run.Status = domain.RunCancelled
	case scheduler.OutcomeFatal:
		run.Status = domain.RunFailed
		w.reportFailure(ctx, job, run, res)
	default:
		run.Status = domain.RunFailed
		if res.timeout {
			run.Status = domain.RunTimeout
		}
		if job.RetriesExhausted() {
			// This attempt consumed the last retry; the scheduler will
			// mark the job failed terminally.
			w.reportFailure(ctx, job, run, res)
		} else {
			w.emit(progress.Event{
				Kind:  progress.KindJobRequeued,
				JobID: job.ID,
				RunID: run.ID,
				Note:  run.ErrorText,
				Dur:   dur,
			})
		}
	}

	if err := w.deps.Runs.Finish(ctx, run); err != nil {
		w.log.Error("finish run", zap.Int64("job_id", job.ID), zap.Error(err))
	}
	return out
}

func (w *Worker) reportFailure(ctx context.Context, job *domain.Job, run *domain.JobRun, res attemptResult) {
	w.emit(progress.Event{
		Kind:  progress.KindJobFailed,
		JobID: job.ID,
		RunID: run.ID,
		Note:  run.ErrorText,
	})
	if w.deps.Alerts != nil {
		cat := domain.ErrUnknown
		if res.timeout {
			cat = domain.ErrTimeout
		}
		w.deps.Alerts.JobFailed(ctx, job, cat, run.ErrorText, w.deps.Clock.Now())
	}
}

// acquireSession takes a concurrency slot on the target's authenticated
// session when one exists. Targets without a session proceed freely.
func (w *Worker) acquireSession(ctx context.Context, host string) (release func(), ok bool, err error) {
	noop := func() {}
	if w.deps.Sessions == nil || host == "" {
		return noop, true, nil
	}
	sess, err := w.deps.Sessions.GetByDomain(ctx, host)
	if err != nil {
		if errors.Is(err, postgres.ErrSessionNotFound) {
			return noop, true, nil
		}
		return noop, false, err
	}
	granted, err := w.deps.Slots.AcquireSessionSlot(ctx, sess.ID, sess.MaxConcurrentUses)
	if err != nil {
		return noop, false, err
	}
	if !granted {
		return noop, false, nil
	}
	release = func() {
		if err := w.deps.Slots.ReleaseSessionSlot(context.WithoutCancel(ctx), sess.ID); err != nil {
			w.log.Warn("release session slot", zap.Int64("session_id", sess.ID), zap.Error(err))
		}
	}
	return release, true, nil
}

func (w *Worker) setPhase(ctx context.Context, job *domain.Job, phase domain.Phase, state domain.PhaseState) {
	if job.PhaseStatus == nil {
		job.PhaseStatus = make(map[domain.Phase]domain.PhaseState)
	}
	job.PhaseStatus[phase] = state
	if err := w.deps.Phases.UpdatePhaseStatus(ctx, job.ID, job.PhaseStatus); err != nil {
		w.log.Error("update phase status",
			zap.Int64("job_id", job.ID),
			zap.String("phase", string(phase)),
			zap.Error(err),
		)
	}
}

func (w *Worker) constraints(job *domain.Job) selector.Constraints {
	stickyTTL := time.Duration(job.StickyTTLSeconds) * time.Second
	if stickyTTL <= 0 {
		stickyTTL = w.cfg.StickyTTL
	}
	return selector.Constraints{
		JobID:       job.ID,
		Country:     job.CountryFilter,
		Rotation:    job.RotationMode,
		StickyTTL:   stickyTTL,
		RPSOverride: job.RPSPerProxy,
	}
}

func (w *Worker) emit(evt progress.Event) {
	if w.deps.Emitter == nil {
		return
	}
	evt.TS = w.deps.Clock.Now()
	w.deps.Emitter.Emit(evt)
}

// affinityHost extracts the lowercase hostname used as the sticky
// affinity and session lookup key.
func affinityHost(rawURL string) string {
	if !strings.Contains(rawURL, "://") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
