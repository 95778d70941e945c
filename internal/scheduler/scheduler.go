// Package scheduler owns the job queue lifecycle: claiming pending jobs
// under the global settings gates, reporting outcomes through retry
// policy, and the periodic maintenance sweep.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/scraperpro/orchestrator/internal/clock"
	"github.com/scraperpro/orchestrator/internal/domain"
	"github.com/scraperpro/orchestrator/internal/store/postgres"
)

// ErrPaused is returned by ClaimNext while the operator has paused
// claiming globally.
var ErrPaused = errors.New("scheduler paused")

// JobQueue is the durable queue; satisfied by postgres.JobStore.
type JobQueue interface {
	ClaimNext(ctx context.Context, excludeJS bool) (*domain.Job, error)
	MarkDone(ctx context.Context, jobID int64, contacts, executionSeconds int) error
	Requeue(ctx context.Context, jobID int64, lastError string, nextRetryAt time.Time) error
	MarkFailed(ctx context.Context, jobID int64, lastError string, incrementRetry bool) error
	ReturnToPending(ctx context.Context, jobID int64) error
	ExpireStuck(ctx context.Context, ceiling time.Duration) (int64, error)
	Stats(ctx context.Context) (postgres.QueueStats, error)
}

// EventPruner trims the error event log; satisfied by
// postgres.ErrorEventStore.
type EventPruner interface {
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

// OutcomeKind partitions job results for ReportOutcome.
type OutcomeKind string

// Outcome kinds.
const (
	// OutcomeSuccess finalizes the job as done.
	OutcomeSuccess OutcomeKind = "success"
	// OutcomeRetryable sends the job back through retry policy.
	OutcomeRetryable OutcomeKind = "retryable"
	// OutcomeFatal fails the job immediately without consuming a retry;
	// used for misconfiguration that no retry can fix.
	OutcomeFatal OutcomeKind = "fatal"
	// OutcomePoolExhausted returns the job to pending untouched; no
	// proxy satisfied its constraints and the condition may self-heal.
	OutcomePoolExhausted OutcomeKind = "pool_exhausted"
)

// Outcome reports how a claimed job ended.
type Outcome struct {
	Kind     OutcomeKind
	Contacts int
	Duration time.Duration
	Err      error
}

// Config tunes the scheduler loops.
type Config struct {
	PollInterval     time.Duration
	JobTimeout       time.Duration
	MaintenanceEvery time.Duration
	EventRetention   time.Duration
}

// Scheduler claims jobs and applies outcome policy.
type Scheduler struct {
	queue    JobQueue
	settings *SettingsCache
	pruner   EventPruner
	cfg      Config
	clock    clock.Clock
	log      *zap.Logger

	jobs chan *domain.Job
}

// New constructs a Scheduler.
func New(queue JobQueue, settings *SettingsCache, pruner EventPruner, cfg Config, clk clock.Clock, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		queue:    queue,
		settings: settings,
		pruner:   pruner,
		cfg:      cfg,
		clock:    clk,
		log:      log,
		jobs:     make(chan *domain.Job),
	}
}

// ClaimNext claims the highest-priority eligible job, honoring the
// operator pause flag and the JS rendering budget. A spent budget defers
// JS jobs rather than failing them.
func (s *Scheduler) ClaimNext(ctx context.Context) (*domain.Job, error) {
	snap, err := s.settings.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if snap.SchedulerPaused {
		return nil, ErrPaused
	}

	excludeJS := snap.JSBudgetExhausted(s.clock.Now())
	job, err := s.queue.ClaimNext(ctx, excludeJS)
	if err != nil {
		return nil, err
	}
	s.log.Info("job claimed",
		zap.Int64("job_id", job.ID),
		zap.String("url", job.URL),
		zap.Int("priority", job.Priority),
		zap.Int("retry_count", job.RetryCount),
	)
	return job, nil
}

// ReportOutcome applies retry policy to a finished claim.
func (s *Scheduler) ReportOutcome(ctx context.Context, job *domain.Job, out Outcome) error {
	switch out.Kind {
	case OutcomeSuccess:
		if err := s.queue.MarkDone(ctx, job.ID, out.Contacts, int(out.Duration.Seconds())); err != nil {
			return err
		}
		s.log.Info("job done",
			zap.Int64("job_id", job.ID),
			zap.Int("contacts", out.Contacts),
			zap.Duration("took", out.Duration),
		)
		return nil

	case OutcomeRetryable:
		msg := errMessage(out.Err)
		if job.RetriesExhausted() {
			// MarkFailed's increment charges this final attempt, so the
			// stored retry_count lands at exactly max_retries.
			if err := s.queue.MarkFailed(ctx, job.ID, msg, true); err != nil {
				return err
			}
			s.log.Warn("job retries exhausted",
				zap.Int64("job_id", job.ID),
				zap.Int("retry_count", job.RetryCount+1),
				zap.String("last_error", msg),
			)
			return nil
		}
		attempt := job.RetryCount + 1
		delay := Backoff(job.RetryStrategy, job.RetryBaseSeconds, attempt)
		next := s.clock.Now().Add(delay)
		if err := s.queue.Requeue(ctx, job.ID, msg, next); err != nil {
			return err
		}
		s.log.Info("job requeued",
			zap.Int64("job_id", job.ID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.String("last_error", msg),
		)
		return nil

	case OutcomeFatal:
		msg := errMessage(out.Err)
		if err := s.queue.MarkFailed(ctx, job.ID, msg, false); err != nil {
			return err
		}
		s.log.Error("job failed fatally",
			zap.Int64("job_id", job.ID),
			zap.String("last_error", msg),
		)
		return nil

	case OutcomePoolExhausted:
		if err := s.queue.ReturnToPending(ctx, job.ID); err != nil {
			return err
		}
		s.log.Warn("job returned to queue, proxy pool exhausted",
			zap.Int64("job_id", job.ID),
		)
		return nil
	}
	return fmt.Errorf("unknown outcome kind %q", out.Kind)
}

// Jobs is the stream of claimed jobs produced by Run. Receiving blocks
// until a job is available, giving workers dequeue semantics over the
// polling store.
func (s *Scheduler) Jobs() <-chan *domain.Job {
	return s.jobs
}

// Run polls the queue at the configured interval and feeds claimed jobs
// into Jobs(). It blocks until the context is cancelled. Send backpressure
// is deliberate: with every worker busy, no job is claimed just to sit in
// a process-local buffer.
func (s *Scheduler) Run(ctx context.Context) {
	limiter := rate.NewLimiter(rate.Every(s.cfg.PollInterval), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			close(s.jobs)
			return
		}

		job, err := s.ClaimNext(ctx)
		if err != nil {
			switch {
			case errors.Is(err, postgres.ErrNoEligibleJob), errors.Is(err, ErrPaused):
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			default:
				s.log.Error("claim failed", zap.Error(err))
			}
			continue
		}

		select {
		case s.jobs <- job:
		case <-ctx.Done():
			// Claimed but undeliverable; hand it back so another
			// process can pick it up.
			if err := s.queue.ReturnToPending(context.WithoutCancel(ctx), job.ID); err != nil {
				s.log.Error("release of undelivered job failed",
					zap.Int64("job_id", job.ID), zap.Error(err))
			}
			close(s.jobs)
			return
		}
	}
}

// RunMaintenance periodically expires stuck claims, prunes old error
// events, and logs a queue depth snapshot. It blocks until the context is
// cancelled.
func (s *Scheduler) RunMaintenance(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.MaintenanceEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.maintain(ctx)
		}
	}
}

func (s *Scheduler) maintain(ctx context.Context) {
	if n, err := s.queue.ExpireStuck(ctx, s.cfg.JobTimeout); err != nil {
		s.log.Error("expire stuck jobs failed", zap.Error(err))
	} else if n > 0 {
		s.log.Warn("expired stuck jobs", zap.Int64("count", n))
	}

	if s.pruner != nil && s.cfg.EventRetention > 0 {
		cutoff := s.clock.Now().Add(-s.cfg.EventRetention)
		if n, err := s.pruner.Prune(ctx, cutoff); err != nil {
			s.log.Error("error event prune failed", zap.Error(err))
		} else if n > 0 {
			s.log.Info("pruned error events", zap.Int64("count", n))
		}
	}

	stats, err := s.queue.Stats(ctx)
	if err != nil {
		s.log.Error("queue stats failed", zap.Error(err))
		return
	}
	s.log.Info("queue depth",
		zap.Int64("pending", stats.Pending),
		zap.Int64("in_progress", stats.InProgress),
		zap.Int64("completed_today", stats.CompletedToday),
		zap.Int64("failed_today", stats.FailedToday),
	)
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
