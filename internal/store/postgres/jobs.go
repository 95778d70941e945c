package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/scraperpro/orchestrator/internal/domain"
)

// ErrNoEligibleJob is returned by ClaimNext when no pending job is ready.
var ErrNoEligibleJob = errors.New("no eligible job")

// ErrJobNotFound is returned when a job id does not resolve.
var ErrJobNotFound = errors.New("job not found")

// JobStore persists the crawl job queue.
type JobStore struct {
	pool Pool
}

// NewJobStore constructs a JobStore on an existing pool.
func NewJobStore(pool Pool) *JobStore {
	return &JobStore{pool: pool}
}

const jobColumns = `id, url, country_filter, lang_filter, theme, query_group_id,
	custom_keywords, logic_mode, min_matches, use_js, max_pages_per_domain,
	target_contact_count, priority, status, retry_count, max_retries,
	retry_strategy, retry_base_seconds, next_retry_at, rotation_mode,
	sticky_ttl_seconds, rps_per_proxy, phase_status, contacts_extracted,
	execution_time_seconds, last_error, last_run_at, notes,
	created_at, updated_at, deleted_at`

// Submit upserts a job under its natural identity key. Re-submitting the
// same parameters updates mutable fields (priority, notes, retry policy,
// rotation) on the existing non-deleted row instead of inserting a
// duplicate, and returns the canonical row.
func (s *JobStore) Submit(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	keywords, err := json.Marshal(job.CustomKeywords)
	if err != nil {
		return nil, fmt.Errorf("marshal keywords: %w", err)
	}
	phases, err := marshalPhaseStatus(job.PhaseStatus)
	if err != nil {
		return nil, err
	}

	query := `
INSERT INTO jobs (
	url, country_filter, lang_filter, theme, query_group_id,
	custom_keywords, logic_mode, min_matches, use_js, max_pages_per_domain,
	target_contact_count, priority, status, retry_count, max_retries,
	retry_strategy, retry_base_seconds, rotation_mode, sticky_ttl_seconds,
	rps_per_proxy, phase_status, notes
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 'pending', 0, $13,
	$14, $15, $16, $17, $18, $19, $20)
ON CONFLICT (url, country_filter, lang_filter, theme, query_group_id, logic_mode, use_js, max_pages_per_domain)
	WHERE deleted_at IS NULL
DO UPDATE SET
	custom_keywords = EXCLUDED.custom_keywords,
	min_matches = EXCLUDED.min_matches,
	target_contact_count = EXCLUDED.target_contact_count,
	priority = EXCLUDED.priority,
	max_retries = EXCLUDED.max_retries,
	retry_strategy = EXCLUDED.retry_strategy,
	retry_base_seconds = EXCLUDED.retry_base_seconds,
	rotation_mode = EXCLUDED.rotation_mode,
	sticky_ttl_seconds = EXCLUDED.sticky_ttl_seconds,
	rps_per_proxy = EXCLUDED.rps_per_proxy,
	notes = EXCLUDED.notes,
	updated_at = NOW()
RETURNING ` + jobColumns

	row := s.pool.QueryRow(ctx, query,
		job.URL, job.CountryFilter, job.LangFilter, job.Theme, job.QueryGroupID,
		keywords, job.LogicMode, job.MinMatches, job.UseJS, job.MaxPagesPerDomain,
		job.TargetContactCount, job.Priority, job.MaxRetries,
		job.RetryStrategy, job.RetryBaseSeconds, job.RotationMode,
		job.StickyTTLSeconds, job.RPSPerProxy, phases, job.Notes,
	)
	return scanJob(row)
}

// ClaimNext atomically claims the highest-priority retry-ready pending job
// and transitions it to in_progress. The FOR UPDATE SKIP LOCKED subselect
// plus the status guard on the outer UPDATE make the claim exclusive across
// worker processes on different hosts. When excludeJS is true, jobs that
// need JS rendering are deferred (the daily budget is exhausted), not
// failed.
func (s *JobStore) ClaimNext(ctx context.Context, excludeJS bool) (*domain.Job, error) {
	jsFilter := ""
	if excludeJS {
		jsFilter = "AND use_js = FALSE"
	}
	query := fmt.Sprintf(`
UPDATE jobs SET status = 'in_progress', last_run_at = NOW(), updated_at = NOW()
WHERE id = (
	SELECT id FROM jobs
	WHERE status = 'pending'
	  AND deleted_at IS NULL
	  AND (next_retry_at IS NULL OR next_retry_at <= NOW())
	  %s
	ORDER BY priority ASC, retry_count ASC, id ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
) AND status = 'pending'
RETURNING `+jobColumns, jsFilter)

	job, err := scanJob(s.pool.QueryRow(ctx, query))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoEligibleJob
		}
		return nil, err
	}
	return job, nil
}

// MarkDone finalizes a successful job.
func (s *JobStore) MarkDone(ctx context.Context, jobID int64, contacts, executionSeconds int) error {
	query := `
UPDATE jobs SET status = 'done', contacts_extracted = $2,
	execution_time_seconds = $3, next_retry_at = NULL, updated_at = NOW()
WHERE id = $1`
	return s.exec(ctx, query, jobID, contacts, executionSeconds)
}

// Requeue returns a failed attempt to pending with its retry bookkeeping,
// scheduling the next attempt at nextRetryAt.
func (s *JobStore) Requeue(ctx context.Context, jobID int64, lastError string, nextRetryAt time.Time) error {
	query := `
UPDATE jobs SET status = 'pending', retry_count = retry_count + 1,
	last_error = $2, next_retry_at = $3, updated_at = NOW()
WHERE id = $1`
	return s.exec(ctx, query, jobID, lastError, nextRetryAt)
}

// MarkFailed terminally fails a job; no further retry is scheduled.
func (s *JobStore) MarkFailed(ctx context.Context, jobID int64, lastError string, incrementRetry bool) error {
	query := `
UPDATE jobs SET status = 'failed',
	retry_count = retry_count + CASE WHEN $3 THEN 1 ELSE 0 END,
	last_error = $2, next_retry_at = NULL, updated_at = NOW()
WHERE id = $1`
	return s.exec(ctx, query, jobID, lastError, incrementRetry)
}

// ReturnToPending releases a claimed job without consuming a retry, used
// when the proxy pool is exhausted for the job's constraints and the
// condition may self-resolve.
func (s *JobStore) ReturnToPending(ctx context.Context, jobID int64) error {
	query := `
UPDATE jobs SET status = 'pending', updated_at = NOW()
WHERE id = $1 AND status = 'in_progress'`
	return s.exec(ctx, query, jobID)
}

// SetPaused flips a job between paused and pending administratively.
// Paused jobs are never claimed until resumed.
func (s *JobStore) SetPaused(ctx context.Context, jobID int64, paused bool) error {
	var query string
	if paused {
		query = `UPDATE jobs SET status = 'paused', updated_at = NOW()
			WHERE id = $1 AND status IN ('pending', 'in_progress')`
	} else {
		query = `UPDATE jobs SET status = 'pending', updated_at = NOW()
			WHERE id = $1 AND status = 'paused'`
	}
	return s.exec(ctx, query, jobID)
}

// UpdatePhaseStatus persists the per-phase progress map.
func (s *JobStore) UpdatePhaseStatus(ctx context.Context, jobID int64, phases map[domain.Phase]domain.PhaseState) error {
	raw, err := marshalPhaseStatus(phases)
	if err != nil {
		return err
	}
	return s.exec(ctx, `UPDATE jobs SET phase_status = $2, updated_at = NOW() WHERE id = $1`, jobID, raw)
}

// Get fetches a job by id, including soft-deleted rows.
func (s *JobStore) Get(ctx context.Context, jobID int64) (*domain.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return job, nil
}

// SoftDelete stamps deleted_at; rows referenced by runs or checkpoints are
// never hard-deleted.
func (s *JobStore) SoftDelete(ctx context.Context, jobID int64) error {
	return s.exec(ctx,
		`UPDATE jobs SET deleted_at = NOW(), updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL`,
		jobID)
}

// ExpireStuck fails in_progress jobs whose claim is older than ceiling.
// Expired jobs go through the normal failure path, so retry policy applies
// to them on the next scheduler pass.
func (s *JobStore) ExpireStuck(ctx context.Context, ceiling time.Duration) (int64, error) {
	query := `
UPDATE jobs SET status = 'pending', retry_count = retry_count + 1,
	last_error = 'expired by scheduler timeout', updated_at = NOW()
WHERE status = 'in_progress'
  AND last_run_at < NOW() - $1::interval
  AND retry_count < max_retries`
	tag, err := s.pool.Exec(ctx, query, ceiling.String())
	if err != nil {
		return 0, fmt.Errorf("expire stuck jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// QueueStats is a point-in-time snapshot of queue depth by status.
type QueueStats struct {
	Pending        int64
	InProgress     int64
	CompletedToday int64
	FailedToday    int64
}

// Stats returns the queue depth snapshot used for periodic logging and
// the admin API.
func (s *JobStore) Stats(ctx context.Context) (QueueStats, error) {
	query := `
SELECT
	COUNT(*) FILTER (WHERE status = 'pending') AS pending,
	COUNT(*) FILTER (WHERE status = 'in_progress') AS in_progress,
	COUNT(*) FILTER (WHERE status = 'done' AND updated_at::date = CURRENT_DATE) AS completed_today,
	COUNT(*) FILTER (WHERE status = 'failed' AND updated_at::date = CURRENT_DATE) AS failed_today
FROM jobs WHERE deleted_at IS NULL`

	var stats QueueStats
	row := s.pool.QueryRow(ctx, query)
	if err := row.Scan(&stats.Pending, &stats.InProgress, &stats.CompletedToday, &stats.FailedToday); err != nil {
		return QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	return stats, nil
}

func (s *JobStore) exec(ctx context.Context, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("job store exec: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

func marshalPhaseStatus(phases map[domain.Phase]domain.PhaseState) ([]byte, error) {
	if phases == nil {
		phases = map[domain.Phase]domain.PhaseState{}
	}
	raw, err := json.Marshal(phases)
	if err != nil {
		return nil, fmt.Errorf("marshal phase status: %w", err)
	}
	return raw, nil
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job       domain.Job
		keywords  []byte
		phases    []byte
		nextRetry *time.Time
		lastRun   *time.Time
		deleted   *time.Time
	)
	err := row.Scan(
		&job.ID, &job.URL, &job.CountryFilter, &job.LangFilter, &job.Theme,
		&job.QueryGroupID, &keywords, &job.LogicMode, &job.MinMatches,
		&job.UseJS, &job.MaxPagesPerDomain, &job.TargetContactCount,
		&job.Priority, &job.Status, &job.RetryCount, &job.MaxRetries,
		&job.RetryStrategy, &job.RetryBaseSeconds, &nextRetry,
		&job.RotationMode, &job.StickyTTLSeconds, &job.RPSPerProxy,
		&phases, &job.ContactsExtracted, &job.ExecutionSeconds,
		&job.LastError, &lastRun, &job.Notes,
		&job.CreatedAt, &job.UpdatedAt, &deleted,
	)
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	job.NextRetryAt = nextRetry
	job.LastRunAt = lastRun
	job.DeletedAt = deleted
	if len(keywords) > 0 {
		if err := json.Unmarshal(keywords, &job.CustomKeywords); err != nil {
			return nil, fmt.Errorf("unmarshal keywords: %w", err)
		}
	}
	if len(phases) > 0 {
		if err := json.Unmarshal(phases, &job.PhaseStatus); err != nil {
			return nil, fmt.Errorf("unmarshal phase status: %w", err)
		}
	}
	return &job, nil
}
