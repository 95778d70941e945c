package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/scraperpro/orchestrator/internal/domain"
)

// ErrRunNotFound is returned when a run id does not resolve.
var ErrRunNotFound = errors.New("run not found")

// RunStore persists execution attempts. A job accumulates one run per
// retry attempt.
type RunStore struct {
	pool Pool
}

// NewRunStore constructs a RunStore on an existing pool.
func NewRunStore(pool Pool) *RunStore {
	return &RunStore{pool: pool}
}

// Start records the beginning of an attempt.
func (s *RunStore) Start(ctx context.Context, run *domain.JobRun) error {
	query := `
INSERT INTO job_runs (id, job_id, status, started_at)
VALUES ($1, $2, 'running', $3)`
	if _, err := s.pool.Exec(ctx, query, run.ID, run.JobID, run.StartedAt); err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// Finish stamps the terminal status and resource usage for an attempt.
func (s *RunStore) Finish(ctx context.Context, run *domain.JobRun) error {
	query := `
UPDATE job_runs SET status = $2, finished_at = $3,
	duration_seconds = EXTRACT(EPOCH FROM ($3::timestamptz - started_at))::bigint,
	pages_crawled = $4, proxies_used = $5, bytes_fetched = $6, error_text = $7
WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query,
		run.ID, run.Status, run.FinishedAt, run.PagesCrawled,
		run.ProxiesUsed, run.BytesFetched, run.ErrorText,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRunNotFound
	}
	return nil
}

// LatestForJob returns the most recent run of a job, if any.
func (s *RunStore) LatestForJob(ctx context.Context, jobID int64) (*domain.JobRun, error) {
	query := `
SELECT id, job_id, status, started_at, finished_at,
	COALESCE(pages_crawled, 0), COALESCE(proxies_used, 0),
	COALESCE(bytes_fetched, 0), COALESCE(error_text, '')
FROM job_runs WHERE job_id = $1
ORDER BY started_at DESC LIMIT 1`

	var (
		run      domain.JobRun
		finished *time.Time
	)
	err := s.pool.QueryRow(ctx, query, jobID).Scan(
		&run.ID, &run.JobID, &run.Status, &run.StartedAt, &finished,
		&run.PagesCrawled, &run.ProxiesUsed, &run.BytesFetched, &run.ErrorText,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("latest run: %w", err)
	}
	run.FinishedAt = finished
	return &run, nil
}
