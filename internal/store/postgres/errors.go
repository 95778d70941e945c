package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/scraperpro/orchestrator/internal/domain"
)

// ErrorEventStore appends to and prunes the error event log. The log is
// append-only; rows are never updated.
type ErrorEventStore struct {
	pool Pool
}

// NewErrorEventStore constructs an ErrorEventStore on an existing pool.
func NewErrorEventStore(pool Pool) *ErrorEventStore {
	return &ErrorEventStore{pool: pool}
}

// Append records one classified error event.
func (s *ErrorEventStore) Append(ctx context.Context, ev domain.ErrorEvent) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO error_events (category, job_id, proxy_id, message)
VALUES ($1, $2, $3, $4)`,
		ev.Category, ev.JobID, ev.ProxyID, ev.Message)
	if err != nil {
		return fmt.Errorf("append error event: %w", err)
	}
	return nil
}

// Prune deletes events older than the retention window and returns how
// many rows went away.
func (s *ErrorEventStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM error_events WHERE created_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("prune error events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountByCategory reports event counts per category since a cutoff, for
// stats snapshots.
func (s *ErrorEventStore) CountByCategory(ctx context.Context, since time.Time) (map[domain.ErrorCategory]int64, error) {
	rows, err := s.pool.Query(ctx, `
SELECT category, COUNT(*) FROM error_events
WHERE created_at >= $1 GROUP BY category`, since)
	if err != nil {
		return nil, fmt.Errorf("count error events: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.ErrorCategory]int64)
	for rows.Next() {
		var (
			cat domain.ErrorCategory
			n   int64
		)
		if err := rows.Scan(&cat, &n); err != nil {
			return nil, fmt.Errorf("scan error event count: %w", err)
		}
		counts[cat] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return counts, nil
}
