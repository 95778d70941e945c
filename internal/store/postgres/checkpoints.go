package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/scraperpro/orchestrator/internal/domain"
)

// ErrCheckpointNotFound is returned when no active checkpoint exists for
// the requested key.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// CheckpointStore persists per-phase resume points. Writes are append
// style: a new row supersedes the prior active one for the same
// (job, run, phase), and superseded rows stay retrievable until archived.
type CheckpointStore struct {
	pool Pool
}

// NewCheckpointStore constructs a CheckpointStore on an existing pool.
func NewCheckpointStore(pool Pool) *CheckpointStore {
	return &CheckpointStore{pool: pool}
}

// Save appends a new active checkpoint, deactivating the prior active row
// for the same key in the same statement so the at-most-one-active
// invariant holds without a cross-statement transaction.
func (s *CheckpointStore) Save(ctx context.Context, cp *domain.Checkpoint) error {
	raw, err := domain.EncodeCheckpointPayload(cp.Payload)
	if err != nil {
		return err
	}
	query := `
WITH superseded AS (
	UPDATE checkpoints SET active = FALSE
	WHERE job_id = $1 AND run_id = $2 AND phase = $3 AND active
)
INSERT INTO checkpoints (job_id, run_id, phase, payload, valid_until, active)
VALUES ($1, $2, $3, $4, $5, TRUE)
RETURNING id, created_at`

	row := s.pool.QueryRow(ctx, query, cp.JobID, cp.RunID, cp.Phase, raw, cp.ValidUntil)
	if err := row.Scan(&cp.ID, &cp.CreatedAt); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	cp.Active = true
	return nil
}

// LoadLatest returns the newest active checkpoint for (job, phase) across
// runs. Expiry is the caller's concern; the row is returned as stored.
func (s *CheckpointStore) LoadLatest(ctx context.Context, jobID int64, phase domain.Phase) (*domain.Checkpoint, error) {
	query := `
SELECT id, job_id, run_id, phase, payload, valid_until, active, archived, created_at
FROM checkpoints
WHERE job_id = $1 AND phase = $2 AND active AND NOT archived
ORDER BY created_at DESC, id DESC
LIMIT 1`

	var (
		cp         domain.Checkpoint
		raw        []byte
		validUntil *time.Time
	)
	err := s.pool.QueryRow(ctx, query, jobID, phase).Scan(
		&cp.ID, &cp.JobID, &cp.RunID, &cp.Phase, &raw,
		&validUntil, &cp.Active, &cp.Archived, &cp.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCheckpointNotFound
		}
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	cp.ValidUntil = validUntil
	payload, err := domain.DecodeCheckpointPayload(raw)
	if err != nil {
		return nil, err
	}
	cp.Payload = payload
	return &cp, nil
}

// Archive marks all superseded checkpoints of a job as archived, ending
// their audit-retention window.
func (s *CheckpointStore) Archive(ctx context.Context, jobID int64) (int64, error) {
	query := `
UPDATE checkpoints SET archived = TRUE
WHERE job_id = $1 AND NOT active AND NOT archived`
	tag, err := s.pool.Exec(ctx, query, jobID)
	if err != nil {
		return 0, fmt.Errorf("archive checkpoints: %w", err)
	}
	return tag.RowsAffected(), nil
}
