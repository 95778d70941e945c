// Package checkpoint wraps the durable checkpoint store with the expiry
// and typing rules workers rely on when resuming a phase.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/scraperpro/orchestrator/internal/clock"
	"github.com/scraperpro/orchestrator/internal/domain"
	"github.com/scraperpro/orchestrator/internal/store/postgres"
)

// Store is the durable layer; satisfied by postgres.CheckpointStore.
type Store interface {
	Save(ctx context.Context, cp *domain.Checkpoint) error
	LoadLatest(ctx context.Context, jobID int64, phase domain.Phase) (*domain.Checkpoint, error)
	Archive(ctx context.Context, jobID int64) (int64, error)
}

// Manager saves and restores per-phase resume points.
type Manager struct {
	store Store
	clock clock.Clock
	log   *zap.Logger
}

// New constructs a Manager.
func New(store Store, clk clock.Clock, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{store: store, clock: clk, log: log}
}

// Save persists a new active checkpoint for (job, run, phase). The phase
// comes from the payload itself, so an envelope can never carry a
// mismatched tag. validFor bounds how long the checkpoint may be resumed
// from; zero means no expiry.
func (m *Manager) Save(ctx context.Context, jobID int64, runID string, payload domain.CheckpointPayload, validFor time.Duration) error {
	if payload == nil {
		return fmt.Errorf("save checkpoint: nil payload")
	}
	cp := &domain.Checkpoint{
		JobID:   jobID,
		RunID:   runID,
		Phase:   payload.CheckpointPhase(),
		Payload: payload,
	}
	if validFor > 0 {
		until := m.clock.Now().Add(validFor)
		cp.ValidUntil = &until
	}
	if err := m.store.Save(ctx, cp); err != nil {
		return err
	}
	m.log.Debug("checkpoint saved",
		zap.Int64("job_id", jobID),
		zap.String("run_id", runID),
		zap.String("phase", string(cp.Phase)),
	)
	return nil
}

// Load returns the latest resumable payload for (job, phase), or nil when
// there is nothing to resume from. An expired checkpoint is treated as
// absent: the phase restarts from scratch and the staleness is logged.
func (m *Manager) Load(ctx context.Context, jobID int64, phase domain.Phase) (domain.CheckpointPayload, error) {
	cp, err := m.store.LoadLatest(ctx, jobID, phase)
	if err != nil {
		if errors.Is(err, postgres.ErrCheckpointNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if cp.Expired(m.clock.Now()) {
		m.log.Warn("checkpoint stale, restarting phase",
			zap.Int64("job_id", jobID),
			zap.String("phase", string(phase)),
			zap.Timep("valid_until", cp.ValidUntil),
		)
		return nil, nil
	}
	return cp.Payload, nil
}

// Finish archives a job's superseded checkpoint history after terminal
// completion.
func (m *Manager) Finish(ctx context.Context, jobID int64) error {
	n, err := m.store.Archive(ctx, jobID)
	if err != nil {
		return err
	}
	if n > 0 {
		m.log.Debug("checkpoints archived", zap.Int64("job_id", jobID), zap.Int64("count", n))
	}
	return nil
}
