package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Settings is an immutable snapshot of the runtime_settings table. Callers
// receive a copy and never mutate shared state.
type Settings struct {
	SchedulerPaused      bool
	JSPagesLimit         int64
	JSPagesUsed          int64
	JSResetDay           time.Time
	DefaultRetryAttempts int
	HealthCheckInterval  time.Duration
	RefreshedAt          time.Time
}

// JSBudgetExhausted reports whether the daily JS page budget has been
// spent. The counter resets when JSResetDay rolls over.
func (s Settings) JSBudgetExhausted(now time.Time) bool {
	if s.JSPagesLimit <= 0 {
		return false
	}
	if !now.Before(s.JSResetDay) {
		return false
	}
	return s.JSPagesUsed >= s.JSPagesLimit
}

// SettingsStore reads and writes the single-row runtime_settings table.
type SettingsStore struct {
	pool Pool
}

// NewSettingsStore constructs a SettingsStore on an existing pool.
func NewSettingsStore(pool Pool) *SettingsStore {
	return &SettingsStore{pool: pool}
}

// Snapshot loads the current settings row. The table always holds exactly
// one row; a missing row is a deployment error, not a recoverable state.
func (s *SettingsStore) Snapshot(ctx context.Context) (Settings, error) {
	var (
		snap            Settings
		healthCheckSecs int64
	)
	row := s.pool.QueryRow(ctx, `
SELECT scheduler_paused, js_pages_limit, js_pages_used, js_reset_day,
	default_retry_attempts, health_check_interval_seconds
FROM runtime_settings WHERE id = 1`)
	err := row.Scan(&snap.SchedulerPaused, &snap.JSPagesLimit, &snap.JSPagesUsed,
		&snap.JSResetDay, &snap.DefaultRetryAttempts, &healthCheckSecs)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Settings{}, fmt.Errorf("runtime_settings row missing")
		}
		return Settings{}, fmt.Errorf("load settings: %w", err)
	}
	snap.HealthCheckInterval = time.Duration(healthCheckSecs) * time.Second
	snap.RefreshedAt = time.Now().UTC()
	return snap, nil
}

// SetSchedulerPaused flips the global pause flag.
func (s *SettingsStore) SetSchedulerPaused(ctx context.Context, paused bool) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE runtime_settings SET scheduler_paused = $1, updated_at = NOW() WHERE id = 1`,
		paused)
	if err != nil {
		return fmt.Errorf("set scheduler paused: %w", err)
	}
	return nil
}

// IncrementJSUsed consumes JS page budget, restarting the daily counter
// when the reset day has passed.
func (s *SettingsStore) IncrementJSUsed(ctx context.Context, pages int64) error {
	_, err := s.pool.Exec(ctx, `
UPDATE runtime_settings SET
	js_pages_used = CASE WHEN js_reset_day <= NOW() THEN $1 ELSE js_pages_used + $1 END,
	js_reset_day = CASE WHEN js_reset_day <= NOW()
		THEN date_trunc('day', NOW()) + INTERVAL '1 day'
		ELSE js_reset_day END,
	updated_at = NOW()
WHERE id = 1`, pages)
	if err != nil {
		return fmt.Errorf("increment js used: %w", err)
	}
	return nil
}
