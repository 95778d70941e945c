package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
)

func TestSnapshotLoadsSettingsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	resetDay := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("FROM runtime_settings").
		WillReturnRows(pgxmock.NewRows([]string{
			"scheduler_paused", "js_pages_limit", "js_pages_used", "js_reset_day",
			"default_retry_attempts", "health_check_interval_seconds",
		}).AddRow(false, int64(10000), int64(250), resetDay, 3, int64(300)))

	store := NewSettingsStore(mock)
	snap, err := store.Snapshot(context.Background())
	require.NoError(t, err)
	require.False(t, snap.SchedulerPaused)
	require.Equal(t, int64(10000), snap.JSPagesLimit)
	require.Equal(t, 5*time.Minute, snap.HealthCheckInterval)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJSBudgetExhausted(t *testing.T) {
	t.Parallel()

	resetDay := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	before := resetDay.Add(-24 * time.Hour)
	after := resetDay.Add(time.Hour)

	s := Settings{JSPagesLimit: 100, JSPagesUsed: 100, JSResetDay: resetDay}
	require.True(t, s.JSBudgetExhausted(before))
	// Past the reset day the counter is considered rolled over.
	require.False(t, s.JSBudgetExhausted(after))

	s.JSPagesUsed = 99
	require.False(t, s.JSBudgetExhausted(before))

	// A zero limit disables the budget entirely.
	s = Settings{JSPagesLimit: 0, JSPagesUsed: 5000, JSResetDay: resetDay}
	require.False(t, s.JSBudgetExhausted(before))
}

func TestIncrementJSUsedRollsDaily(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	// The rollover window is one day; a stale reset day restarts the
	// counter and advances js_reset_day to the next day boundary.
	mock.ExpectExec(`UPDATE runtime_settings SET(?s).*date_trunc\('day', NOW\(\)\) \+ INTERVAL '1 day'`).
		WithArgs(int64(12)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	store := NewSettingsStore(mock)
	require.NoError(t, store.IncrementJSUsed(context.Background(), 12))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetSchedulerPaused(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("UPDATE runtime_settings SET scheduler_paused").
		WithArgs(true).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	store := NewSettingsStore(mock)
	require.NoError(t, store.SetSchedulerPaused(context.Background(), true))
	require.NoError(t, mock.ExpectationsWereMet())
}
