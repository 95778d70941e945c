package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/scraperpro/orchestrator/internal/domain"
)

func proxyRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "scheme", "host", "port", "username", "password",
		"active", "priority", "weight", "country", "pool_tag",
		"sticky_group", "success_rate", "response_time_ms",
		"consecutive_failures", "successful_requests", "failed_requests", "total_requests",
		"circuit_breaker_status", "circuit_breaker_failures", "circuit_breaker_next_attempt",
		"circuit_breaker_cooldown_seconds", "cooldown_until", "rps_max", "last_used_at", "last_test_at",
	})
}

func TestCandidatesScansRankedRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rows := proxyRows().
		AddRow(int64(1), domain.SchemeHTTP, "proxy-a.example.net", 8080, "user", "pass",
			true, 1, 100.0, "DE", "datacenter",
			"", 0.98, 220.0,
			0, int64(4900), int64(100), int64(5000),
			domain.BreakerClosed, 0, (*time.Time)(nil),
			90, (*time.Time)(nil), 2.0, (*time.Time)(nil), (*time.Time)(nil)).
		AddRow(int64(2), domain.SchemeSOCKS5, "proxy-b.example.net", 1080, "", "",
			true, 2, 50.0, "DE", "residential",
			"grp-1", 0.91, 640.0,
			1, int64(910), int64(90), int64(1000),
			domain.BreakerClosed, 1, (*time.Time)(nil),
			90, (*time.Time)(nil), 0.5, (*time.Time)(nil), (*time.Time)(nil))

	mock.ExpectQuery("FROM proxies").
		WithArgs("DE", "").
		WillReturnRows(rows)

	store := NewProxyStore(mock)
	got, err := store.Candidates(context.Background(), "DE", "")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "proxy-a.example.net", got[0].Host)
	require.Equal(t, 90*time.Second, got[0].BreakerCooldown)
	require.Equal(t, "grp-1", got[1].StickyGroup)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateHealthWritesBreakerFields(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	next := time.Unix(1700000190, 0).UTC()
	used := time.Unix(1700000100, 0).UTC()
	p := &domain.Proxy{
		ID:                  1,
		SuccessRate:         0.82,
		ResponseTimeMs:      310.5,
		ConsecutiveFailures: 5,
		SuccessfulRequests:  820,
		FailedRequests:      180,
		TotalRequests:       1000,
		BreakerState:        domain.BreakerOpen,
		BreakerFailures:     5,
		BreakerNextAttempt:  &next,
		BreakerCooldown:     90 * time.Second,
		LastUsedAt:          &used,
	}

	mock.ExpectExec("UPDATE proxies SET").
		WithArgs(p.ID, p.SuccessRate, p.ResponseTimeMs, p.ConsecutiveFailures,
			p.SuccessfulRequests, p.FailedRequests, p.TotalRequests,
			p.BreakerState, p.BreakerFailures, p.BreakerNextAttempt,
			90, p.CooldownUntil, p.LastUsedAt).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	store := NewProxyStore(mock)
	require.NoError(t, store.UpdateHealth(context.Background(), p))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetProxyNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("FROM proxies WHERE id").
		WithArgs(int64(77)).
		WillReturnRows(proxyRows())

	store := NewProxyStore(mock)
	_, err = store.Get(context.Background(), 77)
	require.ErrorIs(t, err, ErrProxyNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
