package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/scraperpro/orchestrator/internal/domain"
)

// anyArgs returns n pgxmock.AnyArg matchers for expectations that do not
// constrain argument values; pgxmock requires the argument count to match.
func anyArgs(n int) []interface{} {
	args := make([]interface{}, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func jobRow(id int64, status domain.JobStatus, retryCount int) *pgxmock.Rows {
	now := time.Unix(1700000000, 0).UTC()
	return pgxmock.NewRows([]string{
		"id", "url", "country_filter", "lang_filter", "theme", "query_group_id",
		"custom_keywords", "logic_mode", "min_matches", "use_js", "max_pages_per_domain",
		"target_contact_count", "priority", "status", "retry_count", "max_retries",
		"retry_strategy", "retry_base_seconds", "next_retry_at", "rotation_mode",
		"sticky_ttl_seconds", "rps_per_proxy", "phase_status", "contacts_extracted",
		"execution_time_seconds", "last_error", "last_run_at", "notes",
		"created_at", "updated_at", "deleted_at",
	}).AddRow(
		id, "https://example.com/listings", "DE", "de", "industrial", int64(7),
		[]byte(`["pumpe"]`), domain.LogicOr, 1, false, 50,
		25, 10, status, retryCount, 3,
		domain.RetryExponential, 60, (*time.Time)(nil), domain.RotatePerSpider,
		300, 1.0, []byte(`{}`), 0,
		0, "", (*time.Time)(nil), "",
		now, now, (*time.Time)(nil),
	)
}

func TestSubmitDuplicateReturnsExistingJob(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	// Both submits must route through the identity-key upsert; the second
	// hits the conflict branch and hands back the same canonical row.
	upsert := `INSERT INTO jobs (?s).*ON CONFLICT \(url, country_filter, lang_filter, theme, query_group_id, logic_mode, use_js, max_pages_per_domain\)(?s).*WHERE deleted_at IS NULL(?s).*DO UPDATE SET`
	mock.ExpectQuery(upsert).WithArgs(anyArgs(20)...).WillReturnRows(jobRow(42, domain.JobPending, 0))
	mock.ExpectQuery(upsert).WithArgs(anyArgs(20)...).WillReturnRows(jobRow(42, domain.JobPending, 0))

	job := &domain.Job{
		URL:            "https://example.com/listings",
		CountryFilter:  "DE",
		LangFilter:     "de",
		Theme:          "industrial",
		QueryGroupID:   7,
		CustomKeywords: []string{"pumpe"},
		LogicMode:      domain.LogicOr,
		MaxRetries:     3,
		RetryStrategy:  domain.RetryExponential,
		RotationMode:   domain.RotatePerSpider,
	}

	store := NewJobStore(mock)
	first, err := store.Submit(context.Background(), job)
	require.NoError(t, err)
	second, err := store.Submit(context.Background(), job)
	require.NoError(t, err)

	require.Equal(t, int64(42), first.ID)
	require.Equal(t, first.ID, second.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextReturnsPendingJob(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("UPDATE jobs SET status = 'in_progress'").
		WillReturnRows(jobRow(42, domain.JobInProgress, 0))

	store := NewJobStore(mock)
	job, err := store.ClaimNext(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, int64(42), job.ID)
	require.Equal(t, domain.JobInProgress, job.Status)
	require.Equal(t, []string{"pumpe"}, job.CustomKeywords)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextEmptyQueue(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("UPDATE jobs SET status = 'in_progress'").
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	store := NewJobStore(mock)
	_, err = store.ClaimNext(context.Background(), false)
	require.ErrorIs(t, err, ErrNoEligibleJob)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRequeueIncrementsRetryCount(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	next := time.Unix(1700000600, 0).UTC()
	mock.ExpectExec("UPDATE jobs SET status = 'pending', retry_count = retry_count").
		WithArgs(int64(7), "connect timeout", next).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	store := NewJobStore(mock)
	require.NoError(t, store.Requeue(context.Background(), 7, "connect timeout", next))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRequeueUnknownJob(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	next := time.Unix(1700000600, 0).UTC()
	mock.ExpectExec("UPDATE jobs SET status = 'pending', retry_count = retry_count").
		WithArgs(int64(999), "boom", next).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	store := NewJobStore(mock)
	err = store.Requeue(context.Background(), 999, "boom", next)
	require.ErrorIs(t, err, ErrJobNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReturnToPendingKeepsRetryCount(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("UPDATE jobs SET status = 'pending', updated_at").
		WithArgs(int64(5)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	store := NewJobStore(mock)
	require.NoError(t, store.ReturnToPending(context.Background(), 5))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExpireStuckReportsCount(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("WHERE status = 'in_progress'").
		WithArgs("30m0s").
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))

	store := NewJobStore(mock)
	n, err := store.ExpireStuck(context.Background(), 30*time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStatsScansSnapshot(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("FROM jobs WHERE deleted_at IS NULL").
		WillReturnRows(pgxmock.NewRows([]string{"pending", "in_progress", "completed_today", "failed_today"}).
			AddRow(int64(12), int64(3), int64(40), int64(2)))

	store := NewJobStore(mock)
	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, QueueStats{Pending: 12, InProgress: 3, CompletedToday: 40, FailedToday: 2}, stats)
	require.NoError(t, mock.ExpectationsWereMet())
}
