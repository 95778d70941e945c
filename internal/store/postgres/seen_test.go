package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/scraperpro/orchestrator/internal/domain"
)

func seenRow(hash string, visits int64, status domain.ProcessingStatus) *pgxmock.Rows {
	now := time.Unix(1700000000, 0).UTC()
	return pgxmock.NewRows([]string{
		"url_hash", "normalized_url", "visit_count", "last_status_code",
		"last_response_ms", "content_hash", "processing_status",
		"skip_reason", "next_revisit_after", "first_seen_at", "last_seen_at",
	}).AddRow(
		hash, "https://example.com/page", visits, 200,
		int64(340), "deadbeef", status,
		"", (*time.Time)(nil), now, now,
	)
}

func TestRecordSightingBumpsVisitCount(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("INSERT INTO seen_urls").
		WithArgs("abc123", "https://example.com/page", domain.URLDone, "").
		WillReturnRows(seenRow("abc123", 2, domain.URLDone))

	store := NewSeenURLStore(mock)
	rec, err := store.RecordSighting(context.Background(),
		"abc123", "https://example.com/page", domain.URLDone, "")
	require.NoError(t, err)
	require.Equal(t, int64(2), rec.VisitCount)
	require.Equal(t, domain.URLDone, rec.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetUnseenURL(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("FROM seen_urls").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{"url_hash"}))

	store := NewSeenURLStore(mock)
	_, err = store.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrURLNotSeen)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordResultWritesRevisitWindow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	next := time.Unix(1700604800, 0).UTC()
	mock.ExpectExec("UPDATE seen_urls SET content_hash").
		WithArgs("abc123", "deadbeef", 200, int64(340), domain.URLDone, next).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	store := NewSeenURLStore(mock)
	err = store.RecordResult(context.Background(),
		"abc123", "deadbeef", 200, 340, domain.URLDone, next)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
