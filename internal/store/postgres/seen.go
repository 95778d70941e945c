package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/scraperpro/orchestrator/internal/domain"
)

// ErrURLNotSeen is returned when a URL hash has no dedup record.
var ErrURLNotSeen = errors.New("url not seen")

// SeenURLStore is the durable dedup store keyed by normalized-URL hash.
// A hash maps to exactly one row; repeated sightings update counters and
// timestamps rather than inserting duplicates.
type SeenURLStore struct {
	pool Pool
}

// NewSeenURLStore constructs a SeenURLStore on an existing pool.
func NewSeenURLStore(pool Pool) *SeenURLStore {
	return &SeenURLStore{pool: pool}
}

const seenColumns = `url_hash, normalized_url, visit_count, last_status_code,
	last_response_ms, COALESCE(content_hash, ''), processing_status,
	COALESCE(skip_reason, ''), next_revisit_after, first_seen_at, last_seen_at`

// Get fetches the dedup record for a URL hash.
func (s *SeenURLStore) Get(ctx context.Context, urlHash string) (*domain.SeenURL, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+seenColumns+` FROM seen_urls WHERE url_hash = $1`, urlHash)
	rec, err := scanSeen(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrURLNotSeen
		}
		return nil, err
	}
	return rec, nil
}

// RecordSighting upserts a sighting: the first one inserts a pending row,
// later ones bump visit_count and last_seen_at. Taking a row into
// processing clears its revisit schedule, so a due revisit is handed out
// exactly once; other statuses leave next_revisit_after untouched.
func (s *SeenURLStore) RecordSighting(ctx context.Context, urlHash, normalizedURL string, status domain.ProcessingStatus, skipReason string) (*domain.SeenURL, error) {
	query := `
INSERT INTO seen_urls (url_hash, normalized_url, visit_count, processing_status, skip_reason)
VALUES ($1, $2, 1, $3, NULLIF($4, ''))
ON CONFLICT (url_hash) DO UPDATE SET
	visit_count = seen_urls.visit_count + 1,
	processing_status = EXCLUDED.processing_status,
	skip_reason = EXCLUDED.skip_reason,
	next_revisit_after = CASE WHEN EXCLUDED.processing_status = 'processing'
		THEN NULL ELSE seen_urls.next_revisit_after END,
	last_seen_at = NOW()
RETURNING ` + seenColumns

	row := s.pool.QueryRow(ctx, query, urlHash, normalizedURL, status, skipReason)
	return scanSeen(row)
}

// RecordResult stores the fetch outcome for a URL: content hash, response
// stats, terminal processing status, and the next revisit time.
func (s *SeenURLStore) RecordResult(ctx context.Context, urlHash string, contentHash string, statusCode int, responseMs int64, status domain.ProcessingStatus, nextRevisitAfter time.Time) error {
	query := `
UPDATE seen_urls SET content_hash = $2, last_status_code = $3,
	last_response_ms = $4, processing_status = $5,
	next_revisit_after = $6, last_seen_at = NOW()
WHERE url_hash = $1`
	tag, err := s.pool.Exec(ctx, query,
		urlHash, contentHash, statusCode, responseMs, status, nextRevisitAfter)
	if err != nil {
		return fmt.Errorf("record url result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrURLNotSeen
	}
	return nil
}

func scanSeen(row pgx.Row) (*domain.SeenURL, error) {
	var (
		rec         domain.SeenURL
		nextRevisit *time.Time
	)
	err := row.Scan(
		&rec.URLHash, &rec.NormalizedURL, &rec.VisitCount, &rec.LastStatusCode,
		&rec.LastResponseMs, &rec.ContentHash, &rec.Status, &rec.SkipReason,
		&nextRevisit, &rec.FirstSeenAt, &rec.LastSeenAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan seen url: %w", err)
	}
	rec.NextRevisitAfter = nextRevisit
	return &rec, nil
}
