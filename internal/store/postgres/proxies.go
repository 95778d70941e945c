package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/scraperpro/orchestrator/internal/domain"
)

// ErrProxyNotFound is returned when a proxy id does not resolve.
var ErrProxyNotFound = errors.New("proxy not found")

// ProxyStore is the durable health store for the egress pool: endpoint
// rows, performance counters, circuit breaker state, and cooldowns.
type ProxyStore struct {
	pool Pool
}

// NewProxyStore constructs a ProxyStore on an existing pool.
func NewProxyStore(pool Pool) *ProxyStore {
	return &ProxyStore{pool: pool}
}

const proxyColumns = `id, scheme, host, port, COALESCE(username, ''), COALESCE(password, ''),
	active, priority, weight, COALESCE(country, ''), COALESCE(pool_tag, ''),
	COALESCE(sticky_group, ''), success_rate, response_time_ms,
	consecutive_failures, successful_requests, failed_requests, total_requests,
	circuit_breaker_status, circuit_breaker_failures, circuit_breaker_next_attempt,
	circuit_breaker_cooldown_seconds, cooldown_until, rps_max, last_used_at, last_test_at`

// Upsert inserts a proxy or updates its declared attributes under the
// (scheme, host, port, username) uniqueness constraint. Health counters
// are never touched here.
func (s *ProxyStore) Upsert(ctx context.Context, p *domain.Proxy) error {
	query := `
INSERT INTO proxies (scheme, host, port, username, password, active, priority,
	weight, country, pool_tag, sticky_group, rps_max,
	circuit_breaker_status, circuit_breaker_cooldown_seconds)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 'closed', $13)
ON CONFLICT (scheme, host, port, username) DO UPDATE SET
	password = EXCLUDED.password,
	active = EXCLUDED.active,
	priority = EXCLUDED.priority,
	weight = EXCLUDED.weight,
	country = EXCLUDED.country,
	pool_tag = EXCLUDED.pool_tag,
	sticky_group = EXCLUDED.sticky_group,
	rps_max = EXCLUDED.rps_max,
	updated_at = NOW()
RETURNING id`

	row := s.pool.QueryRow(ctx, query,
		p.Scheme, p.Host, p.Port, p.Username, p.Password, p.Active, p.Priority,
		p.Weight, p.Country, p.PoolTag, p.StickyGroup, p.RPSMax,
		int(p.BreakerCooldown/time.Second),
	)
	if err := row.Scan(&p.ID); err != nil {
		return fmt.Errorf("upsert proxy: %w", err)
	}
	return nil
}

// Candidates returns proxies eligible for selection under the given
// constraints, ranked priority ASC, weight DESC, success_rate DESC,
// response_time_ms ASC. Breaker and cooldown filtering matches the
// selector contract: open breakers are admitted only once their
// next-attempt window has elapsed (the half-open trial).
func (s *ProxyStore) Candidates(ctx context.Context, country, poolTag string) ([]*domain.Proxy, error) {
	query := `
SELECT ` + proxyColumns + `
FROM proxies
WHERE active = TRUE
  AND (circuit_breaker_status <> 'open' OR circuit_breaker_next_attempt <= NOW())
  AND (cooldown_until IS NULL OR cooldown_until < NOW())
  AND ($1 = '' OR country = $1)
  AND ($2 = '' OR pool_tag = $2)
ORDER BY priority ASC, weight DESC, success_rate DESC, response_time_ms ASC`

	rows, err := s.pool.Query(ctx, query, country, poolTag)
	if err != nil {
		return nil, fmt.Errorf("proxy candidates: %w", err)
	}
	defer rows.Close()
	return scanProxies(rows)
}

// ListActive returns every active proxy, healthy or not, for the warm-up
// prober and the admin API.
func (s *ProxyStore) ListActive(ctx context.Context) ([]*domain.Proxy, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+proxyColumns+` FROM proxies WHERE active = TRUE ORDER BY priority ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list proxies: %w", err)
	}
	defer rows.Close()
	return scanProxies(rows)
}

// Get fetches one proxy by id.
func (s *ProxyStore) Get(ctx context.Context, id int64) (*domain.Proxy, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+proxyColumns+` FROM proxies WHERE id = $1`, id)
	p, err := scanProxy(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProxyNotFound
		}
		return nil, err
	}
	return p, nil
}

// UpdateHealth writes the recomputed health and breaker fields for one
// proxy. Counters are statistical: concurrent writers may lose updates and
// that is acceptable by design of the health model.
func (s *ProxyStore) UpdateHealth(ctx context.Context, p *domain.Proxy) error {
	query := `
UPDATE proxies SET
	success_rate = $2, response_time_ms = $3, consecutive_failures = $4,
	successful_requests = $5, failed_requests = $6, total_requests = $7,
	circuit_breaker_status = $8, circuit_breaker_failures = $9,
	circuit_breaker_next_attempt = $10, circuit_breaker_cooldown_seconds = $11,
	cooldown_until = $12, last_used_at = $13, updated_at = NOW()
WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query,
		p.ID, p.SuccessRate, p.ResponseTimeMs, p.ConsecutiveFailures,
		p.SuccessfulRequests, p.FailedRequests, p.TotalRequests,
		p.BreakerState, p.BreakerFailures, p.BreakerNextAttempt,
		int(p.BreakerCooldown/time.Second), p.CooldownUntil, p.LastUsedAt,
	)
	if err != nil {
		return fmt.Errorf("update proxy health: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrProxyNotFound
	}
	return nil
}

// RecordProbe stores warm-up probe results without touching breaker state.
func (s *ProxyStore) RecordProbe(ctx context.Context, id int64, responseTimeMs, successRate float64) error {
	query := `
UPDATE proxies SET response_time_ms = $2, success_rate = $3,
	last_test_at = NOW(), updated_at = NOW()
WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, responseTimeMs, successRate)
	if err != nil {
		return fmt.Errorf("record probe: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrProxyNotFound
	}
	return nil
}

// SetActive enables or disables a proxy. Disabling is the only removal
// path while stats still reference the row.
func (s *ProxyStore) SetActive(ctx context.Context, id int64, active bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE proxies SET active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("set proxy active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrProxyNotFound
	}
	return nil
}

func scanProxies(rows pgx.Rows) ([]*domain.Proxy, error) {
	var out []*domain.Proxy
	for rows.Next() {
		p, err := scanProxy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate proxies: %w", err)
	}
	return out, nil
}

func scanProxy(row pgx.Row) (*domain.Proxy, error) {
	var (
		p               domain.Proxy
		nextAttempt     *time.Time
		cooldownUntil   *time.Time
		lastUsed        *time.Time
		lastTest        *time.Time
		cooldownSeconds int
	)
	err := row.Scan(
		&p.ID, &p.Scheme, &p.Host, &p.Port, &p.Username, &p.Password,
		&p.Active, &p.Priority, &p.Weight, &p.Country, &p.PoolTag,
		&p.StickyGroup, &p.SuccessRate, &p.ResponseTimeMs,
		&p.ConsecutiveFailures, &p.SuccessfulRequests, &p.FailedRequests,
		&p.TotalRequests, &p.BreakerState, &p.BreakerFailures, &nextAttempt,
		&cooldownSeconds, &cooldownUntil, &p.RPSMax, &lastUsed, &lastTest,
	)
	if err != nil {
		return nil, fmt.Errorf("scan proxy: %w", err)
	}
	p.BreakerNextAttempt = nextAttempt
	p.BreakerCooldown = time.Duration(cooldownSeconds) * time.Second
	p.CooldownUntil = cooldownUntil
	p.LastUsedAt = lastUsed
	p.LastTestAt = lastTest
	return &p, nil
}
