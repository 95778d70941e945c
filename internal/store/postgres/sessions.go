package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/scraperpro/orchestrator/internal/domain"
)

// ErrSessionNotFound is returned when a domain has no usable session.
var ErrSessionNotFound = errors.New("session not found")

// SessionStore reads externally managed sessions. Session creation and
// validation live outside the orchestrator; only the concurrency cap is
// enforced here.
type SessionStore struct {
	pool Pool
}

// NewSessionStore constructs a SessionStore on an existing pool.
func NewSessionStore(pool Pool) *SessionStore {
	return &SessionStore{pool: pool}
}

// GetByDomain returns the active valid session for a domain.
func (s *SessionStore) GetByDomain(ctx context.Context, host string) (*domain.Session, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, domain, active, validation_status, max_concurrent_uses, current_uses
FROM sessions
WHERE domain = $1 AND active = TRUE AND validation_status = 'valid'
ORDER BY id
LIMIT 1`, host)

	var sess domain.Session
	err := row.Scan(&sess.ID, &sess.Domain, &sess.Active,
		&sess.ValidationStatus, &sess.MaxConcurrentUses, &sess.CurrentUses)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}
