package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scraperpro/orchestrator/internal/clock"
	"github.com/scraperpro/orchestrator/internal/store/postgres"
)

// SettingsSource loads the runtime settings row; satisfied by
// postgres.SettingsStore.
type SettingsSource interface {
	Snapshot(ctx context.Context) (postgres.Settings, error)
}

// SettingsCache serves settings snapshots, re-reading the table at most
// once per refresh interval. Operator changes (pause, budget bumps) are
// visible within one interval without a per-claim query.
type SettingsCache struct {
	source  SettingsSource
	refresh time.Duration
	clock   clock.Clock
	log     *zap.Logger

	mu        sync.Mutex
	current   postgres.Settings
	fetchedAt time.Time
}

// NewSettingsCache constructs a SettingsCache.
func NewSettingsCache(source SettingsSource, refresh time.Duration, clk clock.Clock, log *zap.Logger) *SettingsCache {
	if log == nil {
		log = zap.NewNop()
	}
	return &SettingsCache{source: source, refresh: refresh, clock: clk, log: log}
}

// Get returns the current snapshot, refreshing it when stale. When the
// refresh fails after a prior success, the last known snapshot is served
// and the failure logged; the scheduler keeps running on slightly stale
// settings rather than stalling.
func (c *SettingsCache) Get(ctx context.Context) (postgres.Settings, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if !c.fetchedAt.IsZero() && now.Sub(c.fetchedAt) < c.refresh {
		return c.current, nil
	}

	snap, err := c.source.Snapshot(ctx)
	if err != nil {
		if c.fetchedAt.IsZero() {
			return postgres.Settings{}, err
		}
		c.log.Warn("settings refresh failed, serving stale snapshot",
			zap.Error(err),
			zap.Time("fetched_at", c.fetchedAt),
		)
		return c.current, nil
	}

	c.current = snap
	c.fetchedAt = now
	return c.current, nil
}

// Invalidate forces the next Get to hit the store, used after an
// administrative write so the change applies immediately.
func (c *SettingsCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchedAt = time.Time{}
}
