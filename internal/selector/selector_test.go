package selector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scraperpro/orchestrator/internal/domain"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type staticSource struct {
	proxies []*domain.Proxy
	err     error
}

func (s *staticSource) Candidates(context.Context, string, string) ([]*domain.Proxy, error) {
	return s.proxies, s.err
}

type fakeBinder struct {
	bindings map[string]int64
	released []string
}

func (b *fakeBinder) key(jobID int64, affinityKey string) string {
	return affinityKey
}

func (b *fakeBinder) BindSticky(_ context.Context, jobID int64, affinityKey string, proxyID int64, _ time.Duration) (int64, bool, error) {
	if b.bindings == nil {
		b.bindings = map[string]int64{}
	}
	if bound, ok := b.bindings[b.key(jobID, affinityKey)]; ok {
		return bound, false, nil
	}
	b.bindings[b.key(jobID, affinityKey)] = proxyID
	return proxyID, true, nil
}

func (b *fakeBinder) ReleaseSticky(_ context.Context, jobID int64, affinityKey string) error {
	b.released = append(b.released, affinityKey)
	delete(b.bindings, b.key(jobID, affinityKey))
	return nil
}

type openAdmitter struct{ waited []int64 }

func (a *openAdmitter) Wait(_ context.Context, p *domain.Proxy, _ float64) error {
	a.waited = append(a.waited, p.ID)
	return nil
}

func healthyProxy(id int64) *domain.Proxy {
	return &domain.Proxy{ID: id, Active: true, BreakerState: domain.BreakerClosed}
}

func TestSelectReturnsTopCandidate(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	admit := &openAdmitter{}
	sel := New(&staticSource{proxies: []*domain.Proxy{healthyProxy(1), healthyProxy(2)}},
		&fakeBinder{}, admit, clk, nil)

	p, err := sel.Select(context.Background(), Constraints{Rotation: domain.RotatePerRequest}, "")
	require.NoError(t, err)
	require.Equal(t, int64(1), p.ID)
	require.Equal(t, []int64{1}, admit.waited)
}

func TestSelectEmptyPool(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	sel := New(&staticSource{}, &fakeBinder{}, &openAdmitter{}, clk, nil)

	_, err := sel.Select(context.Background(), Constraints{}, "")
	require.ErrorIs(t, err, ErrPoolExhausted)
}

func TestSelectFiltersOpenBreakers(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	next := clk.now.Add(time.Minute)
	tripped := &domain.Proxy{
		ID: 1, Active: true,
		BreakerState:       domain.BreakerOpen,
		BreakerNextAttempt: &next,
	}
	sel := New(&staticSource{proxies: []*domain.Proxy{tripped, healthyProxy(2)}},
		&fakeBinder{}, &openAdmitter{}, clk, nil)

	p, err := sel.Select(context.Background(), Constraints{}, "")
	require.NoError(t, err)
	require.Equal(t, int64(2), p.ID)
}

func TestSelectAdmitsHalfOpenTrial(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	elapsed := clk.now.Add(-time.Second)
	recovering := &domain.Proxy{
		ID: 1, Active: true,
		BreakerState:       domain.BreakerOpen,
		BreakerNextAttempt: &elapsed,
	}
	sel := New(&staticSource{proxies: []*domain.Proxy{recovering}},
		&fakeBinder{}, &openAdmitter{}, clk, nil)

	p, err := sel.Select(context.Background(), Constraints{}, "")
	require.NoError(t, err)
	require.Equal(t, int64(1), p.ID)
}

func TestSelectStickyReusesBinding(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	binder := &fakeBinder{bindings: map[string]int64{"example.com": 2}}
	sel := New(&staticSource{proxies: []*domain.Proxy{healthyProxy(1), healthyProxy(2)}},
		binder, &openAdmitter{}, clk, nil)

	c := Constraints{JobID: 42, Rotation: domain.RotateSticky, StickyTTL: time.Minute}
	p, err := sel.Select(context.Background(), c, "example.com")
	require.NoError(t, err)
	require.Equal(t, int64(2), p.ID)
}

func TestSelectStickyRebindsWhenBoundProxyUnhealthy(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	// Proxy 9 holds the binding but is no longer a candidate.
	binder := &fakeBinder{bindings: map[string]int64{"example.com": 9}}
	sel := New(&staticSource{proxies: []*domain.Proxy{healthyProxy(1)}},
		binder, &openAdmitter{}, clk, nil)

	c := Constraints{JobID: 42, Rotation: domain.RotateSticky, StickyTTL: time.Minute}
	p, err := sel.Select(context.Background(), c, "example.com")
	require.NoError(t, err)
	require.Equal(t, int64(1), p.ID)
	require.Equal(t, []string{"example.com"}, binder.released)
	require.Equal(t, int64(1), binder.bindings["example.com"])
}
