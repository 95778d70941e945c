package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scraperpro/orchestrator/internal/domain"
	"github.com/scraperpro/orchestrator/internal/store/postgres"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type memStore struct {
	saved    []*domain.Checkpoint
	latest   *domain.Checkpoint
	archived int64
}

func (s *memStore) Save(_ context.Context, cp *domain.Checkpoint) error {
	cp.Active = true
	s.saved = append(s.saved, cp)
	s.latest = cp
	return nil
}

func (s *memStore) LoadLatest(context.Context, int64, domain.Phase) (*domain.Checkpoint, error) {
	if s.latest == nil {
		return nil, postgres.ErrCheckpointNotFound
	}
	return s.latest, nil
}

func (s *memStore) Archive(context.Context, int64) (int64, error) {
	return s.archived, nil
}

func TestSaveStampsPhaseFromPayload(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	store := &memStore{}
	m := New(store, clk, nil)

	err := m.Save(context.Background(), 42, "run-1",
		&domain.SearchCheckpoint{Query: "pumps", ResultPage: 2}, time.Hour)
	require.NoError(t, err)
	require.Len(t, store.saved, 1)
	require.Equal(t, domain.PhaseSearch, store.saved[0].Phase)
	require.NotNil(t, store.saved[0].ValidUntil)
	require.Equal(t, clk.now.Add(time.Hour), *store.saved[0].ValidUntil)
}

func TestSaveNilPayloadRejected(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	m := New(&memStore{}, clk, nil)
	require.Error(t, m.Save(context.Background(), 42, "run-1", nil, 0))
}

func TestLoadMissingReturnsNil(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	m := New(&memStore{}, clk, nil)

	payload, err := m.Load(context.Background(), 42, domain.PhaseListing)
	require.NoError(t, err)
	require.Nil(t, payload)
}

func TestLoadExpiredTreatedAsAbsent(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	past := clk.now.Add(-time.Minute)
	store := &memStore{latest: &domain.Checkpoint{
		JobID:      42,
		Phase:      domain.PhaseListing,
		Payload:    &domain.ListingCheckpoint{Page: 4},
		ValidUntil: &past,
	}}
	m := New(store, clk, nil)

	payload, err := m.Load(context.Background(), 42, domain.PhaseListing)
	require.NoError(t, err)
	require.Nil(t, payload)
}

func TestLoadReturnsLivePayload(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	future := clk.now.Add(time.Hour)
	store := &memStore{latest: &domain.Checkpoint{
		JobID:      42,
		Phase:      domain.PhaseListing,
		Payload:    &domain.ListingCheckpoint{Page: 4, ItemCount: 120},
		ValidUntil: &future,
	}}
	m := New(store, clk, nil)

	payload, err := m.Load(context.Background(), 42, domain.PhaseListing)
	require.NoError(t, err)
	listing, ok := payload.(*domain.ListingCheckpoint)
	require.True(t, ok)
	require.Equal(t, 4, listing.Page)
}
