package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scraperpro/orchestrator/internal/alert"
	"github.com/scraperpro/orchestrator/internal/alert/memory"
	"github.com/scraperpro/orchestrator/internal/dedup"
	"github.com/scraperpro/orchestrator/internal/domain"
	"github.com/scraperpro/orchestrator/internal/health"
	"github.com/scraperpro/orchestrator/internal/progress"
	"github.com/scraperpro/orchestrator/internal/scheduler"
	"github.com/scraperpro/orchestrator/internal/selector"
	"github.com/scraperpro/orchestrator/internal/store/postgres"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type fakeSource struct {
	ch       chan *domain.Job
	outcomes []scheduler.Outcome
}

func (s *fakeSource) Jobs() <-chan *domain.Job { return s.ch }

func (s *fakeSource) ReportOutcome(_ context.Context, _ *domain.Job, out scheduler.Outcome) error {
	s.outcomes = append(s.outcomes, out)
	return nil
}

type fakeSelector struct {
	proxy   *domain.Proxy
	err     error
	selects int
}

func (s *fakeSelector) Select(_ context.Context, _ selector.Constraints, _ string) (*domain.Proxy, error) {
	s.selects++
	if s.err != nil {
		return nil, s.err
	}
	return s.proxy, nil
}

type fakeCheckpoints struct {
	resume   map[domain.Phase]domain.CheckpointPayload
	saved    []domain.CheckpointPayload
	finished bool
}

func (c *fakeCheckpoints) Load(_ context.Context, _ int64, phase domain.Phase) (domain.CheckpointPayload, error) {
	return c.resume[phase], nil
}

func (c *fakeCheckpoints) Save(_ context.Context, _ int64, _ string, payload domain.CheckpointPayload, _ time.Duration) error {
	c.saved = append(c.saved, payload)
	return nil
}

func (c *fakeCheckpoints) Finish(_ context.Context, _ int64) error {
	c.finished = true
	return nil
}

type fakeDedup struct {
	decision dedup.Decision
	results  []string
}

func (d *fakeDedup) ShouldProcess(_ context.Context, _ string) (dedup.Decision, error) {
	return d.decision, nil
}

func (d *fakeDedup) RecordResult(_ context.Context, urlHash, _ string, _ int, _ time.Duration) error {
	d.results = append(d.results, urlHash)
	return nil
}

type fakeHealth struct {
	outcomes []health.Outcome
	onRecord func(p *domain.Proxy)
}

func (h *fakeHealth) Record(_ context.Context, p *domain.Proxy, out health.Outcome) error {
	h.outcomes = append(h.outcomes, out)
	if h.onRecord != nil {
		h.onRecord(p)
	}
	return nil
}

type fakeErrors struct {
	category domain.ErrorCategory
	recorded int
}

func (e *fakeErrors) Record(_ context.Context, _ error, _ int, _, _ *int64) domain.ErrorCategory {
	e.recorded++
	return e.category
}

type fakeRuns struct {
	started  []*domain.JobRun
	finished []*domain.JobRun
}

func (r *fakeRuns) Start(_ context.Context, run *domain.JobRun) error {
	cp := *run
	r.started = append(r.started, &cp)
	return nil
}

func (r *fakeRuns) Finish(_ context.Context, run *domain.JobRun) error {
	cp := *run
	r.finished = append(r.finished, &cp)
	return nil
}

type fakePhases struct {
	updates []map[domain.Phase]domain.PhaseState
}

func (p *fakePhases) UpdatePhaseStatus(_ context.Context, _ int64, phases map[domain.Phase]domain.PhaseState) error {
	cp := make(map[domain.Phase]domain.PhaseState, len(phases))
	for k, v := range phases {
		cp[k] = v
	}
	p.updates = append(p.updates, cp)
	return nil
}

type fakeBudget struct{ used int64 }

func (b *fakeBudget) IncrementJSUsed(_ context.Context, pages int64) error {
	b.used += pages
	return nil
}

type fakeSessions struct{ sess *domain.Session }

func (s *fakeSessions) GetByDomain(_ context.Context, _ string) (*domain.Session, error) {
	if s.sess == nil {
		return nil, postgres.ErrSessionNotFound
	}
	return s.sess, nil
}

type fakeSlots struct {
	grant    bool
	acquired int
	released int
}

func (s *fakeSlots) AcquireSessionSlot(_ context.Context, _ int64, _ int) (bool, error) {
	s.acquired++
	return s.grant, nil
}

func (s *fakeSlots) ReleaseSessionSlot(_ context.Context, _ int64) error {
	s.released++
	return nil
}

type scriptedEngine struct {
	run    func(ctx context.Context, req PhaseRequest, tools *Tools) (PhaseResult, error)
	phases []domain.Phase
}

func (e *scriptedEngine) RunPhase(ctx context.Context, req PhaseRequest, tools *Tools) (PhaseResult, error) {
	e.phases = append(e.phases, req.Phase)
	if e.run == nil {
		return PhaseResult{}, nil
	}
	return e.run(ctx, req, tools)
}

type captureEmitter struct{ events []progress.Event }

func (e *captureEmitter) Emit(evt progress.Event) { e.events = append(e.events, evt) }

func (e *captureEmitter) kinds() []progress.Kind {
	out := make([]progress.Kind, 0, len(e.events))
	for _, evt := range e.events {
		out = append(out, evt.Kind)
	}
	return out
}

type harness struct {
	worker      *Worker
	source      *fakeSource
	selector    *fakeSelector
	checkpoints *fakeCheckpoints
	dedup       *fakeDedup
	health      *fakeHealth
	errors      *fakeErrors
	runs        *fakeRuns
	phases      *fakePhases
	budget      *fakeBudget
	sessions    *fakeSessions
	slots       *fakeSlots
	engine      *scriptedEngine
	emitter     *captureEmitter
	publisher   *memory.Publisher
	clock       *fakeClock
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		source:      &fakeSource{ch: make(chan *domain.Job, 1)},
		selector:    &fakeSelector{proxy: &domain.Proxy{ID: 7, Host: "10.0.0.1", Port: 8080}},
		checkpoints: &fakeCheckpoints{resume: map[domain.Phase]domain.CheckpointPayload{}},
		dedup:       &fakeDedup{decision: dedup.Decision{Action: dedup.ActionProcess, URLHash: "abc"}},
		health:      &fakeHealth{},
		errors:      &fakeErrors{category: domain.ErrNetwork},
		runs:        &fakeRuns{},
		phases:      &fakePhases{},
		budget:      &fakeBudget{},
		sessions:    &fakeSessions{},
		slots:       &fakeSlots{grant: true},
		engine:      &scriptedEngine{},
		emitter:     &captureEmitter{},
		publisher:   memory.New(),
		clock:       &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)},
	}
	h.worker = New(Deps{
		Source:      h.source,
		Selector:    h.selector,
		Checkpoints: h.checkpoints,
		Dedup:       h.dedup,
		Health:      h.health,
		Errors:      h.errors,
		Runs:        h.runs,
		Phases:      h.phases,
		Budget:      h.budget,
		Sessions:    h.sessions,
		Slots:       h.slots,
		Engine:      h.engine,
		Emitter:     h.emitter,
		Alerts:      alert.New(h.publisher, "alerts", zap.NewNop()),
		Clock:       h.clock,
		Logger:      zap.NewNop(),
	}, cfg)
	return h
}

func testJob() *domain.Job {
	return &domain.Job{
		ID:            42,
		URL:           "https://Shop.Example.com/catalog",
		CountryFilter: "de",
		MaxRetries:    3,
		RotationMode:  domain.RotatePerSpider,
		PhaseStatus: map[domain.Phase]domain.PhaseState{
			domain.PhaseSearch:   domain.PhasePending,
			domain.PhaseListing:  domain.PhasePending,
			domain.PhaseDetail:   domain.PhasePending,
			domain.PhaseDownload: domain.PhasePending,
		},
	}
}

func TestExecuteRunsAllPhasesInOrder(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.engine.run = func(_ context.Context, req PhaseRequest, _ *Tools) (PhaseResult, error) {
		return PhaseResult{Contacts: 2, PagesCrawled: 10, BytesFetched: 1024}, nil
	}

	out := h.worker.execute(context.Background(), testJob())

	require.Equal(t, scheduler.OutcomeSuccess, out.Kind)
	require.Equal(t, 8, out.Contacts)
	require.Equal(t, domain.Phases(), h.engine.phases)
	require.True(t, h.checkpoints.finished)

	require.Len(t, h.runs.finished, 1)
	run := h.runs.finished[0]
	require.Equal(t, domain.RunCompleted, run.Status)
	require.Equal(t, int64(40), run.PagesCrawled)
	require.Equal(t, int64(4096), run.BytesFetched)
	require.Equal(t, 1, run.ProxiesUsed)

	kinds := h.emitter.kinds()
	require.Equal(t, progress.KindJobClaimed, kinds[0])
	require.Equal(t, progress.KindJobDone, kinds[len(kinds)-1])
}

func TestExecuteSkipsCompletedPhases(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	job := testJob()
	job.PhaseStatus[domain.PhaseSearch] = domain.PhaseDone
	job.PhaseStatus[domain.PhaseListing] = domain.PhaseDone

	out := h.worker.execute(context.Background(), job)

	require.Equal(t, scheduler.OutcomeSuccess, out.Kind)
	require.Equal(t, []domain.Phase{domain.PhaseDetail, domain.PhaseDownload}, h.engine.phases)
}

func TestExecuteResumesFromCheckpoint(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.checkpoints.resume[domain.PhaseSearch] = &domain.SearchCheckpoint{Query: "widgets", ResultPage: 42}

	var resumed domain.CheckpointPayload
	h.engine.run = func(_ context.Context, req PhaseRequest, _ *Tools) (PhaseResult, error) {
		if req.Phase == domain.PhaseSearch {
			resumed = req.Resume
		}
		return PhaseResult{}, nil
	}

	out := h.worker.execute(context.Background(), testJob())

	require.Equal(t, scheduler.OutcomeSuccess, out.Kind)
	cp, ok := resumed.(*domain.SearchCheckpoint)
	require.True(t, ok)
	require.Equal(t, 42, cp.ResultPage)
}

func TestExecutePoolExhausted(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.selector.err = selector.ErrPoolExhausted

	out := h.worker.execute(context.Background(), testJob())

	require.Equal(t, scheduler.OutcomePoolExhausted, out.Kind)
	require.Contains(t, h.emitter.kinds(), progress.KindPoolExhausted)
	require.Equal(t, domain.RunCancelled, h.runs.finished[0].Status)
	require.Empty(t, h.publisher.Messages())
}

func TestExecuteRetryableFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.engine.run = func(_ context.Context, req PhaseRequest, _ *Tools) (PhaseResult, error) {
		if req.Phase == domain.PhaseListing {
			return PhaseResult{}, errors.New("listing page structure changed")
		}
		return PhaseResult{}, nil
	}

	job := testJob()
	out := h.worker.execute(context.Background(), job)

	require.Equal(t, scheduler.OutcomeRetryable, out.Kind)
	require.ErrorContains(t, out.Err, "listing page structure changed")
	require.Equal(t, 1, h.errors.recorded)
	require.Equal(t, domain.RunFailed, h.runs.finished[0].Status)
	require.Contains(t, h.emitter.kinds(), progress.KindJobRequeued)
	require.Empty(t, h.publisher.Messages())

	last := h.phases.updates[len(h.phases.updates)-1]
	require.Equal(t, domain.PhaseFailed, last[domain.PhaseListing])
	require.Equal(t, domain.PhaseDone, last[domain.PhaseSearch])
}

func TestExecuteLastRetryAlerts(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.engine.run = func(_ context.Context, _ PhaseRequest, _ *Tools) (PhaseResult, error) {
		return PhaseResult{}, errors.New("connect timed out")
	}

	job := testJob()
	job.RetryCount = 2 // attempt 3 of 3

	out := h.worker.execute(context.Background(), job)

	require.Equal(t, scheduler.OutcomeRetryable, out.Kind)
	require.Contains(t, h.emitter.kinds(), progress.KindJobFailed)
	require.NotContains(t, h.emitter.kinds(), progress.KindJobRequeued)
	require.Len(t, h.publisher.Messages(), 1)
}

func TestExecuteFatalFailsWithoutRetry(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.engine.run = func(_ context.Context, _ PhaseRequest, _ *Tools) (PhaseResult, error) {
		return PhaseResult{}, Fatal(errors.New("query group does not exist"))
	}

	out := h.worker.execute(context.Background(), testJob())

	require.Equal(t, scheduler.OutcomeFatal, out.Kind)
	require.Equal(t, domain.RunFailed, h.runs.finished[0].Status)
	require.Contains(t, h.emitter.kinds(), progress.KindJobFailed)
	require.Len(t, h.publisher.Messages(), 1)
}

func TestExecuteTimeoutIsRetryable(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{JobTimeout: 50 * time.Millisecond})
	h.engine.run = func(ctx context.Context, _ PhaseRequest, _ *Tools) (PhaseResult, error) {
		<-ctx.Done()
		return PhaseResult{}, ctx.Err()
	}

	out := h.worker.execute(context.Background(), testJob())

	require.Equal(t, scheduler.OutcomeRetryable, out.Kind)
	require.Equal(t, domain.RunTimeout, h.runs.finished[0].Status)
}

func TestExecuteSessionSlotDenied(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.sessions.sess = &domain.Session{ID: 3, Domain: "shop.example.com", MaxConcurrentUses: 2}
	h.slots.grant = false

	out := h.worker.execute(context.Background(), testJob())

	require.Equal(t, scheduler.OutcomePoolExhausted, out.Kind)
	require.Equal(t, 1, h.slots.acquired)
	require.Equal(t, 0, h.slots.released)
	require.Empty(t, h.engine.phases)
}

func TestExecuteReleasesSessionSlot(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.sessions.sess = &domain.Session{ID: 3, Domain: "shop.example.com", MaxConcurrentUses: 2}

	out := h.worker.execute(context.Background(), testJob())

	require.Equal(t, scheduler.OutcomeSuccess, out.Kind)
	require.Equal(t, 1, h.slots.acquired)
	require.Equal(t, 1, h.slots.released)
}

func TestExecuteConsumesJSBudget(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.engine.run = func(_ context.Context, _ PhaseRequest, _ *Tools) (PhaseResult, error) {
		return PhaseResult{JSPages: 5}, nil
	}

	job := testJob()
	job.UseJS = true
	h.worker.execute(context.Background(), job)

	require.Equal(t, int64(20), h.budget.used)
}

func TestToolsRecordFetchFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.engine.run = func(ctx context.Context, req PhaseRequest, tools *Tools) (PhaseResult, error) {
		if req.Phase != domain.PhaseSearch {
			return PhaseResult{}, nil
		}
		cat := tools.RecordFetch(ctx, Fetch{StatusCode: 502, RTT: 120 * time.Millisecond, Err: errors.New("bad gateway")})
		require.Equal(t, domain.ErrNetwork, cat)
		return PhaseResult{}, nil
	}

	h.worker.execute(context.Background(), testJob())

	require.Equal(t, 1, h.errors.recorded)
	require.Len(t, h.health.outcomes, 1)
	require.False(t, h.health.outcomes[0].Success)
	require.Contains(t, h.emitter.kinds(), progress.KindProxyOutcome)
}

func TestToolsRecordFetchLinksDedup(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.engine.run = func(ctx context.Context, req PhaseRequest, tools *Tools) (PhaseResult, error) {
		if req.Phase != domain.PhaseDetail {
			return PhaseResult{}, nil
		}
		d, err := tools.ShouldProcess(ctx, "https://shop.example.com/item/1")
		require.NoError(t, err)
		tools.RecordFetch(ctx, Fetch{URLHash: d.URLHash, ContentHash: "deadbeef", StatusCode: 200, RTT: 80 * time.Millisecond})
		return PhaseResult{}, nil
	}

	h.worker.execute(context.Background(), testJob())

	require.Equal(t, []string{"abc"}, h.dedup.results)
	require.Equal(t, 0, h.errors.recorded)
	require.Contains(t, h.emitter.kinds(), progress.KindURLDecision)
}

func TestToolsQuarantineAlert(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.health.onRecord = func(p *domain.Proxy) { p.BreakerState = domain.BreakerOpen }
	h.engine.run = func(ctx context.Context, req PhaseRequest, tools *Tools) (PhaseResult, error) {
		if req.Phase != domain.PhaseSearch {
			return PhaseResult{}, nil
		}
		tools.RecordFetch(ctx, Fetch{StatusCode: 429, RTT: 50 * time.Millisecond})
		return PhaseResult{}, Fatal(errors.New("stop"))
	}

	h.worker.execute(context.Background(), testJob())

	// One quarantine alert plus the terminal failure alert.
	require.Len(t, h.publisher.Messages(), 2)
}

func TestRunDrainsChannelAndReports(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Count: 1})
	h.source.ch <- testJob()
	close(h.source.ch)

	h.worker.Run(context.Background())

	require.Len(t, h.source.outcomes, 1)
	require.Equal(t, scheduler.OutcomeSuccess, h.source.outcomes[0].Kind)
}

func TestAffinityHost(t *testing.T) {
	t.Parallel()

	require.Equal(t, "shop.example.com", affinityHost("https://Shop.Example.com/catalog?page=2"))
	require.Equal(t, "example.com", affinityHost("example.com/path"))
	require.Equal(t, "", affinityHost("://not-a-url"))
}
