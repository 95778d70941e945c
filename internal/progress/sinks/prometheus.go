package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/scraperpro/orchestrator/internal/progress"
)

// PrometheusSink exports orchestration metrics. It owns all collectors for
// the job lifecycle, proxy outcomes, and dedup decisions.
type PrometheusSink struct {
	jobsClaimed   prometheus.Counter
	jobsCompleted *prometheus.CounterVec
	jobsRunning   prometheus.Gauge
	jobRuntime    *prometheus.HistogramVec
	poolExhausted prometheus.Counter

	phaseCompleted *prometheus.CounterVec

	proxyRequests *prometheus.CounterVec
	proxyLatency  prometheus.Histogram
	errorEvents   *prometheus.CounterVec

	urlDecisions *prometheus.CounterVec

	tracker *runningTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_jobs_claimed_total",
			Help: "Total jobs claimed from the queue.",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_jobs_completed_total",
			Help: "Total jobs finished partitioned by result.",
		}, []string{"result"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_jobs_running",
			Help: "Current number of claimed jobs in flight.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchestrator_job_runtime_seconds",
			Help:    "Wall time per finished job.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"result"}),
		poolExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_pool_exhausted_total",
			Help: "Claims abandoned because no proxy satisfied the constraints.",
		}),
		phaseCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_phases_completed_total",
			Help: "Phase completions partitioned by phase.",
		}, []string{"phase"}),
		proxyRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_proxy_requests_total",
			Help: "Proxy request outcomes partitioned by result.",
		}, []string{"result"}),
		proxyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "orchestrator_proxy_request_duration_seconds",
			Help:    "Request latency through the proxy pool.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		errorEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_errors_total",
			Help: "Classified failures partitioned by category.",
		}, []string{"category"}),
		urlDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_url_decisions_total",
			Help: "Dedup verdicts partitioned by decision.",
		}, []string{"decision"}),
		tracker: newRunningTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsClaimed,
		s.jobsCompleted,
		s.jobsRunning,
		s.jobRuntime,
		s.poolExhausted,
		s.phaseCompleted,
		s.proxyRequests,
		s.proxyLatency,
		s.errorEvents,
		s.urlDecisions,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch. Safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Kind {
	case progress.KindJobClaimed:
		s.jobsClaimed.Inc()
		if s.tracker.start(evt.JobID) {
			s.jobsRunning.Inc()
		}
	case progress.KindJobDone:
		s.finishJob(evt, "success")
	case progress.KindJobRequeued:
		s.finishJob(evt, "requeued")
	case progress.KindJobFailed:
		s.finishJob(evt, "failed")
	case progress.KindPoolExhausted:
		s.poolExhausted.Inc()
		if s.tracker.complete(evt.JobID) {
			s.jobsRunning.Dec()
		}
	case progress.KindPhaseDone:
		s.phaseCompleted.WithLabelValues(string(evt.Phase)).Inc()
	case progress.KindProxyOutcome:
		result := "failure"
		if evt.Success {
			result = "success"
		}
		s.proxyRequests.WithLabelValues(result).Inc()
		if evt.Dur > 0 {
			s.proxyLatency.Observe(evt.Dur.Seconds())
		}
		if !evt.Success && evt.Category != "" {
			s.errorEvents.WithLabelValues(string(evt.Category)).Inc()
		}
	case progress.KindURLDecision:
		s.urlDecisions.WithLabelValues(evt.Decision).Inc()
	}
}

func (s *PrometheusSink) finishJob(evt progress.Event, result string) {
	s.jobsCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.jobRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.JobID) {
		s.jobsRunning.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runningTracker struct {
	mu      sync.Mutex
	running map[int64]struct{}
}

func newRunningTracker() *runningTracker {
	return &runningTracker{running: make(map[int64]struct{})}
}

func (t *runningTracker) start(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runningTracker) complete(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
