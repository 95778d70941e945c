// Package warmup probes idle proxies so selection ranks them on fresh
// latency and reachability data instead of stale counters.
package warmup

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scraperpro/orchestrator/internal/clock"
	"github.com/scraperpro/orchestrator/internal/domain"
)

// ProxyLister supplies the proxies to probe.
type ProxyLister interface {
	ListActive(ctx context.Context) ([]*domain.Proxy, error)
}

// ProbeWriter persists probe measurements.
type ProbeWriter interface {
	RecordProbe(ctx context.Context, id int64, responseTimeMs, successRate float64) error
}

// Config tunes the prober.
type Config struct {
	// URLs are fetched through each proxy; all must be cheap GETs.
	URLs []string
	// Parallelism bounds concurrent proxies under probe.
	Parallelism int
	// Timeout caps a single probe request.
	Timeout time.Duration
	// Interval spaces sweeps when running as a background loop.
	Interval time.Duration
}

// Prober sweeps the active pool, fetching probe URLs through each proxy
// and recording latency and reachability.
type Prober struct {
	lister ProxyLister
	writer ProbeWriter
	cfg    Config
	clock  clock.Clock
	log    *zap.Logger

	// fetch is swappable for tests.
	fetch func(ctx context.Context, p *domain.Proxy, probeURL string) (time.Duration, error)
}

// New constructs a Prober.
func New(lister ProxyLister, writer ProbeWriter, cfg Config, clk clock.Clock, log *zap.Logger) *Prober {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	p := &Prober{lister: lister, writer: writer, cfg: cfg, clock: clk, log: log}
	p.fetch = p.httpProbe
	return p
}

// Run sweeps on the configured interval until ctx finishes. The first
// sweep happens immediately.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// Sweep probes every active proxy once with bounded parallelism.
func (p *Prober) Sweep(ctx context.Context) {
	if len(p.cfg.URLs) == 0 {
		return
	}
	proxies, err := p.lister.ListActive(ctx)
	if err != nil {
		p.log.Error("list proxies for warmup", zap.Error(err))
		return
	}

	sem := make(chan struct{}, p.cfg.Parallelism)
	var wg sync.WaitGroup
	for _, proxy := range proxies {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return
		}
		wg.Add(1)
		go func(proxy *domain.Proxy) {
			defer wg.Done()
			defer func() { <-sem }()
			p.probeOne(ctx, proxy)
		}(proxy)
	}
	wg.Wait()
}

func (p *Prober) probeOne(ctx context.Context, proxy *domain.Proxy) {
	var (
		successes int
		totalRTT  time.Duration
	)
	for _, probeURL := range p.cfg.URLs {
		if ctx.Err() != nil {
			return
		}
		rtt, err := p.fetch(ctx, proxy, probeURL)
		if err != nil {
			p.log.Debug("probe failed",
				zap.Int64("proxy_id", proxy.ID),
				zap.String("url", probeURL),
				zap.Error(err),
			)
			continue
		}
		successes++
		totalRTT += rtt
	}

	rate := float64(successes) / float64(len(p.cfg.URLs))
	avgMs := 0.0
	if successes > 0 {
		avgMs = float64(totalRTT.Milliseconds()) / float64(successes)
	}
	if err := p.writer.RecordProbe(ctx, proxy.ID, avgMs, rate); err != nil {
		p.log.Error("record probe", zap.Int64("proxy_id", proxy.ID), zap.Error(err))
		return
	}
	p.log.Debug("proxy probed",
		zap.Int64("proxy_id", proxy.ID),
		zap.Float64("success_rate", rate),
		zap.Float64("avg_ms", avgMs),
	)
}

func (p *Prober) httpProbe(ctx context.Context, proxy *domain.Proxy, probeURL string) (time.Duration, error) {
	proxyURL, err := url.Parse(proxy.URL())
	if err != nil {
		return 0, fmt.Errorf("parse proxy url: %w", err)
	}
	client := &http.Client{
		Timeout: p.cfg.Timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyURL(proxyURL),
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout: 15 * time.Second,
			DisableKeepAlives:   true,
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	if err != nil {
		return 0, fmt.Errorf("build probe request: %w", err)
	}

	start := p.clock.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	rtt := p.clock.Now().Sub(start)

	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("probe status %d", resp.StatusCode)
	}
	return rtt, nil
}
