// Package app initializes and holds the long-lived services of the
// orchestrator, acting as the dependency injection container for the CLI
// commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/scraperpro/orchestrator/internal/alert"
	alertpubsub "github.com/scraperpro/orchestrator/internal/alert/pubsub"
	"github.com/scraperpro/orchestrator/internal/api"
	"github.com/scraperpro/orchestrator/internal/breaker"
	"github.com/scraperpro/orchestrator/internal/checkpoint"
	"github.com/scraperpro/orchestrator/internal/clock/system"
	"github.com/scraperpro/orchestrator/internal/config"
	"github.com/scraperpro/orchestrator/internal/coordination"
	"github.com/scraperpro/orchestrator/internal/dedup"
	"github.com/scraperpro/orchestrator/internal/errcat"
	"github.com/scraperpro/orchestrator/internal/health"
	"github.com/scraperpro/orchestrator/internal/progress"
	"github.com/scraperpro/orchestrator/internal/progress/sinks"
	"github.com/scraperpro/orchestrator/internal/ratelimit"
	"github.com/scraperpro/orchestrator/internal/scheduler"
	"github.com/scraperpro/orchestrator/internal/selector"
	"github.com/scraperpro/orchestrator/internal/store/postgres"
	"github.com/scraperpro/orchestrator/internal/warmup"
	"github.com/scraperpro/orchestrator/internal/worker"
)

// Closer is implemented by alert publishers that hold connections.
type Closer interface {
	Close() error
}

// App wires the orchestrator's services together. Construct with New,
// run with Run, release resources with Close.
type App struct {
	Config config.Config
	Logger *zap.Logger

	Pool  *pgxpool.Pool
	Redis *redis.Client

	Jobs        *postgres.JobStore
	Runs        *postgres.RunStore
	Proxies     *postgres.ProxyStore
	Checkpoints *postgres.CheckpointStore
	Seen        *postgres.SeenURLStore
	Settings    *postgres.SettingsStore
	Sessions    *postgres.SessionStore
	Errors      *postgres.ErrorEventStore

	Coordinator   *coordination.Coordinator
	Selector      *selector.Selector
	Health        *health.Recorder
	CheckpointMgr *checkpoint.Manager
	Dedup         *dedup.Tracker
	ErrRecorder   *errcat.Recorder
	SettingsCache *scheduler.SettingsCache
	Scheduler     *scheduler.Scheduler
	Hub           *progress.Hub
	Alerter       *alert.Alerter
	Prober        *warmup.Prober
	Registry      *prometheus.Registry
	API           *api.Server

	engine      worker.Engine
	alertCloser Closer
}

// New builds the full service graph from configuration, failing fast
// when a required backend is unreachable. engine may be nil; without one
// the claim loop stays off and the process serves the admin API and
// warm-up prober only.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, engine worker.Engine) (*App, error) {
	clk := system.New()

	pool, err := postgres.Connect(ctx, postgres.PoolConfig{
		DSN:             cfg.DB.DSN,
		MaxConns:        cfg.DB.MaxConns,
		MinConns:        cfg.DB.MinConns,
		MaxConnLifetime: cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("init postgres: %w", err)
	}

	redisClient, err := coordination.NewClient(cfg.Redis)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("init redis: %w", err)
	}

	a := &App{
		Config:      cfg,
		Logger:      logger,
		Pool:        pool,
		Redis:       redisClient,
		Jobs:        postgres.NewJobStore(pool),
		Runs:        postgres.NewRunStore(pool),
		Proxies:     postgres.NewProxyStore(pool),
		Checkpoints: postgres.NewCheckpointStore(pool),
		Seen:        postgres.NewSeenURLStore(pool),
		Settings:    postgres.NewSettingsStore(pool),
		Sessions:    postgres.NewSessionStore(pool),
		Errors:      postgres.NewErrorEventStore(pool),
		Registry:    prometheus.NewRegistry(),
		engine:      engine,
	}
	a.Coordinator = coordination.New(redisClient, cfg.Redis.Namespace)

	limiter := ratelimit.NewLimiter(a.Coordinator, ratelimit.WarmupConfig{
		Window:   cfg.Proxy.WarmupWindow,
		StartRPS: cfg.Proxy.WarmupStartRPS,
	}, clk)
	a.Selector = selector.New(a.Proxies, a.Coordinator, limiter, clk, logger.Named("selector"))

	a.Health = health.NewRecorder(a.Proxies, breaker.Config{
		Threshold:   cfg.Proxy.BreakerThreshold,
		Cooldown:    cfg.Proxy.BreakerCooldown,
		CooldownMax: cfg.Proxy.BreakerCooldownMax,
	}, cfg.Proxy.FailureCooldown, clk, logger.Named("health"))

	a.CheckpointMgr = checkpoint.New(a.Checkpoints, clk, logger.Named("checkpoint"))
	a.Dedup = dedup.New(a.Seen, dedup.Config{
		BaseInterval: cfg.Dedup.BaseRevisitInterval,
		MaxInterval:  cfg.Dedup.MaxRevisitInterval,
	}, clk, logger.Named("dedup"))
	a.ErrRecorder = errcat.NewRecorder(a.Errors, logger.Named("errcat"))

	a.SettingsCache = scheduler.NewSettingsCache(a.Settings, cfg.Scheduler.SettingsRefresh, clk, logger.Named("settings"))
	a.Scheduler = scheduler.New(a.Jobs, a.SettingsCache, a.Errors, scheduler.Config{
		PollInterval:     cfg.Scheduler.PollInterval,
		JobTimeout:       cfg.Scheduler.JobTimeout,
		MaintenanceEvery: cfg.Scheduler.MaintenanceEvery,
		EventRetention:   cfg.Scheduler.ErrorEventRetention,
	}, clk, logger.Named("scheduler"))

	promSink, err := sinks.NewPrometheusSink(a.Registry)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init metrics sink: %w", err)
	}
	a.Hub = progress.NewHub(progress.Config{Logger: logger.Named("progress")},
		sinks.NewLogSink(logger.Named("events")), promSink)

	publisher, closer, err := buildAlertPublisher(ctx, cfg.Alert, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.alertCloser = closer
	a.Alerter = alert.New(publisher, cfg.Alert.TopicName, logger.Named("alert"))

	a.Prober = warmup.New(a.Proxies, a.Proxies, warmup.Config{
		URLs:        cfg.Proxy.ProbeURLs,
		Parallelism: cfg.Proxy.ProbeParallelism,
		Interval:    cfg.Proxy.ProbeInterval,
	}, clk, logger.Named("warmup"))

	a.API = api.NewServer(a.Jobs, a.Runs, a.Proxies, a.Settings, a.SettingsCache,
		a.Registry, cfg.Scheduler, logger.Named("api"))

	return a, nil
}

func buildAlertPublisher(ctx context.Context, cfg config.AlertConfig, logger *zap.Logger) (alert.Publisher, Closer, error) {
	switch cfg.Provider {
	case "pubsub":
		pub, err := alertpubsub.New(ctx, cfg.ProjectID, cfg.TopicName)
		if err != nil {
			return nil, nil, fmt.Errorf("init pubsub alerts: %w", err)
		}
		return pub, pub, nil
	case "noop", "":
		logger.Info("alert publishing disabled")
		return nil, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown alert provider %q", cfg.Provider)
	}
}

// Run starts every service loop and blocks until ctx is cancelled, then
// drains in dependency order.
func (a *App) Run(ctx context.Context) error {
	cfg := a.Config

	w := worker.New(worker.Deps{
		Source:      a.Scheduler,
		Selector:    a.Selector,
		Checkpoints: a.CheckpointMgr,
		Dedup:       a.Dedup,
		Health:      a.Health,
		Errors:      a.ErrRecorder,
		Runs:        a.Runs,
		Phases:      a.Jobs,
		Budget:      a.Settings,
		Sessions:    a.Sessions,
		Slots:       a.Coordinator,
		Engine:      a.engine,
		Emitter:     a.Hub,
		Alerts:      a.Alerter,
		Clock:       system.New(),
		Logger:      a.Logger.Named("worker"),
	}, worker.Config{
		Count:         cfg.Scheduler.WorkerCount,
		JobTimeout:    cfg.Scheduler.JobTimeout,
		CheckpointTTL: cfg.Scheduler.CheckpointTTL,
		StickyTTL:     cfg.Proxy.StickyTTL,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           a.API.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
			cancel()
		}
	}()

	go a.Scheduler.RunMaintenance(runCtx)
	go a.Prober.Run(runCtx)

	workersDone := make(chan struct{})
	if a.engine != nil {
		go a.Scheduler.Run(runCtx)
		go func() {
			defer close(workersDone)
			w.Run(runCtx)
		}()
	} else {
		a.Logger.Info("no crawl engine registered, claim loop disabled")
		close(workersDone)
	}

	<-runCtx.Done()
	a.Logger.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.Logger.Error("http shutdown", zap.Error(err))
	}

	// The scheduler closes its jobs channel on cancellation; the workers
	// drain whatever was already claimed before exiting.
	select {
	case <-workersDone:
	case <-shutdownCtx.Done():
		a.Logger.Warn("workers did not drain before deadline")
	}

	if err := a.Hub.Close(shutdownCtx); err != nil {
		a.Logger.Error("progress hub close", zap.Error(err))
	}

	select {
	case err := <-errCh:
		return err
	default:
	}
	return nil
}

// Close releases held connections. Safe to call after a failed New.
func (a *App) Close() {
	if a.alertCloser != nil {
		if err := a.alertCloser.Close(); err != nil {
			a.Logger.Warn("close alert publisher", zap.Error(err))
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Warn("close redis", zap.Error(err))
		}
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
	if err := a.Logger.Sync(); err != nil {
		// Syncing stdout commonly fails on some platforms; nothing to do.
		_ = err
	}
}
