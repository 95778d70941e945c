// Package config loads and validates orchestrator configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
// Values here are process-local wiring; operator-mutable runtime state
// (scheduler_paused, JS budget) lives in the settings table instead.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	DB        DBConfig        `mapstructure:"db"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Dedup     DedupConfig     `mapstructure:"dedup"`
	Alert     AlertConfig     `mapstructure:"alert"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls the admin HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// RedisConfig controls the shared coordination store.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	Namespace string `mapstructure:"namespace"`
}

// SchedulerConfig governs the claim loop and retry policy defaults.
type SchedulerConfig struct {
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	SettingsRefresh     time.Duration `mapstructure:"settings_refresh"`
	WorkerCount         int           `mapstructure:"worker_count"`
	JobTimeout          time.Duration `mapstructure:"job_timeout"`
	CheckpointTTL       time.Duration `mapstructure:"checkpoint_ttl"`
	DefaultMaxRetries   int           `mapstructure:"default_max_retries"`
	DefaultRetryBase    int           `mapstructure:"default_retry_base_seconds"`
	MaintenanceEvery    time.Duration `mapstructure:"maintenance_interval"`
	ErrorEventRetention time.Duration `mapstructure:"error_event_retention"`
}

// ProxyConfig is the operator-tunable proxy document: rotation, sticky TTL,
// per-class RPS defaults, circuit breaker thresholds, and warm-up ramp.
type ProxyConfig struct {
	RotationMode       string        `mapstructure:"rotation_mode"`
	StickyTTL          time.Duration `mapstructure:"sticky_ttl"`
	DatacenterRPS      float64       `mapstructure:"datacenter_rps"`
	ResidentialRPS     float64       `mapstructure:"residential_rps"`
	BreakerThreshold   int           `mapstructure:"breaker_threshold"`
	BreakerCooldown    time.Duration `mapstructure:"breaker_cooldown"`
	BreakerCooldownMax time.Duration `mapstructure:"breaker_cooldown_max"`
	FailureCooldown    time.Duration `mapstructure:"failure_cooldown"`
	WarmupWindow       time.Duration `mapstructure:"warmup_window"`
	WarmupStartRPS     float64       `mapstructure:"warmup_start_rps"`
	ProbeURLs          []string      `mapstructure:"probe_urls"`
	ProbeParallelism   int           `mapstructure:"probe_parallelism"`
	ProbeInterval      time.Duration `mapstructure:"probe_interval"`
}

// DedupConfig controls URL revisit scheduling.
type DedupConfig struct {
	BaseRevisitInterval time.Duration `mapstructure:"base_revisit_interval"`
	MaxRevisitInterval  time.Duration `mapstructure:"max_revisit_interval"`
}

// AlertConfig selects the publisher for error/terminal-failure events.
type AlertConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ORCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8090)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.namespace", "scraperpro")
	v.SetDefault("scheduler.poll_interval", "5s")
	v.SetDefault("scheduler.settings_refresh", "10s")
	v.SetDefault("scheduler.worker_count", 3)
	v.SetDefault("scheduler.job_timeout", "30m")
	v.SetDefault("scheduler.checkpoint_ttl", "24h")
	v.SetDefault("scheduler.default_max_retries", 3)
	v.SetDefault("scheduler.default_retry_base_seconds", 30)
	v.SetDefault("scheduler.maintenance_interval", "1h")
	v.SetDefault("scheduler.error_event_retention", "720h")
	v.SetDefault("proxy.rotation_mode", "per_spider")
	v.SetDefault("proxy.sticky_ttl", "5m")
	v.SetDefault("proxy.datacenter_rps", 2.0)
	v.SetDefault("proxy.residential_rps", 0.5)
	v.SetDefault("proxy.breaker_threshold", 5)
	v.SetDefault("proxy.breaker_cooldown", "90s")
	v.SetDefault("proxy.breaker_cooldown_max", "15m")
	v.SetDefault("proxy.failure_cooldown", "120s")
	v.SetDefault("proxy.warmup_window", "2m")
	v.SetDefault("proxy.warmup_start_rps", 0.2)
	v.SetDefault("proxy.probe_urls", []string{"https://httpbin.org/ip"})
	v.SetDefault("proxy.probe_parallelism", 10)
	v.SetDefault("proxy.probe_interval", "5m")
	v.SetDefault("dedup.base_revisit_interval", "168h")
	v.SetDefault("dedup.max_revisit_interval", "1344h")
	v.SetDefault("alert.provider", "noop")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("scheduler.poll_interval must be > 0")
	}
	if c.Scheduler.WorkerCount <= 0 {
		return fmt.Errorf("scheduler.worker_count must be > 0")
	}
	if c.Proxy.BreakerThreshold <= 0 {
		return fmt.Errorf("proxy.breaker_threshold must be > 0")
	}
	if c.Proxy.BreakerCooldown <= 0 {
		return fmt.Errorf("proxy.breaker_cooldown must be > 0")
	}
	if c.Proxy.BreakerCooldownMax < c.Proxy.BreakerCooldown {
		return fmt.Errorf("proxy.breaker_cooldown_max must be >= proxy.breaker_cooldown")
	}
	if c.Dedup.BaseRevisitInterval <= 0 {
		return fmt.Errorf("dedup.base_revisit_interval must be > 0")
	}
	if c.Alert.Provider == "pubsub" && (c.Alert.ProjectID == "" || c.Alert.TopicName == "") {
		return fmt.Errorf("alert.project_id and alert.topic_name are required when alert.provider is pubsub")
	}
	return nil
}
