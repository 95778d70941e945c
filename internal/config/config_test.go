package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8090, cfg.Server.Port)
	require.Equal(t, 5*time.Second, cfg.Scheduler.PollInterval)
	require.Equal(t, 3, cfg.Scheduler.WorkerCount)
	require.Equal(t, 30*time.Minute, cfg.Scheduler.JobTimeout)
	require.Equal(t, 5, cfg.Proxy.BreakerThreshold)
	require.Equal(t, 90*time.Second, cfg.Proxy.BreakerCooldown)
	require.Equal(t, 168*time.Hour, cfg.Dedup.BaseRevisitInterval)
	require.Equal(t, "noop", cfg.Alert.Provider)
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	bad := cfg
	bad.Proxy.BreakerThreshold = 0
	require.Error(t, bad.Validate())

	bad = cfg
	bad.Proxy.BreakerCooldownMax = cfg.Proxy.BreakerCooldown / 2
	require.Error(t, bad.Validate())

	bad = cfg
	bad.Alert.Provider = "pubsub"
	require.Error(t, bad.Validate())
}
