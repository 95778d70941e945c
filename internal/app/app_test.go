package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scraperpro/orchestrator/internal/config"
)

func TestBuildAlertPublisherNoop(t *testing.T) {
	t.Parallel()

	for _, provider := range []string{"noop", ""} {
		pub, closer, err := buildAlertPublisher(context.Background(), config.AlertConfig{Provider: provider}, zap.NewNop())
		require.NoError(t, err)
		require.Nil(t, pub)
		require.Nil(t, closer)
	}
}

func TestBuildAlertPublisherUnknownProvider(t *testing.T) {
	t.Parallel()

	_, _, err := buildAlertPublisher(context.Background(), config.AlertConfig{Provider: "carrier-pigeon"}, zap.NewNop())
	require.Error(t, err)
	require.Contains(t, err.Error(), "carrier-pigeon")
}
