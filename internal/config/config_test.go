package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 100, cfg.Broker.HistoryCapacity)
	assert.Equal(t, 64, cfg.Broker.QueueCapacity)
	assert.Equal(t, 1<<20, cfg.Broker.MaxPayloadBytes)
	assert.Equal(t, "/ws", cfg.Server.Path)
	assert.Equal(t, ":9095", cfg.Metrics.ListenAddr)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("BROKER_BROKER_HISTORY_CAPACITY", "250")
	t.Setenv("BROKER_SERVER_PORT", "9999")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 250, cfg.Broker.HistoryCapacity)
	assert.Equal(t, 9999, cfg.Server.Port)
}
