package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWithNoEnvOverrides(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, uint64(1000), cfg.BatchSize)
	assert.Equal(t, 20, cfg.DBMaxConnections)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, ":9090", cfg.MetricsAddress)
	assert.Equal(t, ":8080", cfg.HealthAddress)
}

func TestLoadAppliesSpecEnvVarNames(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgresql://test:test@db:5432/test")
	t.Setenv("BATCH_SIZE", "250")
	t.Setenv("DB_MAX_CONNECTIONS", "5")
	t.Setenv("RPC_HTTP_URL", "https://rpc.example.com")
	t.Setenv("RPC_WS_URL", "wss://rpc.example.com")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgresql://test:test@db:5432/test", cfg.DatabaseURL)
	assert.Equal(t, uint64(250), cfg.BatchSize)
	assert.Equal(t, 5, cfg.DBMaxConnections)
	assert.Equal(t, "https://rpc.example.com", cfg.RPCHTTPURL)
	assert.Equal(t, "wss://rpc.example.com", cfg.RPCWSURL)
	assert.Equal(t, "debug", cfg.LogLevel)
}
