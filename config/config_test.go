package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, int64(50), cfg.Stream.MaxLen)
	assert.Equal(t, int64(250), cfg.Stream.ReadCount)
	assert.Equal(t, 5*time.Millisecond, cfg.Stream.MinBlock)
	assert.Equal(t, 30*time.Second, cfg.Stream.MaxBlock)
	assert.InDelta(t, 1.5, cfg.Stream.BlockFactor, 1e-9)
	assert.Equal(t, time.Hour, cfg.Stream.DraftTTL)
	assert.Equal(t, 15*time.Second, cfg.Session.PingInterval)
	assert.Equal(t, 5*time.Second, cfg.Session.PingTimeout)
	assert.Equal(t, 300*time.Second, cfg.Session.IdleTimeout)
	assert.Equal(t, "/ws", cfg.HTTP.WSPath)
	assert.False(t, cfg.AMQP.Enabled)
	assert.Equal(t, "none", cfg.Tracing.Exporter)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
redis:
  url: redis://cache:6379/2
stream:
  codec: cbor
  max_block: 10s
session:
  idle_timeout: 1m
`), 0o600))

	t.Setenv("IM_REALTIME_SESSION_PING_INTERVAL", "20s")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "redis://cache:6379/2", cfg.Redis.URL)
	assert.Equal(t, "cbor", cfg.Stream.Codec)
	assert.Equal(t, 10*time.Second, cfg.Stream.MaxBlock)
	assert.Equal(t, time.Minute, cfg.Session.IdleTimeout)
	assert.Equal(t, 20*time.Second, cfg.Session.PingInterval)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	bad := *cfg
	bad.Stream.Codec = "xml"
	bad.Stream.BlockFactor = 1
	bad.AMQP.Enabled = true

	err = bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stream.codec")
	assert.Contains(t, err.Error(), "block_factor")
	assert.Contains(t, err.Error(), "amqp.url")
}
