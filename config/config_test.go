package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("", nil)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 3*time.Second, cfg.Gateway.AckTimeout)
	assert.Equal(t, 2, cfg.Gateway.AckRetries)
	assert.EqualValues(t, 100, cfg.Sequencer.BlockSize)
	assert.Equal(t, 7*24*time.Hour, cfg.Dedup.TTL)
	assert.Equal(t, 5, cfg.Registry.MaxDevicesPerUser)
	assert.NotEmpty(t, cfg.Worker.RetryBackoff)
}

func TestLoadConfig_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "im.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: debug
gateway:
  ack_timeout: 1s
  ack_retries: 4
sequencer:
  block_size: 1000
`), 0o600))

	cfg, err := LoadConfig(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, time.Second, cfg.Gateway.AckTimeout)
	assert.Equal(t, 4, cfg.Gateway.AckRetries)
	assert.EqualValues(t, 1000, cfg.Sequencer.BlockSize)
	// Untouched keys keep their defaults.
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "im.yaml")
	require.NoError(t, os.WriteFile(path, []byte("redis:\n  addr: file:6379\n"), 0o600))

	t.Setenv("IM_REDIS_ADDR", "env:6379")

	cfg, err := LoadConfig(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "env:6379", cfg.Redis.Addr)
}

func TestLoadConfig_FlagsOverrideEverything(t *testing.T) {
	t.Setenv("IM_HTTP_ADDR", ":9999")

	cfg, err := LoadConfig("", []string{"--http-addr=:7000"})
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.HTTP.Addr)
}

func TestLoadConfig_RejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "im.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sequencer:\n  block_size: 0\n"), 0o600))

	_, err := LoadConfig(path, nil)
	require.Error(t, err)
}

func TestLoadConfig_MissingFileFails(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	require.Error(t, err)
}

func TestNodeID_Fallbacks(t *testing.T) {
	cfg := &Config{}
	cfg.Service.NodeID = "gw-7"
	assert.Equal(t, "gw-7", cfg.NodeID())

	cfg.Service.NodeID = ""
	assert.NotEmpty(t, cfg.NodeID(), "hostname fallback always yields an id")
}
