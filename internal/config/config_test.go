package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArgsDefaults(t *testing.T) {
	t.Setenv("TASKERMAN_STATE_DIR", t.TempDir())

	cfg, err := ParseArgs(nil)
	require.NoError(t, err)
	assert.Equal(t, defaultAddr, cfg.Server.Addr)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, defaultRunLogKeep, cfg.Log.Retention)
	assert.Equal(t, ModeHTTP, cfg.Mode)
	assert.Equal(t, defaultShutdownGrace, cfg.ShutdownGrace)
	assert.False(t, cfg.Watch)
}

func TestParseArgsFlagsOverrideEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TASKERMAN_ADDR", "0.0.0.0:9000")
	t.Setenv("TASKERMAN_LOG_LEVEL", "warn")
	t.Setenv("TASKERMAN_USE_UTC", "true")
	t.Setenv("TASKERMAN_NOTIFY_RATE", "2.5")

	cfg, err := ParseArgs([]string{
		"-addr", "127.0.0.1:8080",
		"-state-dir", dir,
		"-use-utc=false",
		"-mode", "BOTH",
		"-definitions", "tasks.yaml",
		"-watch",
		"-shutdown-grace", "2s",
	})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.False(t, cfg.UseUTC)
	assert.Equal(t, ModeBoth, cfg.Mode)
	assert.Equal(t, dir, cfg.StateDir)
	assert.Equal(t, "tasks.yaml", cfg.Definitions)
	assert.True(t, cfg.Watch)
	assert.Equal(t, 2*time.Second, cfg.ShutdownGrace)
	assert.InDelta(t, 2.5, cfg.Notification.RatePerMinute, 0.001)
}

func TestParseArgsRejectsBadMode(t *testing.T) {
	t.Setenv("TASKERMAN_STATE_DIR", t.TempDir())
	_, err := ParseArgs([]string{"-mode", "grpc"})
	assert.ErrorContains(t, err, "invalid mode")
}

func TestParseArgsWatchNeedsDefinitions(t *testing.T) {
	t.Setenv("TASKERMAN_STATE_DIR", t.TempDir())
	_, err := ParseArgs([]string{"-watch"})
	assert.Error(t, err)
}
