package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TABSYNC_STATE_DIR", "/tmp/tabsync-state")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "stdio", cfg.Transport.Mode)
	require.Equal(t, "/tmp/tabsync-state/sessions.db", cfg.DB.Path)
	require.Equal(t, 30*time.Second, cfg.Coordination.HeartbeatInterval())
	require.Equal(t, 45*time.Second, cfg.Coordination.LeaseTTL())
	require.Equal(t, 5*time.Minute, cfg.Coordination.WarningWindow())
	require.Equal(t, 7*time.Minute, cfg.Coordination.IdleTimeout())
	require.Equal(t, 24*time.Hour, cfg.Coordination.OrphanCeiling())
	require.Equal(t, 30*24*time.Hour, cfg.Coordination.Retention())
	require.Equal(t, time.Second, cfg.Coordination.ActivityBroadcast())
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
transport:
  mode: http
db:
  path: /data/s.db
coordination:
  warningWindowMs: 5000
  idleTimeoutMs: 7000
device:
  userAgent: test-agent
  viewportWidth: 600
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	t.Setenv("TABSYNC_CONFIG_PATH", path)
	t.Setenv("TABSYNC_IDLE_TIMEOUT_MS", "9000")
	t.Setenv("TABSYNC_SERVER_PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "http", cfg.Transport.Mode)
	require.Equal(t, "/data/s.db", cfg.DB.Path)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, int64(5000), cfg.Coordination.WarningWindowMs)
	require.Equal(t, int64(9000), cfg.Coordination.IdleTimeoutMs)
	require.Equal(t, int64(45_000), cfg.Coordination.LeaseTTLMs)
	require.Equal(t, "test-agent", cfg.Device.UserAgent)
	require.Equal(t, 600, cfg.Device.ViewportWidth)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("TABSYNC_LEASE_TTL_MS", "abc")
	_, err := Load()
	require.ErrorContains(t, err, "TABSYNC_LEASE_TTL_MS")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Coordination.IdleTimeoutMs = cfg.Coordination.WarningWindowMs
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Coordination.HeartbeatIntervalMs = cfg.Coordination.LeaseTTLMs
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Transport.Mode = "grpc"
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Auth.Enabled = true
	require.Error(t, cfg.Validate())
	cfg.Auth.Token = "secret"
	require.NoError(t, cfg.Validate())
}

func TestSlogLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, LogConfig{Level: "debug"}.SlogLevel())
	require.Equal(t, slog.LevelError, LogConfig{Level: "error"}.SlogLevel())
	require.Equal(t, slog.LevelInfo, LogConfig{Level: "loud"}.SlogLevel())
}
