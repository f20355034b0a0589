package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines process configuration for both commands.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	DB           DBConfig           `yaml:"db"`
	Log          LogConfig          `yaml:"log"`
	Transport    TransportConfig    `yaml:"transport"`
	Auth         AuthConfig         `yaml:"auth"`
	State        StateConfig        `yaml:"state"`
	Sentry       SentryConfig       `yaml:"sentry"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Device       DeviceConfig       `yaml:"device"`
	Coordination CoordinationConfig `yaml:"coordination"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DBConfig struct {
	// Path defaults to sessions.db inside the state directory.
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// SlogLevel maps the configured level name, defaulting to info.
func (c LogConfig) SlogLevel() slog.Level {
	switch c.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type TransportConfig struct {
	// Mode is "stdio" or "http".
	Mode string `yaml:"mode"`
}

type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
}

// StateConfig locates the directory shared by every tab process.
type StateConfig struct {
	Dir string `yaml:"dir"`
}

type SentryConfig struct {
	DSN         string `yaml:"dsn"`
	Environment string `yaml:"environment"`
}

type MetricsConfig struct {
	// Addr enables a /metrics listener when set.
	Addr string `yaml:"addr"`
}

type DeviceConfig struct {
	UserAgent      string `yaml:"userAgent"`
	ViewportWidth  int    `yaml:"viewportWidth"`
	ViewportHeight int    `yaml:"viewportHeight"`
}

// CoordinationConfig holds the cross-tab timings in milliseconds.
type CoordinationConfig struct {
	HeartbeatIntervalMs    int64 `yaml:"heartbeatIntervalMs"`
	LeaseTTLMs             int64 `yaml:"leaseTtlMs"`
	WarningWindowMs        int64 `yaml:"warningWindowMs"`
	IdleTimeoutMs          int64 `yaml:"idleTimeoutMs"`
	SessionOrphanCeilingMs int64 `yaml:"sessionOrphanCeilingMs"`
	SessionRetentionMs     int64 `yaml:"sessionRetentionMs"`
	ActivityBroadcastMs    int64 `yaml:"activityBroadcastMs"`
}

func (c CoordinationConfig) HeartbeatInterval() time.Duration { return ms(c.HeartbeatIntervalMs) }
func (c CoordinationConfig) LeaseTTL() time.Duration          { return ms(c.LeaseTTLMs) }
func (c CoordinationConfig) WarningWindow() time.Duration     { return ms(c.WarningWindowMs) }
func (c CoordinationConfig) IdleTimeout() time.Duration       { return ms(c.IdleTimeoutMs) }
func (c CoordinationConfig) OrphanCeiling() time.Duration     { return ms(c.SessionOrphanCeilingMs) }
func (c CoordinationConfig) Retention() time.Duration         { return ms(c.SessionRetentionMs) }
func (c CoordinationConfig) ActivityBroadcast() time.Duration { return ms(c.ActivityBroadcastMs) }

func ms(v int64) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Log: LogConfig{
			Level: "info",
		},
		Transport: TransportConfig{
			Mode: "stdio",
		},
		State: StateConfig{
			Dir: defaultStateDir(),
		},
		Coordination: CoordinationConfig{
			HeartbeatIntervalMs:    30_000,
			LeaseTTLMs:             45_000,
			WarningWindowMs:        300_000,
			IdleTimeoutMs:          420_000,
			SessionOrphanCeilingMs: 86_400_000,
			SessionRetentionMs:     2_592_000_000,
			ActivityBroadcastMs:    1_000,
		},
	}
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "state", "tabsync")
}

// Load reads configuration from an optional YAML file and environment variables.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv("TABSYNC_CONFIG_PATH"); path != "" {
		if err := loadFromFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if host := os.Getenv("TABSYNC_SERVER_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if portStr := os.Getenv("TABSYNC_SERVER_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return Config{}, fmt.Errorf("invalid TABSYNC_SERVER_PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if dbPath := os.Getenv("TABSYNC_DB_PATH"); dbPath != "" {
		cfg.DB.Path = dbPath
	}
	if level := os.Getenv("TABSYNC_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if mode := os.Getenv("TABSYNC_TRANSPORT_MODE"); mode != "" {
		cfg.Transport.Mode = mode
	}
	if enabled := os.Getenv("TABSYNC_AUTH_ENABLED"); enabled != "" {
		v, err := strconv.ParseBool(enabled)
		if err != nil {
			return Config{}, fmt.Errorf("invalid TABSYNC_AUTH_ENABLED: %w", err)
		}
		cfg.Auth.Enabled = v
	}
	if token := os.Getenv("TABSYNC_AUTH_TOKEN"); token != "" {
		cfg.Auth.Token = token
	}
	if dir := os.Getenv("TABSYNC_STATE_DIR"); dir != "" {
		cfg.State.Dir = dir
	}
	if dsn := os.Getenv("TABSYNC_SENTRY_DSN"); dsn != "" {
		cfg.Sentry.DSN = dsn
	}
	if addr := os.Getenv("TABSYNC_METRICS_ADDR"); addr != "" {
		cfg.Metrics.Addr = addr
	}

	durations := []struct {
		env string
		dst *int64
	}{
		{"TABSYNC_HEARTBEAT_INTERVAL_MS", &cfg.Coordination.HeartbeatIntervalMs},
		{"TABSYNC_LEASE_TTL_MS", &cfg.Coordination.LeaseTTLMs},
		{"TABSYNC_WARNING_WINDOW_MS", &cfg.Coordination.WarningWindowMs},
		{"TABSYNC_IDLE_TIMEOUT_MS", &cfg.Coordination.IdleTimeoutMs},
		{"TABSYNC_SESSION_ORPHAN_CEILING_MS", &cfg.Coordination.SessionOrphanCeilingMs},
		{"TABSYNC_SESSION_RETENTION_MS", &cfg.Coordination.SessionRetentionMs},
		{"TABSYNC_ACTIVITY_BROADCAST_MS", &cfg.Coordination.ActivityBroadcastMs},
	}
	for _, d := range durations {
		raw := os.Getenv(d.env)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", d.env, err)
		}
		*d.dst = v
	}

	if cfg.DB.Path == "" {
		cfg.DB.Path = filepath.Join(cfg.State.Dir, "sessions.db")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the coordination layer cannot run with.
func (c Config) Validate() error {
	var errs []error
	switch c.Transport.Mode {
	case "stdio", "http":
	default:
		errs = append(errs, fmt.Errorf("transport mode must be stdio or http, got %q", c.Transport.Mode))
	}
	if c.Auth.Enabled && c.Auth.Token == "" {
		errs = append(errs, errors.New("auth enabled without a token"))
	}
	co := c.Coordination
	if co.LeaseTTLMs <= 0 {
		errs = append(errs, errors.New("leaseTtlMs must be positive"))
	}
	if co.HeartbeatIntervalMs <= 0 || co.HeartbeatIntervalMs >= co.LeaseTTLMs {
		errs = append(errs, errors.New("heartbeatIntervalMs must be positive and below leaseTtlMs"))
	}
	if co.WarningWindowMs <= 0 || co.IdleTimeoutMs <= co.WarningWindowMs {
		errs = append(errs, errors.New("idleTimeoutMs must exceed a positive warningWindowMs"))
	}
	if co.SessionOrphanCeilingMs <= 0 || co.SessionRetentionMs <= 0 {
		errs = append(errs, errors.New("session cleanup windows must be positive"))
	}
	if co.ActivityBroadcastMs < 0 {
		errs = append(errs, errors.New("activityBroadcastMs must not be negative"))
	}
	return errors.Join(errs...)
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}
