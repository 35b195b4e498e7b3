// Package config handles daemon configuration loading using viper.
package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// rootKey is the YAML root wrapper; env vars use the matching PAQETD_ prefix.
const rootKey = "paqetd"

// GlobalConfig is the daemon's static configuration.
// Maps to the `paqetd:` root key in YAML.
type GlobalConfig struct {
	Binary     BinaryConfig     `mapstructure:"binary"`
	Control    ControlConfig    `mapstructure:"control"`
	API        APIConfig        `mapstructure:"api"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Log        LogConfig        `mapstructure:"log"`
	Transcript TranscriptConfig `mapstructure:"transcript"`
	Session    SessionConfig    `mapstructure:"session"`
	History    HistoryConfig    `mapstructure:"history"`
	DataDir    string           `mapstructure:"data_dir"`
	Tunnel     TunnelConfig     `mapstructure:"tunnel"`
}

// ─── Proxy binary ───

// BinaryConfig controls how the proxy child process is launched.
type BinaryConfig struct {
	Path         string        `mapstructure:"path"`          // name or path of the paqet binary
	Sudo         bool          `mapstructure:"sudo"`          // prefix with `sudo -n` (unix only)
	RuntimeDir   string        `mapstructure:"runtime_dir"`   // empty = <data_dir>/run
	KeepConfig   bool          `mapstructure:"keep_config"`   // keep rendered tunnel files after exit
	StopTimeout  time.Duration `mapstructure:"stop_timeout"`  // SIGTERM grace before SIGKILL
	StartupGrace time.Duration `mapstructure:"startup_grace"` // starting -> running delay
	QueueSize    int           `mapstructure:"queue_size"`    // pending output lines per session
}

// ─── Control Plane ───

// ControlConfig contains local control plane settings.
type ControlConfig struct {
	Socket  string `mapstructure:"socket"`
	PIDFile string `mapstructure:"pid_file"`
}

// APIConfig configures the HTTP API used by the desktop front end.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`

	// AllowedOrigins lists browser origins accepted in addition to
	// loopback ones, e.g. a packaged front end's custom scheme.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Log ───

// LogConfig contains daemon logging settings.
type LogConfig struct {
	Level  string           `mapstructure:"level"`  // debug / info / warn / error
	Format string           `mapstructure:"format"` // json / text
	File   FileOutputConfig `mapstructure:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// TranscriptConfig configures the on-disk copy of the proxy's output.
type TranscriptConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"` // empty = <data_dir>/logs/paqet.log
	Pattern  string         `mapstructure:"pattern"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// ─── Session ───

// SessionConfig tunes the session controller.
type SessionConfig struct {
	RingSize      int           `mapstructure:"ring_size"`      // retained log events
	StatsInterval time.Duration `mapstructure:"stats_interval"` // 0 disables process sampling
}

// HistoryConfig controls the session history database and its GC.
type HistoryConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Path       string        `mapstructure:"path"` // empty = <data_dir>/history.db
	GCSchedule string        `mapstructure:"gc_schedule"`
	MaxAge     time.Duration `mapstructure:"max_age"`
	Keep       int           `mapstructure:"keep"`
}

// TunnelConfig points at the tunnel document used when the daemon starts.
type TunnelConfig struct {
	Path      string `mapstructure:"path"`
	AutoStart bool   `mapstructure:"auto_start"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `paqetd: ...`.
type configRoot struct {
	Paqetd GlobalConfig `mapstructure:"paqetd"`
}

// Load loads configuration from path. An empty path yields the defaults with
// env overrides applied (e.g. PAQETD_LOG_LEVEL).
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// The `paqetd.` key prefix maps to `PAQETD_` via the key replacer.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Paqetd

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func key(k string) string { return rootKey + "." + k }

// setDefaults sets default values for configuration.
func setDefaults(v *viper.Viper) {
	// Binary defaults
	v.SetDefault(key("binary.path"), "paqet")
	v.SetDefault(key("binary.sudo"), false)
	v.SetDefault(key("binary.runtime_dir"), "")
	v.SetDefault(key("binary.keep_config"), false)
	v.SetDefault(key("binary.stop_timeout"), "2s")
	v.SetDefault(key("binary.startup_grace"), "1500ms")
	v.SetDefault(key("binary.queue_size"), 1024)

	// Control defaults
	v.SetDefault(key("control.pid_file"), "/var/run/paqetd.pid")
	v.SetDefault(key("control.socket"), "/var/run/paqetd.sock")

	// API defaults
	v.SetDefault(key("api.enabled"), true)
	v.SetDefault(key("api.listen"), "127.0.0.1:8787")

	// Metrics defaults
	v.SetDefault(key("metrics.enabled"), false)
	v.SetDefault(key("metrics.listen"), "127.0.0.1:9091")
	v.SetDefault(key("metrics.path"), "/metrics")

	// Log defaults
	v.SetDefault(key("log.level"), "info")
	v.SetDefault(key("log.format"), "json")
	v.SetDefault(key("log.file.enabled"), false)
	v.SetDefault(key("log.file.path"), "/var/log/paqetd/paqetd.log")
	v.SetDefault(key("log.file.rotation.max_size_mb"), 100)
	v.SetDefault(key("log.file.rotation.max_age_days"), 30)
	v.SetDefault(key("log.file.rotation.max_backups"), 5)
	v.SetDefault(key("log.file.rotation.compress"), true)

	// Transcript defaults
	v.SetDefault(key("transcript.enabled"), true)
	v.SetDefault(key("transcript.path"), "")
	v.SetDefault(key("transcript.pattern"), "%time [%level] %field %msg%n")
	v.SetDefault(key("transcript.rotation.max_size_mb"), 20)
	v.SetDefault(key("transcript.rotation.max_age_days"), 7)
	v.SetDefault(key("transcript.rotation.max_backups"), 3)
	v.SetDefault(key("transcript.rotation.compress"), false)

	// Session defaults
	v.SetDefault(key("session.ring_size"), 2000)
	v.SetDefault(key("session.stats_interval"), "5s")

	// History defaults
	v.SetDefault(key("data_dir"), "/var/lib/paqetd")
	v.SetDefault(key("history.enabled"), true)
	v.SetDefault(key("history.path"), "")
	v.SetDefault(key("history.gc_schedule"), "@hourly")
	v.SetDefault(key("history.max_age"), "720h")
	v.SetDefault(key("history.keep"), 10)

	// Tunnel defaults
	v.SetDefault(key("tunnel.path"), "")
	v.SetDefault(key("tunnel.auto_start"), false)
}

// ValidateAndApplyDefaults validates configuration and resolves paths derived
// from data_dir.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Log.Level)] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}
	if cfg.Log.File.Enabled && cfg.Log.File.Path == "" {
		return fmt.Errorf("log.file.path is required when log.file.enabled=true")
	}

	// ── Binary ──
	if cfg.Binary.Path == "" {
		return fmt.Errorf("binary.path is required")
	}
	if cfg.Binary.StopTimeout <= 0 {
		return fmt.Errorf("binary.stop_timeout must be positive, got %s", cfg.Binary.StopTimeout)
	}
	if cfg.Binary.StartupGrace < 0 {
		return fmt.Errorf("binary.startup_grace must not be negative, got %s", cfg.Binary.StartupGrace)
	}
	if cfg.Binary.QueueSize <= 0 {
		return fmt.Errorf("binary.queue_size must be positive, got %d", cfg.Binary.QueueSize)
	}

	// ── Session ──
	if cfg.Session.RingSize <= 0 {
		return fmt.Errorf("session.ring_size must be positive, got %d", cfg.Session.RingSize)
	}
	if cfg.Session.StatsInterval < 0 {
		return fmt.Errorf("session.stats_interval must not be negative, got %s", cfg.Session.StatsInterval)
	}

	// ── Listeners ──
	if cfg.API.Enabled && cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required when api.enabled=true")
	}
	if cfg.Metrics.Enabled {
		if cfg.Metrics.Listen == "" {
			return fmt.Errorf("metrics.listen is required when metrics.enabled=true")
		}
		if !strings.HasPrefix(cfg.Metrics.Path, "/") {
			return fmt.Errorf("metrics.path must start with '/', got %q", cfg.Metrics.Path)
		}
	}
	if cfg.Control.Socket == "" {
		return fmt.Errorf("control.socket is required")
	}

	// ── History ──
	if cfg.History.Enabled {
		if _, err := cron.ParseStandard(cfg.History.GCSchedule); err != nil {
			return fmt.Errorf("invalid history.gc_schedule %q: %w", cfg.History.GCSchedule, err)
		}
		if cfg.History.Keep < 0 {
			return fmt.Errorf("history.keep must not be negative, got %d", cfg.History.Keep)
		}
		if cfg.History.MaxAge < 0 {
			return fmt.Errorf("history.max_age must not be negative, got %s", cfg.History.MaxAge)
		}
	}

	// ── Tunnel ──
	if cfg.Tunnel.AutoStart && cfg.Tunnel.Path == "" {
		return fmt.Errorf("tunnel.path is required when tunnel.auto_start=true")
	}

	// ── Paths derived from data_dir ──
	needsDataDir := cfg.Binary.RuntimeDir == "" ||
		(cfg.History.Enabled && cfg.History.Path == "") ||
		(cfg.Transcript.Enabled && cfg.Transcript.Path == "")
	if needsDataDir && cfg.DataDir == "" {
		return fmt.Errorf("data_dir is required to derive runtime, history and transcript paths")
	}
	if cfg.Binary.RuntimeDir == "" {
		cfg.Binary.RuntimeDir = filepath.Join(cfg.DataDir, "run")
	}
	if cfg.History.Path == "" {
		cfg.History.Path = filepath.Join(cfg.DataDir, "history.db")
	}
	if cfg.Transcript.Path == "" {
		cfg.Transcript.Path = filepath.Join(cfg.DataDir, "logs", "paqet.log")
	}

	return nil
}

// Diff lists the keys whose change needs a daemon restart to take effect.
// Log settings are hot-reloadable and never listed.
func (cfg *GlobalConfig) Diff(next *GlobalConfig) []string {
	var cold []string
	if cfg.Binary != next.Binary {
		cold = append(cold, "binary")
	}
	if cfg.Control != next.Control {
		cold = append(cold, "control")
	}
	if !reflect.DeepEqual(cfg.API, next.API) {
		cold = append(cold, "api")
	}
	if cfg.Metrics != next.Metrics {
		cold = append(cold, "metrics")
	}
	if cfg.Transcript != next.Transcript {
		cold = append(cold, "transcript")
	}
	if cfg.Session != next.Session {
		cold = append(cold, "session")
	}
	if cfg.History != next.History {
		cold = append(cold, "history")
	}
	if cfg.DataDir != next.DataDir {
		cold = append(cold, "data_dir")
	}
	if cfg.Tunnel != next.Tunnel {
		cold = append(cold, "tunnel")
	}
	return cold
}
