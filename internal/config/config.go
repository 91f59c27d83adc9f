// Package config loads and watches the ledgerd configuration: a
// config.yaml under the home dir with env overrides on top.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quietbay/ledgerd/internal/otel"
)

// RemoteConfig points the sync queue at the remote document store.
// The token is never stored in the file; TokenEnv names the variable
// holding it.
type RemoteConfig struct {
	BaseURL        string `yaml:"base_url"`
	TokenEnv       string `yaml:"token_env"`
	ProbeURL       string `yaml:"probe_url"`
	WebSocketURL   string `yaml:"websocket_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Token resolves the auth token from the configured env var.
func (r RemoteConfig) Token() string {
	if r.TokenEnv == "" {
		return ""
	}
	return os.Getenv(r.TokenEnv)
}

// OutboxConfig bounds the sync queue.
type OutboxConfig struct {
	MaxEntries     int `yaml:"max_entries"`
	MaxAgeDays     int `yaml:"max_age_days"`
	InlineAttempts int `yaml:"inline_attempts"`
}

// MaxAge converts the day setting to a duration.
func (o OutboxConfig) MaxAge() time.Duration {
	return time.Duration(o.MaxAgeDays) * 24 * time.Hour
}

// SchedulesConfig holds the cron expressions for maintenance jobs.
// Empty disables the job.
type SchedulesConfig struct {
	Backup      string `yaml:"backup"`
	HealthCheck string `yaml:"health_check"`
	OutboxPurge string `yaml:"outbox_purge"`
	LogPrune    string `yaml:"log_prune"`
}

// BackupConfig shapes the backup engine.
type BackupConfig struct {
	Dir       string `yaml:"dir"`
	ChunkSize int    `yaml:"chunk_size"`
	// KeepLast bounds retained backup files; 0 keeps all.
	KeepLast int `yaml:"keep_last"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`

	// ActivityRetentionDays prunes the activity log; 0 keeps forever.
	ActivityRetentionDays int `yaml:"activity_retention_days"`

	// NetProbeIntervalSeconds between reachability probes.
	NetProbeIntervalSeconds int `yaml:"net_probe_interval_seconds"`

	Backup    BackupConfig    `yaml:"backup"`
	Remote    RemoteConfig    `yaml:"remote"`
	Outbox    OutboxConfig    `yaml:"outbox"`
	Schedules SchedulesConfig `yaml:"schedules"`
	OTel      otel.Config     `yaml:"otel"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:                "info",
		ActivityRetentionDays:   180,
		NetProbeIntervalSeconds: 30,
		Backup: BackupConfig{
			ChunkSize: 100,
			KeepLast:  10,
		},
		Remote: RemoteConfig{
			TokenEnv:       "LEDGERD_REMOTE_TOKEN",
			TimeoutSeconds: 15,
		},
		Outbox: OutboxConfig{
			MaxEntries:     1000,
			MaxAgeDays:     7,
			InlineAttempts: 3,
		},
		Schedules: SchedulesConfig{
			Backup:      "0 3 * * *",
			HealthCheck: "*/30 * * * *",
			OutboxPurge: "15 4 * * *",
			LogPrune:    "30 4 * * 0",
		},
	}
}

// HomeDir resolves the ledgerd home directory, honoring LEDGERD_HOME.
func HomeDir() string {
	if override := os.Getenv("LEDGERD_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".ledgerd")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml under the home dir, creating the dir when
// absent. A missing file yields the defaults.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create ledgerd home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LEDGERD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LEDGERD_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("LEDGERD_REMOTE_URL"); v != "" {
		cfg.Remote.BaseURL = v
	}
}

func normalize(cfg *Config) {
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "ledger.db")
	}
	if strings.TrimSpace(cfg.Backup.Dir) == "" {
		cfg.Backup.Dir = filepath.Join(cfg.HomeDir, "backups")
	}
	if cfg.Backup.ChunkSize <= 0 {
		cfg.Backup.ChunkSize = 100
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Remote.TimeoutSeconds <= 0 {
		cfg.Remote.TimeoutSeconds = 15
	}
	if cfg.Remote.TokenEnv == "" {
		cfg.Remote.TokenEnv = "LEDGERD_REMOTE_TOKEN"
	}
	if cfg.Outbox.MaxEntries <= 0 {
		cfg.Outbox.MaxEntries = 1000
	}
	if cfg.Outbox.MaxAgeDays <= 0 {
		cfg.Outbox.MaxAgeDays = 7
	}
	if cfg.Outbox.InlineAttempts <= 0 {
		cfg.Outbox.InlineAttempts = 3
	}
	if cfg.NetProbeIntervalSeconds <= 0 {
		cfg.NetProbeIntervalSeconds = 30
	}
}

// Fingerprint returns a stable hash of the settings that require a
// restart to change, so reload handlers can tell hot-reloadable edits
// apart.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "db=%s|backup=%s|remote=%s|ws=%s|otel=%v",
		c.DBPath, c.Backup.Dir, c.Remote.BaseURL, c.Remote.WebSocketURL, c.OTel.Enabled)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// Save writes the config back to config.yaml, preserving defaults that
// were never overridden.
func Save(cfg Config) error {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(ConfigPath(cfg.HomeDir), out, 0o644)
}
