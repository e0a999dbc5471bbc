package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// DefaultConfigFile is read from the working directory when --config is not given.
const DefaultConfigFile = "dockship.yaml"

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Target   TargetConfig   `mapstructure:"target"`
	Auth     AuthConfig     `mapstructure:"auth"`
	HostKey  HostKeyConfig  `mapstructure:"host_key"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Env      []EnvConfig    `mapstructure:"env"`
	Timeouts TimeoutsConfig `mapstructure:"timeouts"`
	Verify   VerifyConfig   `mapstructure:"verify"`
	Log      LogConfig      `mapstructure:"log"`
	History  HistoryConfig  `mapstructure:"history"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Report   ReportConfig   `mapstructure:"report"`
}

// TargetConfig names the remote host and project.
type TargetConfig struct {
	Host         string   `mapstructure:"host"`
	Port         int      `mapstructure:"port"`
	User         string   `mapstructure:"user"`
	RemotePath   string   `mapstructure:"remote_path"`
	ProjectName  string   `mapstructure:"project_name"`
	ComposeFiles []string `mapstructure:"compose_files"`
}

// AuthConfig selects the SSH deploy key source. The first non-empty of
// key_encrypted, key_env, key_file and keyring_user is used.
type AuthConfig struct {
	KeyFile        string `mapstructure:"key_file"`
	KeyEnv         string `mapstructure:"key_env"`
	KeyEncrypted   string `mapstructure:"key_encrypted"`
	EncryptionKey  string `mapstructure:"encryption_key"`
	KeyringService string `mapstructure:"keyring_service"`
	KeyringUser    string `mapstructure:"keyring_user"`
	Passphrase     string `mapstructure:"passphrase"`
}

// HostKeyConfig configures remote host key verification.
type HostKeyConfig struct {
	// Mode is "known_hosts", "pinned" or "tofu".
	Mode         string   `mapstructure:"mode"`
	Fingerprints []string `mapstructure:"fingerprints"`
	KnownHosts   string   `mapstructure:"known_hosts"`
}

// SyncConfig configures the mirror of the source tree.
type SyncConfig struct {
	Source  string   `mapstructure:"source"`
	Exclude []string `mapstructure:"exclude"`
	Keep    []string `mapstructure:"keep"`
}

// EnvConfig is one EnvFile entry. From names a process environment
// variable to read the value from instead of Value.
type EnvConfig struct {
	Name  string `mapstructure:"name"`
	Value string `mapstructure:"value"`
	From  string `mapstructure:"from"`
}

// TimeoutsConfig bounds every remote operation.
type TimeoutsConfig struct {
	Connect time.Duration `mapstructure:"connect"`
	Command time.Duration `mapstructure:"command"`
	Sync    time.Duration `mapstructure:"sync"`
	Build   time.Duration `mapstructure:"build"`
}

// VerifyConfig configures post-start verification.
type VerifyConfig struct {
	SettleDelay time.Duration `mapstructure:"settle_delay"`
	SuccessTail int           `mapstructure:"success_tail"`
	FailureTail int           `mapstructure:"failure_tail"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// HistoryConfig configures the local run history.
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
	// Keep is the number of runs kept per target. 0 keeps all.
	Keep int `mapstructure:"keep"`
}

// WebhookConfig configures the push webhook receiver.
type WebhookConfig struct {
	Listen   string   `mapstructure:"listen"`
	Secret   string   `mapstructure:"secret"`
	Branches []string `mapstructure:"branches"`
	// Repository, when set, must match the pushed repository ("owner/name").
	Repository string `mapstructure:"repository"`
	RepoURL    string `mapstructure:"repo_url"`
	// Token authenticates HTTPS fetches of RepoURL.
	Token           string        `mapstructure:"token"`
	Workdir         string        `mapstructure:"workdir"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ReportConfig selects how results are printed.
type ReportConfig struct {
	Format  string `mapstructure:"format"`
	NoColor bool   `mapstructure:"no_color"`
}

// =============================================================================
// Flag Bindings
// =============================================================================

// flagKeys maps command line flags onto config keys. A flag only overrides
// the config when it is set.
var flagKeys = map[string]string{
	"host":           "target.host",
	"port":           "target.port",
	"user":           "target.user",
	"remote-path":    "target.remote_path",
	"project-name":   "target.project_name",
	"compose-file":   "target.compose_files",
	"key-file":       "auth.key_file",
	"key-env":        "auth.key_env",
	"key-encrypted":  "auth.key_encrypted",
	"encryption-key": "auth.encryption_key",
	"keyring-user":   "auth.keyring_user",
	"host-key-mode":  "host_key.mode",
	"fingerprint":    "host_key.fingerprints",
	"known-hosts":    "host_key.known_hosts",
	"source":         "sync.source",
	"exclude":        "sync.exclude",
	"keep":           "sync.keep",
	"settle-delay":   "verify.settle_delay",
	"build-timeout":  "timeouts.build",
	"log-level":      "log.level",
	"log-format":     "log.format",
	"history":        "history.enabled",
	"history-dsn":    "history.dsn",
	"listen":         "webhook.listen",
	"format":         "report.format",
	"no-color":       "report.no_color",
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file, environment and flags, in
// increasing order of precedence. flags may be nil.
func LoadConfig(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	// Set defaults. Every key needs one so that Unmarshal sees env overrides.
	v.SetDefault("target.host", "")
	v.SetDefault("target.port", 22)
	v.SetDefault("target.user", "deploy")
	v.SetDefault("target.remote_path", "")
	v.SetDefault("target.project_name", "")
	v.SetDefault("target.compose_files", []string{})
	v.SetDefault("auth.key_file", "")
	v.SetDefault("auth.key_env", "")
	v.SetDefault("auth.key_encrypted", "")
	v.SetDefault("auth.encryption_key", "")
	v.SetDefault("auth.keyring_service", "")
	v.SetDefault("auth.keyring_user", "")
	v.SetDefault("auth.passphrase", "")
	v.SetDefault("host_key.mode", "known_hosts")
	v.SetDefault("host_key.fingerprints", []string{})
	v.SetDefault("host_key.known_hosts", "")
	v.SetDefault("sync.source", ".")
	v.SetDefault("sync.exclude", []string{})
	v.SetDefault("sync.keep", []string{})
	v.SetDefault("timeouts.connect", "15s")
	v.SetDefault("timeouts.command", "2m")
	v.SetDefault("timeouts.sync", "10m")
	v.SetDefault("timeouts.build", "20m")
	v.SetDefault("verify.settle_delay", "10s")
	v.SetDefault("verify.success_tail", 20)
	v.SetDefault("verify.failure_tail", 100)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("history.enabled", true)
	v.SetDefault("history.dsn", defaultHistoryDSN())
	v.SetDefault("history.keep", 200)
	v.SetDefault("webhook.listen", "127.0.0.1:9000")
	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.branches", []string{"main"})
	v.SetDefault("webhook.repository", "")
	v.SetDefault("webhook.repo_url", "")
	v.SetDefault("webhook.token", "")
	v.SetDefault("webhook.workdir", "./data/checkout")
	v.SetDefault("webhook.read_timeout", "30s")
	v.SetDefault("webhook.write_timeout", "30s")
	v.SetDefault("webhook.shutdown_timeout", "30s")
	v.SetDefault("report.format", "text")
	v.SetDefault("report.no_color", false)

	// Load from file: an explicit path must exist, the default one may not
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if _, err := os.Stat(DefaultConfigFile); err == nil {
		v.SetConfigFile(DefaultConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("DOCKSHIP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag --%s: %w", name, err)
				}
			}
		}
	}

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func defaultHistoryDSN() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "./data/dockship.db"
	}
	return filepath.Join(dir, "dockship", "history.db")
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format. Logs
// go to stderr; stdout carries the report.
func SetupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
