// Package config loads applock settings from defaults, config file, environment and flags.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/eliteGoblin/focusd/app_lock/internal/daemon"
	"github.com/eliteGoblin/focusd/app_lock/internal/infra"
	"github.com/eliteGoblin/focusd/app_lock/internal/usecase"
)

// EnvPrefix is the prefix for environment overrides (APPLOCK_ENGINE_MAX_ATTEMPTS, ...).
const EnvPrefix = "APPLOCK"

// FileName is the optional config file looked up in the data directory.
const FileName = "config.yaml"

// Config represents the complete applock configuration
type Config struct {
	Engine  EngineConfig  `mapstructure:"engine"`
	Daemon  DaemonConfig  `mapstructure:"daemon"`
	Storage StorageConfig `mapstructure:"storage"`
	Logging LoggingConfig `mapstructure:"logging"`
	Auth    AuthConfig    `mapstructure:"auth"`
}

// EngineConfig controls interception timing and the attempt budget
type EngineConfig struct {
	TickInterval    time.Duration `mapstructure:"tick_interval"`
	FreshnessWindow time.Duration `mapstructure:"freshness_window"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	VerifyTimeout   time.Duration `mapstructure:"verify_timeout"`
}

// DaemonConfig controls the background loops of `applock run`
type DaemonConfig struct {
	// MonitorSyncInterval is how often monitors are re-read from the store
	MonitorSyncInterval time.Duration `mapstructure:"monitor_sync_interval"`
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval"`
	// UnlockPollInterval is how often `applock unlock` requests are picked up
	UnlockPollInterval time.Duration `mapstructure:"unlock_poll_interval"`
	UnlockRequestTTL   time.Duration `mapstructure:"unlock_request_ttl"`
}

// StorageConfig locates the encrypted store
type StorageConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// LoggingConfig controls the zap logger
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	// File writes logs to applock.log in the data directory in addition to stdout
	File bool `mapstructure:"file"`
}

// AuthConfig names the subject whose credential unlocks held apps
type AuthConfig struct {
	Subject string `mapstructure:"subject"`
}

// Default returns the default configuration
func Default() *Config {
	engine := usecase.DefaultEngineConfig()
	watcher := daemon.DefaultWatcherConfig()
	unlock := usecase.DefaultUnlockConfig()
	return &Config{
		Engine: EngineConfig{
			TickInterval:    engine.TickInterval,
			FreshnessWindow: engine.FreshnessWindow,
			MaxAttempts:     engine.MaxAttempts,
			VerifyTimeout:   engine.VerifyTimeout,
		},
		Daemon: DaemonConfig{
			MonitorSyncInterval: watcher.MonitorSyncInterval,
			HeartbeatInterval:   watcher.HeartbeatInterval,
			UnlockPollInterval:  watcher.UnlockPollInterval,
			UnlockRequestTTL:    unlock.RequestTTL,
		},
		Storage: StorageConfig{
			DataDir: infra.DetectExecMode().DataDir,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  true,
		},
		Auth: AuthConfig{
			Subject: currentUser(),
		},
	}
}

func currentUser() string {
	u, err := user.Current()
	if err != nil {
		return "default"
	}
	return u.Username
}

// SetDefaults registers every default with v
func SetDefaults(v *viper.Viper) {
	defaults := Default()

	v.SetDefault("engine.tick_interval", defaults.Engine.TickInterval)
	v.SetDefault("engine.freshness_window", defaults.Engine.FreshnessWindow)
	v.SetDefault("engine.max_attempts", defaults.Engine.MaxAttempts)
	v.SetDefault("engine.verify_timeout", defaults.Engine.VerifyTimeout)

	v.SetDefault("daemon.monitor_sync_interval", defaults.Daemon.MonitorSyncInterval)
	v.SetDefault("daemon.heartbeat_interval", defaults.Daemon.HeartbeatInterval)
	v.SetDefault("daemon.unlock_poll_interval", defaults.Daemon.UnlockPollInterval)
	v.SetDefault("daemon.unlock_request_ttl", defaults.Daemon.UnlockRequestTTL)

	v.SetDefault("storage.data_dir", defaults.Storage.DataDir)

	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.file", defaults.Logging.File)

	v.SetDefault("auth.subject", defaults.Auth.Subject)
}

// New returns a viper instance with defaults and environment overrides wired.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// ReadFile merges config.yaml from dataDir into v if it exists.
func ReadFile(v *viper.Viper, dataDir string) error {
	path := filepath.Join(dataDir, FileName)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// Load reads the configuration from v into a Config struct and validates it
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}
	return &cfg, nil
}

// ToEngineConfig converts to the engine's configuration type
func (c *Config) ToEngineConfig() usecase.EngineConfig {
	return usecase.EngineConfig{
		TickInterval:    c.Engine.TickInterval,
		FreshnessWindow: c.Engine.FreshnessWindow,
		MaxAttempts:     c.Engine.MaxAttempts,
		VerifyTimeout:   c.Engine.VerifyTimeout,
	}
}

// ToWatcherConfig converts to the watcher's configuration type
func (c *Config) ToWatcherConfig() daemon.WatcherConfig {
	return daemon.WatcherConfig{
		MonitorSyncInterval: c.Daemon.MonitorSyncInterval,
		HeartbeatInterval:   c.Daemon.HeartbeatInterval,
		UnlockPollInterval:  c.Daemon.UnlockPollInterval,
	}
}

// ToUnlockConfig converts to the unlock request configuration type
func (c *Config) ToUnlockConfig() usecase.UnlockConfig {
	unlock := usecase.DefaultUnlockConfig()
	unlock.RequestTTL = c.Daemon.UnlockRequestTTL
	return unlock
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	positive := []struct {
		field string
		value time.Duration
	}{
		{"engine.tick_interval", c.Engine.TickInterval},
		{"engine.freshness_window", c.Engine.FreshnessWindow},
		{"engine.verify_timeout", c.Engine.VerifyTimeout},
		{"daemon.monitor_sync_interval", c.Daemon.MonitorSyncInterval},
		{"daemon.heartbeat_interval", c.Daemon.HeartbeatInterval},
		{"daemon.unlock_poll_interval", c.Daemon.UnlockPollInterval},
		{"daemon.unlock_request_ttl", c.Daemon.UnlockRequestTTL},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errs = append(errs, ValidationError{Field: p.field, Value: p.value, Message: "must be positive"})
		}
	}

	if c.Engine.MaxAttempts < 1 {
		errs = append(errs, ValidationError{
			Field: "engine.max_attempts", Value: c.Engine.MaxAttempts, Message: "must be at least 1",
		})
	}
	if strings.TrimSpace(c.Storage.DataDir) == "" {
		errs = append(errs, ValidationError{Field: "storage.data_dir", Value: c.Storage.DataDir, Message: "is required"})
	}
	if !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of %v", ValidLogLevels()),
		})
	}
	if strings.TrimSpace(c.Auth.Subject) == "" {
		errs = append(errs, ValidationError{Field: "auth.subject", Value: c.Auth.Subject, Message: "is required"})
	}

	return errs
}
