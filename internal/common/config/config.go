// Package config provides configuration management for the supervisor.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the supervisor.
type Config struct {
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Session    SessionConfig    `mapstructure:"session"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Store      StoreConfig      `mapstructure:"store"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// SupervisorConfig holds detection and continuation tuning.
// All durations are expressed in seconds in config files and env vars.
type SupervisorConfig struct {
	IdlePollInterval       int `mapstructure:"idlePollInterval"`       // output poll period
	IdleCyclesBeforeIdle   int `mapstructure:"idleCyclesBeforeIdle"`   // unchanged samples before output-idle fires
	HeartbeatStaleAfter    int `mapstructure:"heartbeatStaleAfter"`    // heartbeat staleness threshold
	HeartbeatSweepInterval int `mapstructure:"heartbeatSweepInterval"` // staleness sweep period
	DebounceWindow         int `mapstructure:"debounceWindow"`         // event collapse window
	DefaultMaxIterations   int `mapstructure:"defaultMaxIterations"`   // per-task default
	AbsoluteMaxIterations  int `mapstructure:"absoluteMaxIterations"`  // hard ceiling regardless of record contents
	ErrorRetryLimit        int `mapstructure:"errorRetryLimit"`        // consecutive stuck-or-error retries before escalation
	AnalysisTimeout        int `mapstructure:"analysisTimeout"`
	ActionTimeout          int `mapstructure:"actionTimeout"`
	HistoryCap             int `mapstructure:"historyCap"`   // continuation history entries kept per task
	CaptureLines           int `mapstructure:"captureLines"` // screen lines captured per output sample
}

// SessionConfig holds pty session defaults.
type SessionConfig struct {
	Cols           int   `mapstructure:"cols"`
	Rows           int   `mapstructure:"rows"`
	BufferMaxBytes int64 `mapstructure:"bufferMaxBytes"`
	GracePeriod    int   `mapstructure:"gracePeriod"` // seconds between SIGTERM and SIGKILL
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// StoreConfig selects the ticket store backend.
type StoreConfig struct {
	Backend string `mapstructure:"backend"` // memory, yaml, sqlite
	Path    string `mapstructure:"path"`    // ticket directory (yaml) or database file (sqlite)
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// IdlePollIntervalDuration returns the idle poll interval as a time.Duration.
func (s *SupervisorConfig) IdlePollIntervalDuration() time.Duration {
	return time.Duration(s.IdlePollInterval) * time.Second
}

// HeartbeatStaleAfterDuration returns the staleness threshold as a time.Duration.
func (s *SupervisorConfig) HeartbeatStaleAfterDuration() time.Duration {
	return time.Duration(s.HeartbeatStaleAfter) * time.Second
}

// HeartbeatSweepIntervalDuration returns the sweep period as a time.Duration.
func (s *SupervisorConfig) HeartbeatSweepIntervalDuration() time.Duration {
	return time.Duration(s.HeartbeatSweepInterval) * time.Second
}

// DebounceWindowDuration returns the debounce window as a time.Duration.
func (s *SupervisorConfig) DebounceWindowDuration() time.Duration {
	return time.Duration(s.DebounceWindow) * time.Second
}

// AnalysisTimeoutDuration returns the analysis timeout as a time.Duration.
func (s *SupervisorConfig) AnalysisTimeoutDuration() time.Duration {
	return time.Duration(s.AnalysisTimeout) * time.Second
}

// ActionTimeoutDuration returns the action timeout as a time.Duration.
func (s *SupervisorConfig) ActionTimeoutDuration() time.Duration {
	return time.Duration(s.ActionTimeout) * time.Second
}

// GracePeriodDuration returns the terminate grace period as a time.Duration.
func (s *SessionConfig) GracePeriodDuration() time.Duration {
	return time.Duration(s.GracePeriod) * time.Second
}

// detectDefaultLogFormat returns "json" for production environments
// and "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CONTINUITY_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
// Detection defaults follow the supervision design: 2-minute output polls,
// two unchanged cycles before an idle trigger, 30-minute heartbeat staleness,
// 5-second debounce.
func setDefaults(v *viper.Viper) {
	v.SetDefault("supervisor.idlePollInterval", 120)
	v.SetDefault("supervisor.idleCyclesBeforeIdle", 2)
	v.SetDefault("supervisor.heartbeatStaleAfter", 1800)
	v.SetDefault("supervisor.heartbeatSweepInterval", 60)
	v.SetDefault("supervisor.debounceWindow", 5)
	v.SetDefault("supervisor.defaultMaxIterations", 10)
	v.SetDefault("supervisor.absoluteMaxIterations", 25)
	v.SetDefault("supervisor.errorRetryLimit", 1)
	v.SetDefault("supervisor.analysisTimeout", 10)
	v.SetDefault("supervisor.actionTimeout", 30)
	v.SetDefault("supervisor.historyCap", 20)
	v.SetDefault("supervisor.captureLines", 40)

	v.SetDefault("session.cols", 120)
	v.SetDefault("session.rows", 40)
	v.SetDefault("session.bufferMaxBytes", 2*1024*1024)
	v.SetDefault("session.gracePeriod", 2)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "continuity-supervisor")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.path", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CONTINUITY_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/continuity/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CONTINUITY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/continuity/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all configuration fields are in range.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Supervisor.IdlePollInterval <= 0 {
		errs = append(errs, "supervisor.idlePollInterval must be positive")
	}
	if cfg.Supervisor.IdleCyclesBeforeIdle < 1 {
		errs = append(errs, "supervisor.idleCyclesBeforeIdle must be at least 1")
	}
	if cfg.Supervisor.HeartbeatStaleAfter <= 0 {
		errs = append(errs, "supervisor.heartbeatStaleAfter must be positive")
	}
	if cfg.Supervisor.DebounceWindow < 0 {
		errs = append(errs, "supervisor.debounceWindow must not be negative")
	}
	if cfg.Supervisor.DefaultMaxIterations <= 0 {
		errs = append(errs, "supervisor.defaultMaxIterations must be positive")
	}
	if cfg.Supervisor.AbsoluteMaxIterations < cfg.Supervisor.DefaultMaxIterations {
		errs = append(errs, "supervisor.absoluteMaxIterations must not be below defaultMaxIterations")
	}
	if cfg.Supervisor.ErrorRetryLimit < 0 {
		errs = append(errs, "supervisor.errorRetryLimit must not be negative")
	}
	if cfg.Supervisor.HistoryCap <= 0 {
		errs = append(errs, "supervisor.historyCap must be positive")
	}
	if cfg.Supervisor.CaptureLines <= 0 {
		errs = append(errs, "supervisor.captureLines must be positive")
	}

	if cfg.Session.Cols <= 0 || cfg.Session.Rows <= 0 {
		errs = append(errs, "session.cols and session.rows must be positive")
	}

	switch cfg.Store.Backend {
	case "memory":
	case "yaml", "sqlite":
		if cfg.Store.Path == "" {
			errs = append(errs, fmt.Sprintf("store.path is required for the %s backend", cfg.Store.Backend))
		}
	default:
		errs = append(errs, "store.backend must be one of: memory, yaml, sqlite")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
