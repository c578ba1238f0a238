package config

import (
	"fmt"
	"time"

	yamlenv "github.com/ifuryst/go-yaml-env"

	"github.com/ifuryst/crosspost/pkg/logger"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Logger    logger.Config   `yaml:"logger"`
	Publisher PublisherConfig `yaml:"publisher"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Notifier  NotifierConfig  `yaml:"notifier"`
	Auth      AuthConfig      `yaml:"auth"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	Host     string `yaml:"host"`
	Mode     string `yaml:"mode"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type DatabaseConfig struct {
	// Type is one of memory, postgres or sqlite.
	Type     string `yaml:"type"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
	TimeZone string `yaml:"timezone"`
	// Path is the sqlite database file.
	Path string `yaml:"path"`
}

type PublisherConfig struct {
	AdapterTimeout string           `yaml:"adapter_timeout"`
	MaxErrorLength int              `yaml:"max_error_length"`
	Retry          RetryConfig      `yaml:"retry"`
	Platforms      []PlatformConfig `yaml:"platforms"`
}

type RetryConfig struct {
	MaxAttempts int    `yaml:"max_attempts"`
	BaseDelay   string `yaml:"base_delay"`
	MaxDelay    string `yaml:"max_delay"`
}

type PlatformConfig struct {
	Name       string          `yaml:"name"`
	Enabled    bool            `yaml:"enabled"`
	RatePerSec float64         `yaml:"rate_per_sec"`
	Burst      int             `yaml:"burst"`
	Simulate   *SimulateConfig `yaml:"simulate"`
}

// SimulateConfig drives the built-in simulated adapter for a platform.
type SimulateConfig struct {
	StepDelay      string `yaml:"step_delay"`
	Steps          int    `yaml:"steps"`
	FailAttempts   int    `yaml:"fail_attempts"`
	FailureMessage string `yaml:"failure_message"`
}

type SchedulerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Spec    string `yaml:"spec"`
}

type NotifierConfig struct {
	WebhookURL string      `yaml:"webhook_url"`
	Redis      RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Addr          string `yaml:"addr"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

type AuthConfig struct {
	Enabled    bool   `yaml:"enabled"`
	TOTPSecret string `yaml:"totp_secret"`
	SessionTTL string `yaml:"session_ttl"`
}

func LoadConfig(configPath string) (*Config, error) {
	cfg, err := yamlenv.LoadConfig[Config](configPath)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 5334
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "debug"
	}
	if cfg.Database.Type == "" {
		cfg.Database.Type = "memory"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.TimeZone == "" {
		cfg.Database.TimeZone = "UTC"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "crosspost.db"
	}
	if cfg.Publisher.AdapterTimeout == "" {
		cfg.Publisher.AdapterTimeout = "30s"
	}
	if cfg.Publisher.MaxErrorLength == 0 {
		cfg.Publisher.MaxErrorLength = 500
	}
	if cfg.Publisher.Retry.MaxAttempts == 0 {
		cfg.Publisher.Retry.MaxAttempts = 1
	}
	if cfg.Publisher.Retry.BaseDelay == "" {
		cfg.Publisher.Retry.BaseDelay = "2s"
	}
	if cfg.Publisher.Retry.MaxDelay == "" {
		cfg.Publisher.Retry.MaxDelay = "1m"
	}
	if cfg.Scheduler.Spec == "" {
		cfg.Scheduler.Spec = "@every 30s"
	}
	if cfg.Notifier.Redis.ChannelPrefix == "" {
		cfg.Notifier.Redis.ChannelPrefix = "crosspost:publish"
	}
	if cfg.Notifier.Redis.Addr == "" {
		cfg.Notifier.Redis.Addr = "localhost:6379"
	}
	if cfg.Auth.SessionTTL == "" {
		cfg.Auth.SessionTTL = "24h"
	}
}

// Validate checks values the defaults cannot repair.
func (c *Config) Validate() error {
	switch c.Database.Type {
	case "memory", "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database type %q", c.Database.Type)
	}

	durations := map[string]string{
		"publisher.adapter_timeout":  c.Publisher.AdapterTimeout,
		"publisher.retry.base_delay": c.Publisher.Retry.BaseDelay,
		"publisher.retry.max_delay":  c.Publisher.Retry.MaxDelay,
		"auth.session_ttl":           c.Auth.SessionTTL,
	}
	for _, p := range c.Publisher.Platforms {
		if p.Simulate != nil && p.Simulate.StepDelay != "" {
			durations["publisher.platforms."+p.Name+".simulate.step_delay"] = p.Simulate.StepDelay
		}
	}
	for key, value := range durations {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration for %s: %w", key, err)
		}
	}

	if c.Publisher.Retry.MaxAttempts < 1 {
		return fmt.Errorf("publisher.retry.max_attempts must be at least 1")
	}
	if c.Auth.Enabled && c.Auth.TOTPSecret == "" {
		return fmt.Errorf("auth.totp_secret is required when auth is enabled")
	}

	seen := make(map[string]bool)
	for _, p := range c.Publisher.Platforms {
		if p.Name == "" {
			return fmt.Errorf("publisher platform without a name")
		}
		if seen[p.Name] {
			return fmt.Errorf("publisher platform %s configured twice", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// Duration parses a validated duration string.
func Duration(value string) time.Duration {
	d, _ := time.ParseDuration(value)
	return d
}
