package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/givance/outreach/internal/schedule"
)

// Config is the main configuration structure
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Provider   ProviderConfig   `yaml:"provider"`
	OAuth      OAuthConfig      `yaml:"oauth"`
	Scheduling SchedulingConfig `yaml:"scheduling"`
	Schedule   *schedule.Config `yaml:"schedule"` // default org sending window
	Tracking   TrackingConfig   `yaml:"tracking"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig contains HTTP API settings
type ServerConfig struct {
	ListenAddr   string        `yaml:"listen_addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// StorageConfig contains database paths
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"` // SQLite campaign/message/job store
	TriggerPath  string `yaml:"trigger_path"`  // BoltDB trigger store
}

// DispatcherConfig controls the trigger poll loop
type DispatcherConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
	Concurrency  int           `yaml:"concurrency"`
}

// ProviderConfig contains SMTP submission settings
type ProviderConfig struct {
	SMTPAddr    string        `yaml:"smtp_addr"` // host:port of the submission endpoint
	Hostname    string        `yaml:"hostname"`  // HELO name
	SendTimeout time.Duration `yaml:"send_timeout"`
}

// OAuthConfig contains the token endpoint used for credential refresh
type OAuthConfig struct {
	ClientID       string        `yaml:"client_id"`
	ClientSecret   string        `yaml:"client_secret"`
	TokenURL       string        `yaml:"token_url"`
	RefreshTimeout time.Duration `yaml:"refresh_timeout"`
}

// SchedulingConfig bounds campaign scheduling runs
type SchedulingConfig struct {
	MaxDays int `yaml:"max_days"` // scheduling horizon in allowed days
}

// TrackingConfig contains open/click tracking settings
type TrackingConfig struct {
	BaseURL string `yaml:"base_url"` // public base URL for tracking redirects
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}

	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = "/var/lib/outreach/outreach.db"
	}
	if c.Storage.TriggerPath == "" {
		c.Storage.TriggerPath = "/var/lib/outreach/triggers.db"
	}

	if c.Dispatcher.PollInterval == 0 {
		c.Dispatcher.PollInterval = 15 * time.Second
	}
	if c.Dispatcher.BatchSize == 0 {
		c.Dispatcher.BatchSize = 50
	}
	if c.Dispatcher.Concurrency == 0 {
		c.Dispatcher.Concurrency = 5
	}

	if c.Provider.Hostname == "" {
		hostname, _ := os.Hostname()
		c.Provider.Hostname = hostname
	}
	if c.Provider.SendTimeout == 0 {
		c.Provider.SendTimeout = 60 * time.Second
	}

	if c.OAuth.RefreshTimeout == 0 {
		c.OAuth.RefreshTimeout = 30 * time.Second
	}

	if c.Scheduling.MaxDays == 0 {
		c.Scheduling.MaxDays = 30
	}

	if c.Schedule == nil {
		c.Schedule = &schedule.Config{}
	}
	if c.Schedule.DailyLimit == 0 {
		c.Schedule.DailyLimit = 50
	}
	if c.Schedule.MinGapMinutes == 0 && c.Schedule.MaxGapMinutes == 0 {
		c.Schedule.MinGapMinutes = 2
		c.Schedule.MaxGapMinutes = 8
	}
	if c.Schedule.Timezone == "" {
		c.Schedule.Timezone = "UTC"
	}
	if len(c.Schedule.AllowedDays) == 0 {
		c.Schedule.AllowedDays = []int{1, 2, 3, 4, 5} // Monday-Friday
	}
	if c.Schedule.AllowedStartTime == "" {
		c.Schedule.AllowedStartTime = "09:00"
	}
	if c.Schedule.AllowedEndTime == "" {
		c.Schedule.AllowedEndTime = "17:00"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Provider.SMTPAddr == "" {
		return fmt.Errorf("provider.smtp_addr is required")
	}

	if err := c.Schedule.Validate(); err != nil {
		return fmt.Errorf("schedule: %w", err)
	}

	if c.Dispatcher.PollInterval < time.Second {
		return fmt.Errorf("dispatcher.poll_interval must be at least 1s")
	}
	if c.Dispatcher.BatchSize < 1 {
		return fmt.Errorf("dispatcher.batch_size must be positive")
	}
	if c.Dispatcher.Concurrency < 1 {
		return fmt.Errorf("dispatcher.concurrency must be positive")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}
