// Package config loads dispatcher configuration from a YAML file with
// environment-variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mailroom/dispatcher/internal/database"
	"github.com/mailroom/dispatcher/internal/provider"
)

const (
	// DefaultReadTimeoutSeconds is the default HTTP read timeout in seconds
	DefaultReadTimeoutSeconds = 10
	// DefaultWriteTimeoutSeconds is the default HTTP write timeout in seconds
	DefaultWriteTimeoutSeconds = 30

	defaultSupplementInterval = 30 * time.Second
	defaultProcessInterval    = 5 * time.Second
	defaultRecoveryInterval   = time.Minute
	defaultCycleTimeout       = 10 * time.Second
	defaultSendTimeout        = 30 * time.Second
	defaultMaxQueueSize       = 10
	defaultBlockThreshold     = 5
	defaultStuckTaskThreshold = 30 * time.Minute
	defaultJobTimeout         = 10 * time.Minute
	defaultSendingRateSeconds = 60
	defaultMaxRetries         = 3

	defaultWaitWarning   = 5 * time.Minute
	defaultWaitCritical  = 15 * time.Minute
	defaultWaitEmergency = 30 * time.Minute
)

// Config is the root configuration.
type Config struct {
	Debug     bool            `yaml:"debug"` // Controls log level and format
	Server    ServerConfig    `yaml:"server"`
	Database  database.Config `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Provider  ProviderConfig  `yaml:"provider"`
}

// ServerConfig configures the control-surface HTTP server.
type ServerConfig struct {
	Address      string        `yaml:"address"`       // e.g., ":8090"
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // Default: 10s
	WriteTimeout time.Duration `yaml:"write_timeout"` // Default: 30s
	CORSOrigins  []string      `yaml:"cors_origins"`
}

// RedisConfig configures the Redis connection shared by the wait tracker and
// alert sink.
type RedisConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SchedulerConfig holds the dual-frequency loop settings and thresholds.
type SchedulerConfig struct {
	SupplementInterval time.Duration `yaml:"supplement_interval"` // Default: 30s
	ProcessInterval    time.Duration `yaml:"process_interval"`    // Default: 5s
	RecoveryInterval   time.Duration `yaml:"recovery_interval"`   // Default: 1m
	CycleTimeout       time.Duration `yaml:"cycle_timeout"`       // Bound on one process cycle
	SendTimeout        time.Duration `yaml:"send_timeout"`        // Bound on one provider call
	MaxQueueSize       int           `yaml:"max_queue_size"`      // Per-service queue bound
	BlockThreshold     int           `yaml:"block_threshold"`     // Consecutive failures before a block
	StuckTaskThreshold time.Duration `yaml:"stuck_task_threshold"`
	JobTimeout         time.Duration `yaml:"job_timeout"`
	MaxRetries         int           `yaml:"max_retries"`
	SendingRateDefault int           `yaml:"sending_rate_default"` // Seconds, freeze fallback
	AutoStart          bool          `yaml:"auto_start"`
}

// AlertsConfig holds wait-time thresholds and the pub/sub channel.
type AlertsConfig struct {
	Channel       string        `yaml:"channel"`
	WaitWarning   time.Duration `yaml:"wait_warning"`
	WaitCritical  time.Duration `yaml:"wait_critical"`
	WaitEmergency time.Duration `yaml:"wait_emergency"`
}

// ProviderConfig wraps provider.Config plus the dry-run switch.
type ProviderConfig struct {
	provider.Config `yaml:",inline"`
	DryRun          bool `yaml:"dry_run"`
}

// Validate checks if the server configuration is valid and sets defaults.
func (c *ServerConfig) Validate() error {
	if c.Address == "" {
		c.Address = ":8090"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeoutSeconds * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeoutSeconds * time.Second
	}
	return nil
}

// Validate checks if the configuration is valid and returns an error if not.
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return errors.New("database.host is required")
	}
	if c.Redis.URL == "" {
		return errors.New("redis.url is required")
	}
	if !c.Provider.DryRun && c.Provider.BaseURL == "" {
		return errors.New("provider.base_url is required unless provider.dry_run is set")
	}
	if c.Scheduler.SupplementInterval <= 0 {
		return fmt.Errorf("scheduler.supplement_interval must be positive, got %v", c.Scheduler.SupplementInterval)
	}
	if c.Scheduler.ProcessInterval <= 0 {
		return fmt.Errorf("scheduler.process_interval must be positive, got %v", c.Scheduler.ProcessInterval)
	}
	return nil
}

// setDefaults sets default values for configuration fields
func setDefaults(cfg *Config) {
	if cfg.Database.Port == "" {
		cfg.Database.Port = "5432"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}

	s := &cfg.Scheduler
	if s.SupplementInterval == 0 {
		s.SupplementInterval = defaultSupplementInterval
	}
	if s.ProcessInterval == 0 {
		s.ProcessInterval = defaultProcessInterval
	}
	if s.RecoveryInterval == 0 {
		s.RecoveryInterval = defaultRecoveryInterval
	}
	if s.CycleTimeout == 0 {
		s.CycleTimeout = defaultCycleTimeout
	}
	if s.SendTimeout == 0 {
		s.SendTimeout = defaultSendTimeout
	}
	if s.MaxQueueSize == 0 {
		s.MaxQueueSize = defaultMaxQueueSize
	}
	if s.BlockThreshold == 0 {
		s.BlockThreshold = defaultBlockThreshold
	}
	if s.StuckTaskThreshold == 0 {
		s.StuckTaskThreshold = defaultStuckTaskThreshold
	}
	if s.JobTimeout == 0 {
		s.JobTimeout = defaultJobTimeout
	}
	if s.MaxRetries == 0 {
		s.MaxRetries = defaultMaxRetries
	}
	if s.SendingRateDefault == 0 {
		s.SendingRateDefault = defaultSendingRateSeconds
	}

	a := &cfg.Alerts
	if a.WaitWarning == 0 {
		a.WaitWarning = defaultWaitWarning
	}
	if a.WaitCritical == 0 {
		a.WaitCritical = defaultWaitCritical
	}
	if a.WaitEmergency == 0 {
		a.WaitEmergency = defaultWaitEmergency
	}
}

// overrideWithEnvVars overrides configuration with environment variables
func overrideWithEnvVars(cfg *Config) {
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		cfg.Database.Host = host
	}
	if port := os.Getenv("POSTGRES_PORT"); port != "" {
		cfg.Database.Port = port
	}
	if user := os.Getenv("POSTGRES_USER"); user != "" {
		cfg.Database.User = user
	}
	if password := os.Getenv("POSTGRES_PASSWORD"); password != "" {
		cfg.Database.Password = password
	}
	if dbname := os.Getenv("POSTGRES_DB"); dbname != "" {
		cfg.Database.DBName = dbname
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cfg.Redis.URL = redisURL
	}
	if providerURL := os.Getenv("PROVIDER_URL"); providerURL != "" {
		cfg.Provider.BaseURL = providerURL
	}
	if apiKey := os.Getenv("PROVIDER_API_KEY"); apiKey != "" {
		cfg.Provider.APIKey = apiKey
	}
	if appDebug := os.Getenv("APP_DEBUG"); appDebug != "" {
		cfg.Debug = parseBool(appDebug)
	}
	if port := os.Getenv("DISPATCHER_PORT"); port != "" {
		cfg.Server.Address = ":" + port
	}
}

// Load reads, defaults, overrides and validates the configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	setDefaults(&cfg)
	overrideWithEnvVars(&cfg)

	if err := cfg.Server.Validate(); err != nil {
		return nil, fmt.Errorf("server config validation: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// parseBool parses a string value as a boolean.
// Returns true for "true", "1", "yes" (case-insensitive), false otherwise.
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes"
}
