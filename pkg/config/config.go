// Package config loads jobhub's process configuration from a YAML document.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document for a jobhub process.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Storage    StorageConfig    `yaml:"storage"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	SyncBus    SyncBusConfig    `yaml:"sync_bus"`
	Notifier   NotifierConfig   `yaml:"notifier"`
	Integrity  IntegrityConfig  `yaml:"integrity"`
	API        APIConfig        `yaml:"api"`
	Redis      RedisConfig      `yaml:"redis"`
	Platforms  []PlatformConfig `yaml:"platforms"`
	Regions    []RegionConfig   `yaml:"regions"`
}

// LogConfig configures the global logger.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	JSON  bool   `yaml:"json"`
}

// StorageConfig configures the Task Store's BoltDB backend.
type StorageConfig struct {
	Path           string        `yaml:"path"`
	OpTimeout      time.Duration `yaml:"op_timeout"`
	RetentionWindow time.Duration `yaml:"retention_window"`
}

// SchedulerConfig configures admission control and dispatch.
type SchedulerConfig struct {
	QueueCapacity      int           `yaml:"queue_capacity"`
	MaxPlatformsPerJob int           `yaml:"max_platforms_per_job"`
	SemaphoreWait      time.Duration `yaml:"semaphore_wait"`
	AdapterTimeout     time.Duration `yaml:"adapter_timeout"`
}

// SyncBusConfig configures the live event channel.
type SyncBusConfig struct {
	QueueCapacity      int           `yaml:"queue_capacity"`
	BatchSize          int           `yaml:"batch_size"`
	BatchTimeout       time.Duration `yaml:"batch_timeout"`
	ClientTimeout      time.Duration `yaml:"client_timeout"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	ClientRateLimit    float64       `yaml:"client_rate_limit_per_sec"`
	ClientRateBurst    int           `yaml:"client_rate_burst"`
	WebSocketAddr      string        `yaml:"websocket_addr"`
}

// NotifierConfig configures delivery channels and rate limits.
type NotifierConfig struct {
	MaxRetries       int           `yaml:"max_retries"`
	RateLimitPerHour int           `yaml:"rate_limit_per_hour"`
	Cooldown         time.Duration `yaml:"cooldown"`
	SMTPAddr         string        `yaml:"smtp_addr"`
	SMTPFrom         string        `yaml:"smtp_from"`
	SlackWebhookURL  string        `yaml:"slack_webhook_url"`
	WebhookURL       string        `yaml:"webhook_url"`
	WebhookSecret    string        `yaml:"webhook_secret"`
}

// IntegrityConfig configures the quality gate applied on job completion.
type IntegrityConfig struct {
	MinPlatformCoverage float64 `yaml:"min_platform_coverage"`
	MinOverallQuality   float64 `yaml:"min_overall_quality"`
	MaxDuplicateRate    float64 `yaml:"max_duplicate_rate"`
	CompletenessThreshold float64 `yaml:"completeness_threshold"`
}

// APIConfig configures the Coordinator's HTTP surface.
type APIConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	MetricsAddr    string        `yaml:"metrics_addr"`
	HealthInterval time.Duration `yaml:"health_interval"`
}

// RedisConfig configures the Coordinator's optional warm read cache.
type RedisConfig struct {
	Enabled bool          `yaml:"enabled"`
	Addr    string        `yaml:"addr"`
	TTL     time.Duration `yaml:"ttl"`
}

// PlatformConfig describes one entry in the Platform Registry.
type PlatformConfig struct {
	Name                  string            `yaml:"name"`
	Regions               []string          `yaml:"regions"`
	MaxConcurrentRequests int               `yaml:"max_concurrent_requests"`
	RateLimitPerMinute    int               `yaml:"rate_limit_per_minute"`
	ReliabilityPrior      float64           `yaml:"reliability_prior"`
	RequiredFields        []string          `yaml:"required_fields"`
	OptionalFields        []string          `yaml:"optional_fields"`
	FieldFormats          map[string]string `yaml:"field_formats"`
	RegionPriority        map[string]int    `yaml:"region_priority"`
	HealthCheckURL        string            `yaml:"health_check_url"`
	SearchURL             string            `yaml:"search_url"`
}

// RegionConfig describes one resolvable region and its keyword set.
type RegionConfig struct {
	Name     string   `yaml:"name"`
	Keywords []string `yaml:"keywords"`
	Priority int      `yaml:"priority"`
}

// Load reads and parses a YAML configuration document from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Default returns a Config populated with the process's built-in defaults;
// Load starts from this and lets the YAML document override any field.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Storage: StorageConfig{
			Path:            "jobhub.db",
			OpTimeout:       5 * time.Second,
			RetentionWindow: 30 * 24 * time.Hour,
		},
		Scheduler: SchedulerConfig{
			QueueCapacity:      1000,
			MaxPlatformsPerJob: 5,
			SemaphoreWait:      2 * time.Second,
			AdapterTimeout:     30 * time.Second,
		},
		SyncBus: SyncBusConfig{
			QueueCapacity:     1000,
			BatchSize:         50,
			BatchTimeout:      100 * time.Millisecond,
			ClientTimeout:     60 * time.Second,
			HeartbeatInterval: 15 * time.Second,
			ClientRateLimit:   20,
			ClientRateBurst:   40,
		},
		Notifier: NotifierConfig{
			MaxRetries:       5,
			RateLimitPerHour: 30,
			Cooldown:         time.Second,
		},
		Integrity: IntegrityConfig{
			MinPlatformCoverage:  0.5,
			MinOverallQuality:    0.7,
			MaxDuplicateRate:     0.3,
			CompletenessThreshold: 0.6,
		},
		API: APIConfig{
			ListenAddr:     ":8080",
			MetricsAddr:    ":9090",
			HealthInterval: 30 * time.Second,
		},
	}
}

// Validate checks invariants that yaml.Unmarshal cannot express.
func (c *Config) Validate() error {
	if len(c.Platforms) == 0 {
		return fmt.Errorf("at least one platform must be configured")
	}
	seen := make(map[string]bool, len(c.Platforms))
	for _, p := range c.Platforms {
		if p.Name == "" {
			return fmt.Errorf("platform entry missing name")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate platform name %q", p.Name)
		}
		seen[p.Name] = true
		if p.MaxConcurrentRequests <= 0 {
			return fmt.Errorf("platform %q: max_concurrent_requests must be positive", p.Name)
		}
	}
	if len(c.Regions) == 0 {
		return fmt.Errorf("at least one region must be configured")
	}
	return nil
}
