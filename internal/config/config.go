package config

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Config represents the gateway and worker configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	CORS      CORSConfig      `yaml:"cors"`
	Redis     RedisConfig     `yaml:"redis"`
	Queue     QueueConfig     `yaml:"queue"`
	Events    EventsConfig    `yaml:"events"`
	AIBackend AIBackendConfig `yaml:"ai_backend"`
	Analytics AnalyticsConfig `yaml:"analytics"`
	Metadata  MetadataConfig  `yaml:"metadata"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port         int           `yaml:"port"`
	InternalPort int           `yaml:"internal_port"` // 0 mounts ingress on the main router
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	MaxInFlight  int           `yaml:"max_in_flight"`
}

// AuthConfig contains authentication settings
type AuthConfig struct {
	APIKeys []APIKey `yaml:"api_keys"`
}

// APIKey represents an API key for authentication
type APIKey struct {
	Name   string `yaml:"name"`
	Key    string `yaml:"key"`
	UserID int    `yaml:"user_id"`
}

// CORSConfig contains browser origin settings
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// RedisConfig contains the queue backend connection
type RedisConfig struct {
	URL string `yaml:"url"`
}

// QueueConfig contains job queue and worker pool settings
type QueueConfig struct {
	Name               string        `yaml:"name"`
	Concurrency        int           `yaml:"concurrency"`
	TokenTTL           time.Duration `yaml:"token_ttl"`
	CompletedRetention time.Duration `yaml:"completed_retention"`
	FailedRetention    time.Duration `yaml:"failed_retention"`
	PruneSchedule      string        `yaml:"prune_schedule"`
	PollTimeout        time.Duration `yaml:"poll_timeout"`

	// StallTimeout is how long a running job may go without a worker
	// heartbeat before the sweep fails it
	StallTimeout time.Duration `yaml:"stall_timeout"`
}

// Event transports
const (
	TransportHTTP = "http"
	TransportNATS = "nats"
)

// EventsConfig contains event bus and transport settings
type EventsConfig struct {
	Transport        string        `yaml:"transport"` // http or nats
	IngressURL       string        `yaml:"ingress_url"`
	NatsURL          string        `yaml:"nats_url"`
	SubscriberBuffer int           `yaml:"subscriber_buffer"`
	Keepalive        time.Duration `yaml:"keepalive"`
	PublishTimeout   time.Duration `yaml:"publish_timeout"`
	MaxEventBytes    int64         `yaml:"max_event_bytes"` // ingress body limit
}

// AIBackendConfig contains AI backend connection settings
type AIBackendConfig struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
	Dialect string        `yaml:"dialect"`
}

// AnalyticsConfig contains the read-only analytics database settings
type AnalyticsConfig struct {
	Driver       string        `yaml:"driver"`
	DSN          string        `yaml:"dsn"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
	MaxRows      int           `yaml:"max_rows"`
}

// MetadataConfig selects where schema context comes from
type MetadataConfig struct {
	Driver   string `yaml:"driver"` // sqlite, postgres or yaml
	DSN      string `yaml:"dsn"`    // catalog file path when driver is yaml
	Examples bool   `yaml:"examples"`
}

// PipelineConfig toggles optional pipeline stages
type PipelineConfig struct {
	ExplainSQL bool `yaml:"explain_sql"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// MetricsConfig contains Prometheus settings
type MetricsConfig struct {
	Namespace string `yaml:"namespace"`
	Port      int    `yaml:"port"` // worker /metrics listener, 0 disables
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes configuration bytes, expanding environment variables
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills zero values. Safe to call more than once.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.MaxInFlight == 0 {
		c.Server.MaxInFlight = 100
	}
	if len(c.CORS.AllowedOrigins) == 0 {
		c.CORS.AllowedOrigins = []string{"*"}
	}
	if c.Redis.URL == "" {
		c.Redis.URL = "redis://localhost:6379/0"
	}
	if c.Queue.Name == "" {
		c.Queue.Name = "analytics-jobs"
	}
	if c.Queue.Concurrency == 0 {
		c.Queue.Concurrency = 10
	}
	if c.Queue.TokenTTL == 0 {
		c.Queue.TokenTTL = 24 * time.Hour
	}
	if c.Queue.FailedRetention == 0 {
		c.Queue.FailedRetention = 24 * time.Hour
	}
	if c.Queue.PruneSchedule == "" {
		c.Queue.PruneSchedule = "@every 1m"
	}
	if c.Queue.PollTimeout == 0 {
		c.Queue.PollTimeout = 2 * time.Second
	}
	if c.Queue.StallTimeout == 0 {
		c.Queue.StallTimeout = 2 * time.Minute
	}
	if c.Events.Transport == "" {
		c.Events.Transport = TransportHTTP
	}
	if c.Events.IngressURL == "" {
		port := c.Server.Port
		if c.Server.InternalPort != 0 {
			port = c.Server.InternalPort
		}
		c.Events.IngressURL = fmt.Sprintf("http://localhost:%d", port)
	}
	if c.Events.SubscriberBuffer == 0 {
		c.Events.SubscriberBuffer = 64
	}
	if c.Events.Keepalive == 0 {
		c.Events.Keepalive = 15 * time.Second
	}
	if c.Events.PublishTimeout == 0 {
		c.Events.PublishTimeout = 5 * time.Second
	}
	if c.Events.MaxEventBytes == 0 {
		c.Events.MaxEventBytes = 64 << 20
	}
	if c.AIBackend.Timeout == 0 {
		c.AIBackend.Timeout = 10 * time.Minute
	}
	if c.Analytics.Driver == "" {
		c.Analytics.Driver = "sqlite"
	}
	if c.Analytics.MaxOpenConns == 0 {
		c.Analytics.MaxOpenConns = 10
	}
	if c.Analytics.QueryTimeout == 0 {
		c.Analytics.QueryTimeout = 10 * time.Minute
	}
	if c.Analytics.MaxRows == 0 {
		c.Analytics.MaxRows = 10000
	}
	if c.Metadata.Driver == "" {
		c.Metadata.Driver = c.Analytics.Driver
	}
	if c.Metadata.DSN == "" && c.Metadata.Driver == c.Analytics.Driver {
		c.Metadata.DSN = c.Analytics.DSN
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "simple_analytics"
	}
}

// ValidateGateway reports every problem that prevents the API process from starting
func (c *Config) ValidateGateway() error {
	var err error
	if len(c.Auth.APIKeys) == 0 {
		err = multierr.Append(err, fmt.Errorf("auth.api_keys: at least one key is required"))
	}
	for i, k := range c.Auth.APIKeys {
		if k.Key == "" {
			err = multierr.Append(err, fmt.Errorf("auth.api_keys[%d]: key is empty", i))
		}
	}
	if c.Server.InternalPort != 0 && c.Server.InternalPort == c.Server.Port {
		err = multierr.Append(err, fmt.Errorf("server.internal_port must differ from server.port"))
	}
	return multierr.Append(err, c.validateShared())
}

// ValidateWorker reports every problem that prevents the worker from starting
func (c *Config) ValidateWorker() error {
	var err error
	if c.AIBackend.URL == "" {
		err = multierr.Append(err, fmt.Errorf("ai_backend.url is required"))
	}
	if c.Analytics.DSN == "" {
		err = multierr.Append(err, fmt.Errorf("analytics.dsn is required"))
	}
	if c.Metadata.DSN == "" {
		err = multierr.Append(err, fmt.Errorf("metadata.dsn is required"))
	}
	if c.Queue.Concurrency < 0 {
		err = multierr.Append(err, fmt.Errorf("queue.concurrency must be positive"))
	}
	return multierr.Append(err, c.validateShared())
}

func (c *Config) validateShared() error {
	var err error
	switch c.Events.Transport {
	case TransportHTTP:
	case TransportNATS:
		if c.Events.NatsURL == "" {
			err = multierr.Append(err, fmt.Errorf("events.nats_url is required for the nats transport"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("events.transport %q is not one of http, nats", c.Events.Transport))
	}
	if c.Events.SubscriberBuffer < 0 {
		err = multierr.Append(err, fmt.Errorf("events.subscriber_buffer must be positive"))
	}
	if c.Events.MaxEventBytes < 0 {
		err = multierr.Append(err, fmt.Errorf("events.max_event_bytes must be positive"))
	}
	if c.Queue.StallTimeout < 0 {
		err = multierr.Append(err, fmt.Errorf("queue.stall_timeout must be positive"))
	}
	return err
}
