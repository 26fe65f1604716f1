package config

import (
	"time"
)

// Config represents the complete registry configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Auth          AuthConfig          `yaml:"auth"`
	Registry      RegistryConfig      `yaml:"registry"`
	Composition   CompositionConfig   `yaml:"composition"`
	Policy        PolicyConfig        `yaml:"policy"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Redis         RedisConfig         `yaml:"redis"`
	Logging       LoggingConfig       `yaml:"logging"`
	Tracing       TracingConfig       `yaml:"tracing"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Shutdown      ShutdownConfig      `yaml:"shutdown"`
}

// ServerConfig defines the HTTP API server settings.
type ServerConfig struct {
	Address        string          `yaml:"address"` // e.g. ":4000"
	ReadTimeout    time.Duration   `yaml:"read_timeout"`
	WriteTimeout   time.Duration   `yaml:"write_timeout"`
	IdleTimeout    time.Duration   `yaml:"idle_timeout"`
	MaxHeaderBytes int             `yaml:"max_header_bytes"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig defines per-client request rate limiting.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled"`
	RPS     float64 `yaml:"rps"`   // requests per second per client (default 10)
	Burst   int     `yaml:"burst"` // default 20
}

// AuthConfig defines API bearer authentication.
type AuthConfig struct {
	Enabled             bool          `yaml:"enabled"`
	Secret              string        `yaml:"secret"`
	PublicKey           string        `yaml:"public_key"`
	Issuer              string        `yaml:"issuer"`
	Audience            []string      `yaml:"audience"`
	Algorithm           string        `yaml:"algorithm"`             // HS256, RS256
	JWKSURL             string        `yaml:"jwks_url"`              // JWKS endpoint for dynamic key fetching
	JWKSRefreshInterval time.Duration `yaml:"jwks_refresh_interval"` // default 1h
}

// RegistryConfig defines schema version storage.
type RegistryConfig struct {
	Store        string `yaml:"store"`         // memory, redis
	KeyPrefix    string `yaml:"key_prefix"`    // default "schemahub:"
	HistoryLimit int    `yaml:"history_limit"` // versions kept per target (default 100)
}

// CompositionConfig defines composition caching and the external
// composition client. Endpoint and secret are per-project and arrive with
// each request; this section configures the shared client.
type CompositionConfig struct {
	Cache    CompositionCacheConfig `yaml:"cache"`
	External ExternalClientConfig   `yaml:"external"`
}

// CompositionCacheConfig defines the composition result cache.
type CompositionCacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	Size    int           `yaml:"size"`  // LRU entries (default 512)
	TTL     time.Duration `yaml:"ttl"`   // redis tier TTL (default 1h)
	Redis   bool          `yaml:"redis"` // add the shared redis tier
}

// ExternalClientConfig defines the HTTP client used when a project
// delegates composition to an external service.
type ExternalClientConfig struct {
	Timeout          time.Duration `yaml:"timeout"`           // per attempt (default 30s)
	MaxRetries       int           `yaml:"max_retries"`       // default 2
	InitialInterval  time.Duration `yaml:"initial_interval"`  // backoff start (default 500ms)
	BreakerThreshold uint32        `yaml:"breaker_threshold"` // consecutive failures (default 5)
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`  // default 30s
}

// PolicyConfig defines breaking-change auto-accept rules.
type PolicyConfig struct {
	Rules []PolicyRuleConfig `yaml:"rules"`
}

// PolicyRuleConfig defines one auto-accept rule. The expression runs
// against {Organization, Project, Target, Initial}; targets are
// "org/project/target" glob patterns, empty means all targets.
type PolicyRuleConfig struct {
	ID         string   `yaml:"id"`
	Expression string   `yaml:"expression"`
	Targets    []string `yaml:"targets"`
	Enabled    *bool    `yaml:"enabled"` // default true
}

// NotificationsConfig defines schema event delivery.
type NotificationsConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Workers   int                 `yaml:"workers"`    // default 4
	QueueSize int                 `yaml:"queue_size"` // default 256
	History   int                 `yaml:"history"`    // delivery records kept (default 100)
	Timeout   time.Duration       `yaml:"timeout"`    // per delivery (default 10s)
	Retry     NotifyRetryConfig   `yaml:"retry"`
	Webhooks  []WebhookEndpoint   `yaml:"webhooks"`
	AMQP      AMQPChannelConfig   `yaml:"amqp"`
	PubSub    PubSubChannelConfig `yaml:"pubsub"`
}

// NotifyRetryConfig defines retry settings for event delivery.
type NotifyRetryConfig struct {
	MaxRetries int           `yaml:"max_retries"` // default 3
	Backoff    time.Duration `yaml:"backoff"`     // default 1s
	MaxBackoff time.Duration `yaml:"max_backoff"` // default 30s
}

// WebhookEndpoint defines a single webhook receiver.
type WebhookEndpoint struct {
	ID       string            `yaml:"id"`
	URL      string            `yaml:"url"`
	Secret   string            `yaml:"secret"`
	Events   []string          `yaml:"events"`  // empty = all events
	Targets  []string          `yaml:"targets"` // glob patterns, empty = all targets
	Headers  map[string]string `yaml:"headers"`
	Template string            `yaml:"template"` // optional payload template
}

// AMQPChannelConfig defines the AMQP event channel.
type AMQPChannelConfig struct {
	Enabled    bool     `yaml:"enabled"`
	URL        string   `yaml:"url"`
	Exchange   string   `yaml:"exchange"`
	RoutingKey string   `yaml:"routing_key"` // default "schemahub.events"
	Events     []string `yaml:"events"`
	Targets    []string `yaml:"targets"`
}

// PubSubChannelConfig defines the cloud pubsub event channel. Topic uses
// gocloud.dev URL syntax, e.g. "gcppubsub://project/topic" or
// "mem://events".
type PubSubChannelConfig struct {
	Enabled bool     `yaml:"enabled"`
	Topic   string   `yaml:"topic"`
	Events  []string `yaml:"events"`
	Targets []string `yaml:"targets"`
}

// RedisConfig defines the shared redis connection.
type RedisConfig struct {
	Address     string        `yaml:"address"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	TLS         bool          `yaml:"tls"`
	PoolSize    int           `yaml:"pool_size"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level    string            `yaml:"level"`
	Output   string            `yaml:"output"` // stdout, stderr or a file path
	Rotation LogRotationConfig `yaml:"rotation"`
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // max megabytes before rotation (default 100)
	MaxBackups int  `yaml:"max_backups"` // old rotated files to keep (default 3)
	MaxAge     int  `yaml:"max_age"`     // days to retain old files (default 28)
	Compress   bool `yaml:"compress"`    // gzip rotated files (default true)
	LocalTime  bool `yaml:"local_time"`  // use local time in backup filenames (default false)
}

// TracingConfig defines distributed tracing settings.
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Exporter    string            `yaml:"exporter"` // "otlp"
	Endpoint    string            `yaml:"endpoint"`
	ServiceName string            `yaml:"service_name"`
	SampleRate  float64           `yaml:"sample_rate"` // 0.0 to 1.0
	Insecure    bool              `yaml:"insecure"`    // use insecure gRPC connection
	Headers     map[string]string `yaml:"headers"`     // extra headers for OTLP exporter
}

// MetricsConfig defines the prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // default "/metrics"
}

// ShutdownConfig defines graceful shutdown settings.
type ShutdownConfig struct {
	Timeout    time.Duration `yaml:"timeout"`     // total shutdown timeout (default 30s)
	DrainDelay time.Duration `yaml:"drain_delay"` // delay before stopping the listener (default 0s)
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":4000",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
			RateLimit: RateLimitConfig{
				RPS:   10,
				Burst: 20,
			},
		},
		Auth: AuthConfig{
			Algorithm:           "HS256",
			JWKSRefreshInterval: time.Hour,
		},
		Registry: RegistryConfig{
			Store:        "memory",
			KeyPrefix:    "schemahub:",
			HistoryLimit: 100,
		},
		Composition: CompositionConfig{
			Cache: CompositionCacheConfig{
				Enabled: true,
				Size:    512,
				TTL:     time.Hour,
			},
			External: ExternalClientConfig{
				Timeout:          30 * time.Second,
				MaxRetries:       2,
				InitialInterval:  500 * time.Millisecond,
				BreakerThreshold: 5,
				BreakerCooldown:  30 * time.Second,
			},
		},
		Notifications: NotificationsConfig{
			Workers:   4,
			QueueSize: 256,
			History:   100,
			Timeout:   10 * time.Second,
			Retry: NotifyRetryConfig{
				MaxRetries: 3,
				Backoff:    time.Second,
				MaxBackoff: 30 * time.Second,
			},
			AMQP: AMQPChannelConfig{
				RoutingKey: "schemahub.events",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			Rotation: LogRotationConfig{
				MaxSize:    100,
				MaxBackups: 3,
				MaxAge:     28,
				Compress:   true,
			},
		},
		Tracing: TracingConfig{
			Exporter:    "otlp",
			ServiceName: "schemahub",
			SampleRate:  1.0,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Shutdown: ShutdownConfig{
			Timeout: 30 * time.Second,
		},
	}
}
