package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// validAlgorithms contains the supported JWT signing algorithms.
var validAlgorithms = map[string]bool{
	"HS256": true,
	"HS384": true,
	"HS512": true,
	"RS256": true,
	"RS384": true,
	"RS512": true,
}

// validStores contains the supported registry store backends.
var validStores = map[string]bool{
	"memory": true,
	"redis":  true,
}

// Loader handles configuration loading and parsing.
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return l.Parse(data)
}

// Parse parses configuration from YAML bytes.
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values.
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// validate checks configuration for errors.
func (l *Loader) validate(cfg *Config) error {
	if cfg.Server.Address == "" {
		return fmt.Errorf("server address is required")
	}

	if cfg.Auth.Enabled {
		if !validAlgorithms[cfg.Auth.Algorithm] && cfg.Auth.JWKSURL == "" {
			return fmt.Errorf("auth: invalid algorithm: %s", cfg.Auth.Algorithm)
		}
		switch {
		case cfg.Auth.JWKSURL != "":
			// Keys come from the JWKS endpoint.
		case strings.HasPrefix(cfg.Auth.Algorithm, "HS") && cfg.Auth.Secret == "":
			return fmt.Errorf("auth: %s enabled but secret not provided", cfg.Auth.Algorithm)
		case strings.HasPrefix(cfg.Auth.Algorithm, "RS") && cfg.Auth.PublicKey == "":
			return fmt.Errorf("auth: %s enabled but public_key not provided", cfg.Auth.Algorithm)
		}
	}

	if !validStores[cfg.Registry.Store] {
		return fmt.Errorf("invalid registry store: %s", cfg.Registry.Store)
	}
	if cfg.Registry.Store == "redis" && cfg.Redis.Address == "" {
		return fmt.Errorf("registry store is redis but redis address not provided")
	}
	if cfg.Registry.HistoryLimit < 0 {
		return fmt.Errorf("registry history_limit must not be negative")
	}

	if cfg.Composition.Cache.Redis && cfg.Redis.Address == "" {
		return fmt.Errorf("composition cache redis tier enabled but redis address not provided")
	}

	ruleIDs := make(map[string]bool)
	for i, rule := range cfg.Policy.Rules {
		if rule.ID == "" {
			return fmt.Errorf("policy rule %d: id is required", i)
		}
		if ruleIDs[rule.ID] {
			return fmt.Errorf("duplicate policy rule id: %s", rule.ID)
		}
		ruleIDs[rule.ID] = true
		if rule.Expression == "" {
			return fmt.Errorf("policy rule %s: expression is required", rule.ID)
		}
	}

	if cfg.Notifications.Enabled {
		endpointIDs := make(map[string]bool)
		for i, ep := range cfg.Notifications.Webhooks {
			if ep.ID == "" {
				return fmt.Errorf("webhook %d: id is required", i)
			}
			if endpointIDs[ep.ID] {
				return fmt.Errorf("duplicate webhook id: %s", ep.ID)
			}
			endpointIDs[ep.ID] = true
			if ep.URL == "" {
				return fmt.Errorf("webhook %s: url is required", ep.ID)
			}
		}
		if cfg.Notifications.AMQP.Enabled {
			if cfg.Notifications.AMQP.URL == "" {
				return fmt.Errorf("amqp channel enabled but url not provided")
			}
			if cfg.Notifications.AMQP.Exchange == "" {
				return fmt.Errorf("amqp channel enabled but exchange not provided")
			}
		}
		if cfg.Notifications.PubSub.Enabled && cfg.Notifications.PubSub.Topic == "" {
			return fmt.Errorf("pubsub channel enabled but topic not provided")
		}
	}

	if cfg.Tracing.Enabled {
		if cfg.Tracing.Exporter != "otlp" {
			return fmt.Errorf("tracing: unsupported exporter: %s", cfg.Tracing.Exporter)
		}
		if cfg.Tracing.Endpoint == "" {
			return fmt.Errorf("tracing enabled but endpoint not provided")
		}
		if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing sample_rate must be between 0.0 and 1.0")
		}
	}

	return nil
}

// LoadFromEnv builds a configuration from environment variables alone,
// for container deployments without a config file.
func (l *Loader) LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()

	if addr := os.Getenv("SCHEMAHUB_ADDRESS"); addr != "" {
		cfg.Server.Address = addr
	}
	if store := os.Getenv("SCHEMAHUB_STORE"); store != "" {
		cfg.Registry.Store = store
	}
	if addr := os.Getenv("SCHEMAHUB_REDIS_ADDRESS"); addr != "" {
		cfg.Redis.Address = addr
	}
	if secret := os.Getenv("SCHEMAHUB_JWT_SECRET"); secret != "" {
		cfg.Auth.Enabled = true
		cfg.Auth.Secret = secret
	}
	if level := os.Getenv("SCHEMAHUB_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}
