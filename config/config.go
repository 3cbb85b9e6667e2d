package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Defaults applied by Load and Default
const (
	DefaultNATSURL          = "nats://127.0.0.1:4222"
	DefaultRegion           = "us-central1"
	DefaultFunctionTimeout  = 70 * time.Second
	DefaultMaxRetries       = 3
	DefaultBucketPrefix     = "docs"
	DefaultMaxInFlight      = 100
	DefaultAckDeadline      = 60 * time.Second
	DefaultOperationTimeout = 10 * time.Second
	DefaultQueryConcurrency = 16
	DefaultMetricsPort      = 9090

	// EnvPrefix prefixes environment overrides, e.g. CLOUDKIT_NATS_URL
	EnvPrefix = "CLOUDKIT"
)

// Config represents the complete cloudkit configuration
type Config struct {
	Platform  PlatformConfig  `json:"platform" yaml:"platform" mapstructure:"platform"`
	NATS      NATSConfig      `json:"nats" yaml:"nats" mapstructure:"nats"`
	Documents DocumentsConfig `json:"documents" yaml:"documents" mapstructure:"documents"`
	Functions FunctionsConfig `json:"functions" yaml:"functions" mapstructure:"functions"`
	Messaging MessagingConfig `json:"messaging" yaml:"messaging" mapstructure:"messaging"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics" mapstructure:"metrics"`
}

// PlatformConfig identifies the deployment the facades talk to
type PlatformConfig struct {
	Project     string `json:"project" yaml:"project" mapstructure:"project"`
	Environment string `json:"environment,omitempty" yaml:"environment,omitempty" mapstructure:"environment"`
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URL           string        `json:"url" yaml:"url" mapstructure:"url"`
	Name          string        `json:"name,omitempty" yaml:"name,omitempty" mapstructure:"name"`
	Username      string        `json:"username,omitempty" yaml:"username,omitempty" mapstructure:"username"`
	Password      string        `json:"password,omitempty" yaml:"password,omitempty" mapstructure:"password"`
	Token         string        `json:"token,omitempty" yaml:"token,omitempty" mapstructure:"token"`
	MaxReconnects int           `json:"max_reconnects" yaml:"max_reconnects" mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `json:"reconnect_wait" yaml:"reconnect_wait" mapstructure:"reconnect_wait"`
	Timeout       time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
	TLS           TLSConfig     `json:"tls" yaml:"tls" mapstructure:"tls"`
}

// TLSConfig for secure NATS connections
type TLSConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	CertFile string `json:"cert_file,omitempty" yaml:"cert_file,omitempty" mapstructure:"cert_file"`
	KeyFile  string `json:"key_file,omitempty" yaml:"key_file,omitempty" mapstructure:"key_file"`
	CAFile   string `json:"ca_file,omitempty" yaml:"ca_file,omitempty" mapstructure:"ca_file"`
}

// DocumentsConfig configures the document facade
type DocumentsConfig struct {
	BucketPrefix     string        `json:"bucket_prefix" yaml:"bucket_prefix" mapstructure:"bucket_prefix"`
	Replicas         int           `json:"replicas" yaml:"replicas" mapstructure:"replicas"`
	History          int           `json:"history" yaml:"history" mapstructure:"history"`
	OperationTimeout time.Duration `json:"operation_timeout" yaml:"operation_timeout" mapstructure:"operation_timeout"`
	QueryConcurrency int           `json:"query_concurrency" yaml:"query_concurrency" mapstructure:"query_concurrency"`
	// Schemas maps a collection name to a JSON schema file validated on every write
	Schemas map[string]string `json:"schemas,omitempty" yaml:"schemas,omitempty" mapstructure:"schemas"`
}

// FunctionsConfig configures the function-call facade
type FunctionsConfig struct {
	Region     string        `json:"region" yaml:"region" mapstructure:"region"`
	Timeout    time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
	MaxRetries int           `json:"max_retries" yaml:"max_retries" mapstructure:"max_retries"`
}

// MessagingConfig configures the messaging facade
type MessagingConfig struct {
	MaxInFlight      int           `json:"max_in_flight" yaml:"max_in_flight" mapstructure:"max_in_flight"`
	AckDeadline      time.Duration `json:"ack_deadline" yaml:"ack_deadline" mapstructure:"ack_deadline"`
	AutoAck          bool          `json:"auto_ack" yaml:"auto_ack" mapstructure:"auto_ack"`
	HandlerTimeout   time.Duration `json:"handler_timeout,omitempty" yaml:"handler_timeout,omitempty" mapstructure:"handler_timeout"`
	PublishRateLimit float64       `json:"publish_rate_limit,omitempty" yaml:"publish_rate_limit,omitempty" mapstructure:"publish_rate_limit"`
	PublishBurst     int           `json:"publish_burst,omitempty" yaml:"publish_burst,omitempty" mapstructure:"publish_burst"`
	RetentionMaxAge  time.Duration `json:"retention_max_age,omitempty" yaml:"retention_max_age,omitempty" mapstructure:"retention_max_age"`
	Replicas         int           `json:"replicas" yaml:"replicas" mapstructure:"replicas"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Port    int    `json:"port" yaml:"port" mapstructure:"port"`
	Path    string `json:"path" yaml:"path" mapstructure:"path"`
}

// Default returns a configuration populated with defaults
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	// Defaults are static and always decode
	_ = v.Unmarshal(cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("platform.project", "default")
	v.SetDefault("platform.environment", "")

	v.SetDefault("nats.url", DefaultNATSURL)
	v.SetDefault("nats.name", "cloudkit")
	v.SetDefault("nats.username", "")
	v.SetDefault("nats.password", "")
	v.SetDefault("nats.token", "")
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.timeout", 5*time.Second)
	v.SetDefault("nats.tls.enabled", false)
	v.SetDefault("nats.tls.cert_file", "")
	v.SetDefault("nats.tls.key_file", "")
	v.SetDefault("nats.tls.ca_file", "")

	v.SetDefault("documents.bucket_prefix", DefaultBucketPrefix)
	v.SetDefault("documents.replicas", 1)
	v.SetDefault("documents.history", 1)
	v.SetDefault("documents.operation_timeout", DefaultOperationTimeout)
	v.SetDefault("documents.query_concurrency", DefaultQueryConcurrency)

	v.SetDefault("functions.region", DefaultRegion)
	v.SetDefault("functions.timeout", DefaultFunctionTimeout)
	v.SetDefault("functions.max_retries", DefaultMaxRetries)

	v.SetDefault("messaging.max_in_flight", DefaultMaxInFlight)
	v.SetDefault("messaging.ack_deadline", DefaultAckDeadline)
	v.SetDefault("messaging.auto_ack", false)
	v.SetDefault("messaging.handler_timeout", time.Duration(0))
	v.SetDefault("messaging.publish_rate_limit", 0.0)
	v.SetDefault("messaging.publish_burst", 0)
	v.SetDefault("messaging.retention_max_age", time.Duration(0))
	v.SetDefault("messaging.replicas", 1)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.port", DefaultMetricsPort)
	v.SetDefault("metrics.path", "/metrics")
}

// Load reads configuration from path (JSON, YAML or TOML by extension; empty for defaults
// only), applies CLOUDKIT_* environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Save writes cfg as YAML. Credentials are omitted.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("config cannot be nil")
	}

	redacted := *cfg
	redacted.NATS.Password = ""
	redacted.NATS.Token = ""

	data, err := yaml.Marshal(&redacted)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate checks if the config is valid
func (c *Config) Validate() error {
	if strings.TrimSpace(c.NATS.URL) == "" {
		return errors.New("nats.url is required")
	}

	if c.NATS.TLS.Enabled {
		if (c.NATS.TLS.CertFile == "") != (c.NATS.TLS.KeyFile == "") {
			return errors.New("nats.tls.cert_file and nats.tls.key_file must be set together")
		}
		for name, file := range map[string]string{
			"cert_file": c.NATS.TLS.CertFile,
			"key_file":  c.NATS.TLS.KeyFile,
			"ca_file":   c.NATS.TLS.CAFile,
		} {
			if file == "" {
				continue
			}
			if _, err := os.Stat(file); err != nil {
				return fmt.Errorf("nats.tls.%s: %w", name, err)
			}
		}
	}

	if !isValidNameToken(c.Documents.BucketPrefix) {
		return fmt.Errorf(
			"documents.bucket_prefix '%s' must be alphanumeric with dashes or underscores",
			c.Documents.BucketPrefix)
	}
	if c.Documents.QueryConcurrency < 1 {
		return errors.New("documents.query_concurrency must be at least 1")
	}
	for collection, file := range c.Documents.Schemas {
		if !isValidNameToken(collection) {
			return fmt.Errorf("documents.schemas: invalid collection name '%s'", collection)
		}
		if _, err := os.Stat(file); err != nil {
			return fmt.Errorf("documents.schemas.%s: %w", collection, err)
		}
	}

	if !isValidNATSSubjectPart(c.Functions.Region) || strings.Contains(c.Functions.Region, ".") {
		return fmt.Errorf("functions.region '%s' is not a valid subject token", c.Functions.Region)
	}
	if c.Functions.MaxRetries < 0 {
		return errors.New("functions.max_retries cannot be negative")
	}
	if c.Functions.Timeout < 0 {
		return errors.New("functions.timeout cannot be negative")
	}

	if c.Messaging.MaxInFlight < 1 {
		return errors.New("messaging.max_in_flight must be at least 1")
	}
	if c.Messaging.AckDeadline <= 0 {
		return errors.New("messaging.ack_deadline must be positive")
	}
	if c.Messaging.HandlerTimeout < 0 {
		return errors.New("messaging.handler_timeout cannot be negative")
	}
	if c.Messaging.PublishRateLimit < 0 {
		return errors.New("messaging.publish_rate_limit cannot be negative")
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port %d out of range", c.Metrics.Port)
	}

	return nil
}

// isValidNATSSubjectPart checks if a string is valid for use in NATS subjects.
// Valid characters are alphanumeric, dots, dashes, and underscores.
func isValidNATSSubjectPart(s string) bool {
	if len(s) == 0 {
		return false
	}

	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) &&
			r != '-' && r != '_' && r != '.' {
			return false
		}
	}
	return true
}

// isValidNameToken checks stream and bucket name characters.
func isValidNameToken(s string) bool {
	return isValidNATSSubjectPart(s) && !strings.Contains(s, ".")
}
