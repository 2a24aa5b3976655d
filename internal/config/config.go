// Package config loads and validates the todofetch configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the TODOFETCH_ prefix (e.g., TODOFETCH_FETCH_URL
// overrides fetch.url in the YAML). Running with no config file and no environment
// reproduces the plain fetch: the fixed endpoint, no timeout, logs on stderr.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultFetchURL is the fixed public endpoint queried by the fetch command.
const DefaultFetchURL = "https://jsonplaceholder.typicode.com/todos/1"

// Config holds all application configuration
type Config struct {
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Server    ServerConfig    `mapstructure:"server"`
	Security  SecurityConfig  `mapstructure:"security"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// FetchConfig holds the upstream endpoint settings
type FetchConfig struct {
	URL string `mapstructure:"url"`
	// Timeout of zero leaves the HTTP client without a deadline.
	Timeout time.Duration `mapstructure:"timeout"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PublicDir    string        `mapstructure:"public_dir"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// RateLimitingConfig holds rate limiting configuration
type RateLimitingConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`

	// RedisURL shares limits across replicas through Redis; empty keeps them in memory
	RedisURL string `mapstructure:"redis_url"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	ServiceName string        `mapstructure:"service_name"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// TracingConfig holds OpenTelemetry tracing configuration
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Exporter string `mapstructure:"exporter"` // stdout or otlp
	Endpoint string `mapstructure:"endpoint"` // full OTLP/HTTP traces URL

	// Headers uses the OTEL_EXPORTER_OTLP_HEADERS format so it can come from a single env var:
	// "Authorization=Bearer <token>,X-Scope-OrgID=<instance id>".
	Headers string `mapstructure:"headers"`
}

// HeaderMap parses Headers into a map. Keys and values are trimmed; values may contain '='.
func (t TracingConfig) HeaderMap() (map[string]string, error) {
	headers := make(map[string]string)
	for _, pair := range strings.Split(t.Headers, ",") {
		if strings.TrimSpace(pair) == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("malformed header %q (want key=value)", strings.TrimSpace(pair))
		}
		headers[key] = strings.TrimSpace(value)
	}
	return headers, nil
}

// bindEnvVars explicitly binds environment variables to config keys.
// This is necessary because AutomaticEnv() doesn't work well with nested structs during Unmarshal.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Fetch
		"fetch.url",
		"fetch.timeout",

		// Server
		"server.host",
		"server.port",
		"server.read_timeout",
		"server.write_timeout",
		"server.public_dir",

		// Security
		"security.cors.allowed_origins",
		"security.rate_limiting.enabled",
		"security.rate_limiting.requests_per_minute",
		"security.rate_limiting.burst",
		"security.rate_limiting.redis_url",

		// Logging
		"logging.level",
		"logging.format",
		"logging.output",

		// Telemetry
		"telemetry.service_name",
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",
		"telemetry.tracing.enabled",
		"telemetry.tracing.exporter",
		"telemetry.tracing.endpoint",
		"telemetry.tracing.headers",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/todofetch")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	v.SetEnvPrefix("TODOFETCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Fetch defaults
	v.SetDefault("fetch.url", DefaultFetchURL)
	v.SetDefault("fetch.timeout", "0s")

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.public_dir", "./public")

	// Security defaults
	v.SetDefault("security.cors.allowed_origins", []string{"*"})
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.requests_per_minute", 120)
	v.SetDefault("security.rate_limiting.burst", 20)
	v.SetDefault("security.rate_limiting.redis_url", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")

	// Telemetry defaults
	v.SetDefault("telemetry.service_name", "todofetch")
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)
	v.SetDefault("telemetry.tracing.enabled", false)
	v.SetDefault("telemetry.tracing.exporter", "stdout")
	v.SetDefault("telemetry.tracing.endpoint", "")
	v.SetDefault("telemetry.tracing.headers", "")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate fetch
	if err := ValidateFetchURL(c.Fetch.URL); err != nil {
		return fmt.Errorf("fetch.url: %w", err)
	}
	if c.Fetch.Timeout < 0 {
		return fmt.Errorf("fetch.timeout must not be negative: %s", c.Fetch.Timeout)
	}

	// Validate server
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	// Validate rate limiting if enabled
	if c.Security.RateLimiting.Enabled {
		if c.Security.RateLimiting.RequestsPerMinute < 1 {
			return fmt.Errorf("security.rate_limiting.requests_per_minute must be positive when rate limiting is enabled")
		}
		if c.Security.RateLimiting.Burst < 1 {
			return fmt.Errorf("security.rate_limiting.burst must be positive when rate limiting is enabled")
		}
		if c.Security.RateLimiting.RedisURL != "" {
			parsed, err := url.Parse(c.Security.RateLimiting.RedisURL)
			if err != nil || (parsed.Scheme != "redis" && parsed.Scheme != "rediss") || parsed.Host == "" {
				return fmt.Errorf("security.rate_limiting.redis_url must be a redis:// or rediss:// URL")
			}
		}
	}

	// Validate logging
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, warning, or error)", c.Logging.Level)
	}
	validOutputs := map[string]bool{"stdout": true, "stderr": true}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid logging output: %s (must be stdout or stderr)", c.Logging.Output)
	}

	// Validate telemetry
	if c.Telemetry.Metrics.Enabled {
		if c.Telemetry.Metrics.PrometheusPort < 1 || c.Telemetry.Metrics.PrometheusPort > 65535 {
			return fmt.Errorf("invalid prometheus port: %d", c.Telemetry.Metrics.PrometheusPort)
		}
	}
	if c.Telemetry.Tracing.Enabled {
		tracing := c.Telemetry.Tracing
		if tracing.Exporter != "stdout" && tracing.Exporter != "otlp" {
			return fmt.Errorf("invalid tracing exporter: %s (must be stdout or otlp)", tracing.Exporter)
		}
		if tracing.Endpoint != "" {
			parsed, err := url.Parse(tracing.Endpoint)
			if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
				return fmt.Errorf("telemetry.tracing.endpoint must be an http:// or https:// URL")
			}
		}
		if _, err := tracing.HeaderMap(); err != nil {
			return fmt.Errorf("telemetry.tracing.headers: %w", err)
		}
	}

	return nil
}

// ValidateFetchURL validates that the upstream URL is properly formatted
func ValidateFetchURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("URL cannot be empty")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("URL must use http or https scheme")
	}

	if parsed.Host == "" {
		return fmt.Errorf("URL must have a host")
	}

	return nil
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
