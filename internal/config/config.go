// Package config loads and validates the sensorbridge YAML configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// ApplicationKey is sent as the APPLICATION-KEY header on every
	// request to the sensor cloud.
	ApplicationKey string `yaml:"application_key"`

	// SessionToken is the opaque session token supplied by the embedding
	// application's auth flow.
	SessionToken string `yaml:"session_token"`

	// UserID is the owning user for locally stored sensors.
	UserID string `yaml:"user_id"`

	// SourceName is the fixed local source identity sensors are grouped
	// under.
	SourceName string `yaml:"source_name"`

	// Staging selects the cloud's staging endpoint set instead of live.
	Staging bool `yaml:"staging"`

	// BaseURL overrides the endpoint base entirely. Leave empty for the
	// built-in live/staging endpoints.
	BaseURL string `yaml:"base_url,omitempty"`

	// DBPath is the SQLite database location. Defaults to
	// ~/.local/share/sensorbridge/sensors.db.
	DBPath string `yaml:"db_path,omitempty"`

	// PollInterval controls how often the daemon triggers a sync pass.
	// Minimum 10s, maximum 24h. Defaults to 30s if unset.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PersistPeriod is the local retention window. Defaults to 744h
	// (31 days) if unset.
	PersistPeriod time.Duration `yaml:"persist_period"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "sensorbridge".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request. Equivalent to the OTEL_EXPORTER_OTLP_HEADERS environment
	// variable. Use this for authentication tokens, e.g.:
	//   Authorization: "Bearer <token>"
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path: ~/.config/sensorbridge/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "sensorbridge", "config.yaml"), nil
}

// DefaultDBPath returns the default database location:
// ~/.local/share/sensorbridge/sensors.db.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "sensorbridge", "sensors.db"), nil
}

// Load reads and validates the configuration file at the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required fields are present and well-formed.
func (c *Config) validate() error {
	if c.ApplicationKey == "" {
		return fmt.Errorf("application_key is required")
	}
	if c.SessionToken == "" {
		return fmt.Errorf("session_token is required")
	}
	if c.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if c.SourceName == "" {
		return fmt.Errorf("source_name is required")
	}

	if c.BaseURL != "" {
		u, err := url.ParseRequestURI(c.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("base_url %q must be a valid http or https URL", c.BaseURL)
		}
	}

	if c.DBPath == "" {
		p, err := DefaultDBPath()
		if err != nil {
			return err
		}
		c.DBPath = p
	}

	if c.PollInterval == 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.PollInterval < 10*time.Second {
		return fmt.Errorf("poll_interval %v is too short (minimum 10s)", c.PollInterval)
	}
	if c.PollInterval > 24*time.Hour {
		return fmt.Errorf("poll_interval %v is too long (maximum 24h)", c.PollInterval)
	}

	if c.PersistPeriod == 0 {
		c.PersistPeriod = 744 * time.Hour
	}
	if c.PersistPeriod < time.Minute {
		return fmt.Errorf("persist_period %v is too short (minimum 1m)", c.PersistPeriod)
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}
