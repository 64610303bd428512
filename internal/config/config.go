// Package config provides configuration management for the market-data bridge.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

const (
	// defaultReconnectBackoff is the fixed wait between upstream feed attempts
	defaultReconnectBackoff = 10 * time.Second
	// defaultHeartbeatInterval is the cadence of the "ping" heartbeat on the feed
	defaultHeartbeatInterval = 30 * time.Second
	// defaultHTTPTimeout applies to outbound broker REST calls
	defaultHTTPTimeout = 10 * time.Second
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Server      ServerConfig      `yaml:"server"`
	Broker      BrokerConfig      `yaml:"broker"`
	Stream      StreamConfig      `yaml:"stream"`
	Assist      AssistConfig      `yaml:"assist"`
	Storage     StorageConfig     `yaml:"storage"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // live | paper
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// ServerConfig defines the HTTP/WebSocket listener settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// BrokerConfig defines the Angel One SmartAPI credentials and endpoints.
// Secrets are normally supplied via ${ENV_VAR} expansion in the yaml file.
type BrokerConfig struct {
	APIKey      string `yaml:"api_key"`
	ClientCode  string `yaml:"client_code"`
	Password    string `yaml:"password"`
	TOTPSecret  string `yaml:"totp_secret"`
	APIEndpoint string `yaml:"api_endpoint"` // optional override, mostly for tests
	HTTPTimeout string `yaml:"http_timeout"` // e.g. "10s"
}

// StreamConfig defines upstream feed behavior.
type StreamConfig struct {
	URL               string `yaml:"url"` // optional override of the venue stream URL
	ReconnectBackoff  string `yaml:"reconnect_backoff"`
	HeartbeatInterval string `yaml:"heartbeat_interval"`
}

// AssistConfig defines the Gemini chat proxy settings.
type AssistConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// StorageConfig defines where the session token cache lives.
type StorageConfig struct {
	SessionPath string `yaml:"session_path"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if c.Environment.Mode != "live" && c.Environment.Mode != "paper" {
		return fmt.Errorf("environment.mode must be 'live' or 'paper'")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in (0, 65535]")
	}

	if c.Broker.APIKey == "" {
		return fmt.Errorf("broker.api_key is required")
	}
	if c.Broker.ClientCode == "" {
		return fmt.Errorf("broker.client_code is required")
	}
	if c.Broker.Password == "" {
		return fmt.Errorf("broker.password is required")
	}
	if c.Broker.TOTPSecret == "" {
		return fmt.Errorf("broker.totp_secret is required")
	}
	if c.Broker.HTTPTimeout != "" {
		if _, err := time.ParseDuration(c.Broker.HTTPTimeout); err != nil {
			return fmt.Errorf("broker.http_timeout invalid: %w", err)
		}
	}

	if c.Stream.ReconnectBackoff != "" {
		if _, err := time.ParseDuration(c.Stream.ReconnectBackoff); err != nil {
			return fmt.Errorf("stream.reconnect_backoff invalid: %w", err)
		}
	}
	if c.Stream.HeartbeatInterval != "" {
		if _, err := time.ParseDuration(c.Stream.HeartbeatInterval); err != nil {
			return fmt.Errorf("stream.heartbeat_interval invalid: %w", err)
		}
	}

	return nil
}

// IsPaper returns true when the bridge runs against mock data only.
func (c *Config) IsPaper() bool {
	return c.Environment.Mode == "paper"
}

// GetHTTPTimeout returns the broker REST timeout, falling back to the default.
func (c *Config) GetHTTPTimeout() time.Duration {
	return parseDurationOr(c.Broker.HTTPTimeout, defaultHTTPTimeout)
}

// GetReconnectBackoff returns the fixed feed reconnect wait.
func (c *Config) GetReconnectBackoff() time.Duration {
	return parseDurationOr(c.Stream.ReconnectBackoff, defaultReconnectBackoff)
}

// GetHeartbeatInterval returns the feed heartbeat cadence.
func (c *Config) GetHeartbeatInterval() time.Duration {
	return parseDurationOr(c.Stream.HeartbeatInterval, defaultHeartbeatInterval)
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
