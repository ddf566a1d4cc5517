package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	HTTP     HTTPConfig     `yaml:"http"`
	Relay    RelayConfig    `yaml:"relay"`
	Mounts   MountsConfig   `yaml:"mounts"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig contains service-wide settings
type ServerConfig struct {
	// RootURL is the externally visible base URL used to build playback
	// URLs for dynamically created streams, e.g. "rtsp://relay.example.com:8554"
	RootURL string `yaml:"root_url"`
}

// HTTPConfig contains HTTP management API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// RelayConfig contains relay session policy
type RelayConfig struct {
	IdleTimeout             int `yaml:"idle_timeout"`         // seconds
	MaxRetries              int `yaml:"max_retries"`
	RetryBaseDelayMs        int `yaml:"retry_base_delay_ms"`  // milliseconds
	RetryMaxDelayMs         int `yaml:"retry_max_delay_ms"`   // milliseconds
	ViewerQueueCapacity     int `yaml:"viewer_queue_capacity"`
	ViewerOverflowThreshold int `yaml:"viewer_overflow_threshold"`
	OverflowWindowMs        int `yaml:"overflow_window_ms"`   // milliseconds
	StreamExpirationMinutes int `yaml:"stream_expiration_minutes"`
}

// MountsConfig contains mount table configuration
type MountsConfig struct {
	// Strategy selects how unknown paths resolve: "static" serves only the
	// configured mounts, "template" also derives locators from source_template
	Strategy       string        `yaml:"strategy"`
	SourceTemplate string        `yaml:"source_template"`
	Static         []StaticMount `yaml:"static"`
}

// StaticMount maps one fixed path to its upstream source URL
type StaticMount struct {
	Path   string `yaml:"path"`
	Source string `yaml:"source"`
}

// UpstreamConfig contains upstream connection parameters
type UpstreamConfig struct {
	ReadTimeout  int `yaml:"read_timeout"`  // seconds
	WriteTimeout int `yaml:"write_timeout"` // seconds
	SampleQueue  int `yaml:"sample_queue"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Relay.Validate(); err != nil {
		return fmt.Errorf("relay config: %w", err)
	}

	if err := c.Mounts.Validate(); err != nil {
		return fmt.Errorf("mounts config: %w", err)
	}

	if err := c.Upstream.Validate(); err != nil {
		return fmt.Errorf("upstream config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.RootURL == "" {
		return fmt.Errorf("root_url cannot be empty")
	}

	if strings.HasSuffix(s.RootURL, "/") {
		return fmt.Errorf("root_url must not end with a slash, got '%s'", s.RootURL)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates relay configuration
func (r *RelayConfig) Validate() error {
	if r.IdleTimeout < 1 {
		return fmt.Errorf("idle_timeout must be at least 1 second, got %d", r.IdleTimeout)
	}

	if r.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", r.MaxRetries)
	}

	if r.RetryBaseDelayMs < 1 {
		return fmt.Errorf("retry_base_delay_ms must be at least 1, got %d", r.RetryBaseDelayMs)
	}

	if r.RetryMaxDelayMs < r.RetryBaseDelayMs {
		return fmt.Errorf("retry_max_delay_ms (%d) must be at least retry_base_delay_ms (%d)",
			r.RetryMaxDelayMs, r.RetryBaseDelayMs)
	}

	if r.ViewerQueueCapacity < 1 {
		return fmt.Errorf("viewer_queue_capacity must be at least 1, got %d", r.ViewerQueueCapacity)
	}

	if r.ViewerOverflowThreshold < 1 {
		return fmt.Errorf("viewer_overflow_threshold must be at least 1, got %d", r.ViewerOverflowThreshold)
	}

	if r.OverflowWindowMs < 1 {
		return fmt.Errorf("overflow_window_ms must be at least 1, got %d", r.OverflowWindowMs)
	}

	if r.StreamExpirationMinutes < 0 {
		return fmt.Errorf("stream_expiration_minutes cannot be negative, got %d", r.StreamExpirationMinutes)
	}

	return nil
}

// Validate validates mounts configuration
func (m *MountsConfig) Validate() error {
	validStrategies := map[string]bool{"static": true, "template": true}
	if !validStrategies[m.Strategy] {
		return fmt.Errorf("strategy must be 'static' or 'template', got '%s'", m.Strategy)
	}

	if m.Strategy == "template" {
		if m.SourceTemplate == "" {
			return fmt.Errorf("source_template cannot be empty with the template strategy")
		}
		if !strings.Contains(m.SourceTemplate, "{path}") {
			return fmt.Errorf("source_template must contain the {path} placeholder, got '%s'", m.SourceTemplate)
		}
	}

	seen := make(map[string]bool)
	for i, sm := range m.Static {
		if sm.Path == "" {
			return fmt.Errorf("static mount %d: path cannot be empty", i)
		}
		if sm.Source == "" {
			return fmt.Errorf("static mount '%s': source cannot be empty", sm.Path)
		}
		if seen[sm.Path] {
			return fmt.Errorf("static mount '%s' is defined more than once", sm.Path)
		}
		seen[sm.Path] = true
	}

	return nil
}

// Validate validates upstream configuration
func (u *UpstreamConfig) Validate() error {
	if u.ReadTimeout < 1 {
		return fmt.Errorf("read_timeout must be at least 1 second, got %d", u.ReadTimeout)
	}

	if u.WriteTimeout < 1 {
		return fmt.Errorf("write_timeout must be at least 1 second, got %d", u.WriteTimeout)
	}

	if u.SampleQueue < 1 {
		return fmt.Errorf("sample_queue must be at least 1, got %d", u.SampleQueue)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetIdleTimeoutDuration returns the session idle timeout as a time.Duration
func (r *RelayConfig) GetIdleTimeoutDuration() time.Duration {
	return time.Duration(r.IdleTimeout) * time.Second
}

// GetRetryBaseDelayDuration returns the base reconnect delay as a time.Duration
func (r *RelayConfig) GetRetryBaseDelayDuration() time.Duration {
	return time.Duration(r.RetryBaseDelayMs) * time.Millisecond
}

// GetRetryMaxDelayDuration returns the reconnect delay cap as a time.Duration
func (r *RelayConfig) GetRetryMaxDelayDuration() time.Duration {
	return time.Duration(r.RetryMaxDelayMs) * time.Millisecond
}

// GetOverflowWindowDuration returns the overflow sliding window as a time.Duration
func (r *RelayConfig) GetOverflowWindowDuration() time.Duration {
	return time.Duration(r.OverflowWindowMs) * time.Millisecond
}

// GetStreamExpirationDuration returns the dynamic stream lifetime as a time.Duration
func (r *RelayConfig) GetStreamExpirationDuration() time.Duration {
	return time.Duration(r.StreamExpirationMinutes) * time.Minute
}

// GetReadTimeoutDuration returns the upstream read timeout as a time.Duration
func (u *UpstreamConfig) GetReadTimeoutDuration() time.Duration {
	return time.Duration(u.ReadTimeout) * time.Second
}

// GetWriteTimeoutDuration returns the upstream write timeout as a time.Duration
func (u *UpstreamConfig) GetWriteTimeoutDuration() time.Duration {
	return time.Duration(u.WriteTimeout) * time.Second
}
