// Package config provides configuration loading and validation for the relay
// service. It handles YAML-based configuration with per-section validation and
// duration accessors for time-valued fields.
package config
