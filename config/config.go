// Package config loads the aviary.yaml client configuration.
// All values are optional and act as defaults; CLI flags override them.
package config

import (
	"fmt"
	"time"
)

// Config represents an aviary.yaml configuration file.
type Config struct {
	// BaseURL is the platform endpoint, e.g. https://api.aviary.example.
	BaseURL string `yaml:"base_url"`
	// SnapshotPath overrides the local state snapshot location.
	SnapshotPath string `yaml:"snapshot_path"`
	// Timeout is the request/response call timeout.
	Timeout Duration `yaml:"timeout"`

	Chat ChatDefaults `yaml:"chat"`
	Poll PollConfig   `yaml:"poll"`
}

// ChatDefaults holds the chat configuration defaults from the config file.
type ChatDefaults struct {
	ModelID     string   `yaml:"model_id"`
	Temperature *float64 `yaml:"temperature,omitempty"`
	TopP        *float64 `yaml:"top_p,omitempty"`
	MaxTokens   *int     `yaml:"max_tokens,omitempty"`
	Stream      *bool    `yaml:"stream,omitempty"`
}

// PollConfig holds generation-poller defaults from the config file.
type PollConfig struct {
	InitialInterval Duration `yaml:"initial_interval"`
	Multiplier      float64  `yaml:"multiplier"`
	MaxInterval     Duration `yaml:"max_interval"`
	MaxAttempts     int      `yaml:"max_attempts"`
	CacheTTL        Duration `yaml:"cache_ttl"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}
