// ABOUTME: Configuration loading and parsing for space-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/2389/space-gateway/internal/capability"
)

// Config represents the complete space-gateway configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Tailscale   TailscaleConfig   `yaml:"tailscale"`
	Auth        AuthConfig        `yaml:"auth"`
	Space       SpaceConfig       `yaml:"space"`
	Correlation CorrelationConfig `yaml:"correlation"`
	Lifecycle   LifecycleConfig   `yaml:"lifecycle"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	CertFile  string `yaml:"cert_file"` // TLS cert file (generate via: tailscale cert <hostname>)
	KeyFile   string `yaml:"key_file"`  // TLS key file
	Funnel    bool   `yaml:"funnel"`    // Enable public Funnel (implies HTTPS)
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	// JWTSecret enables bearer-token joins when set. Participants with
	// static tokens in the roster can always join.
	JWTSecret string `yaml:"jwt_secret"`
}

// SpaceConfig holds the participant roster and history settings
type SpaceConfig struct {
	// HistoryCapacity bounds the retained transcript. Zero means the
	// package default.
	HistoryCapacity int                 `yaml:"history_capacity"`
	Participants    []ParticipantConfig `yaml:"participants"`
}

// ParticipantConfig declares one participant and what it may send
type ParticipantConfig struct {
	ID           string            `yaml:"id"`
	Token        string            `yaml:"token"`
	Capabilities []capability.Spec `yaml:"capabilities"`
}

// CorrelationConfig holds request/response tracking configuration
type CorrelationConfig struct {
	DefaultTimeout time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	DefaultTimeoutRaw string `yaml:"default_timeout"`
}

// LifecycleConfig holds participant lifecycle timing configuration
type LifecycleConfig struct {
	PauseTimeout time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	PauseTimeoutRaw string `yaml:"pause_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// A listen address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if len(c.Space.Participants) == 0 {
		return fmt.Errorf("space.participants must list at least one participant")
	}

	seen := make(map[string]bool, len(c.Space.Participants))
	for i, p := range c.Space.Participants {
		if p.ID == "" {
			return fmt.Errorf("space.participants[%d].id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("space.participants: duplicate id %q", p.ID)
		}
		seen[p.ID] = true
		if p.Token == "" && c.Auth.JWTSecret == "" {
			return fmt.Errorf("space.participants[%d] (%s): token is required when auth.jwt_secret is unset", i, p.ID)
		}
		// Compile eagerly so bad patterns fail at load, not at join
		if _, err := capability.CompileSet(p.Capabilities); err != nil {
			return fmt.Errorf("space.participants[%d] (%s): %w", i, p.ID, err)
		}
	}

	if c.Space.HistoryCapacity < 0 {
		return fmt.Errorf("space.history_capacity must not be negative")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Correlation.DefaultTimeoutRaw != "" {
		cfg.Correlation.DefaultTimeout, err = time.ParseDuration(cfg.Correlation.DefaultTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing default_timeout %q: %w", cfg.Correlation.DefaultTimeoutRaw, err)
		}
	}

	if cfg.Lifecycle.PauseTimeoutRaw != "" {
		cfg.Lifecycle.PauseTimeout, err = time.ParseDuration(cfg.Lifecycle.PauseTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing pause_timeout %q: %w", cfg.Lifecycle.PauseTimeoutRaw, err)
		}
	}

	return nil
}
