// ABOUTME: Configuration loading and parsing for persona-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete persona-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Provider ProviderConfig `yaml:"provider"`
	Engine   EngineConfig   `yaml:"engine"`
	Defaults DefaultsConfig `yaml:"defaults"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds management API authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// ProviderConfig holds completion provider configuration.
// APIKey is the global fallback credential; personas may carry their own.
type ProviderConfig struct {
	BaseURL string        `yaml:"base_url"`
	Model   string        `yaml:"model"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	TimeoutRaw string `yaml:"timeout"`
}

// EngineConfig holds routing engine tuning configuration
type EngineConfig struct {
	Autostart        bool          `yaml:"autostart"`
	StartConcurrency int           `yaml:"start_concurrency"`
	DedupeMax        int           `yaml:"dedupe_max"`
	DedupeTTL        time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	DedupeTTLRaw string `yaml:"dedupe_ttl"`
}

// DefaultsConfig holds default persona settings applied when a binding
// request leaves them unset.
type DefaultsConfig struct {
	ResponseDelayMS   int `yaml:"response_delay_ms"`
	MaxResponseLength int `yaml:"max_response_length"`
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

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in sensible defaults for optional fields.
func (c *Config) applyDefaults() {
	if c.Provider.BaseURL == "" {
		c.Provider.BaseURL = "https://api.openai.com/v1"
	}
	if c.Provider.Model == "" {
		c.Provider.Model = "gpt-4o-mini"
	}
	if c.Provider.Timeout == 0 {
		c.Provider.Timeout = 30 * time.Second
	}
	if c.Engine.StartConcurrency <= 0 {
		c.Engine.StartConcurrency = 4
	}
	if c.Engine.DedupeMax <= 0 {
		c.Engine.DedupeMax = 10000
	}
	if c.Engine.DedupeTTL == 0 {
		c.Engine.DedupeTTL = 10 * time.Minute
	}
	if c.Defaults.MaxResponseLength <= 0 {
		c.Defaults.MaxResponseLength = 500
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}

	if c.Defaults.ResponseDelayMS < 0 {
		return fmt.Errorf("defaults.response_delay_ms must be >= 0")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Provider.TimeoutRaw != "" {
		cfg.Provider.Timeout, err = time.ParseDuration(cfg.Provider.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing provider.timeout %q: %w", cfg.Provider.TimeoutRaw, err)
		}
	}

	if cfg.Engine.DedupeTTLRaw != "" {
		cfg.Engine.DedupeTTL, err = time.ParseDuration(cfg.Engine.DedupeTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing engine.dedupe_ttl %q: %w", cfg.Engine.DedupeTTLRaw, err)
		}
	}

	return nil
}
