// ABOUTME: Configuration loading and parsing for the intent pipeline
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete pipeline configuration, shared by the
// api, reasoner, and executor binaries.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Bus      BusConfig      `yaml:"bus"`
	Receipts ReceiptsConfig `yaml:"receipts"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds the ingress HTTP address.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds the shared document store location.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// BusConfig selects and configures the bus driver.
type BusConfig struct {
	// Driver is "redis" or "memory". Memory runs all stages in one
	// process and is intended for development.
	Driver string      `yaml:"driver"`
	Redis  RedisConfig `yaml:"redis"`
	Topics TopicConfig `yaml:"topics"`
}

// RedisConfig holds Redis Streams connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// TopicConfig allows overriding the stage topic names, mostly useful for
// running several pipelines against one Redis.
type TopicConfig struct {
	Reasoning string `yaml:"reasoning"`
	Action    string `yaml:"action"`
}

// ReceiptsConfig tunes the event receipt protocol.
type ReceiptsConfig struct {
	StaleThreshold time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	StaleThresholdRaw string `yaml:"stale_threshold"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded and
// duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no file is given: memory bus,
// local database, everything in one process.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "0.0.0.0:8080"
	}
	if c.Database.Path == "" {
		c.Database.Path = "./pipeline.db"
	}
	if c.Bus.Driver == "" {
		c.Bus.Driver = "memory"
	}
	if c.Bus.Redis.Addr == "" {
		c.Bus.Redis.Addr = "localhost:6379"
	}
	if c.Bus.Topics.Reasoning == "" {
		c.Bus.Topics.Reasoning = "reasoning-requested"
	}
	if c.Bus.Topics.Action == "" {
		c.Bus.Topics.Action = "action-requested"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// applyEnvOverrides lets deployment knobs win over the file without
// editing it.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("TOPIC_REASONING"); v != "" {
		c.Bus.Topics.Reasoning = v
	}
	if v := os.Getenv("TOPIC_ACTION"); v != "" {
		c.Bus.Topics.Action = v
	}
	if v := os.Getenv("RECEIPT_STALE_THRESHOLD_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			c.Receipts.StaleThreshold = time.Duration(ms) * time.Millisecond
			c.Receipts.StaleThresholdRaw = ""
		}
	}
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables become empty strings.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and
// valid. Returns an error describing the first validation failure.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	switch c.Bus.Driver {
	case "memory":
	case "redis":
		if c.Bus.Redis.Addr == "" {
			return fmt.Errorf("bus.redis.addr is required when bus.driver is redis")
		}
	default:
		return fmt.Errorf("bus.driver must be \"memory\" or \"redis\", got %q", c.Bus.Driver)
	}
	if c.Receipts.StaleThreshold < 0 {
		return fmt.Errorf("receipts.stale_threshold must not be negative")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	if cfg.Receipts.StaleThresholdRaw != "" {
		d, err := time.ParseDuration(cfg.Receipts.StaleThresholdRaw)
		if err != nil {
			return fmt.Errorf("parsing stale_threshold %q: %w", cfg.Receipts.StaleThresholdRaw, err)
		}
		cfg.Receipts.StaleThreshold = d
	}
	return nil
}
