// Package config loads server configuration: built-in defaults, then an
// optional YAML file, then environment variables prefixed with CAGE_.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"scriptcage/internal/hook"
)

// EnvPrefix prefixes every environment override, e.g. CAGE_SANDBOX_TIMEOUT.
const EnvPrefix = "CAGE"

// Config holds all application configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Sandbox SandboxConfig `yaml:"sandbox"`
	Hook    hook.Config   `yaml:"hook"`
	Runner  RunnerConfig  `yaml:"runner"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig holds HTTP server configuration. Port and DBPath also honour
// the bare PORT and DB_PATH variables.
type ServerConfig struct {
	Port            string        `yaml:"port" envconfig:"PORT"`
	DBPath          string        `yaml:"db_path" envconfig:"DB_PATH"`
	AllowedOrigins  []string      `yaml:"allowed_origins" split_words:"true"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" split_words:"true"`
}

// SandboxConfig bounds every script run.
type SandboxConfig struct {
	Timeout           time.Duration `yaml:"timeout"`
	MaxCallStackSize  int           `yaml:"max_call_stack_size" split_words:"true"`
	MaxRequests       int           `yaml:"max_requests" split_words:"true"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes" split_words:"true"`
	Strict            bool          `yaml:"strict"`
	TruncateThreshold int           `yaml:"truncate_threshold" split_words:"true"`
}

// RunnerConfig bounds collection runs.
type RunnerConfig struct {
	Workers    int `yaml:"workers"`
	MaxScripts int `yaml:"max_scripts" split_words:"true"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			DBPath:          "./scriptcage.db",
			AllowedOrigins:  []string{"*"},
			ShutdownTimeout: 10 * time.Second,
		},
		Sandbox: SandboxConfig{
			Timeout:           5 * time.Second,
			MaxCallStackSize:  500,
			MaxRequests:       32,
			MaxBodyBytes:      10 << 20,
			TruncateThreshold: 40,
		},
		Hook: hook.Config{
			Timeout:         30 * time.Second,
			BreakerFailures: 5,
			BreakerTimeout:  30 * time.Second,
			UserAgent:       "scriptcage",
		},
		Runner: RunnerConfig{
			Workers:    4,
			MaxScripts: 200,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration. path may be empty; a missing file at a
// non-empty path is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is required"))
	}
	if c.Server.DBPath == "" {
		errs = append(errs, errors.New("server.db_path is required"))
	}
	if c.Sandbox.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("sandbox.timeout must be positive, got %s", c.Sandbox.Timeout))
	}
	if c.Sandbox.MaxCallStackSize < 0 {
		errs = append(errs, errors.New("sandbox.max_call_stack_size must not be negative"))
	}
	if c.Sandbox.MaxRequests < 0 {
		errs = append(errs, errors.New("sandbox.max_requests must not be negative"))
	}
	if c.Hook.RateLimit < 0 {
		errs = append(errs, errors.New("hook.rate_limit must not be negative"))
	}
	if c.Runner.Workers < 1 {
		errs = append(errs, fmt.Errorf("runner.workers must be at least 1, got %d", c.Runner.Workers))
	}
	return errors.Join(errs...)
}
