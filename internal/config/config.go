// Package config loads server configuration from YAML with environment
// variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/RobinCoderZhao/toolgate/pkg/storage"
)

// Config is the full server configuration.
type Config struct {
	Server struct {
		Name            string `yaml:"name"`
		Version         string `yaml:"version"`
		Addr            string `yaml:"addr"`
		BasePath        string `yaml:"base_path"`
		ShutdownTimeout int    `yaml:"shutdown_timeout_seconds"`
		RequestTimeout  int    `yaml:"request_timeout_seconds"`
		MaxBodyBytes    int64  `yaml:"max_body_bytes"`
	} `yaml:"server"`

	Auth struct {
		Secret        string   `yaml:"secret"`
		PublicActions []string `yaml:"public_actions"`
	} `yaml:"auth"`

	RateLimit struct {
		WindowSeconds int `yaml:"window_seconds"`
		MaxRequests   int `yaml:"max_requests"`
	} `yaml:"rate_limit"`

	Dispatch struct {
		TimeoutSeconds int `yaml:"timeout_seconds"`
	} `yaml:"dispatch"`

	Storage storage.Config `yaml:"storage"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	var cfg Config
	cfg.Server.Name = "toolgate"
	cfg.Server.Version = "1.0.0"
	cfg.Server.Addr = ":8080"
	cfg.Server.BasePath = "/mcp"
	cfg.Server.ShutdownTimeout = 10
	cfg.Server.RequestTimeout = 60
	cfg.Server.MaxBodyBytes = 1 << 20
	cfg.Auth.Secret = ""
	cfg.Auth.PublicActions = []string{"list_items", "get_data"}
	cfg.RateLimit.WindowSeconds = 60
	cfg.RateLimit.MaxRequests = 100
	cfg.Dispatch.TimeoutSeconds = 30
	cfg.Storage = storage.Config{Driver: "sqlite", DSN: "data/toolgate.db"}
	return cfg
}

// Load reads configuration from path, falling back to defaults when the file
// does not exist, then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config file %s: %w", path, err)
			}
		} else {
			expanded := os.ExpandEnv(string(data))
			if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
				return cfg, fmt.Errorf("parse config file %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(&cfg)

	if cfg.Auth.Secret == "" {
		return cfg, fmt.Errorf("auth secret is required (set auth.secret or TOOLGATE_JWT_SECRET)")
	}
	return cfg, nil
}

// DispatchTimeout returns the configured per-call execution deadline.
func (c Config) DispatchTimeout() time.Duration {
	return time.Duration(c.Dispatch.TimeoutSeconds) * time.Second
}

// RateWindow returns the configured rate limit window.
func (c Config) RateWindow() time.Duration {
	return time.Duration(c.RateLimit.WindowSeconds) * time.Second
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TOOLGATE_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("TOOLGATE_BASE_PATH"); v != "" {
		cfg.Server.BasePath = v
	}
	if v := os.Getenv("TOOLGATE_JWT_SECRET"); v != "" {
		cfg.Auth.Secret = v
	}
	if v := os.Getenv("TOOLGATE_DB"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("TOOLGATE_DISPATCH_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Dispatch.TimeoutSeconds = n
		}
	}
	if v := os.Getenv("TOOLGATE_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimit.MaxRequests = n
		}
	}
}
