package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the startup configuration of the engine. Runtime-tunable trading
// parameters (auto_trade, risk limits, signal timeout) live in the settings
// store instead; this file covers only what must be known before the process
// can assemble itself.
type Config struct {
	Environment string `yaml:"environment"` // production, staging, development
	Server      struct {
		Port            int           `yaml:"port"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	Broker struct {
		Endpoints        []string      `yaml:"endpoints"`
		APIKey           string        `yaml:"api_key"`
		CallTimeout      time.Duration `yaml:"call_timeout"`
		AllowSimFallback bool          `yaml:"allow_sim_fallback"`
	} `yaml:"broker"`
	Cache struct {
		QuoteTTL     time.Duration `yaml:"quote_ttl"`
		MarginTTL    time.Duration `yaml:"margin_ttl"`
		PortfolioTTL time.Duration `yaml:"portfolio_ttl"`
	} `yaml:"cache"`
	Sweeps struct {
		ExpiryInterval  time.Duration `yaml:"expiry_interval"`
		MonitorInterval time.Duration `yaml:"monitor_interval"`
	} `yaml:"sweeps"`
}

// Default returns a configuration suitable for local development.
func Default() *Config {
	c := &Config{Environment: "development"}
	c.Server.Port = 8080
	c.Server.ShutdownTimeout = 5 * time.Second
	c.Database.Path = "trade-engine.db"
	c.Auth.JWTSecret = "trade-engine-secret-key"
	c.Broker.CallTimeout = 10 * time.Second
	c.Cache.QuoteTTL = 15 * time.Second
	c.Cache.MarginTTL = 30 * time.Second
	c.Cache.PortfolioTTL = 45 * time.Second
	c.Sweeps.ExpiryInterval = 30 * time.Second
	c.Sweeps.MonitorInterval = 15 * time.Second
	return c
}

// Load reads and parses a YAML configuration file, applies environment
// overrides and validates the result. Configuration errors are the only
// errors fatal to startup.
func Load(path string) (*Config, error) {
	c := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, c); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Override with environment variables
	if v := os.Getenv("ENV"); v != "" {
		c.Environment = v
	}
	if v := os.Getenv("PORT"); v != "" {
		fmt.Sscanf(v, "%d", &c.Server.Port)
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("BROKER_ENDPOINTS"); v != "" {
		c.Broker.Endpoints = strings.Split(v, ",")
	}
	if v := os.Getenv("BROKER_API_KEY"); v != "" {
		c.Broker.APIKey = v
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Environment == "" {
		return fmt.Errorf("environment is required")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be positive, got %d", c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Production() && len(c.Broker.Endpoints) == 0 {
		return fmt.Errorf("broker.endpoints cannot be empty in production")
	}
	if c.Broker.CallTimeout <= 0 {
		return fmt.Errorf("broker.call_timeout must be positive")
	}
	return nil
}

// Production reports whether the engine runs against a live broker. Outside
// production, execution is simulated and margin checks are relaxed.
func (c *Config) Production() bool {
	return c.Environment == "production"
}
