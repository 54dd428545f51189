package main

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultDSN = "root:@tcp(127.0.0.1:3306)/test?parseTime=true"

// Config captures the demo's runtime options. The DSN must keep
// parseTime=true so TIMESTAMP columns scan into time.Time.
type Config struct {
	DSN                 string `yaml:"dsn"`
	PingTimeoutSeconds  int    `yaml:"ping_timeout_seconds"`
	QueryTimeoutSeconds int    `yaml:"query_timeout_seconds"`
}

// PingTimeout returns the configured connect check timeout.
func (c Config) PingTimeout() time.Duration {
	return time.Duration(c.PingTimeoutSeconds) * time.Second
}

// QueryTimeout returns the configured per-statement timeout.
func (c Config) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutSeconds) * time.Second
}

// loadConfig reads configuration from a YAML file. An empty path keeps the
// defaults.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	normalizeConfig(&cfg)
	return cfg, nil
}

func normalizeConfig(cfg *Config) {
	if cfg.DSN == "" {
		cfg.DSN = defaultDSN
	}
	if cfg.PingTimeoutSeconds <= 0 {
		cfg.PingTimeoutSeconds = 5
	}
	if cfg.QueryTimeoutSeconds <= 0 {
		cfg.QueryTimeoutSeconds = 30
	}
}

func defaultConfig() Config {
	return Config{
		DSN:                 defaultDSN,
		PingTimeoutSeconds:  5,
		QueryTimeoutSeconds: 30,
	}
}
