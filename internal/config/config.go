// Package config loads the lmsctl configuration from a YAML file and the
// environment.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// DefaultFile is read from the working directory when no path is given.
const DefaultFile = "lmsctl.yaml"

// Storage backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config is the root lmsctl configuration.
// Sources, highest priority first:
//  1. explicit path from --config;
//  2. path in CONFIG_PATH;
//  3. ./lmsctl.yaml;
//  4. environment only.
//
// Environment variables are applied on top of file values.
type Config struct {
	BaseURL   string        `yaml:"base_url" env:"LMS_BASE_URL" env-default:"http://localhost:8000/api"`
	Timeout   time.Duration `yaml:"timeout" env:"LMS_TIMEOUT" env-default:"30s"`
	LogLevel  string        `yaml:"log_level" env:"LMS_LOG_LEVEL" env-default:"info"`
	Storage   StorageConfig `yaml:"storage"`
	Cache     CacheConfig   `yaml:"cache"`
	Refresh   RefreshConfig `yaml:"refresh"`
	Metrics   MetricsConfig `yaml:"metrics"`
	UserAgent string        `yaml:"user_agent" env:"LMS_USER_AGENT"`
}

// StorageConfig selects where credentials and cached responses are kept.
type StorageConfig struct {
	Backend  string `yaml:"backend" env:"LMS_STORAGE" env-default:"file"`
	Dir      string `yaml:"dir" env:"LMS_STORAGE_DIR"`
	Path     string `yaml:"path" env:"LMS_SQLITE_PATH" env-default:"lmsclient.db"`
	RedisURL string `yaml:"redis_url" env:"LMS_REDIS_URL" env-default:"redis://localhost:6379/0"`
	Prefix   string `yaml:"prefix" env:"LMS_REDIS_PREFIX" env-default:"lmsclient:"`
	Quota    int64  `yaml:"quota" env:"LMS_STORAGE_QUOTA" env-default:"5242880"`
}

// CacheConfig toggles the response cache. The cache is on unless disabled.
type CacheConfig struct {
	Disabled bool `yaml:"disabled" env:"LMS_CACHE_DISABLED"`
}

// RefreshConfig tunes token refresh.
type RefreshConfig struct {
	MinInterval   time.Duration `yaml:"min_interval" env:"LMS_REFRESH_MIN_INTERVAL" env-default:"5m"`
	CheckInterval time.Duration `yaml:"check_interval" env:"LMS_REFRESH_CHECK_INTERVAL" env-default:"30s"`
	LeadTime      time.Duration `yaml:"lead_time" env:"LMS_REFRESH_LEAD_TIME" env-default:"1m"`
}

// MetricsConfig configures the metrics endpoint served by "lmsctl watch".
type MetricsConfig struct {
	Addr string `yaml:"addr" env:"LMS_METRICS_ADDR" env-default:":9090"`
}

// MustLoad is Load that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads the configuration in priority order.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		return readFile(path, &cfg)
	}

	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		return readFile(envPath, &cfg)
	}

	if _, err := os.Stat(DefaultFile); err == nil {
		return readFile(DefaultFile, &cfg)
	}

	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read env: %w", err)
	}
	return &cfg, cfg.Validate()
}

func readFile(path string, cfg *Config) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file %q stat failed: %w", path, err)
	}
	// ReadConfig overlays the environment after parsing the file.
	if err := cleanenv.ReadConfig(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to read config %q: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the storage backend name.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendFile, BackendSQLite, BackendRedis, BackendMemory:
		return nil
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
}
