package lmsclient

import (
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/d-kuro/lmsclient/pkg/cache"
	"github.com/d-kuro/lmsclient/pkg/constants"
	"github.com/d-kuro/lmsclient/pkg/storage"
)

// Config holds all configuration options for the client.
type Config struct {
	// API Configuration
	BaseURL   string        `json:"baseUrl,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty"`
	UserAgent string        `json:"userAgent,omitempty"`

	// Storage. A nil Store means a filesystem store under ~/.lmsclient.
	Store        storage.Store `json:"-"`
	StorageQuota int64         `json:"storageQuota,omitempty"`

	// Response cache
	CacheEnabled bool          `json:"cacheEnabled,omitempty"`
	CachePolicy  *cache.Policy `json:"-"`

	// Token refresh
	MinRefreshInterval   time.Duration `json:"minRefreshInterval,omitempty"`
	RefreshCheckInterval time.Duration `json:"refreshCheckInterval,omitempty"`
	RefreshLeadTime      time.Duration `json:"refreshLeadTime,omitempty"`

	// Profile snapshots
	ProfileMemoryTTL  time.Duration `json:"profileMemoryTtl,omitempty"`
	ProfilePersistTTL time.Duration `json:"profilePersistTtl,omitempty"`

	// Observability
	Logger  logrus.FieldLogger    `json:"-"`
	Metrics prometheus.Registerer `json:"-"`

	// Clock overrides time.Now; tests only.
	Clock func() time.Time `json:"-"`
}

// ConfigOption defines a functional option for configuring the Config.
type ConfigOption func(*Config)

// WithBaseURL sets the API base URL, e.g. "https://lms.example.com/api".
func WithBaseURL(baseURL string) ConfigOption {
	return func(c *Config) {
		c.BaseURL = baseURL
	}
}

// WithTimeout sets the HTTP timeout.
func WithTimeout(timeout time.Duration) ConfigOption {
	return func(c *Config) {
		c.Timeout = timeout
	}
}

// WithUserAgent sets the User-Agent header sent with every request.
func WithUserAgent(ua string) ConfigOption {
	return func(c *Config) {
		c.UserAgent = ua
	}
}

// WithStore sets the key-value store holding credentials, cache and profile.
func WithStore(store storage.Store) ConfigOption {
	return func(c *Config) {
		c.Store = store
	}
}

// WithStorageQuota sets the byte quota of the default filesystem store.
func WithStorageQuota(quota int64) ConfigOption {
	return func(c *Config) {
		c.StorageQuota = quota
	}
}

// WithCache enables or disables the response cache.
func WithCache(enabled bool) ConfigOption {
	return func(c *Config) {
		c.CacheEnabled = enabled
	}
}

// WithCachePolicy replaces the URL-pattern TTL table.
func WithCachePolicy(policy *cache.Policy) ConfigOption {
	return func(c *Config) {
		c.CachePolicy = policy
	}
}

// WithMinRefreshInterval sets the throttle window between refreshes.
func WithMinRefreshInterval(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.MinRefreshInterval = d
	}
}

// WithRefreshTiming sets how often the token watcher checks and how long
// before expiry it refreshes.
func WithRefreshTiming(interval, lead time.Duration) ConfigOption {
	return func(c *Config) {
		c.RefreshCheckInterval = interval
		c.RefreshLeadTime = lead
	}
}

// WithProfileTTL sets the lifetimes of the in-memory and persisted profile snapshots.
func WithProfileTTL(memory, persisted time.Duration) ConfigOption {
	return func(c *Config) {
		c.ProfileMemoryTTL = memory
		c.ProfilePersistTTL = persisted
	}
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) ConfigOption {
	return func(c *Config) {
		c.Logger = log
	}
}

// WithMetrics registers the client's collectors on reg.
func WithMetrics(reg prometheus.Registerer) ConfigOption {
	return func(c *Config) {
		c.Metrics = reg
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ConfigOption {
	return func(c *Config) {
		c.Clock = now
	}
}

// NewConfig creates a new configuration with the provided options.
// If no options are provided, returns a configuration with the defaults
// the browser front end uses.
func NewConfig(opts ...ConfigOption) *Config {
	config := &Config{
		BaseURL:   constants.DefaultBaseURL,
		Timeout:   constants.DefaultHTTPTimeout,
		UserAgent: constants.DefaultUserAgent,

		StorageQuota: constants.DefaultStorageQuota,

		CacheEnabled: true,

		MinRefreshInterval:   constants.MinRefreshInterval,
		RefreshCheckInterval: constants.RefreshCheckInterval,
		RefreshLeadTime:      constants.RefreshLeadTime,

		ProfileMemoryTTL:  constants.ProfileMemoryTTL,
		ProfilePersistTTL: constants.ProfilePersistTTL,

		Logger: logrus.StandardLogger(),
		Clock:  time.Now,
	}

	for _, opt := range opts {
		opt(config)
	}

	return config
}

// Validate ensures the configuration is valid and complete.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return &ConfigError{Field: "BaseURL", Message: constants.ValidationErrorEmpty}
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &ConfigError{Field: "BaseURL", Message: "must be an absolute http(s) URL"}
	}
	if c.Timeout <= 0 {
		return &ConfigError{Field: "Timeout", Message: constants.ValidationErrorPositive}
	}
	if c.MinRefreshInterval < 0 {
		return &ConfigError{Field: "MinRefreshInterval", Message: "must not be negative"}
	}
	if c.RefreshCheckInterval <= 0 {
		return &ConfigError{Field: "RefreshCheckInterval", Message: constants.ValidationErrorPositive}
	}
	if c.RefreshLeadTime <= 0 {
		return &ConfigError{Field: "RefreshLeadTime", Message: constants.ValidationErrorPositive}
	}
	if c.ProfileMemoryTTL <= 0 {
		return &ConfigError{Field: "ProfileMemoryTTL", Message: constants.ValidationErrorPositive}
	}
	if c.ProfilePersistTTL <= 0 {
		return &ConfigError{Field: "ProfilePersistTTL", Message: constants.ValidationErrorPositive}
	}
	if c.Logger == nil {
		return &ConfigError{Field: "Logger", Message: constants.ValidationErrorRequired}
	}
	if c.Clock == nil {
		return &ConfigError{Field: "Clock", Message: constants.ValidationErrorRequired}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return constants.ConfigErrorPrefix + e.Field + ": " + e.Message
}
