package constants

import "time"

const (
	LibraryVersion = "0.1.0"
	LibraryName    = "lmsclient"

	DefaultBaseURL = "http://localhost:8000/api"

	// Remote API paths, relative to the base URL.
	SignInPath       = "/token/"
	TokenRefreshPath = "/token/refresh/"
	ProfilePath      = "/profile/"

	DefaultHTTPTimeout    = 30 * time.Second
	DefaultDialerTimeout  = 10 * time.Second
	DefaultUserAgent      = "lmsclient/0.1"
	MaxAPIRequestSize     = 1 * 1024 * 1024  // 1MB max request size
	MaxAPIResponseSize    = 10 * 1024 * 1024 // 10MB max response size
	MaxCacheableBodySize  = 2 * 1024 * 1024  // responses larger than this are never cached
	APIRequestTimeout     = 60 * time.Second // API request timeout
	TokenRefreshTimeout   = 30 * time.Second // Timeout for token refresh operations
	MaxIdleConns          = 100
	MaxIdleConnsPerHost   = 10
	MaxConnsPerHost       = 100
	IdleConnTimeout       = 90 * time.Second
	TLSHandshakeTimeout   = 10 * time.Second
	ResponseHeaderTimeout = 30 * time.Second
	ExpectContinueTimeout = 1 * time.Second
	KeepAliveTimeout      = 30 * time.Second

	// Refresh throttling and the proactive refresh loop.
	MinRefreshInterval   = 5 * time.Minute
	RefreshCheckInterval = 30 * time.Second
	RefreshLeadTime      = 1 * time.Minute

	// Response cache.
	CachePrefix         = "api_cache_"
	DefaultCacheTTL     = 5 * time.Minute
	ProfileCacheTTL     = 30 * time.Minute
	CourseCacheTTL      = 15 * time.Minute
	ModuleCacheTTL      = 10 * time.Minute
	LessonCacheTTL      = 5 * time.Minute
	ContentCacheTTL     = 2 * time.Minute
	EvictionFraction    = 0.2
	DefaultStorageQuota = 5 * 1024 * 1024 // what browsers typically grant localStorage

	// Profile store.
	ProfileMemoryTTL        = 5 * time.Minute
	ProfilePersistTTL       = 30 * time.Minute
	ProfileMinRetryInterval = 30 * time.Second
	ProfileDebounceWindow   = 1 * time.Second

	ContentTypeJSON = "application/json"

	HeaderAuthorization = "Authorization"
	HeaderRequestID     = "X-Request-ID"
	HeaderCache         = "X-Cache"
	BearerPrefix        = "Bearer "

	DirPermissions  = 0700
	FilePermissions = 0600

	DefaultStorageDir  = ".lmsclient"
	StorageFileName    = "storage.json"
	DefaultRedisPrefix = "lms:"
	DefaultSQLiteTable = "kv"
	TokenDisplayLength = 15 // characters of a token that may appear in logs

	ValidationErrorEmpty    = "cannot be empty"
	ValidationErrorRequired = "must be provided"
	ValidationErrorPositive = "must be positive"
	ConfigErrorPrefix       = "config error in "
)

// Persisted key-value entries shared with the browser front end.
const (
	KeyAccessToken      = "access_token"
	KeyRefreshToken     = "refresh_token"
	KeyLastTokenRefresh = "last_token_refresh"
	KeyProfileData      = "user_profile_data"
	KeyProfileLastFetch = "user_profile_last_fetch"
)

// InvalidTokenLiterals are placeholder strings that leak into storage from
// serialized null/undefined values and never count as tokens.
var InvalidTokenLiterals = []string{"undefined", "null"}
