package cache

import (
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/d-kuro/lmsclient/pkg/constants"
)

// Rule maps a URL path pattern to a TTL.
type Rule struct {
	Pattern *regexp.Regexp
	TTL     time.Duration
}

// Policy decides which requests are cacheable and for how long.
// Rules are evaluated in order; the first match wins.
type Policy struct {
	DefaultTTL time.Duration
	Rules      []Rule
	Bypass     []*regexp.Regexp
}

// DefaultPolicy returns the resource-class TTL table of the course platform API.
// Forms, lesson contents and single-lesson fetches change while being edited
// and are never cached.
func DefaultPolicy() *Policy {
	return &Policy{
		DefaultTTL: constants.DefaultCacheTTL,
		Rules: []Rule{
			{Pattern: regexp.MustCompile(`/profile/?$`), TTL: constants.ProfileCacheTTL},
			{Pattern: regexp.MustCompile(`/lessons(/|$)`), TTL: constants.LessonCacheTTL},
			{Pattern: regexp.MustCompile(`/modules(/|$)`), TTL: constants.ModuleCacheTTL},
			{Pattern: regexp.MustCompile(`/content(/|$)`), TTL: constants.ContentCacheTTL},
			{Pattern: regexp.MustCompile(`/courses(/|$)`), TTL: constants.CourseCacheTTL},
		},
		Bypass: []*regexp.Regexp{
			regexp.MustCompile(`/forms(/|$)`),
			regexp.MustCompile(`/contents(/|$)`),
			regexp.MustCompile(`/lessons/[^/]+/?$`),
		},
	}
}

// Cacheable reports whether a request with method to urlPath may be served from and written to the cache.
func (p *Policy) Cacheable(method, urlPath string) bool {
	if method != http.MethodGet {
		return false
	}
	for _, re := range p.Bypass {
		if re.MatchString(urlPath) {
			return false
		}
	}
	return true
}

// TTL returns the cache lifetime for urlPath.
func (p *Policy) TTL(urlPath string) time.Duration {
	for _, r := range p.Rules {
		if r.Pattern.MatchString(urlPath) {
			return r.TTL
		}
	}
	return p.DefaultTTL
}

// Key derives the cache key of a request from its path and query parameters.
// Query parameters are serialized sorted by name, so equal parameter sets
// always yield the same key.
func Key(urlPath string, query url.Values) string {
	return NormalizePath(urlPath) + "_" + query.Encode()
}

// NormalizePath cleans urlPath while keeping a trailing slash, which the API treats as significant.
func NormalizePath(urlPath string) string {
	if urlPath == "" {
		return "/"
	}
	cleaned := path.Clean("/" + urlPath)
	if strings.HasSuffix(urlPath, "/") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}
