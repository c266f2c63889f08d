// Package transport provides the http.RoundTripper that authenticates API
// requests, serves and fills the response cache, and recovers from expired
// access tokens by refreshing once and resubmitting.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/d-kuro/lmsclient/pkg/auth"
	"github.com/d-kuro/lmsclient/pkg/cache"
	"github.com/d-kuro/lmsclient/pkg/constants"
	"github.com/d-kuro/lmsclient/pkg/metrics"
	"github.com/d-kuro/lmsclient/pkg/token"
)

// AccessTokenReader returns the stored access token, or "" when there is none.
type AccessTokenReader interface {
	AccessToken(ctx context.Context) (string, error)
}

// Transport is an http.RoundTripper for the course platform API.
type Transport struct {
	base      http.RoundTripper
	tokens    AccessTokenReader
	refresher auth.TokenProvider
	cache     *cache.Cache
	policy    *cache.Policy
	now       func() time.Time
	log       logrus.FieldLogger
	metrics   *metrics.Metrics
}

// Option configures a Transport.
type Option func(*Transport)

// WithCache enables response caching under policy. A nil policy uses cache.DefaultPolicy.
func WithCache(c *cache.Cache, policy *cache.Policy) Option {
	return func(t *Transport) {
		t.cache = c
		t.policy = policy
	}
}

// WithClock overrides the time source used for token validity.
func WithClock(now func() time.Time) Option {
	return func(t *Transport) { t.now = now }
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(t *Transport) { t.log = log }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Transport) { t.metrics = m }
}

// New wraps base. A nil base uses http.DefaultTransport.
func New(base http.RoundTripper, tokens AccessTokenReader, refresher auth.TokenProvider, opts ...Option) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	t := &Transport{
		base:      base,
		tokens:    tokens,
		refresher: refresher,
		now:       time.Now,
		log:       logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.cache != nil && t.policy == nil {
		t.policy = cache.DefaultPolicy()
	}
	return t
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	reqID := req.Header.Get(constants.HeaderRequestID)
	if reqID == "" {
		reqID = uuid.NewString()
	}
	log := t.log.WithFields(logrus.Fields{
		"request_id": reqID,
		"method":     req.Method,
		"path":       req.URL.Path,
	})

	var cacheKey string
	if t.cacheable(req) {
		cacheKey = cache.Key(req.URL.Path, req.URL.Query())
		if data, ok := t.cache.Get(ctx, cacheKey); ok {
			log.Debug("served from cache")
			return cachedResponse(req, reqID, data), nil
		}
	}

	resp, err := t.send(req, reqID)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized && !retried(ctx) && replayable(req) {
		resp, err = t.retryAfterRefresh(req, resp, reqID, log)
		if err != nil {
			return nil, err
		}
	}

	log.WithField("status", resp.StatusCode).Debug("request completed")

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		switch {
		case cacheKey != "":
			t.fill(ctx, resp, cacheKey, req.URL.Path, log)
		case t.cache != nil && req.Method != http.MethodGet && req.Method != http.MethodHead:
			t.invalidate(ctx, req.URL.Path, log)
		}
	}
	return resp, nil
}

func (t *Transport) retryAfterRefresh(req *http.Request, unauthorized *http.Response, reqID string, log logrus.FieldLogger) (*http.Response, error) {
	if _, err := t.refresher.Refresh(req.Context()); err != nil {
		log.WithError(err).Warn("token refresh after 401 failed")
		return unauthorized, nil
	}

	retry := req.Clone(markRetried(req.Context()))
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			log.WithError(err).Warn("cannot replay request body")
			return unauthorized, nil
		}
		retry.Body = body
	}

	_, _ = io.Copy(io.Discard, io.LimitReader(unauthorized.Body, constants.MaxAPIResponseSize))
	_ = unauthorized.Body.Close()

	t.metrics.Retried()
	log.Debug("resubmitting request with refreshed token")
	return t.send(retry, reqID)
}

// send clones req and attaches the request ID and, when the stored access
// token is valid, the bearer credential. An invalid token is never sent.
func (t *Transport) send(req *http.Request, reqID string) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.Header.Set(constants.HeaderRequestID, reqID)

	access, err := t.tokens.AccessToken(req.Context())
	if err != nil {
		t.log.WithError(err).Warn("cannot read stored access token")
	}
	if err == nil && token.IsValid(access, t.now()) {
		out.Header.Set(constants.HeaderAuthorization, constants.BearerPrefix+access)
	}

	return t.base.RoundTrip(out)
}

func (t *Transport) cacheable(req *http.Request) bool {
	return t.cache != nil &&
		!cacheDisabled(req.Context()) &&
		t.policy.Cacheable(req.Method, req.URL.Path)
}

// fill writes a JSON response body to the cache. resp.Body is replaced so
// the caller still reads the full body.
func (t *Transport) fill(ctx context.Context, resp *http.Response, key, urlPath string, log logrus.FieldLogger) {
	if !isJSON(resp.Header.Get("Content-Type")) {
		return
	}

	buf, err := io.ReadAll(io.LimitReader(resp.Body, constants.MaxCacheableBodySize+1))
	if err != nil || len(buf) > constants.MaxCacheableBodySize {
		resp.Body = readCloser{io.MultiReader(bytes.NewReader(buf), resp.Body), resp.Body}
		return
	}
	_ = resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(buf))
	resp.Header.Set(constants.HeaderCache, "MISS")

	if !json.Valid(buf) {
		return
	}

	ttl, ok := cacheTTL(ctx)
	if !ok {
		ttl = t.policy.TTL(urlPath)
	}
	if err := t.cache.Set(ctx, key, buf, ttl); err != nil {
		log.WithError(err).Debug("response not cached")
	}
}

// invalidate drops cached entries under urlPath and its parent collection after a successful write.
func (t *Transport) invalidate(ctx context.Context, urlPath string, log logrus.FieldLogger) {
	target := cache.NormalizePath(urlPath)
	parent := path.Dir(strings.TrimSuffix(target, "/")) + "/"

	err := t.cache.RemoveMatching(ctx, func(key string) bool {
		return strings.HasPrefix(key, target) || strings.HasPrefix(key, parent+"_")
	})
	if err != nil {
		log.WithError(err).Warn("cache invalidation failed")
	}
}

func cachedResponse(req *http.Request, reqID string, data []byte) *http.Response {
	header := make(http.Header)
	header.Set("Content-Type", constants.ContentTypeJSON)
	header.Set("Content-Length", strconv.Itoa(len(data)))
	header.Set(constants.HeaderCache, "HIT")
	header.Set(constants.HeaderRequestID, reqID)

	return &http.Response{
		Status:        "200 OK",
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: int64(len(data)),
		Request:       req,
	}
}

func replayable(req *http.Request) bool {
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && (mediaType == constants.ContentTypeJSON || strings.HasSuffix(mediaType, "+json"))
}

type readCloser struct {
	io.Reader
	io.Closer
}
