package lmsclient

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/d-kuro/lmsclient/pkg/constants"
)

// transportPool shares base transports between clients with the same
// settings, so connection pools are reused.
type transportPool struct {
	transports map[string]*http.Transport
	mutex      sync.RWMutex
}

var globalTransportPool = &transportPool{
	transports: make(map[string]*http.Transport),
}

// baseTransportConfig contains the settings that distinguish pooled transports.
type baseTransportConfig struct {
	ResponseHeaderTimeout time.Duration
}

func (p *transportPool) getOrCreate(config baseTransportConfig) *http.Transport {
	key := fmt.Sprintf("%v", config.ResponseHeaderTimeout)

	p.mutex.RLock()
	if t, exists := p.transports[key]; exists {
		p.mutex.RUnlock()
		return t
	}
	p.mutex.RUnlock()

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if t, exists := p.transports[key]; exists {
		return t
	}

	t := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        constants.MaxIdleConns,
		MaxIdleConnsPerHost: constants.MaxIdleConnsPerHost,
		MaxConnsPerHost:     constants.MaxConnsPerHost,
		IdleConnTimeout:     constants.IdleConnTimeout,

		DialContext: (&net.Dialer{
			Timeout:   constants.DefaultDialerTimeout,
			KeepAlive: constants.KeepAliveTimeout,
		}).DialContext,
		TLSHandshakeTimeout:   constants.TLSHandshakeTimeout,
		ResponseHeaderTimeout: config.ResponseHeaderTimeout,
		ExpectContinueTimeout: constants.ExpectContinueTimeout,

		ForceAttemptHTTP2: true,
	}

	p.transports[key] = t
	return t
}

// userAgentTransport sets the User-Agent header on requests that lack one.
type userAgentTransport struct {
	base      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" || t.userAgent == "" {
		return t.base.RoundTrip(req)
	}
	out := req.Clone(req.Context())
	out.Header.Set("User-Agent", t.userAgent)
	return t.base.RoundTrip(out)
}

// newBaseClient returns the non-intercepting client used for the token
// endpoints. It shares the pooled transport with the API client.
func newBaseClient(config *Config) *http.Client {
	base := globalTransportPool.getOrCreate(baseTransportConfig{
		ResponseHeaderTimeout: min(config.Timeout, constants.ResponseHeaderTimeout),
	})
	return &http.Client{
		Timeout:   config.Timeout,
		Transport: &userAgentTransport{base: base, userAgent: config.UserAgent},
	}
}
