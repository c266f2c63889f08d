// Package metrics exposes Prometheus collectors for the token pipeline and response cache.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Refresh outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeRejected  = "rejected"
	OutcomeError     = "error"
	OutcomeReused    = "reused"
	OutcomeJoined    = "joined"
	OutcomeNoToken   = "no_refresh_token"
	OutcomeDiscarded = "discarded"
)

// Metrics holds the collectors.
type Metrics struct {
	Refreshes      *prometheus.CounterVec
	CacheLookups   *prometheus.CounterVec
	CacheEvictions prometheus.Counter
	Retries        prometheus.Counter
}

// New creates the collectors and registers them on reg when reg is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lmsclient",
			Name:      "token_refreshes_total",
			Help:      "Token refresh attempts by outcome.",
		}, []string{"outcome"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lmsclient",
			Name:      "cache_lookups_total",
			Help:      "Response cache lookups by result.",
		}, []string{"result"}),
		CacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lmsclient",
			Name:      "cache_evictions_total",
			Help:      "Response cache entries removed under quota pressure.",
		}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lmsclient",
			Name:      "request_retries_total",
			Help:      "Requests resubmitted after a 401 and a successful refresh.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.Refreshes, m.CacheLookups, m.CacheEvictions, m.Retries)
	}
	return m
}

// Refresh counts one refresh attempt with the given outcome.
func (m *Metrics) Refresh(outcome string) {
	if m == nil {
		return
	}
	m.Refreshes.WithLabelValues(outcome).Inc()
}

// CacheLookup counts a cache hit or miss.
func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

// Evicted counts n evicted cache entries.
func (m *Metrics) Evicted(n int) {
	if m == nil {
		return
	}
	m.CacheEvictions.Add(float64(n))
}

// Retried counts one resubmitted request.
func (m *Metrics) Retried() {
	if m == nil {
		return
	}
	m.Retries.Inc()
}
