// Package cache implements the namespaced response cache: entries with an
// absolute expiry kept in a storage.Store under the "api_cache_" prefix,
// with eviction under quota pressure.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/d-kuro/lmsclient/pkg/constants"
	"github.com/d-kuro/lmsclient/pkg/metrics"
	"github.com/d-kuro/lmsclient/pkg/storage"
)

// Envelope is the persisted form of an entry. Expiry is in epoch milliseconds.
type Envelope[T any] struct {
	Data   T     `json:"data"`
	Expiry int64 `json:"expiry"`
}

// Cache is a response cache over a storage.Store.
type Cache struct {
	store   storage.Store
	prefix  string
	now     func() time.Time
	log     logrus.FieldLogger
	metrics *metrics.Metrics
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Cache) { c.log = log }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// New creates a cache over store.
func New(store storage.Store, opts ...Option) *Cache {
	c := &Cache{
		store:  store,
		prefix: constants.CachePrefix,
		now:    time.Now,
		log:    logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the raw data stored under key. Expired and unreadable entries
// are deleted and reported as absent.
func (c *Cache) Get(ctx context.Context, key string) (json.RawMessage, bool) {
	return Load[json.RawMessage](ctx, c, key)
}

// Set stores data under key for ttl.
func (c *Cache) Set(ctx context.Context, key string, data json.RawMessage, ttl time.Duration) error {
	return Save(ctx, c, key, data, ttl)
}

// Load reads a typed entry.
func Load[T any](ctx context.Context, c *Cache, key string) (T, bool) {
	var zero T

	raw, err := c.store.GetItem(ctx, c.prefix+key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.log.WithError(err).WithField("key", key).Warn("cache read failed")
		}
		c.metrics.CacheLookup(false)
		return zero, false
	}

	var env Envelope[T]
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		c.log.WithField("key", key).Debug("dropping unreadable cache entry")
		_ = c.store.RemoveItem(ctx, c.prefix+key)
		c.metrics.CacheLookup(false)
		return zero, false
	}

	if c.expired(env.Expiry) {
		_ = c.store.RemoveItem(ctx, c.prefix+key)
		c.metrics.CacheLookup(false)
		return zero, false
	}

	c.metrics.CacheLookup(true)
	return env.Data, true
}

// Save writes a typed entry. When the store is over quota, one eviction pass
// runs and the write is retried exactly once.
func Save[T any](ctx context.Context, c *Cache, key string, v T, ttl time.Duration) error {
	env := Envelope[T]{
		Data:   v,
		Expiry: c.now().Add(ttl).UnixMilli(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("cache: marshal %q: %w", key, err)
	}

	err = c.store.SetItem(ctx, c.prefix+key, string(data))
	if err == nil || !errors.Is(err, storage.ErrQuotaExceeded) {
		return err
	}

	removed, evictErr := c.Evict(ctx)
	if evictErr != nil {
		c.log.WithError(evictErr).Warn("cache eviction failed")
	}
	c.log.WithFields(logrus.Fields{"key": key, "evicted": removed}).Debug("cache full, evicted entries")

	if err := c.store.SetItem(ctx, c.prefix+key, string(data)); err != nil {
		c.log.WithError(err).WithField("key", key).Warn("cache write failed after eviction")
		return err
	}
	return nil
}

// Remove deletes one entry.
func (c *Cache) Remove(ctx context.Context, key string) error {
	return c.store.RemoveItem(ctx, c.prefix+key)
}

// Clear deletes every cache entry. Other keys in the store are untouched.
func (c *Cache) Clear(ctx context.Context) error {
	return c.RemoveMatching(ctx, func(string) bool { return true })
}

// RemoveMatching deletes every entry whose key (without the namespace prefix) satisfies match.
func (c *Cache) RemoveMatching(ctx context.Context, match func(key string) bool) error {
	keys, err := c.store.Keys(ctx, c.prefix)
	if err != nil {
		return fmt.Errorf("cache: list keys: %w", err)
	}
	for _, k := range keys {
		if !match(strings.TrimPrefix(k, c.prefix)) {
			continue
		}
		if err := c.store.RemoveItem(ctx, k); err != nil {
			return fmt.Errorf("cache: remove %q: %w", k, err)
		}
	}
	return nil
}

// Evict frees space: it drops expired and unreadable entries, and when there
// were none, the oldest 20% by expiry (at least one). It returns the number removed.
func (c *Cache) Evict(ctx context.Context) (int, error) {
	keys, err := c.store.Keys(ctx, c.prefix)
	if err != nil {
		return 0, fmt.Errorf("cache: list keys: %w", err)
	}

	type candidate struct {
		key    string
		expiry int64
	}
	live := make([]candidate, 0, len(keys))
	removed := 0

	for _, k := range keys {
		raw, err := c.store.GetItem(ctx, k)
		if err != nil {
			continue
		}
		var env Envelope[json.RawMessage]
		if err := json.Unmarshal([]byte(raw), &env); err != nil || c.expired(env.Expiry) {
			if err := c.store.RemoveItem(ctx, k); err == nil {
				removed++
			}
			continue
		}
		live = append(live, candidate{key: k, expiry: env.Expiry})
	}

	if removed == 0 && len(live) > 0 {
		sort.Slice(live, func(i, j int) bool { return live[i].expiry < live[j].expiry })
		n := int(math.Ceil(float64(len(live)) * constants.EvictionFraction))
		if n < 1 {
			n = 1
		}
		for _, cand := range live[:n] {
			if err := c.store.RemoveItem(ctx, cand.key); err == nil {
				removed++
			}
		}
	}

	c.metrics.Evicted(removed)
	return removed, nil
}

func (c *Cache) expired(expiryMillis int64) bool {
	return c.now().UnixMilli() >= expiryMillis
}
