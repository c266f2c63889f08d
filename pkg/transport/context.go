package transport

import (
	"context"
	"time"
)

type ctxKey int

const (
	noCacheKey ctxKey = iota
	cacheTTLKey
	retriedKey
)

// WithoutCache makes requests carrying ctx skip the response cache in both directions.
func WithoutCache(ctx context.Context) context.Context {
	return context.WithValue(ctx, noCacheKey, true)
}

// WithCacheTTL overrides the cache lifetime of responses to requests carrying ctx.
func WithCacheTTL(ctx context.Context, ttl time.Duration) context.Context {
	return context.WithValue(ctx, cacheTTLKey, ttl)
}

func cacheDisabled(ctx context.Context) bool {
	v, _ := ctx.Value(noCacheKey).(bool)
	return v
}

func cacheTTL(ctx context.Context) (time.Duration, bool) {
	ttl, ok := ctx.Value(cacheTTLKey).(time.Duration)
	return ttl, ok && ttl > 0
}

func markRetried(ctx context.Context) context.Context {
	return context.WithValue(ctx, retriedKey, true)
}

func retried(ctx context.Context) bool {
	v, _ := ctx.Value(retriedKey).(bool)
	return v
}
