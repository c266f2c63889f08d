package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/d-kuro/lmsclient/pkg/constants"
)

// RedisStore implements Store on Redis strings under a key prefix, so several
// clients (or a CLI and a long-running watcher) can share one credential set.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore connects to Redis from a URL (for example redis://:pass@host:6379/0).
// If prefix is empty, "lms:" is used.
func NewRedisStore(ctx context.Context, redisURL, prefix string) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return NewRedisStoreFromClient(rdb, prefix), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = constants.DefaultRedisPrefix
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (r *RedisStore) key(k string) string { return r.prefix + k }

// GetItem implements Store.GetItem.
func (r *RedisStore) GetItem(ctx context.Context, key string) (string, error) {
	v, err := r.rdb.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis get %q: %w", key, err)
	}
	return v, nil
}

// SetItem implements Store.SetItem. Redis answers writes over maxmemory with
// an OOM error, which is reported as ErrQuotaExceeded.
func (r *RedisStore) SetItem(ctx context.Context, key, value string) error {
	err := r.rdb.Set(ctx, r.key(key), value, 0).Err()
	if err == nil {
		return nil
	}
	if strings.HasPrefix(err.Error(), "OOM") {
		return fmt.Errorf("redis set %q: %v: %w", key, err, ErrQuotaExceeded)
	}
	return fmt.Errorf("redis set %q: %w", key, err)
}

// RemoveItem implements Store.RemoveItem.
func (r *RedisStore) RemoveItem(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}

// Keys implements Store.Keys.
func (r *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.rdb.Scan(ctx, 0, globEscaper.Replace(r.key(prefix))+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), r.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %q: %w", prefix, err)
	}
	return keys, nil
}

var globEscaper = strings.NewReplacer(`\`, `\\`, "*", `\*`, "?", `\?`, "[", `\[`, "]", `\]`)

// GetStoragePath implements Describer.
func (r *RedisStore) GetStoragePath() string {
	return "redis://" + r.rdb.Options().Addr + "/" + r.prefix
}

// Close closes the Redis client.
func (r *RedisStore) Close() error { return r.rdb.Close() }
