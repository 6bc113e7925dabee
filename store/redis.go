package store

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisProvider is a StorageProvider backed by github.com/go-redis/redis/v8:
// a thin, namespaced wrapper with TTL support.
//
// Scan uses SCAN (not KEYS) so iteration never blocks a shared Redis
// instance.
type RedisProvider struct {
	client    *redis.Client
	namespace string
}

// NewRedisProvider dials redisURL and wraps the resulting client. namespace
// is prepended to every key so multiple collectors/environments can share a
// Redis instance without colliding.
func NewRedisProvider(redisURL string, namespace string) (*RedisProvider, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisProvider{client: redis.NewClient(opt), namespace: namespace}, nil
}

// NewRedisProviderFromClient wraps an already-constructed client, used by
// tests against miniredis.
func NewRedisProviderFromClient(client *redis.Client, namespace string) *RedisProvider {
	return &RedisProvider{client: client, namespace: namespace}
}

func (r *RedisProvider) key(k string) string {
	if r.namespace == "" {
		return k
	}
	return r.namespace + ":" + k
}

func (r *RedisProvider) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, r.key(key)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

func (r *RedisProvider) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if err := checkValueSize(key, value); err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(key), value, ttl).Err()
}

func (r *RedisProvider) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	namespaced := make([]string, len(keys))
	for i, k := range keys {
		namespaced[i] = r.key(k)
	}
	return r.client.Del(ctx, namespaced...).Err()
}

func (r *RedisProvider) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(key)).Result()
	return n > 0, err
}

func (r *RedisProvider) Scan(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var cursor uint64
	match := r.key(prefix) + "*"
	for {
		batch, next, err := r.client.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	prefixLen := len(r.namespace)
	if prefixLen > 0 {
		prefixLen++ // the ":" separator
	}
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k[prefixLen:]
	}
	return out, nil
}

// Close releases the underlying Redis connection pool.
func (r *RedisProvider) Close() error {
	return r.client.Close()
}
