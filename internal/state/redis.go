package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the redis driver. All slots live as fields of a
// single hash.
type RedisConfig struct {
	URL     string        `yaml:"url"`
	Key     string        `yaml:"key"`
	Timeout time.Duration `yaml:"timeout"`
}

const defaultRedisKey = "dcfsync:slots"

// RedisBackend stores slots as fields of one Redis hash.
type RedisBackend struct {
	client *redis.Client
	key    string
}

// NewRedisBackend wraps an existing client. An empty key uses the default.
func NewRedisBackend(client *redis.Client, key string) *RedisBackend {
	if key == "" {
		key = defaultRedisKey
	}
	return &RedisBackend{client: client, key: key}
}

func openRedis(ctx context.Context, cfg Config) (Backend, error) {
	rc := cfg.Redis
	if rc.URL == "" {
		rc.URL = "redis://localhost:6379"
	}
	if rc.Timeout == 0 {
		rc.Timeout = 5 * time.Second
	}
	opts, err := redis.ParseURL(rc.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = rc.Timeout
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, rc.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisBackend(client, rc.Key), nil
}

func (b *RedisBackend) Get(ctx context.Context, slot string) (string, error) {
	v, err := b.client.HGet(ctx, b.key, slot).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis hget %s %s: %w", b.key, slot, err)
	}
	return v, nil
}

func (b *RedisBackend) Set(ctx context.Context, slot, value string) error {
	if err := b.client.HSet(ctx, b.key, slot, value).Err(); err != nil {
		return fmt.Errorf("redis hset %s %s: %w", b.key, slot, err)
	}
	return nil
}

func (b *RedisBackend) Close() error { return b.client.Close() }
