package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // Key namespace, e.g. "instancer"
}

// RedisCache stores tokens as <prefix>:tokens:<token> with an expiry
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache connects to Redis and verifies the connection
func NewRedisCache(ctx context.Context, cfg RedisConfig, ttl time.Duration) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "instancer"
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}, nil
}

func (c *RedisCache) key(token string) string {
	return c.prefix + ":tokens:" + token
}

// Get implements TokenCache
func (c *RedisCache) Get(ctx context.Context, token string) (string, bool, error) {
	teamID, err := c.client.Get(ctx, c.key(token)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read token cache: %w", err)
	}
	return teamID, true, nil
}

// Put implements TokenCache
func (c *RedisCache) Put(ctx context.Context, token, teamID string) error {
	if err := c.client.Set(ctx, c.key(token), teamID, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write token cache: %w", err)
	}
	return nil
}

// Close closes the Redis client
func (c *RedisCache) Close() error {
	return c.client.Close()
}
