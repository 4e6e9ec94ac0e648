package cache

import (
	"context"
	"fmt"
	"time"
)

// Backends selectable with Config.Backend
const (
	BackendNone  = "none"
	BackendBolt  = "bolt"
	BackendRedis = "redis"
)

// DefaultTTL is how long a validated token stays cached
const DefaultTTL = 14 * 24 * time.Hour

// TokenCache remembers which team a bearer token resolved to. It is an
// optimization only: a miss means the token is validated again.
type TokenCache interface {
	Get(ctx context.Context, token string) (teamID string, ok bool, err error)
	Put(ctx context.Context, token, teamID string) error
	Close() error
}

// Config selects and configures a backend
type Config struct {
	Backend string
	TTL     time.Duration

	// bolt
	Path string

	// redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Prefix        string
}

// New opens the configured backend
func New(ctx context.Context, cfg Config) (TokenCache, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	switch cfg.Backend {
	case "", BackendNone:
		return Nop{}, nil
	case BackendBolt:
		return NewBoltCache(cfg.Path, cfg.TTL)
	case BackendRedis:
		return NewRedisCache(ctx, RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.Prefix,
		}, cfg.TTL)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

// Nop caches nothing
type Nop struct{}

func (Nop) Get(ctx context.Context, token string) (string, bool, error) { return "", false, nil }
func (Nop) Put(ctx context.Context, token, teamID string) error         { return nil }
func (Nop) Close() error                                                { return nil }
