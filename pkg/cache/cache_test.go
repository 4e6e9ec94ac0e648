package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	ctx := context.Background()

	c, err := New(ctx, Config{})
	require.NoError(t, err)
	assert.IsType(t, Nop{}, c)

	_, err = New(ctx, Config{Backend: "memcached"})
	assert.ErrorContains(t, err, "unknown cache backend")

	c, err = New(ctx, Config{Backend: BackendBolt, Path: filepath.Join(t.TempDir(), "tokens.db")})
	require.NoError(t, err)
	assert.IsType(t, &BoltCache{}, c)
	require.NoError(t, c.Close())

	mr := miniredis.RunT(t)
	c, err = New(ctx, Config{Backend: BackendRedis, RedisAddr: mr.Addr()})
	require.NoError(t, err)
	assert.IsType(t, &RedisCache{}, c)
	require.NoError(t, c.Close())
}

func TestNop(t *testing.T) {
	ctx := context.Background()
	var c Nop
	require.NoError(t, c.Put(ctx, "tok", "team"))
	_, ok, err := c.Get(ctx, "tok")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBoltCache(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "tokens.db")

	c, err := NewBoltCache(path, time.Hour)
	require.NoError(t, err)

	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	_, ok, err := c.Get(ctx, "tok-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Put(ctx, "tok-1", "team-1"))
	require.NoError(t, c.Put(ctx, "tok-2", "team-2"))

	team, ok, err := c.Get(ctx, "tok-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "team-1", team)

	// Entries survive reopening
	require.NoError(t, c.Close())
	c, err = NewBoltCache(path, time.Hour)
	require.NoError(t, err)
	defer c.Close()
	c.now = func() time.Time { return now }

	team, ok, err = c.Get(ctx, "tok-2")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "team-2", team)

	// Expired entries are misses, then swept
	c.now = func() time.Time { return now.Add(2 * time.Hour) }
	require.NoError(t, c.Put(ctx, "tok-3", "team-3"))

	_, ok, err = c.Get(ctx, "tok-1")
	require.NoError(t, err)
	assert.False(t, ok)

	removed, err := c.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	team, ok, err = c.Get(ctx, "tok-3")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "team-3", team)
}

func TestBoltCacheRequiresPath(t *testing.T) {
	_, err := NewBoltCache("", time.Hour)
	assert.Error(t, err)
}

func TestRedisCache(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	c, err := NewRedisCache(ctx, RedisConfig{Addr: mr.Addr(), Prefix: "ctf"}, time.Hour)
	require.NoError(t, err)
	defer c.Close()

	_, ok, err := c.Get(ctx, "tok")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Put(ctx, "tok", "team-7"))
	assert.True(t, mr.Exists("ctf:tokens:tok"))
	assert.Equal(t, time.Hour, mr.TTL("ctf:tokens:tok"))

	team, ok, err := c.Get(ctx, "tok")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "team-7", team)

	mr.FastForward(2 * time.Hour)
	_, ok, err = c.Get(ctx, "tok")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisCacheUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisCache(context.Background(), RedisConfig{Addr: addr}, time.Hour)
	assert.ErrorContains(t, err, "failed to connect to Redis")
}
