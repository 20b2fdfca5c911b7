package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/svcgate/internal/config"
	"github.com/vyrodovalexey/svcgate/internal/observability"
)

func newTestRedisCache(t *testing.T, ttl time.Duration) (*miniredis.Miniredis, *redisCache) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	c, err := newRedisCache(&config.CacheConfig{
		Enabled: true,
		Type:    config.CacheTypeRedis,
		TTL:     config.Duration(ttl),
		Redis:   config.RedisConfig{Address: mr.Addr()},
	}, observability.NopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	return mr, c
}

func TestNewRedisCache_RequiresAddress(t *testing.T) {
	t.Parallel()

	_, err := newRedisCache(&config.CacheConfig{
		Enabled: true,
		Type:    config.CacheTypeRedis,
	}, observability.NopLogger())
	assert.ErrorContains(t, err, "redis address is required")
}

func TestNewRedisCache_ConnectionFailure(t *testing.T) {
	t.Parallel()

	_, err := newRedisCache(&config.CacheConfig{
		Enabled: true,
		Type:    config.CacheTypeRedis,
		Redis:   config.RedisConfig{Address: "127.0.0.1:1"},
	}, observability.NopLogger())
	assert.ErrorContains(t, err, "redis connection failed")
}

func TestRedisCache_SetGet(t *testing.T) {
	t.Parallel()

	_, c := newTestRedisCache(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "key", []byte("value"), 0))

	val, err := c.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), val)
}

func TestRedisCache_MissReturnsErrCacheMiss(t *testing.T) {
	t.Parallel()

	_, c := newTestRedisCache(t, time.Minute)

	_, err := c.Get(context.Background(), "absent")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestRedisCache_KeysArePrefixed(t *testing.T) {
	t.Parallel()

	mr, c := newTestRedisCache(t, time.Minute)

	require.NoError(t, c.Set(context.Background(), "users:/api/users", []byte("v"), 0))

	assert.True(t, mr.Exists(redisKeyPrefix+"users:/api/users"))
	assert.False(t, mr.Exists("users:/api/users"))
}

func TestRedisCache_TTLExpiry(t *testing.T) {
	t.Parallel()

	mr, c := newTestRedisCache(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "key", []byte("value"), 30*time.Second))

	mr.FastForward(31 * time.Second)

	_, err := c.Get(ctx, "key")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestRedisCache_DefaultTTLApplied(t *testing.T) {
	t.Parallel()

	mr, c := newTestRedisCache(t, 45*time.Second)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "key", []byte("value"), 0))

	mr.FastForward(44 * time.Second)
	_, err := c.Get(ctx, "key")
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)
	_, err = c.Get(ctx, "key")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestRedisCache_Delete(t *testing.T) {
	t.Parallel()

	_, c := newTestRedisCache(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "key", []byte("value"), 0))
	require.NoError(t, c.Delete(ctx, "key"))

	_, err := c.Get(ctx, "key")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestRedisCache_Stats(t *testing.T) {
	t.Parallel()

	_, c := newTestRedisCache(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "key", []byte("value"), 0))

	_, _ = c.Get(ctx, "key")
	_, _ = c.Get(ctx, "absent")

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestRedisCache_ServerGone(t *testing.T) {
	t.Parallel()

	mr, c := newTestRedisCache(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "key", []byte("value"), 0))
	mr.Close()

	_, err := c.Get(ctx, "key")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCacheMiss)
}
