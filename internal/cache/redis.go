package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/svcgate/internal/config"
	"github.com/vyrodovalexey/svcgate/internal/observability"
)

const (
	// redisKeyPrefix namespaces gateway entries in a shared redis.
	redisKeyPrefix = "svcgate:"

	// redisPingTimeout bounds the startup connection check.
	redisPingTimeout = 5 * time.Second
)

// redisCache implements a redis-backed cache.
type redisCache struct {
	logger     observability.Logger
	client     *redis.Client
	defaultTTL time.Duration

	hits   int64
	misses int64
}

func newRedisCache(cfg *config.CacheConfig, logger observability.Logger) (*redisCache, error) {
	if cfg.Redis.Address == "" {
		return nil, errors.New("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	if err := pingRedis(client); err != nil {
		_ = client.Close()
		return nil, errors.New("redis connection failed: " + err.Error())
	}

	c := &redisCache{
		logger:     logger,
		client:     client,
		defaultTTL: cfg.TTL.Duration(),
	}

	logger.Info("redis cache initialized",
		observability.String("address", cfg.Redis.Address),
		observability.Int("db", cfg.Redis.DB),
		observability.Duration("defaultTTL", c.defaultTTL),
	)

	return c, nil
}

// pingRedis tests the redis connection with a timeout.
func pingRedis(client *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	return client.Ping(ctx).Err()
}

// Get retrieves a value from the cache.
func (c *redisCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err == nil {
		atomic.AddInt64(&c.hits, 1)
		return val, nil
	}

	if errors.Is(err, redis.Nil) {
		atomic.AddInt64(&c.misses, 1)
		return nil, ErrCacheMiss
	}

	c.logger.Error("redis get failed",
		observability.String("key", key),
		observability.Error(err),
	)
	return nil, err
}

// Set stores a value in the cache.
func (c *redisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.defaultTTL
	}

	if err := c.client.Set(ctx, redisKeyPrefix+key, value, ttl).Err(); err != nil {
		c.logger.Error("redis set failed",
			observability.String("key", key),
			observability.Error(err),
		)
		return err
	}

	c.logger.Debug("cache set",
		observability.String("key", key),
		observability.Duration("ttl", ttl),
		observability.Int("size", len(value)),
	)
	return nil
}

// Delete removes a value from the cache.
func (c *redisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		c.logger.Error("redis delete failed",
			observability.String("key", key),
			observability.Error(err),
		)
		return err
	}
	return nil
}

// Close closes the redis connection.
func (c *redisCache) Close() error {
	return c.client.Close()
}

// Stats returns hit and miss counters. Size is not tracked for redis;
// the server owns the keyspace.
func (c *redisCache) Stats() Stats {
	return Stats{
		Hits:   atomic.LoadInt64(&c.hits),
		Misses: atomic.LoadInt64(&c.misses),
	}
}

var _ Cache = (*redisCache)(nil)
