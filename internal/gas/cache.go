package gas

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Cache stores fee samples for a short interval. Misses and backend errors look the same
// to callers; the optimizer then samples the network.
type Cache interface {
	Get(ctx context.Context, key string) (*big.Int, bool)
	Set(ctx context.Context, key string, v *big.Int)
}

// RedisCache shares fee samples between router instances
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache wraps client; samples expire after ttl
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

// DialRedis creates a client for addr and verifies it responds
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// Get returns the sample stored under key. A missing key, a backend error and a value that
// is not a base-10 integer all report a miss.
func (c *RedisCache) Get(ctx context.Context, key string) (*big.Int, bool) {
	s, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logrus.WithField("key", key).Debugf("Fee cache read failed: %v", err)
		}
		return nil, false
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, false
	}
	return v, true
}

// Set stores v under key for the cache's ttl. Write failures are logged at debug level and
// otherwise ignored.
func (c *RedisCache) Set(ctx context.Context, key string, v *big.Int) {
	if err := c.client.Set(ctx, key, v.String(), c.ttl).Err(); err != nil {
		logrus.WithField("key", key).Debugf("Fee cache write failed: %v", err)
	}
}
