package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "todofetch:ratelimit:"

// RedisRateLimiter enforces the same per-client limits as RateLimiter but keeps the buckets
// in Redis (GCRA via redis_rate), so every replica of the server shares them.
type RedisRateLimiter struct {
	client  *redis.Client
	limiter *redis_rate.Limiter
	limit   redis_rate.Limit
}

// NewRedisRateLimiter connects lazily to the Redis server at redisURL. No request is made
// until the first Decide.
func NewRedisRateLimiter(redisURL string, config RateLimitConfig) (*RedisRateLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	return &RedisRateLimiter{
		client:  client,
		limiter: redis_rate.NewLimiter(client),
		limit: redis_rate.Limit{
			Rate:   config.RequestsPerMinute,
			Burst:  config.BurstSize,
			Period: time.Minute,
		},
	}, nil
}

// Decide spends one request from key's allowance.
func (l *RedisRateLimiter) Decide(ctx context.Context, key string) (Decision, error) {
	res, err := l.limiter.Allow(ctx, redisKeyPrefix+key, l.limit)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to check rate limit in redis: %w", err)
	}
	return Decision{
		Allowed:    res.Allowed > 0,
		Limit:      l.limit.Rate,
		Remaining:  res.Remaining,
		RetryAfter: res.RetryAfter,
	}, nil
}

// Stop closes the Redis connection pool.
func (l *RedisRateLimiter) Stop() {
	_ = l.client.Close()
}
