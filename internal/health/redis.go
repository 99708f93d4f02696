// Package health provides readiness checks for the server's dependencies:
// the calibration database, Redis, the photo store and the image model.
package health

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisChecker reports whether the Redis instance shared by the calibration
// write locks and the rate limit counters answers PING. Without it, saves
// cannot take the per-photo lock and cross-replica rate limiting is lost.
type RedisChecker struct {
	client *redis.Client
}

// NewRedisChecker wraps the server's Redis client.
func NewRedisChecker(client *redis.Client) *RedisChecker {
	return &RedisChecker{client: client}
}

// HealthCheck pings Redis.
func (r *RedisChecker) HealthCheck(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}
