// services/resend_limiter.go
package services

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ResendLimiter caps how often a verification email can be re-requested for one address.
type ResendLimiter interface {
	Allow(ctx context.Context, email string) (bool, error)
}

// RedisResendLimiter counts requests per email in fixed windows.
type RedisResendLimiter struct {
	client *redis.Client
	prefix string
	limit  int64
	window time.Duration
}

func NewRedisResendLimiter(client *redis.Client, limit int, window time.Duration) *RedisResendLimiter {
	return &RedisResendLimiter{
		client: client,
		prefix: "partner-onboarding:resend:",
		limit:  int64(limit),
		window: window,
	}
}

func (l *RedisResendLimiter) Allow(ctx context.Context, email string) (bool, error) {
	key := l.prefix + email
	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("resend counter incr: %w", err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, l.window).Err(); err != nil {
			return false, fmt.Errorf("resend counter expire: %w", err)
		}
	}
	return count <= l.limit, nil
}
