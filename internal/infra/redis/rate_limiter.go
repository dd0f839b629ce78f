package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter is a fixed one-minute window counter shared by every instance:
// INCR ratelimit:{key}:{window} with the key expiring after the window.
type RateLimiter struct {
	client *redis.Client
	limit  int
	clock  func() time.Time
}

// NewRateLimiter allows perMinute+burst requests per key and minute.
func NewRateLimiter(client *redis.Client, perMinute, burst int) *RateLimiter {
	if burst < 0 {
		burst = 0
	}
	return &RateLimiter{client: client, limit: perMinute + burst, clock: time.Now}
}

func (l *RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if l.limit <= 0 {
		return true, nil
	}
	window := l.clock().Unix() / 60
	k := "ratelimit:" + key + ":" + strconv.FormatInt(window, 10)

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		pipe.Expire(ctx, k, 2*time.Minute)
		return nil
	})
	if err != nil {
		return false, err
	}
	return incr.Val() <= int64(l.limit), nil
}
