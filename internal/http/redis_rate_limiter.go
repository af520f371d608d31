package httpx

import (
	"context"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "embed:ratelimit:"

type redisRateLimiter struct {
	client  redis.Cmdable
	closer  func() error
	logger  *slog.Logger
	prefix  string
	timeout time.Duration
}

// NewRedisRateLimiter constructs a Redis backed rate limiter shared by all
// API replicas.
func NewRedisRateLimiter(addr, password string, db int, logger *slog.Logger) (RateLimiter, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &redisRateLimiter{
		client:  client,
		closer:  client.Close,
		logger:  logger,
		prefix:  redisKeyPrefix,
		timeout: 250 * time.Millisecond,
	}, nil
}

// Allow increments the window counter. Redis failures fail open so a cache
// outage never takes the API down with it.
func (rl *redisRateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rl.timeout)
	defer cancel()

	redisKey := rl.prefix + key
	var incr *redis.IntCmd
	var ttl *redis.DurationCmd
	_, err := rl.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		ttl = pipe.PTTL(ctx, redisKey)
		return nil
	})
	if err != nil {
		rl.logRedisError("incr", err)
		return rateDecision{allowed: true}
	}
	counter := incr.Val()
	remaining := ttl.Val()
	if remaining <= 0 {
		if err := rl.client.PExpire(ctx, redisKey, window).Err(); err != nil {
			rl.logRedisError("expire", err)
		}
		remaining = window
	}
	return rateDecision{
		allowed:   int(counter) <= limit,
		count:     int(counter),
		windowEnd: time.Now().Add(remaining),
	}
}

func (rl *redisRateLimiter) Close() {
	if rl.closer != nil {
		_ = rl.closer()
	}
}

func (rl *redisRateLimiter) logRedisError(op string, err error) {
	if rl.logger == nil {
		return
	}
	rl.logger.Error("redis rate limiter error", "op", op, "error", err)
}
