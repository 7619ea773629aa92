package dapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Thejuampi/dapi-client-go/dapi/internal/clock"
)

// RedisGlobalLimiter is a fixed-window GlobalLimiter shared by every process
// that uses the same Redis prefix, typically one per bot token.
type RedisGlobalLimiter struct {
	rdb    *redis.Client
	prefix string
	limit  int
	window time.Duration
	clock  clock.Clock
	logger *slog.Logger
}

// RedisLimiterOption configures a RedisGlobalLimiter.
type RedisLimiterOption func(*RedisGlobalLimiter)

// WithRedisPrefix sets the key prefix. Processes sharing a token should share
// the prefix.
func WithRedisPrefix(prefix string) RedisLimiterOption {
	return func(limiter *RedisGlobalLimiter) {
		if trimmed := strings.Trim(prefix, ":"); trimmed != "" {
			limiter.prefix = trimmed
		}
	}
}

// WithRedisLimit sets the units admitted per window.
func WithRedisLimit(limit int, window time.Duration) RedisLimiterOption {
	return func(limiter *RedisGlobalLimiter) {
		if limit > 0 {
			limiter.limit = limit
		}
		if window > 0 {
			limiter.window = window
		}
	}
}

// WithRedisLogger sets the logger used for Block failures.
func WithRedisLogger(logger *slog.Logger) RedisLimiterOption {
	return func(limiter *RedisGlobalLimiter) {
		if logger != nil {
			limiter.logger = logger
		}
	}
}

func withRedisClock(source clock.Clock) RedisLimiterOption {
	return func(limiter *RedisGlobalLimiter) { limiter.clock = source }
}

// NewRedisGlobalLimiter returns a new RedisGlobalLimiter.
func NewRedisGlobalLimiter(rdb *redis.Client, opts ...RedisLimiterOption) *RedisGlobalLimiter {
	limiter := &RedisGlobalLimiter{
		rdb:    rdb,
		prefix: "dapi:global",
		limit:  DefaultGlobalLimit,
		window: DefaultGlobalWindow,
		clock:  clock.Real(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(limiter)
	}
	return limiter
}

func (limiter *RedisGlobalLimiter) blockedKey() string {
	return limiter.prefix + ":blocked"
}

func (limiter *RedisGlobalLimiter) windowKey(index int64) string {
	return fmt.Sprintf("%s:window:%d", limiter.prefix, index)
}

// Wait executes the exported wait operation.
func (limiter *RedisGlobalLimiter) Wait(ctx context.Context) error {
	if limiter == nil || limiter.rdb == nil {
		return nil
	}
	for {
		delay, ok, err := limiter.take(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if err := clock.Sleep(ctx, limiter.clock, delay); err != nil {
			return err
		}
	}
}

func (limiter *RedisGlobalLimiter) take(ctx context.Context) (time.Duration, bool, error) {
	blocked, err := limiter.rdb.PTTL(ctx, limiter.blockedKey()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, false, fmt.Errorf("global limiter: %w", err)
	}
	if blocked > 0 {
		return blocked, false, nil
	}

	now := limiter.clock.Now()
	windowMillis := limiter.window.Milliseconds()
	if windowMillis <= 0 {
		windowMillis = 1
	}
	index := now.UnixMilli() / windowMillis
	key := limiter.windowKey(index)

	pipe := limiter.rdb.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.PExpire(ctx, key, 2*limiter.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, false, fmt.Errorf("global limiter: %w", err)
	}

	if incr.Val() <= int64(limiter.limit) {
		return 0, true, nil
	}
	next := time.UnixMilli((index + 1) * windowMillis)
	delay := next.Sub(now)
	if delay <= 0 {
		delay = time.Millisecond
	}
	return delay, false, nil
}

// Block executes the exported block operation.
func (limiter *RedisGlobalLimiter) Block(until time.Time) {
	if limiter == nil || limiter.rdb == nil {
		return
	}
	ttl := until.Sub(limiter.clock.Now())
	if ttl <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := limiter.rdb.Set(ctx, limiter.blockedKey(), "1", ttl).Err(); err != nil {
		limiter.logger.Warn("global limiter block failed", "error", err, "retry_after", ttl)
	}
}
