// Package ratelimit enforces the per-account upload quota over an
// external key-value store.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ecency/imagehoster/internal/config"
)

// Status is the quota position after counting the current request.
type Status struct {
	// Allowed is false once the window cap is exceeded.
	Allowed   bool
	Remaining int64
	Reset     time.Time
}

// counter is the minimal KV surface the limiter needs; the Redis
// implementation is swapped for a fake in tests.
type counter interface {
	// IncrWithExpiry atomically increments the key and sets its
	// expiry when the key is new. Returns the count and remaining
	// window.
	IncrWithExpiry(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)
}

// Limiter is a fixed-window counter keyed by account name.
type Limiter struct {
	kv     counter
	window time.Duration
	max    int64
	logger *slog.Logger
}

// New creates a limiter backed by Redis.
func New(cfg config.RedisConfig, limits config.UploadLimits, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Limiter{
		kv:     &redisCounter{client: client},
		window: limits.Duration,
		max:    limits.Max,
		logger: logger,
	}
}

// Check counts the request against the account's window and returns
// the remaining quota. If the KV is unavailable the limiter is
// bypassed; the signature check is the primary defense.
func (l *Limiter) Check(ctx context.Context, account string) Status {
	if l.max <= 0 {
		return Status{Allowed: true, Remaining: 1, Reset: time.Now()}
	}

	key := "uploads:" + account
	count, ttl, err := l.kv.IncrWithExpiry(ctx, key, l.window)
	if err != nil {
		l.logger.Warn("rate limit KV unavailable, bypassing", "account", account, "error", err)
		return Status{Allowed: true, Remaining: l.max, Reset: time.Now().Add(l.window)}
	}

	remaining := l.max - count
	if remaining < 0 {
		remaining = 0
	}
	return Status{Allowed: count <= l.max, Remaining: remaining, Reset: time.Now().Add(ttl)}
}

// redisCounter implements counter on go-redis.
type redisCounter struct {
	client *redis.Client
}

func (r *redisCounter) IncrWithExpiry(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, window)
	ttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("redis pipeline: %w", err)
	}
	return incr.Val(), ttl.Val(), nil
}
