package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimitResult holds the result of a rate limit check (spec.md §4.2).
type RateLimitResult struct {
	Allowed bool
	RetryAt time.Time
}

// Limiter is the admission rate limiter interface consulted before the KDF
// runs (spec.md §4.2, §5). Two implementations exist: RedisLimiter, backed
// by Redis so lockouts survive restart and are shared across a future
// multi-process deployment, and MemoryLimiter, the fallback used when no
// Redis URL is configured.
type Limiter interface {
	Check(ctx context.Context, addr string) (RateLimitResult, error)
	Record(ctx context.Context, addr string) error
	Reset(ctx context.Context, addr string) error
}

// BackoffParams configures the exponential lockout curve: after
// MaxAttempts consecutive failures, each further failure locks the source
// address out for BaseBackoff * 2^(attempts-MaxAttempts-1), capped at
// MaxBackoff.
type BackoffParams struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (p BackoffParams) backoffFor(attempts int) time.Duration {
	over := attempts - p.MaxAttempts
	if over <= 0 {
		return 0
	}
	backoff := p.BaseBackoff
	for i := 1; i < over && backoff < p.MaxBackoff; i++ {
		backoff *= 2
	}
	if backoff > p.MaxBackoff {
		backoff = p.MaxBackoff
	}
	return backoff
}

// RedisLimiter tracks failed-attempt counts per source address in Redis,
// adapted from the teacher's fixed-window login limiter into spec.md
// §4.2's doubling backoff: the count key lives for 24 hours after the
// latest failure (a successful Reset clears it sooner), while a separate
// lockout key carries a TTL
// equal to the current backoff so Check is a single cheap TTL lookup.
type RedisLimiter struct {
	redis  *redis.Client
	params BackoffParams
}

// NewRedisLimiter creates a Limiter backed by Redis.
func NewRedisLimiter(rdb *redis.Client, params BackoffParams) *RedisLimiter {
	return &RedisLimiter{redis: rdb, params: params}
}

func countKey(addr string) string  { return fmt.Sprintf("admission_ratelimit:count:%s", addr) }
func lockoutKey(addr string) string { return fmt.Sprintf("admission_ratelimit:lockout:%s", addr) }

// Check returns whether addr is currently locked out.
func (rl *RedisLimiter) Check(ctx context.Context, addr string) (RateLimitResult, error) {
	ttl, err := rl.redis.TTL(ctx, lockoutKey(addr)).Result()
	if err != nil {
		return RateLimitResult{}, fmt.Errorf("checking rate limit lockout: %w", err)
	}
	if ttl > 0 {
		return RateLimitResult{Allowed: false, RetryAt: time.Now().Add(ttl)}, nil
	}
	return RateLimitResult{Allowed: true}, nil
}

// Record registers a failed attempt and, once the attempt count exceeds
// MaxAttempts, sets a lockout with the current backoff duration.
func (rl *RedisLimiter) Record(ctx context.Context, addr string) error {
	count, err := rl.redis.Incr(ctx, countKey(addr)).Result()
	if err != nil {
		return fmt.Errorf("incrementing rate limit counter: %w", err)
	}
	// The count itself survives a long time so repeated offenders keep
	// climbing the backoff curve even across a lull; one day is ample to
	// bound memory for addresses that stop trying.
	rl.redis.Expire(ctx, countKey(addr), 24*time.Hour)

	backoff := rl.params.backoffFor(int(count))
	if backoff > 0 {
		if err := rl.redis.Set(ctx, lockoutKey(addr), 1, backoff).Err(); err != nil {
			return fmt.Errorf("setting rate limit lockout: %w", err)
		}
	}
	return nil
}

// Reset clears both the attempt counter and any active lockout for addr
// (spec.md §4.2: "Success zeroes the counter").
func (rl *RedisLimiter) Reset(ctx context.Context, addr string) error {
	if err := rl.redis.Del(ctx, countKey(addr), lockoutKey(addr)).Err(); err != nil {
		return fmt.Errorf("resetting rate limit: %w", err)
	}
	return nil
}
