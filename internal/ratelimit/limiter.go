// Package ratelimit implements the sliding-window counter described in
// spec.md §4.2: a per-(scope, key) sorted set of sampled event
// timestamps, trimmed to the current window on every check. This
// replaces the teacher's fixed-window Lua-script counter
// (internal/redis/ratelimit.go) with the sorted-set algorithm the spec
// requires, built from the same pipeline idiom the teacher already
// uses in internal/redis/presence.go and cache.go.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"sentinelchat/internal/keyspace"
	"sentinelchat/internal/metrics"
	"sentinelchat/pkg/apperrors"
)

// Policy controls what happens when the keyspace adapter itself is
// unavailable, per spec.md §4.2.
type Policy int

const (
	FailOpen Policy = iota
	FailClosed
)

type Result struct {
	Allowed    bool
	Remaining  int
	ResetAtMs  int64
}

type Limiter struct {
	ka *keyspace.Client
}

func New(ka *keyspace.Client) *Limiter {
	return &Limiter{ka: ka}
}

// Check implements check(key, limit, windowSeconds, policy) from
// spec.md §4.2: remove entries older than the window, insert a unique
// sample at score=now, compute cardinality, refresh expiry. On adapter
// failure, fail-closed returns NotAvailable; fail-open returns
// allowed=true with remaining=limit.
func (l *Limiter) Check(ctx context.Context, scope string, limit, windowSeconds int, policy Policy) (Result, error) {
	key := fmt.Sprintf("rate_limit:%s", scope)
	now := time.Now()
	nowMs := now.UnixMilli()
	windowStart := nowMs - int64(windowSeconds)*1000

	var zcard *redis.IntCmd
	_, err := l.ka.RunPipeline(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(windowStart, 10))
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(nowMs), Member: sampleMember(nowMs)})
		zcard = pipe.ZCard(ctx, key)
		pipe.Expire(ctx, key, time.Duration(windowSeconds)*time.Second)
		return nil
	})
	if err != nil {
		if policy == FailClosed {
			metrics.RateLimitRejections.WithLabelValues(scope).Inc()
			return Result{}, apperrors.NotAvailable("rate limiter unavailable", err)
		}
		return Result{Allowed: true, Remaining: limit, ResetAtMs: nowMs + int64(windowSeconds)*1000}, nil
	}

	count := int(zcard.Val())
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	allowed := count <= limit
	if !allowed {
		metrics.RateLimitRejections.WithLabelValues(scope).Inc()
	}
	return Result{
		Allowed:   allowed,
		Remaining: remaining,
		ResetAtMs: nowMs + int64(windowSeconds)*1000,
	}, nil
}

// sampleMember guarantees uniqueness for same-millisecond samples,
// since ZADD with a repeated member only updates its score and would
// undercount concurrent requests.
func sampleMember(nowMs int64) string {
	return fmt.Sprintf("%d:%s", nowMs, uuid.NewString())
}

// RetryAfterSeconds derives the retryAfter field spec.md's error frame
// carries from a Result's ResetAtMs, clamped to [1, windowSeconds].
func RetryAfterSeconds(r Result, windowSeconds int) int {
	secs := int((r.ResetAtMs - time.Now().UnixMilli()) / 1000)
	if secs < 1 {
		secs = 1
	}
	if secs > windowSeconds {
		secs = windowSeconds
	}
	return secs
}
