package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"sentinelchat/internal/keyspace"
	"sentinelchat/pkg/apperrors"
	"sentinelchat/pkg/logger"
)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	ka := keyspace.NewFromRedis(rdb, logger.New(logger.DevelopmentMode))
	return New(ka), mr
}

func TestAllowsUpToLimit(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		res, err := l.Check(ctx, "user:u1:message:send", 60, 60, FailOpen)
		require.NoError(t, err)
		require.True(t, res.Allowed, "request %d should be allowed", i+1)
	}

	res, err := l.Check(ctx, "user:u1:message:send", 60, 60, FailOpen)
	require.NoError(t, err)
	require.False(t, res.Allowed)
}

func TestWindowExpiresOldSamples(t *testing.T) {
	l, mr := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := l.Check(ctx, "scope", 5, 10, FailOpen)
		require.NoError(t, err)
	}
	res, err := l.Check(ctx, "scope", 5, 10, FailOpen)
	require.NoError(t, err)
	require.False(t, res.Allowed)

	mr.FastForward(11 * time.Second)

	res, err = l.Check(ctx, "scope", 5, 10, FailOpen)
	require.NoError(t, err)
	require.True(t, res.Allowed)
}

func TestFailClosedReturnsNotAvailableOnOutage(t *testing.T) {
	l, mr := newTestLimiter(t)
	mr.Close()

	_, err := l.Check(context.Background(), "scope", 5, 10, FailClosed)
	require.Error(t, err)
	require.Equal(t, apperrors.KindNotAvailable, apperrors.KindOf(err))
}

func TestFailOpenAllowsOnOutage(t *testing.T) {
	l, mr := newTestLimiter(t)
	mr.Close()

	res, err := l.Check(context.Background(), "scope", 5, 10, FailOpen)
	require.NoError(t, err)
	require.True(t, res.Allowed)
}
