package keyspace

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"sentinelchat/pkg/logger"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewFromRedis(rdb, logger.New(logger.DevelopmentMode))
}

func TestGetSetRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	ok, err := c.Exists(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
	v, found, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v", v)
}

func TestJSONRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	type payload struct {
		Name string `json:"name"`
	}

	require.NoError(t, c.SetJSON(ctx, "p", payload{Name: "a"}, time.Minute))

	var out payload
	found, err := c.GetJSON(ctx, "p", &out)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "a", out.Name)
}

func TestGetJSONTreatsBadValueAsMissing(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	require.NoError(t, c.Set(ctx, "bad", "not-json", time.Minute))

	var out map[string]string
	found, err := c.GetJSON(ctx, "bad", &out)
	require.NoError(t, err)
	require.False(t, found)
}

func TestSortedSetOps(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	require.NoError(t, c.ZAdd(ctx, "z", 100, "a"))
	require.NoError(t, c.ZAdd(ctx, "z", 200, "b"))

	n, err := c.ZCard(ctx, "z")
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	members, err := c.ZRangeByScoreLimit(ctx, "z", "150", "+inf", 10)
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, members)

	require.NoError(t, c.ZRemRangeByScore(ctx, "z", "-inf", "150"))
	n, err = c.ZCard(ctx, "z")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestSetIntersect(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	require.NoError(t, c.SAdd(ctx, "room:1:users", "u1", "u2"))
	require.NoError(t, c.SAdd(ctx, "online", "u2", "u3"))

	v, err := c.SInter(ctx, "room:1:users", "online")
	require.NoError(t, err)
	require.Equal(t, []string{"u2"}, v)
}
