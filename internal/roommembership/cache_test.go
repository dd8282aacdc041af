package roommembership

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"sentinelchat/internal/keyspace"
	"sentinelchat/pkg/logger"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return New(keyspace.NewFromRedis(rdb, logger.New(logger.DevelopmentMode)))
}

func TestAddThenGetUserRooms(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	require.NoError(t, c.AddUserToRoom(ctx, "u1", "u1-name", "r1"))
	require.NoError(t, c.AddUserToRoom(ctx, "u1", "u1-name", "r2"))

	rooms, err := c.GetUserRooms(ctx, "u1")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"r1", "r2"}, rooms)
}

func TestRemoveUserFromRoom(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	require.NoError(t, c.AddUserToRoom(ctx, "u1", "u1-name", "r1"))
	require.NoError(t, c.RemoveUserFromRoom(ctx, "u1", "u1-name", "r1"))

	rooms, err := c.GetUserRooms(ctx, "u1")
	require.NoError(t, err)
	require.Empty(t, rooms)

	users, err := c.GetRoomUsers(ctx, "r1")
	require.NoError(t, err)
	require.Empty(t, users)
}

func TestListKnownRooms(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	require.NoError(t, c.AddUserToRoom(ctx, "u1", "u1-name", "r1"))
	require.NoError(t, c.AddUserToRoom(ctx, "u2", "u2-name", "r2"))
	require.NoError(t, c.RemoveUserFromRoom(ctx, "u1", "u1-name", "r1"))

	rooms, err := c.ListKnownRooms(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"r1", "r2"}, rooms, "a room stays known for sweep purposes even after its last member leaves")
}

func TestGetOnlineUsersInRoomIntersects(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	require.NoError(t, c.AddUserToRoom(ctx, "u1", "u1-name", "r1"))
	require.NoError(t, c.AddUserToRoom(ctx, "u2", "u2-name", "r1"))

	online, err := c.GetOnlineUsersInRoom(ctx, "r1", []string{"u2", "u3"})
	require.NoError(t, err)
	require.Equal(t, []string{"u2"}, online)
}
