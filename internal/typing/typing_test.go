package typing

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"sentinelchat/internal/keyspace"
	"sentinelchat/pkg/logger"
)

type fakeRoomIndex struct{ rooms map[string][]string }

func (f *fakeRoomIndex) GetUserRooms(ctx context.Context, userID string) ([]string, error) {
	return f.rooms[userID], nil
}

func newTestLedger(t *testing.T) (*Ledger, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	ka := keyspace.NewFromRedis(rdb, logger.New(logger.DevelopmentMode))
	idx := &fakeRoomIndex{rooms: map[string][]string{"u1": {"r1"}}}
	return New(ka, idx, 5*time.Second, logger.New(logger.DevelopmentMode)), mr
}

func TestStartThenStopReturnsToEmpty(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	before, err := l.GetTypingUsers(ctx, "r1")
	require.NoError(t, err)
	require.Empty(t, before)

	users, err := l.Start(ctx, "u1", "r1", "alice")
	require.NoError(t, err)
	require.Len(t, users, 1)
	require.Equal(t, "u1", users[0].UserID)

	users, err = l.Stop(ctx, "u1", "r1")
	require.NoError(t, err)
	require.Empty(t, users)
}

func TestTypingExpiresByTTL(t *testing.T) {
	ctx := context.Background()
	l, mr := newTestLedger(t)

	_, err := l.Start(ctx, "u1", "r1", "alice")
	require.NoError(t, err)

	mr.FastForward(6 * time.Second)

	users, err := l.GetTypingUsers(ctx, "r1")
	require.NoError(t, err)
	require.Empty(t, users)
}

func TestRemoveFromAllRoomsStopsEachRoom(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	_, err := l.Start(ctx, "u1", "r1", "alice")
	require.NoError(t, err)

	require.NoError(t, l.RemoveFromAllRooms(ctx, "u1"))

	users, err := l.GetTypingUsers(ctx, "r1")
	require.NoError(t, err)
	require.Empty(t, users)
}
