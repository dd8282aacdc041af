package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"sentinelchat/internal/keyspace"
	"sentinelchat/pkg/logger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("github.com/alicebob/miniredis/v2.(*Miniredis).Start.func1"))
}

type recordingDispatcher struct {
	mu          sync.Mutex
	roomSends   []string
	userSends   []string
	cancelled   []string
}

func (d *recordingDispatcher) SendToRoom(roomID string, frameType string, data interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.roomSends = append(d.roomSends, roomID+":"+frameType)
}

func (d *recordingDispatcher) SendToUser(userID string, frameType string, data interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.userSends = append(d.userSends, userID+":"+frameType)
}

func (d *recordingDispatcher) CancelGraceTimer(userID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled = append(d.cancelled, userID)
	return true
}

func newTestBus(t *testing.T) (*Bus, *keyspace.Client, *recordingDispatcher) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	ka := keyspace.NewFromRedis(rdb, logger.New(logger.DevelopmentMode))
	disp := &recordingDispatcher{}
	return New(ka, disp, logger.New(logger.DevelopmentMode)), ka, disp
}

func TestPresenceUpdateFansToRoom(t *testing.T) {
	b, ka, disp := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go b.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, ka.Publish(ctx, "presence-update", map[string]interface{}{"roomId": "r1", "userId": "u1", "status": "ONLINE"}))

	require.Eventually(t, func() bool {
		disp.mu.Lock()
		defer disp.mu.Unlock()
		for _, s := range disp.roomSends {
			if s == "r1:presence:update" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestUserStatusOnlineCancelsGraceTimer(t *testing.T) {
	b, ka, disp := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go b.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, ka.Publish(ctx, "user-status", map[string]interface{}{"userId": "u1", "status": "ONLINE"}))

	require.Eventually(t, func() bool {
		disp.mu.Lock()
		defer disp.mu.Unlock()
		for _, u := range disp.cancelled {
			if u == "u1" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestReadReceiptTargetsUserNotRoom(t *testing.T) {
	b, ka, disp := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go b.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, ka.Publish(ctx, "read-receipt-update", map[string]interface{}{
		"targetUserId": "sender1", "roomId": "r1", "messageId": "m1", "userId": "u2",
	}))

	require.Eventually(t, func() bool {
		disp.mu.Lock()
		defer disp.mu.Unlock()
		for _, s := range disp.userSends {
			if s == "sender1:message:read" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	disp.mu.Lock()
	defer disp.mu.Unlock()
	require.Empty(t, disp.roomSends)
}
