package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestAddSocketThenRemoveSchedulesGraceTimer(t *testing.T) {
	var mu sync.Mutex
	var expired []string

	mgr := NewManager(30*time.Millisecond, func(userID, username string, rooms []string) {
		mu.Lock()
		expired = append(expired, userID)
		mu.Unlock()
	})

	sess := mgr.AddSocket("u1", "alice", "dev1")
	require.Equal(t, 1, mgr.LocalSocketCount("u1"))

	_, isLast, _, ok := mgr.RemoveSocket(sess.SocketID)
	require.True(t, ok)
	require.True(t, isLast)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(expired) == 1 && expired[0] == "u1"
	}, time.Second, 5*time.Millisecond)
}

func TestSecondSocketIsNotLast(t *testing.T) {
	mgr := NewManager(time.Minute, nil)

	s1 := mgr.AddSocket("u1", "alice", "dev1")
	mgr.AddSocket("u1", "alice", "dev2")

	_, isLast, _, ok := mgr.RemoveSocket(s1.SocketID)
	require.True(t, ok)
	require.False(t, isLast)
	require.Equal(t, 1, mgr.LocalSocketCount("u1"))
}

func TestReconnectCancelsGraceTimer(t *testing.T) {
	var expiredCalled bool
	mgr := NewManager(20*time.Millisecond, func(userID, username string, rooms []string) {
		expiredCalled = true
	})

	s1 := mgr.AddSocket("u1", "alice", "dev1")
	mgr.RemoveSocket(s1.SocketID)

	mgr.AddSocket("u1", "alice", "dev2")
	time.Sleep(40 * time.Millisecond)

	require.False(t, expiredCalled)
}

func TestCancelGraceTimerIsIdempotent(t *testing.T) {
	mgr := NewManager(time.Minute, nil)
	require.False(t, mgr.CancelGraceTimer("nobody"))
	require.False(t, mgr.CancelGraceTimer("nobody"))
}

func TestJoinAndLeaveRoom(t *testing.T) {
	mgr := NewManager(time.Minute, nil)
	sess := mgr.AddSocket("u1", "alice", "dev1")

	mgr.JoinRoom(sess.SocketID, "r1")
	require.Equal(t, []string{"r1"}, sess.JoinedRooms())

	mgr.LeaveRoom(sess.SocketID, "r1")
	require.Empty(t, sess.JoinedRooms())
}
