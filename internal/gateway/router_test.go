package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"sentinelchat/internal/config"
	"sentinelchat/internal/connectors"
	"sentinelchat/internal/keyspace"
	"sentinelchat/internal/presence"
	"sentinelchat/internal/ratelimit"
	"sentinelchat/internal/roommembership"
	"sentinelchat/internal/session"
	"sentinelchat/internal/typing"
	"sentinelchat/pkg/apperrors"
	"sentinelchat/pkg/logger"
)

// testPC bundles JWTConnector and MemConnector the same way
// cmd/server does, so router tests exercise the real Connectors
// interface rather than a hand-rolled mock.
type testPC struct {
	*connectors.JWTConnector
	*connectors.MemConnector
}

type fakeConn struct {
	frames []OutboundFrame
}

func (f *fakeConn) WriteFrame(frame OutboundFrame) error {
	f.frames = append(f.frames, frame)
	return nil
}
func (f *fakeConn) Close() {}

func (f *fakeConn) last() OutboundFrame {
	return f.frames[len(f.frames)-1]
}

func newTestRouter(t *testing.T, cfg *config.Config) (*Router, *testPC, *keyspace.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	log := logger.New(logger.DevelopmentMode)
	ka := keyspace.NewFromRedis(rdb, log)

	rooms := roommembership.New(ka)
	pl := presence.New(ka, rooms, cfg.PresenceTTL, log)
	tl := typing.New(ka, rooms, cfg.TypingTTL, log)
	limiter := ratelimit.New(ka)

	pc := &testPC{
		JWTConnector: connectors.NewJWTConnector([]byte("test-secret"), time.Second, time.Hour),
		MemConnector: connectors.NewMemConnector(),
	}

	sessions := session.NewManager(cfg.ReconnectGrace, nil)
	hub := NewHub(sessions, log)
	router := NewRouter(hub, sessions, pl, tl, rooms, limiter, pc, ka, cfg, log)
	sessions.SetOnGraceExpire(router.GraceExpired)

	return router, pc, ka
}

func testConfig() *config.Config {
	return &config.Config{
		HandlerTimeout:         time.Second,
		ReconnectGrace:         30 * time.Second,
		UserValidationCacheTTL: time.Minute,
		PresenceTTL:            15 * time.Minute,
		TypingTTL:              5 * time.Second,
		RateLimits: map[string]config.RateLimitRule{
			"message:send":      {Limit: 60, WindowSeconds: 60},
			"message:send:room": {Limit: 1000, WindowSeconds: 60},
			"message:read":      {Limit: 30, WindowSeconds: 10},
		},
	}
}

func handshakeUser(t *testing.T, r *Router, pc *testPC, userID, username string) string {
	t.Helper()
	pc.MemConnector.SeedUser(userID, true)
	tok, err := pc.JWTConnector.IssueAccessToken(userID, username)
	require.NoError(t, err)
	socketID, gotUserID, gotUsername, err := r.Handshake(context.Background(), tok)
	require.NoError(t, err)
	require.Equal(t, userID, gotUserID)
	require.Equal(t, username, gotUsername)
	return socketID
}

func dispatch(t *testing.T, r *Router, socketID string, conn *fakeConn, frameType string, payload interface{}) OutboundFrame {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	r.Dispatch(socketID, InboundFrame{Type: frameType, RequestID: "req", Payload: raw}, conn)
	return conn.last()
}

func TestHandshakeRejectsDeactivatedUser(t *testing.T) {
	cfg := testConfig()
	r, pc, _ := newTestRouter(t, cfg)

	pc.MemConnector.SeedUser("u1", false)
	tok, err := pc.JWTConnector.IssueAccessToken("u1", "alice")
	require.NoError(t, err)

	_, _, _, err = r.Handshake(context.Background(), tok)
	require.Error(t, err)
	require.Equal(t, apperrors.KindUnauthorized, apperrors.KindOf(err))
}

func TestRoomJoinAck(t *testing.T) {
	cfg := testConfig()
	r, pc, _ := newTestRouter(t, cfg)
	socketID := handshakeUser(t, r, pc, "u1", "alice")
	pc.MemConnector.SeedRoom("r1", "General", 0, true)

	conn := &fakeConn{}
	frame := dispatch(t, r, socketID, conn, "room:join", map[string]string{"roomId": "r1"})

	require.Equal(t, "room:join:ack", frame.Type)
	ack, ok := frame.Data.(roomJoinAck)
	require.True(t, ok)
	require.Equal(t, "r1", ack.RoomID)
	require.Equal(t, "General", ack.RoomName)
}

// TestMessageSendRateLimitExceeded exercises spec.md §8 scenario 5: N
// accepted sends followed by a RATE_LIMITED rejection carrying a
// retryAfter in [1, windowSeconds].
func TestMessageSendRateLimitExceeded(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimits["message:send"] = config.RateLimitRule{Limit: 2, WindowSeconds: 60}
	r, pc, _ := newTestRouter(t, cfg)
	socketID := handshakeUser(t, r, pc, "u1", "alice")
	pc.MemConnector.SeedRoom("r1", "General", 0, true)
	require.NoError(t, r.rooms.AddUserToRoom(context.Background(), "u1", "alice", "r1"))
	pc.MemConnector.RoomAccess(context.Background(), "u1", "r1")

	conn := &fakeConn{}
	payload := map[string]string{"roomId": "r1", "content": "hi"}

	for i := 0; i < 2; i++ {
		frame := dispatch(t, r, socketID, conn, "message:send", payload)
		require.Equal(t, "message:send:ack", frame.Type, "send %d should be accepted", i)
	}

	frame := dispatch(t, r, socketID, conn, "message:send", payload)
	require.Equal(t, "error", frame.Type)
	errPayload, ok := frame.Data.(ErrorPayload)
	require.True(t, ok)
	require.Equal(t, "RATE_LIMITED", errPayload.Code)
	require.NotNil(t, errPayload.RetryAfter)
	require.GreaterOrEqual(t, *errPayload.RetryAfter, 1)
	require.LessOrEqual(t, *errPayload.RetryAfter, 60)
}

func TestMessageSendRejectsOversizedContent(t *testing.T) {
	cfg := testConfig()
	r, pc, _ := newTestRouter(t, cfg)
	socketID := handshakeUser(t, r, pc, "u1", "alice")
	pc.MemConnector.SeedRoom("r1", "General", 0, true)

	conn := &fakeConn{}
	big := make([]byte, 4001)
	for i := range big {
		big[i] = 'x'
	}
	frame := dispatch(t, r, socketID, conn, "message:send", map[string]string{"roomId": "r1", "content": string(big)})

	require.Equal(t, "error", frame.Type)
	errPayload := frame.Data.(ErrorPayload)
	require.Equal(t, "BAD_FRAME", errPayload.Code)
}

// TestReadReceiptPrivacy exercises spec.md §8 scenario 4: marking a
// message read publishes read-receipt-update targeted only at the
// original sender, never broadcast to the room, and never when the
// reader is the sender.
func TestReadReceiptPrivacy(t *testing.T) {
	cfg := testConfig()
	r, pc, ka := newTestRouter(t, cfg)

	senderSocket := handshakeUser(t, r, pc, "u1", "alice")
	readerSocket := handshakeUser(t, r, pc, "u2", "bob")
	pc.MemConnector.SeedRoom("r1", "General", 0, true)
	// the sender must be a room member for message:send to persist.
	joinFrame := dispatch(t, r, senderSocket, &fakeConn{}, "room:join", map[string]string{"roomId": "r1"})
	require.Equal(t, "room:join:ack", joinFrame.Type)

	sub := ka.Subscribe(context.Background(), "read-receipt-update")
	defer sub.Close()
	received := make(chan string, 4)
	go func() {
		for msg := range sub.Channel() {
			received <- msg.Payload
		}
	}()

	senderConn := &fakeConn{}
	sendFrame := dispatch(t, r, senderSocket, senderConn, "message:send", map[string]string{"roomId": "r1", "content": "hello"})
	ack := sendFrame.Data.(messageSendAck)

	readerConn := &fakeConn{}
	readFrame := dispatch(t, r, readerSocket, readerConn, "message:read", map[string]string{"roomId": "r1", "messageId": ack.ID})
	require.Equal(t, "message:read:ack", readFrame.Type)

	select {
	case payload := <-received:
		var evt struct {
			TargetUserID string `json:"targetUserId"`
			UserID       string `json:"userId"`
		}
		require.NoError(t, json.Unmarshal([]byte(payload), &evt))
		require.Equal(t, "u1", evt.TargetUserID)
		require.Equal(t, "u2", evt.UserID)
	case <-time.After(time.Second):
		t.Fatal("expected a read-receipt-update publish")
	}

	// the sender reading their own message must not publish anything.
	selfReadConn := &fakeConn{}
	dispatch(t, r, senderSocket, selfReadConn, "message:read", map[string]string{"roomId": "r1", "messageId": ack.ID})
	select {
	case <-received:
		t.Fatal("self-read must not publish a read-receipt-update")
	case <-time.After(100 * time.Millisecond):
	}
}

// TestAuthRefreshReuseRevokesFamily exercises spec.md §8 scenario 2:
// a valid refresh rotates the token; reusing the now-stale refresh
// token is rejected and revokes every member of its family, including
// the one issued by the successful refresh.
func TestAuthRefreshReuseRevokesFamily(t *testing.T) {
	cfg := testConfig()
	r, pc, _ := newTestRouter(t, cfg)
	socketID := handshakeUser(t, r, pc, "u1", "alice")
	initial := pc.JWTConnector.StartFamily("u1", "alice", "dev1")

	conn := &fakeConn{}
	frame := dispatch(t, r, socketID, conn, "auth:refresh", map[string]string{"refreshToken": initial})
	require.Equal(t, "auth:refresh:ack", frame.Type)
	ack := frame.Data.(authRefreshAck)
	require.NotEmpty(t, ack.AccessToken)
	require.NotEqual(t, initial, ack.RefreshToken)

	// spec.md §8 scenario 2: reuse is rejected with UNAUTHORIZED, not
	// a generic TOKEN_REFRESH_FAILED, so a client can distinguish
	// "your session was revoked" from an ordinary refresh hiccup.
	reuseFrame := dispatch(t, r, socketID, conn, "auth:refresh", map[string]string{"refreshToken": initial})
	require.Equal(t, "error", reuseFrame.Type)
	errPayload := reuseFrame.Data.(ErrorPayload)
	require.Equal(t, "UNAUTHORIZED", errPayload.Code)

	rotatedFrame := dispatch(t, r, socketID, conn, "auth:refresh", map[string]string{"refreshToken": ack.RefreshToken})
	require.Equal(t, "error", rotatedFrame.Type)
	rotatedErr := rotatedFrame.Data.(ErrorPayload)
	require.Equal(t, "UNAUTHORIZED", rotatedErr.Code)
}

func TestTypingStartStopRoundTrip(t *testing.T) {
	cfg := testConfig()
	r, pc, _ := newTestRouter(t, cfg)
	socketID := handshakeUser(t, r, pc, "u1", "alice")
	pc.MemConnector.SeedRoom("r1", "General", 0, true)

	conn := &fakeConn{}
	startFrame := dispatch(t, r, socketID, conn, "typing:start", map[string]string{"roomId": "r1"})
	startAck := startFrame.Data.(typingAck)
	require.ElementsMatch(t, []typingUserPayload{{UserID: "u1", Username: "alice"}}, startAck.TypingUsers)

	stopFrame := dispatch(t, r, socketID, conn, "typing:stop", map[string]string{"roomId": "r1"})
	stopAck := stopFrame.Data.(typingAck)
	require.Empty(t, stopAck.TypingUsers)
}
