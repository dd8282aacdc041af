// Package gateway is the Gateway Router (GR): the protocol surface
// that decodes client frames, authenticates, authorizes, rate-limits,
// dispatches to handlers and emits outbound frames. Grounded in the
// teacher's internal/websocket/handler.go dispatch-table shape,
// generalized to the full frame surface spec.md §6 names and the
// XIB-only broadcast path SPEC_FULL.md §4 resolves.
package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sentinelchat/internal/config"
	"sentinelchat/internal/connectors"
	"sentinelchat/internal/keyspace"
	"sentinelchat/internal/metrics"
	"sentinelchat/internal/presence"
	"sentinelchat/internal/ratelimit"
	"sentinelchat/internal/roommembership"
	"sentinelchat/internal/session"
	"sentinelchat/internal/typing"
	"sentinelchat/pkg/apperrors"
	"sentinelchat/pkg/logger"
)

type handlerFunc func(ctx context.Context, sess *session.Session, frame InboundFrame) (data interface{}, err error)

// Router owns the static frame-name → handler table built once at
// construction, per spec.md §9's "decorator metadata + reflection
// maps cleanly to a static table" design note.
type Router struct {
	hub        *Hub
	sessions   *session.Manager
	presence   *presence.Ledger
	typing     *typing.Ledger
	rooms      *roommembership.Cache
	limiter    *ratelimit.Limiter
	connectors connectors.Connectors
	ka         *keyspace.Client
	cfg        *config.Config
	log        *logger.Logger

	handlers map[string]handlerFunc

	// userStatusCache is the 60s-TTL validateUser cache spec.md §5
	// requires; keyed by userID, value is the deadline it's valid until.
	userStatusMu    sync.Mutex
	userStatusCache map[string]cachedUserStatus
}

type cachedUserStatus struct {
	status connectors.UserStatus
	until  time.Time
}

func NewRouter(
	hub *Hub,
	sessions *session.Manager,
	pl *presence.Ledger,
	tl *typing.Ledger,
	rooms *roommembership.Cache,
	limiter *ratelimit.Limiter,
	pc connectors.Connectors,
	ka *keyspace.Client,
	cfg *config.Config,
	log *logger.Logger,
) *Router {
	r := &Router{
		hub:             hub,
		sessions:        sessions,
		presence:        pl,
		typing:          tl,
		rooms:           rooms,
		limiter:         limiter,
		connectors:      pc,
		ka:              ka,
		cfg:             cfg,
		log:             log,
		userStatusCache: make(map[string]cachedUserStatus),
	}
	r.handlers = map[string]handlerFunc{
		"room:join":         r.handleRoomJoin,
		"room:leave":        r.handleRoomLeave,
		"message:send":      r.handleMessageSend,
		"typing:start":      r.handleTypingStart,
		"typing:stop":       r.handleTypingStop,
		"typing":            r.handleLegacyTyping,
		"heartbeat":         r.handleHeartbeat,
		"presence:room":     r.handlePresenceRoom,
		"presence:status":   r.handlePresenceStatus,
		"message:read":      r.handleMessageRead,
		"read_receipts:get": r.handleReadReceiptsGet,
		"auth:refresh":      r.handleAuthRefresh,
	}
	return r
}

// frameKindsRequiringNoAuthGuard names auth:refresh as the frame kind
// without a frame-level auth guard. Dispatch does not consult this
// table: in this transport, a Router-level session always exists once
// a Conn is registered (the handshake itself gates connection setup in
// httpserver.go), so every frame kind, auth:refresh included, goes
// through the same "session must still be present" check — which
// protects against a frame arriving after disconnect teardown raced
// the read pump.
var frameKindsRequiringNoAuthGuard = map[string]bool{
	"auth:refresh": true,
}

// Dispatch decodes, authenticates, authorizes, rate-limits and
// executes one inbound frame, writing one ack or error frame back to
// conn. A Transient handler error is logged and no frame is written.
func (r *Router) Dispatch(socketID string, frame InboundFrame, conn socketWriter) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.HandlerTimeout)
	defer cancel()
	ctx = context.WithValue(ctx, logger.SocketIdKey, socketID)
	if frame.RequestID != "" {
		ctx = context.WithValue(ctx, logger.RequestIdKey, frame.RequestID)
	}

	handler, ok := r.handlers[frame.Type]
	if !ok {
		conn.WriteFrame(errorFrame(frame.RequestID, apperrors.BadFrame(fmt.Sprintf("unknown frame type %q", frame.Type), nil)))
		return
	}

	sess, found := r.sessions.GetSession(socketID)
	if !found {
		conn.WriteFrame(errorFrame(frame.RequestID, apperrors.Unauthorized("no active session", nil)))
		return
	}
	ctx = context.WithValue(ctx, logger.UserIdKey, sess.UserID)

	if rule, ok := r.cfg.RateLimits[frame.Type]; ok {
		if err := r.checkRateLimit(ctx, sess.UserID, frame.Type, rule); err != nil {
			conn.WriteFrame(errorFrame(frame.RequestID, err))
			return
		}
	}

	done := make(chan struct{})
	var data interface{}
	var err error
	go func() {
		data, err = handler(ctx, sess, frame)
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		conn.WriteFrame(errorFrame(frame.RequestID, apperrors.Timeout("handler timed out", ctx.Err())))
		return
	}

	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindTransient {
			r.log.WithContext(ctx).Sugar().Warnw("gateway: transient handler error, not surfaced", "frameType", frame.Type, "error", err)
			return
		}
		conn.WriteFrame(errorFrame(frame.RequestID, err))
		return
	}
	conn.WriteFrame(ackFrame(frame.RequestID, frame.Type, data))
}

func (r *Router) checkRateLimit(ctx context.Context, userID, frameType string, rule config.RateLimitRule) error {
	policy := ratelimit.FailOpen
	if rule.FailClosed {
		policy = ratelimit.FailClosed
	}
	scope := fmt.Sprintf("user:%s:%s", userID, frameType)
	res, err := r.limiter.Check(ctx, scope, rule.Limit, rule.WindowSeconds, policy)
	if err != nil {
		return err
	}
	if !res.Allowed {
		return apperrors.RateLimited(ratelimit.RetryAfterSeconds(res, rule.WindowSeconds))
	}
	return nil
}

// checkRoomRateLimit enforces message:send's additional per-room cap
// of 1000/min from spec.md §4.7.
func (r *Router) checkRoomRateLimit(ctx context.Context, roomID string) error {
	rule := r.cfg.RateLimits["message:send:room"]
	scope := fmt.Sprintf("room:%s:message:send", roomID)
	res, err := r.limiter.Check(ctx, scope, rule.Limit, rule.WindowSeconds, ratelimit.FailOpen)
	if err != nil {
		return err
	}
	if !res.Allowed {
		return apperrors.RateLimited(ratelimit.RetryAfterSeconds(res, rule.WindowSeconds))
	}
	return nil
}

// handleDisconnect runs the teardown path from spec.md §4.6 when a
// socket's read pump exits for any reason.
func (r *Router) handleDisconnect(socketID string) {
	r.hub.unregister(socketID)
	userID, isLast, rooms, ok := r.sessions.RemoveSocket(socketID)
	if !ok {
		return
	}
	metrics.ConnectedSockets.Set(float64(r.sessions.ConnectedSockets()))
	if !isLast {
		return
	}

	ctx := context.WithValue(context.Background(), logger.UserIdKey, userID)
	if err := r.presence.StartDisconnectGrace(ctx, userID, r.cfg.ReconnectGrace); err != nil {
		r.log.WithContext(ctx).Sugar().Warnw("gateway: could not start disconnect grace marker", "userId", userID, "error", err)
	}
	_ = rooms // the local grace timer closure in session.Manager already captured the rooms at RemoveSocket time
}

func badFrameErr(cause error) error {
	return apperrors.BadFrame("could not parse frame envelope", cause)
}

// GraceExpired is the session.OnGraceExpire callback: PL.setOffline,
// TL.removeFromAllRooms and RMC cleanup for every room the user had
// joined, per spec.md §4.6. cmd/server wires it in with
// sessions.SetOnGraceExpire once both the Manager and the Router
// exist, since each depends on the other at construction time.
func (r *Router) GraceExpired(userID, username string, rooms []string) {
	ctx := context.WithValue(context.Background(), logger.UserIdKey, userID)
	if err := r.presence.SetOffline(ctx, userID); err != nil {
		r.log.WithContext(ctx).Sugar().Warnw("gateway: setOffline on grace expiry failed", "userId", userID, "error", err)
	}
	if err := r.typing.RemoveFromAllRooms(ctx, userID); err != nil {
		r.log.WithContext(ctx).Sugar().Warnw("gateway: typing cleanup on grace expiry failed", "userId", userID, "error", err)
	}
	for _, roomID := range rooms {
		if err := r.rooms.RemoveUserFromRoom(ctx, userID, username, roomID); err != nil {
			r.log.WithContext(ctx).Sugar().Warnw("gateway: room cleanup on grace expiry failed", "userId", userID, "roomId", roomID, "error", err)
		}
	}
}
