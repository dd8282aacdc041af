package gateway

import (
	"context"
	"time"

	"sentinelchat/internal/connectors"
	"sentinelchat/internal/presence"
	"sentinelchat/internal/session"
	"sentinelchat/internal/typing"
	"sentinelchat/pkg/apperrors"
)

// handleRoomJoin implements spec.md §4.7's room-join handler.
func (r *Router) handleRoomJoin(ctx context.Context, sess *session.Session, frame InboundFrame) (interface{}, error) {
	var payload roomJoinPayload
	if err := decodePayload(frame.Payload, &payload); err != nil {
		return nil, err
	}

	info, err := r.connectors.RoomAccess(ctx, sess.UserID, payload.RoomID)
	if err != nil {
		return nil, apperrors.WithCode(err, "JOIN_FAILED")
	}

	if err := r.rooms.AddUserToRoom(ctx, sess.UserID, sess.Username, payload.RoomID); err != nil {
		return nil, apperrors.WithCode(apperrors.NotAvailable("could not record room membership", err), "JOIN_FAILED")
	}
	r.sessions.JoinRoom(sess.SocketID, payload.RoomID)

	if err := r.presence.SetPresenceInRoom(ctx, payload.RoomID, sess.UserID, presence.Online); err != nil {
		r.log.WithContext(ctx).Sugar().Warnw("gateway: setPresenceInRoom failed on join", "roomId", payload.RoomID, "error", err)
	}

	online, err := r.onlineUsersInRoom(ctx, payload.RoomID)
	if err != nil {
		r.log.WithContext(ctx).Sugar().Warnw("gateway: could not compute online users on join", "roomId", payload.RoomID, "error", err)
	}

	return roomJoinAck{
		RoomID:      info.ID,
		RoomName:    info.Name,
		MemberCount: info.MemberCount,
		OnlineUsers: online,
	}, nil
}

// onlineUsersInRoom answers spec.md §4.5's "who in this room is
// online" by intersecting RMC's room membership set with PL's global
// online sorted set, via roommembership.Cache.GetOnlineUsersInRoom.
func (r *Router) onlineUsersInRoom(ctx context.Context, roomID string) ([]string, error) {
	onlineIDs, err := r.presence.GetOnlineUserIDs(ctx)
	if err != nil {
		return nil, err
	}
	return r.rooms.GetOnlineUsersInRoom(ctx, roomID, onlineIDs)
}

func (r *Router) handleRoomLeave(ctx context.Context, sess *session.Session, frame InboundFrame) (interface{}, error) {
	var payload roomLeavePayload
	if err := decodePayload(frame.Payload, &payload); err != nil {
		return nil, err
	}

	if err := r.rooms.RemoveUserFromRoom(ctx, sess.UserID, sess.Username, payload.RoomID); err != nil {
		return nil, apperrors.Transient("could not remove room membership", err)
	}
	r.sessions.LeaveRoom(sess.SocketID, payload.RoomID)

	return roomLeaveAck{RoomID: payload.RoomID, Success: true}, nil
}

// handleMessageSend implements spec.md §4.7's message send handler.
// The broadcast to the room happens exclusively via the message:new
// publish XIB fans out — see DESIGN.md's message:new routing note;
// the gateway itself only replies with an ack.
func (r *Router) handleMessageSend(ctx context.Context, sess *session.Session, frame InboundFrame) (interface{}, error) {
	var payload messageSendPayload
	if err := decodePayload(frame.Payload, &payload); err != nil {
		return nil, err
	}
	if l := len(payload.Content); l < 1 || l > 4000 {
		return nil, apperrors.BadFrame("content must be 1..4000 characters", nil)
	}

	if err := r.checkRoomRateLimit(ctx, payload.RoomID); err != nil {
		return nil, err
	}

	msg, err := r.connectors.SendMessage(ctx, sess.UserID, payload.RoomID, payload.Content, payload.ReplyToID)
	if err != nil {
		return nil, apperrors.WithCode(err, "SEND_FAILED")
	}

	if err := r.rooms.AddUserToRoom(ctx, sess.UserID, sess.Username, payload.RoomID); err != nil {
		r.log.WithContext(ctx).Sugar().Warnw("gateway: could not refresh room membership on send", "error", err)
	}
	if err := publishMessageNew(ctx, r, msg); err != nil {
		r.log.WithContext(ctx).Sugar().Warnw("gateway: message:new publish failed", "roomId", payload.RoomID, "error", err)
	}

	return messageSendAck{
		ID:         msg.ID,
		RoomID:     msg.RoomID,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		Content:    msg.Content,
		ReplyToID:  msg.ReplyToID,
		CreatedAt:  msg.CreatedAt,
	}, nil
}

func (r *Router) handleTypingStart(ctx context.Context, sess *session.Session, frame InboundFrame) (interface{}, error) {
	var payload typingPayload
	if err := decodePayload(frame.Payload, &payload); err != nil {
		return nil, err
	}
	if _, err := r.connectors.RoomAccess(ctx, sess.UserID, payload.RoomID); err != nil {
		return nil, apperrors.WithCode(err, "TYPING_START_FAILED")
	}
	users, err := r.typing.Start(ctx, sess.UserID, payload.RoomID, sess.Username)
	if err != nil {
		return nil, err
	}
	return typingAck{RoomID: payload.RoomID, TypingUsers: typingUserPayloads(users)}, nil
}

func (r *Router) handleTypingStop(ctx context.Context, sess *session.Session, frame InboundFrame) (interface{}, error) {
	var payload typingPayload
	if err := decodePayload(frame.Payload, &payload); err != nil {
		return nil, err
	}
	if _, err := r.connectors.RoomAccess(ctx, sess.UserID, payload.RoomID); err != nil {
		return nil, apperrors.WithCode(err, "TYPING_STOP_FAILED")
	}
	users, err := r.typing.Stop(ctx, sess.UserID, payload.RoomID)
	if err != nil {
		return nil, err
	}
	return typingAck{RoomID: payload.RoomID, TypingUsers: typingUserPayloads(users)}, nil
}

// handleLegacyTyping implements the deprecated `typing` frame as a
// thin wrapper: isTyping=true behaves like typing:start, false like
// typing:stop. Resolved per spec.md §9's Open Question.
func (r *Router) handleLegacyTyping(ctx context.Context, sess *session.Session, frame InboundFrame) (interface{}, error) {
	var payload legacyTypingPayload
	if err := decodePayload(frame.Payload, &payload); err != nil {
		return nil, err
	}
	if _, err := r.connectors.RoomAccess(ctx, sess.UserID, payload.RoomID); err != nil {
		return nil, apperrors.WithCode(err, "TYPING_FAILED")
	}
	var users []typing.TypingUser
	var err error
	if payload.IsTyping {
		users, err = r.typing.Start(ctx, sess.UserID, payload.RoomID, sess.Username)
	} else {
		users, err = r.typing.Stop(ctx, sess.UserID, payload.RoomID)
	}
	if err != nil {
		return nil, err
	}
	return typingAck{RoomID: payload.RoomID, TypingUsers: typingUserPayloads(users)}, nil
}

func (r *Router) handleHeartbeat(ctx context.Context, sess *session.Session, frame InboundFrame) (interface{}, error) {
	now, ok := r.sessions.Heartbeat(sess.SocketID)
	if !ok {
		return nil, apperrors.Unauthorized("no active session", nil)
	}
	if err := r.presence.Heartbeat(ctx, sess.UserID); err != nil {
		r.log.WithContext(ctx).Sugar().Warnw("gateway: presence heartbeat failed", "userId", sess.UserID, "error", err)
	}
	return heartbeatAck{Timestamp: now.UnixMilli()}, nil
}

func (r *Router) handlePresenceRoom(ctx context.Context, sess *session.Session, frame InboundFrame) (interface{}, error) {
	var payload presenceRoomPayload
	if err := decodePayload(frame.Payload, &payload); err != nil {
		return nil, err
	}
	members, err := r.presence.GetRoomPresence(ctx, payload.RoomID, 15*time.Minute, 500)
	if err != nil {
		return nil, err
	}

	ack := presenceRoomAck{RoomID: payload.RoomID}
	for _, m := range members {
		ack.Members = append(ack.Members, m.UserID)
		switch m.Status {
		case presence.Online:
			ack.TotalOnline++
		case presence.Idle:
			ack.TotalIdle++
		case presence.Away:
			ack.TotalAway++
		case presence.Busy:
			ack.TotalBusy++
		case presence.Offline:
			ack.TotalOffline++
		}
	}
	return ack, nil
}

func (r *Router) handlePresenceStatus(ctx context.Context, sess *session.Session, frame InboundFrame) (interface{}, error) {
	var payload presenceStatusPayload
	if err := decodePayload(frame.Payload, &payload); err != nil {
		return nil, err
	}
	status := presence.Status(payload.Status)
	switch status {
	case presence.Online, presence.Idle, presence.Away, presence.Busy:
	default:
		return nil, apperrors.BadFrame("status must be one of ONLINE|IDLE|AWAY|BUSY", nil)
	}
	if err := r.presence.SetOnline(ctx, sess.UserID, status, sess.DeviceID); err != nil {
		return nil, err
	}
	return successAck{Success: true}, nil
}

// handleMessageRead implements spec.md §4.7's mark-as-read handler,
// including the read-receipts-disabled silent-success case and the
// sender-only targeted broadcast (no room-wide fan-out, no
// self-broadcast).
func (r *Router) handleMessageRead(ctx context.Context, sess *session.Session, frame InboundFrame) (interface{}, error) {
	var payload messageReadPayload
	if err := decodePayload(frame.Payload, &payload); err != nil {
		return nil, err
	}

	enabled, err := r.connectors.ReadReceiptsEnabled(ctx, sess.UserID)
	if err != nil {
		return nil, apperrors.WithCode(err, "MARK_READ_FAILED")
	}
	if !enabled {
		return successAck{Success: true}, nil
	}

	senderID, readAt, created, err := r.connectors.MarkMessageAsRead(ctx, sess.UserID, payload.RoomID, payload.MessageID)
	if err != nil {
		return nil, apperrors.WithCode(err, "MARK_READ_FAILED")
	}
	if created && senderID != sess.UserID {
		if perr := r.publishReadReceipt(ctx, senderID, payload.RoomID, payload.MessageID, sess.UserID, sess.Username, readAt); perr != nil {
			r.log.WithContext(ctx).Sugar().Warnw("gateway: read-receipt publish failed", "error", perr)
		}
	}
	return successAck{Success: true}, nil
}

func (r *Router) handleReadReceiptsGet(ctx context.Context, sess *session.Session, frame InboundFrame) (interface{}, error) {
	var payload readReceiptsGetPayload
	if err := decodePayload(frame.Payload, &payload); err != nil {
		return nil, err
	}
	receipts, err := r.connectors.GetReadReceipts(ctx, sess.UserID, payload.RoomID, payload.MessageID)
	if err != nil {
		return nil, apperrors.WithCode(err, "GET_READ_RECEIPTS_FAILED")
	}
	ack := readReceiptsGetAck{RoomID: payload.RoomID, MessageID: payload.MessageID}
	for _, rc := range receipts {
		ack.Readers = append(ack.Readers, readerPayload{UserID: rc.UserID, Username: rc.Username, ReadAt: rc.ReadAt})
	}
	return ack, nil
}

// handleAuthRefresh implements spec.md §4.7's refresh handler: no
// frame-level auth guard, but the socket must already have completed
// handshake (true of every dispatched frame in this transport).
func (r *Router) handleAuthRefresh(ctx context.Context, sess *session.Session, frame InboundFrame) (interface{}, error) {
	var payload authRefreshPayload
	if err := decodePayload(frame.Payload, &payload); err != nil {
		return nil, err
	}
	pair, err := r.connectors.RefreshTokens(ctx, payload.RefreshToken, sess.DeviceID)
	if err != nil {
		return nil, apperrors.WithCode(err, "TOKEN_REFRESH_FAILED")
	}

	ack := authRefreshAck{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    pair.ExpiresInSec,
	}
	// spec.md §4.7: the ack is accompanied by an auth:refreshed event on
	// the originating socket only, per §6's server->client frame list.
	if werr := r.hub.SendToSocket(sess.SocketID, OutboundFrame{Type: "auth:refreshed", Data: ack}); werr != nil {
		r.log.WithContext(ctx).Sugar().Warnw("gateway: auth:refreshed send failed", "socketId", sess.SocketID, "error", werr)
	}
	return ack, nil
}

// --- helpers shared across handlers ---

func typingUserPayloads(users []typing.TypingUser) []typingUserPayload {
	out := make([]typingUserPayload, 0, len(users))
	for _, u := range users {
		out = append(out, typingUserPayload{UserID: u.UserID, Username: u.Username})
	}
	return out
}

func (r *Router) cachedUserStatus(userID string) (connectors.UserStatus, bool) {
	r.userStatusMu.Lock()
	defer r.userStatusMu.Unlock()
	v, ok := r.userStatusCache[userID]
	if !ok || time.Now().After(v.until) {
		return connectors.UserStatus{}, false
	}
	return v.status, true
}

func (r *Router) setCachedUserStatus(userID string, status connectors.UserStatus) {
	r.userStatusMu.Lock()
	defer r.userStatusMu.Unlock()
	r.userStatusCache[userID] = cachedUserStatus{status: status, until: time.Now().Add(r.cfg.UserValidationCacheTTL)}
}
