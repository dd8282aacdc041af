// frames.go implements the wire surface from spec.md §6: JSON-encoded
// frames over a bidirectional socket. Socket.IO interop is narrowed to
// the frame protocol and namespace the spec requires (spec.md §9
// design note) rather than pulling in a full compatibility library.
package gateway

import (
	"encoding/json"

	"sentinelchat/pkg/apperrors"
)

// InboundFrame is every client→server frame's envelope. RequestID is
// optional and, when present, is echoed back on the ack so the client
// can correlate it.
type InboundFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// OutboundFrame is every server→client frame.
type OutboundFrame struct {
	Type      string      `json:"type"`
	RequestID string      `json:"requestId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// ErrorPayload is the body of an `error` frame, per spec.md §6.
type ErrorPayload struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter *int   `json:"retryAfter,omitempty"`
}

func errorFrame(requestID string, err error) OutboundFrame {
	code, retryAfter := apperrors.CodeAndRetry(err)
	msg := err.Error()
	if e, ok := err.(*apperrors.Error); ok {
		msg = e.Message
	}
	return OutboundFrame{
		Type:      "error",
		RequestID: requestID,
		Data: ErrorPayload{
			Code:       code,
			Message:    msg,
			RetryAfter: retryAfter,
		},
	}
}

func ackFrame(requestID, frameType string, data interface{}) OutboundFrame {
	return OutboundFrame{Type: frameType + ":ack", RequestID: requestID, Data: data}
}

func decodePayload(raw json.RawMessage, out interface{}) error {
	if len(raw) == 0 {
		return apperrors.BadFrame("missing payload", nil)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apperrors.BadFrame("malformed payload", err)
	}
	return nil
}

// --- payload shapes, spec.md §6 ---

type roomJoinPayload struct {
	RoomID string `json:"roomId"`
}

type roomJoinAck struct {
	RoomID      string   `json:"roomId"`
	RoomName    string   `json:"roomName"`
	MemberCount int      `json:"memberCount"`
	OnlineUsers []string `json:"onlineUsers"`
}

type roomLeavePayload struct {
	RoomID string `json:"roomId"`
}

type roomLeaveAck struct {
	RoomID  string `json:"roomId"`
	Success bool   `json:"success"`
}

type messageSendPayload struct {
	RoomID    string `json:"roomId"`
	Content   string `json:"content"`
	ReplyToID string `json:"replyToId,omitempty"`
}

type messageSendAck struct {
	ID         string `json:"id"`
	RoomID     string `json:"roomId"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	Content    string `json:"content"`
	ReplyToID  string `json:"replyToId,omitempty"`
	CreatedAt  int64  `json:"createdAt"`
}

type legacyTypingPayload struct {
	RoomID   string `json:"roomId"`
	IsTyping bool   `json:"isTyping"`
}

type typingPayload struct {
	RoomID string `json:"roomId"`
}

type typingUserPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type typingAck struct {
	RoomID      string              `json:"roomId"`
	TypingUsers []typingUserPayload `json:"typingUsers"`
}

type heartbeatAck struct {
	Timestamp int64 `json:"timestamp"`
}

type presenceRoomPayload struct {
	RoomID string `json:"roomId"`
}

type presenceRoomAck struct {
	RoomID       string   `json:"roomId"`
	Members      []string `json:"members"`
	TotalOnline  int      `json:"totalOnline"`
	TotalIdle    int      `json:"totalIdle"`
	TotalAway    int      `json:"totalAway"`
	TotalBusy    int      `json:"totalBusy"`
	TotalOffline int      `json:"totalOffline"`
}

type presenceStatusPayload struct {
	Status string `json:"status"`
}

type successAck struct {
	Success bool `json:"success"`
}

type messageReadPayload struct {
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
}

type readReceiptsGetPayload struct {
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
}

type readerPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	ReadAt   int64  `json:"readAt"`
}

type readReceiptsGetAck struct {
	RoomID    string          `json:"roomId"`
	MessageID string          `json:"messageId"`
	Readers   []readerPayload `json:"readers"`
}

type authRefreshPayload struct {
	RefreshToken string `json:"refreshToken"`
}

type authRefreshAck struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int    `json:"expiresIn"`
}

type connectionSuccessPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	SocketID string `json:"socketId"`
}
