package gateway

import (
	"context"

	"sentinelchat/internal/connectors"
)

// messageNewEvent is published on the "message-new" channel so every
// instance's bus can fan the new message out to its own room sockets.
// spec.md §4.8 names four pub/sub channels explicitly
// (user-status/presence-update/typing-update/read-receipt-update) plus
// room-event, but §4.7 requires message:new to reach the whole room —
// including members connected to a different instance than the
// sender — and §9's design note says every room broadcast should
// route through keyspace pub/sub the way presence/typing do. This
// channel is the concrete decision for that gap (see DESIGN.md).
type messageNewEvent struct {
	RoomID     string `json:"roomId"`
	ID         string `json:"id"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	Content    string `json:"content"`
	ReplyToID  string `json:"replyToId,omitempty"`
	CreatedAt  int64  `json:"createdAt"`
}

func publishMessageNew(ctx context.Context, r *Router, msg connectors.SavedMessage) error {
	return r.ka.Publish(ctx, "message-new", messageNewEvent{
		RoomID:     msg.RoomID,
		ID:         msg.ID,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		Content:    msg.Content,
		ReplyToID:  msg.ReplyToID,
		CreatedAt:  msg.CreatedAt,
	})
}

type readReceiptEvent struct {
	TargetUserID string `json:"targetUserId"`
	RoomID       string `json:"roomId"`
	MessageID    string `json:"messageId"`
	UserID       string `json:"userId"`
	Username     string `json:"username"`
	ReadAt       int64  `json:"readAt"`
}

func (r *Router) publishReadReceipt(ctx context.Context, senderID, roomID, messageID, readerID, readerUsername string, readAt int64) error {
	return r.ka.Publish(ctx, "read-receipt-update", readReceiptEvent{
		TargetUserID: senderID,
		RoomID:       roomID,
		MessageID:    messageID,
		UserID:       readerID,
		Username:     readerUsername,
		ReadAt:       readAt,
	})
}
