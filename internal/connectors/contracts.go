// Package connectors defines the Persistence Connectors (PC): the
// minimal outbound contracts the realtime core relies on for
// everything spec.md §1 puts out of scope — token verification, user
// validation, room access, message persistence and read receipts. The
// core only ever calls through these interfaces; it never owns a
// database connection.
package connectors

import "context"

// Claims is what a verified access token yields.
type Claims struct {
	UserID   string
	Username string
}

// UserStatus is the result of validateUser.
type UserStatus struct {
	IsActive      bool
	ShadowBanned  bool
}

// TokenPair is what refreshTokens and the handshake both produce.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresInSec int
}

// RoomInfo is what roomAccess returns on success.
type RoomInfo struct {
	ID          string
	Name        string
	MemberCount int
	IsMember    bool
}

// SavedMessage is what sendMessage returns on success.
type SavedMessage struct {
	ID         string
	RoomID     string
	SenderID   string
	SenderName string
	Content    string
	ReplyToID  string
	CreatedAt  int64
}

// ReadReceipt is one entry of getReadReceipts.
type ReadReceipt struct {
	UserID   string
	Username string
	ReadAt   int64
}

// TokenVerifier implements spec.md §4.9's verifyAccessToken.
type TokenVerifier interface {
	VerifyAccessToken(ctx context.Context, token string) (Claims, error)
}

// UserValidator implements validateUser; the gateway caches this read
// for 60s per spec.md §5.
type UserValidator interface {
	ValidateUser(ctx context.Context, userID string) (UserStatus, error)
}

// TokenRefresher implements refreshTokens with family rotation and
// reuse-detection semantics: reusing any previously-rotated-away
// refresh token must revoke the whole family.
type TokenRefresher interface {
	RefreshTokens(ctx context.Context, refreshToken, deviceID string) (TokenPair, error)
}

// RoomAuthorizer implements roomAccess, auto-joining public rooms up
// to maxMembers.
type RoomAuthorizer interface {
	RoomAccess(ctx context.Context, userID, roomID string) (RoomInfo, error)
}

// MessagePersister implements sendMessage.
type MessagePersister interface {
	SendMessage(ctx context.Context, userID, roomID, content, replyToID string) (SavedMessage, error)
}

// ReadReceiptPersister implements markMessageAsRead, getReadReceipts
// and readReceiptsEnabled.
type ReadReceiptPersister interface {
	MarkMessageAsRead(ctx context.Context, userID, roomID, messageID string) (senderID string, readAt int64, created bool, err error)
	GetReadReceipts(ctx context.Context, userID, roomID, messageID string) ([]ReadReceipt, error)
	ReadReceiptsEnabled(ctx context.Context, userID string) (bool, error)
}

// Connectors bundles every PC contract the gateway needs, so wiring it
// in is a single constructor argument rather than five.
type Connectors interface {
	TokenVerifier
	UserValidator
	TokenRefresher
	RoomAuthorizer
	MessagePersister
	ReadReceiptPersister
}
