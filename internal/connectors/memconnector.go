// memconnector is an in-memory stand-in for the UserValidator,
// RoomAuthorizer, MessagePersister and ReadReceiptPersister contracts
// — the persistent relational store and its schema are explicitly out
// of scope for this core (spec.md §1). It exists so cmd/server can
// wire a complete, runnable binary, and so gateway's tests have a
// concrete PC without a database.
package connectors

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"sentinelchat/pkg/apperrors"
)

type memRoom struct {
	name       string
	maxMembers int
	members    map[string]struct{}
	public     bool
}

type memMessage struct {
	SavedMessage
	readers map[string]int64 // userID -> readAt
}

// MemConnector implements Connectors minus TokenVerifier/TokenRefresher
// (JWTConnector covers those) over plain maps guarded by one mutex.
type MemConnector struct {
	mu sync.Mutex

	users               map[string]UserStatus
	readReceiptsEnabled map[string]bool

	rooms    map[string]*memRoom
	messages map[string]*memMessage // messageID -> message
}

func NewMemConnector() *MemConnector {
	return &MemConnector{
		users:               make(map[string]UserStatus),
		readReceiptsEnabled: make(map[string]bool),
		rooms:               make(map[string]*memRoom),
		messages:            make(map[string]*memMessage),
	}
}

func (m *MemConnector) SeedUser(userID string, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[userID] = UserStatus{IsActive: active}
}

func (m *MemConnector) SeedRoom(roomID, name string, maxMembers int, public bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[roomID] = &memRoom{name: name, maxMembers: maxMembers, members: make(map[string]struct{}), public: public}
}

func (m *MemConnector) ValidateUser(ctx context.Context, userID string) (UserStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status, ok := m.users[userID]
	if !ok {
		return UserStatus{}, apperrors.NotFound("unknown user", nil)
	}
	return status, nil
}

// RoomAccess auto-joins public rooms up to maxMembers, per spec.md
// §4.7's room-join handler.
func (m *MemConnector) RoomAccess(ctx context.Context, userID, roomID string) (RoomInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return RoomInfo{}, apperrors.NotFound("room not found", nil)
	}

	_, isMember := room.members[userID]
	if !isMember {
		if !room.public {
			return RoomInfo{}, apperrors.Forbidden("not a member of private room", nil)
		}
		if room.maxMembers > 0 && len(room.members) >= room.maxMembers {
			return RoomInfo{}, apperrors.Forbidden("room is at capacity", nil)
		}
		room.members[userID] = struct{}{}
		isMember = true
	}

	return RoomInfo{
		ID:          roomID,
		Name:        room.name,
		MemberCount: len(room.members),
		IsMember:    isMember,
	}, nil
}

// SendMessage persists content. Content length is validated by the
// gateway before this is called; replyToId, when set, is checked here
// and must name a message in the same room.
func (m *MemConnector) SendMessage(ctx context.Context, userID, roomID, content, replyToID string) (SavedMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return SavedMessage{}, apperrors.NotFound("room not found", nil)
	}
	if _, isMember := room.members[userID]; !isMember {
		return SavedMessage{}, apperrors.Forbidden("not a member of this room", nil)
	}
	if replyToID != "" {
		orig, ok := m.messages[replyToID]
		if !ok || orig.RoomID != roomID {
			return SavedMessage{}, apperrors.NotFound("replyTo message not in this room", nil)
		}
	}

	msg := SavedMessage{
		ID:         uuid.NewString(),
		RoomID:     roomID,
		SenderID:   userID,
		SenderName: userID,
		Content:    content,
		ReplyToID:  replyToID,
		CreatedAt:  time.Now().UnixMilli(),
	}
	m.messages[msg.ID] = &memMessage{SavedMessage: msg, readers: make(map[string]int64)}
	return msg, nil
}

// MarkMessageAsRead returns created=false on a repeat read of the same
// (roomId, messageId) by the same reader, so the caller can suppress
// the read-receipt broadcast past the first receipt.
func (m *MemConnector) MarkMessageAsRead(ctx context.Context, userID, roomID, messageID string) (string, int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[messageID]
	if !ok || msg.RoomID != roomID {
		return "", 0, false, apperrors.NotFound("message not found", nil)
	}
	if _, already := msg.readers[userID]; already {
		return msg.SenderID, msg.readers[userID], false, nil
	}
	readAt := time.Now().UnixMilli()
	msg.readers[userID] = readAt
	return msg.SenderID, readAt, true, nil
}

func (m *MemConnector) GetReadReceipts(ctx context.Context, userID, roomID, messageID string) ([]ReadReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[messageID]
	if !ok || msg.RoomID != roomID {
		return nil, apperrors.NotFound("message not found", nil)
	}
	receipts := make([]ReadReceipt, 0, len(msg.readers))
	for uid, readAt := range msg.readers {
		if enabled, ok := m.readReceiptsEnabled[uid]; ok && !enabled {
			continue
		}
		receipts = append(receipts, ReadReceipt{UserID: uid, Username: uid, ReadAt: readAt})
	}
	return receipts, nil
}

// ReadReceiptsEnabled defaults to true when unset, per spec.md §4.9.
func (m *MemConnector) ReadReceiptsEnabled(ctx context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if enabled, ok := m.readReceiptsEnabled[userID]; ok {
		return enabled, nil
	}
	return true, nil
}

func (m *MemConnector) SetReadReceiptsEnabled(userID string, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readReceiptsEnabled[userID] = enabled
}
