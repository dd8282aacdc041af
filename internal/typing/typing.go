// Package typing is the Typing Ledger (TL): ephemeral per-room typing
// membership with TTL auto-expiry and change notifications. Grounded
// in the teacher's internal/redis/presence.go sorted-set-plus-detail-key
// shape, narrowed to the 5s TTL and best-effort failure policy spec.md
// §4.4 requires.
package typing

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"sentinelchat/internal/keyspace"
	"sentinelchat/internal/metrics"
	"sentinelchat/pkg/apperrors"
	"sentinelchat/pkg/logger"
)

type entry struct {
	Username  string `json:"username"`
	Timestamp int64  `json:"timestamp"`
}

// RoomIndex mirrors presence.RoomIndex; TL needs the same user→rooms
// lookup for removeFromAllRooms on disconnect.
type RoomIndex interface {
	GetUserRooms(ctx context.Context, userID string) ([]string, error)
}

type Ledger struct {
	ka    *keyspace.Client
	rooms RoomIndex
	ttl   time.Duration
	log   *logger.Logger

	// activeRoomsMu guards activeRooms, the set of rooms this instance
	// has last seen a non-empty typing-users list for. It only drives
	// metrics.TypingLedgerSize; the keyspace set/detail keys remain the
	// source of truth for GetTypingUsers.
	activeRoomsMu sync.Mutex
	activeRooms   map[string]struct{}
}

func New(ka *keyspace.Client, rooms RoomIndex, ttl time.Duration, log *logger.Logger) *Ledger {
	return &Ledger{ka: ka, rooms: rooms, ttl: ttl, log: log, activeRooms: make(map[string]struct{})}
}

func setKey(roomID string) string          { return fmt.Sprintf("typing:%s", roomID) }
func detailKey(roomID, userID string) string { return fmt.Sprintf("typing:%s:%s", roomID, userID) }

type TypingUser struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type updateEvent struct {
	RoomID      string       `json:"roomId"`
	TypingUsers []TypingUser `json:"typingUsers"`
	Timestamp   int64        `json:"timestamp"`
}

// Start writes the per-user typing key, adds the user to the room's
// typing set, refreshes the set's own TTL so an actively-typing room
// never loses its aggregate between individual key expiries, and
// publishes the current typing-users list.
func (l *Ledger) Start(ctx context.Context, userID, roomID, username string) ([]TypingUser, error) {
	now := time.Now()
	if err := l.ka.SetJSON(ctx, detailKey(roomID, userID), entry{Username: username, Timestamp: now.UnixMilli()}, l.ttl); err != nil {
		return nil, wrapTransient(err)
	}
	if err := l.ka.SAdd(ctx, setKey(roomID), userID); err != nil {
		return nil, wrapTransient(err)
	}
	if err := l.ka.Expire(ctx, setKey(roomID), l.ttl); err != nil {
		return nil, wrapTransient(err)
	}

	users, err := l.GetTypingUsers(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if err := l.publish(ctx, roomID, users, now); err != nil {
		l.log.Logger.Sugar().Warnw("typing: publish failed", "roomId", roomID, "error", err)
	}
	return users, nil
}

// Stop deletes the per-user key, removes the user from the set, and
// publishes the resulting typing-users list.
func (l *Ledger) Stop(ctx context.Context, userID, roomID string) ([]TypingUser, error) {
	if _, err := l.ka.Del(ctx, detailKey(roomID, userID)); err != nil {
		return nil, wrapTransient(err)
	}
	if err := l.ka.SRem(ctx, setKey(roomID), userID); err != nil {
		return nil, wrapTransient(err)
	}

	users, err := l.GetTypingUsers(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if err := l.publish(ctx, roomID, users, time.Now()); err != nil {
		l.log.Logger.Sugar().Warnw("typing: publish failed", "roomId", roomID, "error", err)
	}
	return users, nil
}

// GetTypingUsers reads the set, pipelines a GET of each detail key,
// and opportunistically SREMs any user whose detail key already
// expired — the room set is allowed to lag the live key set slightly.
func (l *Ledger) GetTypingUsers(ctx context.Context, roomID string) ([]TypingUser, error) {
	userIDs, err := l.ka.SMembers(ctx, setKey(roomID))
	if err != nil {
		return nil, wrapTransient(err)
	}

	details := make([]interface{ Result() (string, error) }, len(userIDs))
	if _, err := l.ka.RunPipeline(ctx, func(pipe keyspace.Pipeliner) error {
		for i, uid := range userIDs {
			details[i] = pipe.Get(ctx, detailKey(roomID, uid))
		}
		return nil
	}); err != nil {
		return nil, wrapTransient(err)
	}

	users := make([]TypingUser, 0, len(userIDs))
	for i, uid := range userIDs {
		var e entry
		raw, gerr := details[i].Result()
		if gerr != nil || json.Unmarshal([]byte(raw), &e) != nil {
			go func(roomID, uid string) {
				cleanupCtx := context.Background()
				if err := l.ka.SRem(cleanupCtx, setKey(roomID), uid); err != nil {
					l.log.Logger.Sugar().Warnw("typing: cleanup SREM failed", "roomId", roomID, "userId", uid, "error", err)
				}
			}(roomID, uid)
			continue
		}
		users = append(users, TypingUser{UserID: uid, Username: e.Username})
	}
	return users, nil
}

// RemoveFromAllRooms calls Stop for each room in the user→rooms index,
// used on the offline transition (spec.md §4.6).
func (l *Ledger) RemoveFromAllRooms(ctx context.Context, userID string) error {
	rooms, err := l.rooms.GetUserRooms(ctx, userID)
	if err != nil {
		return wrapTransient(err)
	}
	for _, roomID := range rooms {
		if _, err := l.Stop(ctx, userID, roomID); err != nil {
			l.log.Logger.Sugar().Warnw("typing: stop during cleanup failed", "roomId", roomID, "userId", userID, "error", err)
		}
	}
	return nil
}

func (l *Ledger) publish(ctx context.Context, roomID string, users []TypingUser, at time.Time) error {
	l.trackActiveRoom(roomID, len(users) > 0)
	return l.ka.Publish(ctx, "typing-update", updateEvent{
		RoomID:      roomID,
		TypingUsers: users,
		Timestamp:   at.UnixMilli(),
	})
}

// trackActiveRoom maintains the in-process room set backing
// metrics.TypingLedgerSize — a gauge of rooms this instance currently
// knows to have at least one typing user, per SPEC_FULL.md §3.
func (l *Ledger) trackActiveRoom(roomID string, active bool) {
	l.activeRoomsMu.Lock()
	if active {
		l.activeRooms[roomID] = struct{}{}
	} else {
		delete(l.activeRooms, roomID)
	}
	size := len(l.activeRooms)
	l.activeRoomsMu.Unlock()
	metrics.TypingLedgerSize.Set(float64(size))
}

// wrapTransient implements spec.md §4.4's failure policy: typing
// errors propagate as Transient so the gateway logs and continues
// rather than surfacing them to the client.
func wrapTransient(err error) error {
	if err == nil {
		return nil
	}
	return apperrors.Transient("typing ledger operation failed", err)
}
