// Package roommembership is the Room Membership Cache (RMC): which
// users are currently connected to which rooms, for fast fan-out
// decisions. Grounded in the teacher's internal/redis set helpers
// (room membership there was tracked ad hoc inside the websocket hub;
// here it is its own addressable module per spec.md §4.5).
package roommembership

import (
	"context"
	"fmt"
	"time"

	"sentinelchat/internal/keyspace"
)

type Cache struct {
	ka *keyspace.Client
}

func New(ka *keyspace.Client) *Cache {
	return &Cache{ka: ka}
}

func roomUsersKey(roomID string) string { return fmt.Sprintf("room:%s:users", roomID) }
func userRoomsKey(userID string) string { return fmt.Sprintf("user:%s:rooms", userID) }

const knownRoomsKey = "rmc:known-rooms"

// roomEvent is the room-event pub/sub payload. Action mirrors Type —
// spec.md §6's user:joined/user:left frame shape names both a frame
// type and an "action" field carrying the same value — kept as two
// fields so XIB can use Type to pick the frame name while forwarding
// Action verbatim in the frame body, matching the wire shape exactly.
type roomEvent struct {
	Type      string `json:"type"`
	Action    string `json:"action"`
	RoomID    string `json:"roomId"`
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	Timestamp int64  `json:"timestamp"`
}

// AddUserToRoom indexes the membership both directions and publishes
// a "user:joined" room-event. GR never emits user:joined directly to
// local sockets — XIB is the single authoritative path for this event
// (spec.md §9 Open Question, resolved in SPEC_FULL.md §4).
func (c *Cache) AddUserToRoom(ctx context.Context, userID, username, roomID string) error {
	if err := c.ka.SAdd(ctx, roomUsersKey(roomID), userID); err != nil {
		return err
	}
	if err := c.ka.SAdd(ctx, userRoomsKey(userID), roomID); err != nil {
		return err
	}
	if err := c.ka.SAdd(ctx, knownRoomsKey, roomID); err != nil {
		return err
	}
	return c.ka.Publish(ctx, "room-event", roomEvent{
		Type:      "user:joined",
		Action:    "user:joined",
		RoomID:    roomID,
		UserID:    userID,
		Username:  username,
		Timestamp: time.Now().UnixMilli(),
	})
}

// RemoveUserFromRoom is the symmetric teardown, publishing
// "user:left".
func (c *Cache) RemoveUserFromRoom(ctx context.Context, userID, username, roomID string) error {
	if err := c.ka.SRem(ctx, roomUsersKey(roomID), userID); err != nil {
		return err
	}
	if err := c.ka.SRem(ctx, userRoomsKey(userID), roomID); err != nil {
		return err
	}
	return c.ka.Publish(ctx, "room-event", roomEvent{
		Type:      "user:left",
		Action:    "user:left",
		RoomID:    roomID,
		UserID:    userID,
		Username:  username,
		Timestamp: time.Now().UnixMilli(),
	})
}

// GetOnlineUsersInRoom intersects the per-room user set with PL's
// global online sorted set. PL's online index is a sorted set (scored
// by lastSeenAt), so the intersection can't be done with a Redis-side
// SINTER against room:{roomId}:users (a plain set) — the caller
// supplies the already-read online user-id list from PL and this
// method intersects it against the room membership set.
func (c *Cache) GetOnlineUsersInRoom(ctx context.Context, roomID string, onlineUserIDs []string) ([]string, error) {
	roomUsers, err := c.ka.SMembers(ctx, roomUsersKey(roomID))
	if err != nil {
		return nil, err
	}
	online := make(map[string]struct{}, len(onlineUserIDs))
	for _, uid := range onlineUserIDs {
		online[uid] = struct{}{}
	}
	result := make([]string, 0, len(roomUsers))
	for _, uid := range roomUsers {
		if _, ok := online[uid]; ok {
			result = append(result, uid)
		}
	}
	return result, nil
}

// GetUserRooms returns the user→rooms set; this is the RoomIndex
// implementation presence.Ledger and typing.Ledger depend on.
func (c *Cache) GetUserRooms(ctx context.Context, userID string) ([]string, error) {
	return c.ka.SMembers(ctx, userRoomsKey(userID))
}

// GetRoomUsers returns every user currently connected to roomID,
// online or not.
func (c *Cache) GetRoomUsers(ctx context.Context, roomID string) ([]string, error) {
	return c.ka.SMembers(ctx, roomUsersKey(roomID))
}

// ListKnownRooms returns every room id any instance has recorded a
// join for (the set lives in the shared keyspace), a loose superset used only to scope the presence sweep's
// per-room sorted-set cleanup (spec.md §4.3's background sweep) — a
// room's entries expiring here is harmless even if nobody has joined
// it in a while.
func (c *Cache) ListKnownRooms(ctx context.Context) ([]string, error) {
	return c.ka.SMembers(ctx, knownRoomsKey)
}
