// Package presence is the Presence Ledger (PL): global user presence,
// per-room presence sorted sets, idle/away derivation and the
// distributed disconnect grace timer. Grounded in the teacher's
// internal/redis/presence.go for the sorted-set-plus-JSON-record
// shape, generalized to the full status lattice and grace-marker
// semantics spec.md §3–§4.3 require.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"sentinelchat/internal/keyspace"
	"sentinelchat/internal/metrics"
	"sentinelchat/pkg/apperrors"
	"sentinelchat/pkg/logger"
)

type Status string

const (
	Online  Status = "ONLINE"
	Idle    Status = "IDLE"
	Away    Status = "AWAY"
	Busy    Status = "BUSY"
	Offline Status = "OFFLINE"
)

const (
	onlineSetKey = "presence:online"

	idleAfter    = 5 * time.Minute
	offlineAfter = 15 * time.Minute
)

// Record is the JSON value stored at presence:{userId}.
type Record struct {
	UserID     string   `json:"userId"`
	Status     Status   `json:"status"`
	LastSeenAt int64    `json:"lastSeenAt"` // unix millis
	DeviceID   string   `json:"deviceId,omitempty"`
	Rooms      []string `json:"rooms,omitempty"`
}

// RoomEntry is the JSON value stored at room_presence:{roomId}:{userId}.
type RoomEntry struct {
	UserID     string `json:"userId"`
	Status     Status `json:"status"`
	LastSeenAt int64  `json:"lastSeenAt"`
}

// RoomMember is what getRoomPresence returns per user, after deriving
// the effective status from lastSeenAt.
type RoomMember struct {
	UserID string
	Status Status
}

// Ledger needs the user→rooms index (owned by roommembership) to fan
// setOffline/handleReconnection out across every room a user belongs
// to, so it takes a narrow interface rather than importing that
// package back.
type RoomIndex interface {
	GetUserRooms(ctx context.Context, userID string) ([]string, error)
}

type Ledger struct {
	ka         *keyspace.Client
	rooms      RoomIndex
	presenceTTL time.Duration
	log        *logger.Logger
}

func New(ka *keyspace.Client, rooms RoomIndex, presenceTTL time.Duration, log *logger.Logger) *Ledger {
	return &Ledger{ka: ka, rooms: rooms, presenceTTL: presenceTTL, log: log}
}

func userKey(userID string) string       { return fmt.Sprintf("presence:%s", userID) }
func roomSetKey(roomID string) string    { return fmt.Sprintf("room_presence:%s", roomID) }
func roomEntryKey(roomID, userID string) string {
	return fmt.Sprintf("room_presence:%s:%s", roomID, userID)
}
func graceKey(userID string) string { return fmt.Sprintf("disconnect_grace:%s", userID) }

// DeriveStatus computes the effective status from the last explicit
// intent and lastSeenAt, per spec.md §4.3: ONLINE decays to IDLE after
// 5 min, OFFLINE after 15 min; AWAY/BUSY persist but still expire to
// OFFLINE after 15 min of silence (the record's TTL would have reaped
// it anyway — this just makes a stale read consistent with that).
func DeriveStatus(stored Status, lastSeenAt time.Time, now time.Time) Status {
	if stored == Offline {
		return Offline
	}
	since := now.Sub(lastSeenAt)
	if since >= offlineAfter {
		return Offline
	}
	if stored == Away || stored == Busy {
		return stored
	}
	if since >= idleAfter {
		return Idle
	}
	return Online
}

// SetOnline writes the presence record, indexes the user in the
// global online sorted set, and publishes a user-status event.
func (l *Ledger) SetOnline(ctx context.Context, userID string, status Status, deviceID string) error {
	now := time.Now()
	rec := Record{UserID: userID, Status: status, LastSeenAt: now.UnixMilli(), DeviceID: deviceID}
	if err := l.ka.SetJSON(ctx, userKey(userID), rec, l.presenceTTL); err != nil {
		return err
	}
	if err := l.ka.ZAdd(ctx, onlineSetKey, float64(now.UnixMilli()), userID); err != nil {
		return err
	}
	metrics.PresenceTransitions.WithLabelValues(string(status)).Inc()
	return l.publishUserStatus(ctx, userID, status, now)
}

// SetOffline flips the record to OFFLINE, removes the user from the
// online set and every room presence set it belongs to, and publishes
// an OFFLINE event.
func (l *Ledger) SetOffline(ctx context.Context, userID string) error {
	now := time.Now()
	rec := Record{UserID: userID, Status: Offline, LastSeenAt: now.UnixMilli()}
	if err := l.ka.SetJSON(ctx, userKey(userID), rec, l.presenceTTL); err != nil {
		return err
	}
	if err := l.ka.ZRem(ctx, onlineSetKey, userID); err != nil {
		return err
	}

	rooms, err := l.rooms.GetUserRooms(ctx, userID)
	if err != nil {
		l.log.Logger.Sugar().Warnw("presence: could not list rooms on setOffline", "userId", userID, "error", err)
	}
	for _, roomID := range rooms {
		if derr := l.removeFromRoom(ctx, roomID, userID); derr != nil {
			l.log.Logger.Sugar().Warnw("presence: room cleanup failed", "roomId", roomID, "userId", userID, "error", derr)
		}
	}

	metrics.PresenceTransitions.WithLabelValues(string(Offline)).Inc()
	return l.publishUserStatus(ctx, userID, Offline, now)
}

func (l *Ledger) removeFromRoom(ctx context.Context, roomID, userID string) error {
	if err := l.ka.ZRem(ctx, roomSetKey(roomID), userID); err != nil {
		return err
	}
	_, err := l.ka.Del(ctx, roomEntryKey(roomID, userID))
	return err
}

// Heartbeat refreshes lastSeenAt, promoting OFFLINE→ONLINE and
// re-indexing the user in the online sorted set.
func (l *Ledger) Heartbeat(ctx context.Context, userID string) error {
	now := time.Now()
	var rec Record
	found, err := l.ka.GetJSON(ctx, userKey(userID), &rec)
	if err != nil {
		return err
	}
	status := Online
	if found && rec.Status != Offline {
		status = rec.Status
	}
	rec = Record{UserID: userID, Status: status, LastSeenAt: now.UnixMilli(), DeviceID: rec.DeviceID}
	if err := l.ka.SetJSON(ctx, userKey(userID), rec, l.presenceTTL); err != nil {
		return err
	}
	return l.ka.ZAdd(ctx, onlineSetKey, float64(now.UnixMilli()), userID)
}

// SetPresenceInRoom writes the per-(room,user) entry, indexes it in
// the room sorted set, and publishes on presence-update.
func (l *Ledger) SetPresenceInRoom(ctx context.Context, roomID, userID string, status Status) error {
	now := time.Now()
	entry := RoomEntry{UserID: userID, Status: status, LastSeenAt: now.UnixMilli()}
	if err := l.ka.SetJSON(ctx, roomEntryKey(roomID, userID), entry, l.presenceTTL); err != nil {
		return err
	}
	if err := l.ka.ZAdd(ctx, roomSetKey(roomID), float64(now.UnixMilli()), userID); err != nil {
		return err
	}
	return l.ka.Publish(ctx, "presence-update", presenceUpdateEvent{
		RoomID:    roomID,
		UserID:    userID,
		Status:    status,
		Timestamp: now.UnixMilli(),
	})
}

type presenceUpdateEvent struct {
	RoomID    string `json:"roomId"`
	UserID    string `json:"userId"`
	Status    Status `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

type userStatusEvent struct {
	UserID    string `json:"userId"`
	Status    Status `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

func (l *Ledger) publishUserStatus(ctx context.Context, userID string, status Status, at time.Time) error {
	return l.ka.Publish(ctx, "user-status", userStatusEvent{
		UserID:    userID,
		Status:    status,
		Timestamp: at.UnixMilli(),
	})
}

const defaultRoomPresenceLimit = 500

// GetRoomPresence returns the room's member list with derived status,
// per spec.md §4.3: zrangebyscore over the last thresholdMs, batched
// GET of each detail row, missing rows treated as ONLINE at now.
func (l *Ledger) GetRoomPresence(ctx context.Context, roomID string, threshold time.Duration, limit int) ([]RoomMember, error) {
	if limit <= 0 || limit > defaultRoomPresenceLimit {
		limit = defaultRoomPresenceLimit
	}
	now := time.Now()
	minScore := fmt.Sprintf("%d", now.Add(-threshold).UnixMilli())
	userIDs, err := l.ka.ZRangeByScoreLimit(ctx, roomSetKey(roomID), minScore, "+inf", int64(limit))
	if err != nil {
		return nil, err
	}

	details := make([]interface{ Result() (string, error) }, len(userIDs))
	if _, err := l.ka.RunPipeline(ctx, func(pipe keyspace.Pipeliner) error {
		for i, uid := range userIDs {
			details[i] = pipe.Get(ctx, roomEntryKey(roomID, uid))
		}
		return nil
	}); err != nil {
		return nil, err
	}

	members := make([]RoomMember, 0, len(userIDs))
	for i, uid := range userIDs {
		var entry RoomEntry
		raw, gerr := details[i].Result()
		if gerr != nil || json.Unmarshal([]byte(raw), &entry) != nil {
			members = append(members, RoomMember{UserID: uid, Status: Online})
			continue
		}
		derived := DeriveStatus(entry.Status, time.UnixMilli(entry.LastSeenAt), now)
		members = append(members, RoomMember{UserID: uid, Status: derived})
	}
	return members, nil
}

// GetOnlineUserIDs returns every user currently indexed in the global
// online sorted set spec.md §4.5 names — the other half of
// RMC.GetOnlineUsersInRoom's intersection.
func (l *Ledger) GetOnlineUserIDs(ctx context.Context) ([]string, error) {
	// a negative LIMIT count returns every match
	return l.ka.ZRangeByScoreLimit(ctx, onlineSetKey, "-inf", "+inf", -1)
}

// StartDisconnectGrace sets the grace marker used to debounce
// cross-instance disconnects, per spec.md §4.6: TTL = max(1s,
// ceil(graceMs/1000)).
func (l *Ledger) StartDisconnectGrace(ctx context.Context, userID string, grace time.Duration) error {
	ttl := grace.Truncate(time.Second)
	if ttl < grace {
		ttl += time.Second
	}
	if ttl < time.Second {
		ttl = time.Second
	}
	return l.ka.Set(ctx, graceKey(userID), "1", ttl)
}

// CancelDisconnectGrace deletes the marker, returning true iff it
// existed.
func (l *Ledger) CancelDisconnectGrace(ctx context.Context, userID string) (bool, error) {
	n, err := l.ka.Del(ctx, graceKey(userID))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// HandleReconnection cancels the grace marker, sets the user ONLINE,
// and re-asserts room presence for every room in the user→rooms
// index. A failure re-asserting one room does not prevent the others.
func (l *Ledger) HandleReconnection(ctx context.Context, userID, deviceID string) error {
	if _, err := l.CancelDisconnectGrace(ctx, userID); err != nil {
		return err
	}
	if err := l.SetOnline(ctx, userID, Online, deviceID); err != nil {
		return err
	}
	rooms, err := l.rooms.GetUserRooms(ctx, userID)
	if err != nil {
		return apperrors.Transient("could not list rooms on reconnect", err)
	}
	for _, roomID := range rooms {
		if err := l.SetPresenceInRoom(ctx, roomID, userID, Online); err != nil {
			l.log.Logger.Sugar().Warnw("presence: reassert failed", "roomId", roomID, "userId", userID, "error", err)
		}
	}
	return nil
}

// Sweep runs the once-per-minute background pass from spec.md §4.3:
// drop sorted-set entries older than offlineAfter from the global and
// room sets, and mark matching rows OFFLINE via the caller-supplied
// deactivate callback (the real store lives behind PC).
func (l *Ledger) Sweep(ctx context.Context, roomIDs []string, markOffline func(ctx context.Context, userID string) error) error {
	now := time.Now()
	cutoff := fmt.Sprintf("%d", now.Add(-offlineAfter).UnixMilli())

	stale, err := l.ka.ZRangeByScoreLimit(ctx, onlineSetKey, "-inf", cutoff, defaultRoomPresenceLimit)
	if err != nil {
		return err
	}
	if err := l.ka.ZRemRangeByScore(ctx, onlineSetKey, "-inf", cutoff); err != nil {
		return err
	}
	for _, uid := range stale {
		if markOffline != nil {
			if merr := markOffline(ctx, uid); merr != nil {
				l.log.Logger.Sugar().Warnw("presence sweep: markOffline failed", "userId", uid, "error", merr)
			}
		}
	}

	for _, roomID := range roomIDs {
		if err := l.ka.ZRemRangeByScore(ctx, roomSetKey(roomID), "-inf", cutoff); err != nil {
			l.log.Logger.Sugar().Warnw("presence sweep: room cleanup failed", "roomId", roomID, "error", err)
		}
	}
	return nil
}
