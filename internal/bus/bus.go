// Package bus is the Cross-Instance Bus (XIB): it subscribes to the
// keyspace pub/sub channels and fans events out to locally-attached
// sockets via the session/gateway layer. Grounded in the teacher's
// internal/events/redis_bus.go subscriber-loop shape and
// internal/websocket/redis_bridge.go's dispatch-by-channel switch,
// generalized to the exact channel set and dispatch rules spec.md
// §4.8 specifies, supervised with golang.org/x/sync/errgroup the way
// dantte-lp-gobfd supervises its background goroutines.
package bus

import (
	"context"
	"encoding/json"

	"golang.org/x/sync/errgroup"

	"sentinelchat/internal/keyspace"
	"sentinelchat/internal/metrics"
	"sentinelchat/pkg/logger"
)

// Dispatcher is the narrow capability the bus needs from the local
// connection registry: fan a frame out to a room or a user's sockets,
// and cancel a pending local disconnect-grace timer. cmd/server wires
// gateway.Hub's adapter (gateway/bus_adapter.go) in as this interface,
// so bus never imports package gateway and there is no import cycle
// between the two.
type Dispatcher interface {
	SendToRoom(roomID string, frameType string, data interface{})
	SendToUser(userID string, frameType string, data interface{})
	CancelGraceTimer(userID string) bool
}

const (
	chanUserStatus       = "user-status"
	chanPresenceUpdate   = "presence-update"
	chanTypingUpdate     = "typing-update"
	chanReadReceipt      = "read-receipt-update"
	chanRoomEvent        = "room-event"
	chanMessageNew       = "message-new"
)

type Bus struct {
	ka   *keyspace.Client
	disp Dispatcher
	log  *logger.Logger
}

func New(ka *keyspace.Client, disp Dispatcher, log *logger.Logger) *Bus {
	return &Bus{ka: ka, disp: disp, log: log}
}

// Run subscribes to every channel spec.md §4.8 names and dispatches
// until ctx is cancelled, reconnecting the subscription on connection
// loss the way spec.md §5 requires ("keyspace subscriber reconnects
// on connection loss; in-flight events during the gap are considered
// lost and reconciled by the 15-minute sweep").
func (b *Bus) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.subscribeLoop(gctx)
	})
	return g.Wait()
}

func (b *Bus) subscribeLoop(ctx context.Context) error {
	for {
		if err := b.subscribeOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			metrics.BusReconnects.Inc()
			b.log.Logger.Sugar().Warnw("bus: subscription dropped, reconnecting", "error", err)
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (b *Bus) subscribeOnce(ctx context.Context) error {
	sub := b.ka.Subscribe(ctx, chanUserStatus, chanPresenceUpdate, chanTypingUpdate, chanReadReceipt, chanRoomEvent, chanMessageNew)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.dispatch(msg.Channel, []byte(msg.Payload))
		}
	}
}

func (b *Bus) dispatch(channel string, payload []byte) {
	switch channel {
	case chanUserStatus:
		b.handleUserStatus(payload)
	case chanPresenceUpdate:
		b.handlePresenceUpdate(payload)
	case chanTypingUpdate:
		b.handleTypingUpdate(payload)
	case chanReadReceipt:
		b.handleReadReceiptUpdate(payload)
	case chanRoomEvent:
		b.handleRoomEvent(payload)
	case chanMessageNew:
		b.handleMessageNew(payload)
	}
}

type userStatusEvent struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// handleUserStatus implements spec.md §4.8: a non-OFFLINE status from
// any instance cancels this instance's pending local grace timer for
// that user, so a reconnect anywhere debounces an offlining already
// in flight here.
func (b *Bus) handleUserStatus(payload []byte) {
	var evt userStatusEvent
	if !b.decode(payload, &evt) {
		return
	}
	if evt.Status != "OFFLINE" {
		b.disp.CancelGraceTimer(evt.UserID)
	}
}

type presenceUpdateEvent struct {
	RoomID    string `json:"roomId"`
	UserID    string `json:"userId"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

func (b *Bus) handlePresenceUpdate(payload []byte) {
	var evt presenceUpdateEvent
	if !b.decode(payload, &evt) {
		return
	}
	b.disp.SendToRoom(evt.RoomID, "presence:update", evt)
}

type typingUpdateEvent struct {
	RoomID      string        `json:"roomId"`
	TypingUsers []interface{} `json:"typingUsers"`
	Timestamp   int64         `json:"timestamp"`
}

func (b *Bus) handleTypingUpdate(payload []byte) {
	var evt typingUpdateEvent
	if !b.decode(payload, &evt) {
		return
	}
	b.disp.SendToRoom(evt.RoomID, "typing:update", evt)
}

type readReceiptEvent struct {
	TargetUserID string `json:"targetUserId"`
	RoomID       string `json:"roomId"`
	MessageID    string `json:"messageId"`
	UserID       string `json:"userId"`
	Username     string `json:"username"`
	ReadAt       int64  `json:"readAt"`
}

// handleReadReceiptUpdate targets only the sockets belonging to the
// sender being notified, never the whole room — spec.md §4.7/§4.8's
// read-receipt privacy rule.
func (b *Bus) handleReadReceiptUpdate(payload []byte) {
	var evt readReceiptEvent
	if !b.decode(payload, &evt) {
		return
	}
	b.disp.SendToUser(evt.TargetUserID, "message:read", evt)
}

type roomEvent struct {
	Type      string `json:"type"`
	Action    string `json:"action"`
	RoomID    string `json:"roomId"`
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	Timestamp int64  `json:"timestamp"`
}

// handleRoomEvent is informational per spec.md §4.8, but it is also
// the single authoritative path for user:joined/user:left frames
// reaching local sockets (SPEC_FULL.md §4's resolution of the
// duplicate-broadcast Open Question) — GR itself never emits these.
func (b *Bus) handleRoomEvent(payload []byte) {
	var evt roomEvent
	if !b.decode(payload, &evt) {
		return
	}
	frameType := "user:joined"
	if evt.Type == "user:left" {
		frameType = "user:left"
	}
	b.disp.SendToRoom(evt.RoomID, frameType, evt)
}

type messageNewEvent struct {
	RoomID string `json:"roomId"`
}

func (b *Bus) handleMessageNew(payload []byte) {
	var evt messageNewEvent
	var raw map[string]interface{}
	if err := json.Unmarshal(payload, &raw); err != nil {
		b.log.Logger.Sugar().Warnw("bus: dropping undecodable message-new event", "error", err)
		return
	}
	if err := json.Unmarshal(payload, &evt); err != nil {
		return
	}
	b.disp.SendToRoom(evt.RoomID, "message:new", raw)
}

func (b *Bus) decode(payload []byte, out interface{}) bool {
	if err := json.Unmarshal(payload, out); err != nil {
		b.log.Logger.Sugar().Warnw("bus: dropping undecodable event", "error", err)
		return false
	}
	return true
}
