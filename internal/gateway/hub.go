// hub.go owns the local socketID -> live connection registry, the
// piece session.Manager deliberately does not hold (it tracks
// metadata only). Adapted from the teacher's internal/websocket/hub.go,
// narrowed to registration/send/broadcast-to-local-set since the
// actual room/presence/typing fan-out now flows through the bus
// package exclusively (spec.md §9 Open Question, resolved XIB-only).
package gateway

import (
	"sync"

	"sentinelchat/internal/session"
	"sentinelchat/pkg/logger"
)

// socketWriter is the minimal send capability a transport connection
// must expose to the hub; *Conn implements it.
type socketWriter interface {
	WriteFrame(frame OutboundFrame) error
	Close()
}

// Hub is the local fan-out target behind bus.Dispatcher (BusDispatcher
// in bus_adapter.go adapts it, so bus never imports this package) and
// bridges the Socket Session Manager's metadata with live connections.
type Hub struct {
	mu      sync.RWMutex
	sockets map[string]socketWriter // socketID -> connection

	Sessions *session.Manager
	log      *logger.Logger
}

func NewHub(sessions *session.Manager, log *logger.Logger) *Hub {
	return &Hub{
		sockets: make(map[string]socketWriter),
		Sessions: sessions,
		log:      log,
	}
}

func (h *Hub) register(socketID string, w socketWriter) {
	h.mu.Lock()
	h.sockets[socketID] = w
	h.mu.Unlock()
}

func (h *Hub) unregister(socketID string) {
	h.mu.Lock()
	delete(h.sockets, socketID)
	h.mu.Unlock()
}

// SendToSocket delivers frame to one local socket; a missing socket is
// not an error, since the bus may race a local disconnect.
func (h *Hub) SendToSocket(socketID string, frame OutboundFrame) error {
	h.mu.RLock()
	w, ok := h.sockets[socketID]
	h.mu.RUnlock()
	if !ok {
		return nil
	}
	return w.WriteFrame(frame)
}

// SendToRoom delivers frame to every local socket SocketsInRoom
// reports for roomID. Errors writing to one socket do not stop
// delivery to the others.
func (h *Hub) SendToRoom(roomID string, frame OutboundFrame) {
	for _, socketID := range h.Sessions.SocketsInRoom(roomID) {
		if err := h.SendToSocket(socketID, frame); err != nil {
			h.log.Logger.Sugar().Warnw("hub: send to room socket failed", "roomId", roomID, "socketId", socketID, "error", err)
		}
	}
}

// SendToUser delivers frame to every local socket belonging to userID.
func (h *Hub) SendToUser(userID string, frame OutboundFrame) {
	for _, socketID := range h.Sessions.SocketsForUser(userID) {
		if err := h.SendToSocket(socketID, frame); err != nil {
			h.log.Logger.Sugar().Warnw("hub: send to user socket failed", "userId", userID, "socketId", socketID, "error", err)
		}
	}
}

func (h *Hub) SocketsInRoom(roomID string) []string { return h.Sessions.SocketsInRoom(roomID) }
func (h *Hub) SocketsForUser(userID string) []string { return h.Sessions.SocketsForUser(userID) }
func (h *Hub) CancelGraceTimer(userID string) bool   { return h.Sessions.CancelGraceTimer(userID) }
