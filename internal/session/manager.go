// Package session is the Socket Session Manager (SSM): per-connection
// local state (user, joined rooms, last heartbeat), the user→socket-ids
// map for this instance, and the local disconnect grace timer.
// Grounded in corey-burns-dev-vibeshift's internal/notifications
// ConnectionManager — the closest pack analogue to a local connection
// count plus time.AfterFunc grace timer — generalized here to string
// user/room ids and the exact TTLs spec.md §4.6 names.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is the local record for one socket connection, per
// spec.md §3: (socket-id, user-id, device-id, joined-rooms,
// last-heartbeat).
type Session struct {
	mu            sync.RWMutex
	SocketID      string
	UserID        string
	Username      string
	DeviceID      string
	LastHeartbeat time.Time
	joinedRooms   map[string]struct{}
}

func (s *Session) JoinedRooms() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rooms := make([]string, 0, len(s.joinedRooms))
	for r := range s.joinedRooms {
		rooms = append(rooms, r)
	}
	return rooms
}

func (s *Session) addRoom(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joinedRooms[roomID] = struct{}{}
}

func (s *Session) removeRoom(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.joinedRooms, roomID)
}

func (s *Session) touchHeartbeat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastHeartbeat = time.Now()
}

// OnGraceExpire is invoked once a user's local grace timer fires with
// no intervening reconnect: the SSM has no business calling PL/TL/RMC
// directly (it would create an import cycle with gateway), so the
// caller supplies this callback at construction time.
type OnGraceExpire func(userID, username string, rooms []string)

// Manager holds every piece of per-process state spec.md §4.6
// describes. All of the local maps are guarded by one mutex, so every
// socket's bookkeeping on this instance serializes on that lock; the
// maps are not sharded.
type Manager struct {
	mu          sync.Mutex
	sessions    map[string]*Session            // socketID -> session
	userSockets map[string]map[string]struct{} // userID -> set of socketID
	roomSockets map[string]map[string]struct{} // roomID -> set of socketID, local only
	graceTimers map[string]*time.Timer         // userID -> pending local grace timer
	graceDur    time.Duration
	onExpire    OnGraceExpire
}

func NewManager(graceDuration time.Duration, onExpire OnGraceExpire) *Manager {
	return &Manager{
		sessions:    make(map[string]*Session),
		userSockets: make(map[string]map[string]struct{}),
		roomSockets: make(map[string]map[string]struct{}),
		graceTimers: make(map[string]*time.Timer),
		graceDur:    graceDuration,
		onExpire:    onExpire,
	}
}

// SetOnGraceExpire wires the callback after construction, for callers
// (cmd/server) that need the Manager to build the gateway.Router
// before they have a callback to hand it — the Router's grace-expiry
// handler in turn depends on the Manager it's passed, so something
// has to break the cycle after both exist.
func (m *Manager) SetOnGraceExpire(onExpire OnGraceExpire) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = onExpire
}

// AddSocket registers a new connection for userID, generating a socket
// id, and cancels any pending local grace timer for that user (a
// reconnect on this instance is as good as one on any other). username
// is the display name carried in every typing/read-receipt payload
// this socket's handlers emit, per spec.md §4.4/§4.7.
func (m *Manager) AddSocket(userID, username, deviceID string) *Session {
	socketID := uuid.NewString()
	sess := &Session{
		SocketID:      socketID,
		UserID:        userID,
		Username:      username,
		DeviceID:      deviceID,
		LastHeartbeat: time.Now(),
		joinedRooms:   make(map[string]struct{}),
	}

	m.mu.Lock()
	m.sessions[socketID] = sess
	if m.userSockets[userID] == nil {
		m.userSockets[userID] = make(map[string]struct{})
	}
	m.userSockets[userID][socketID] = struct{}{}
	m.cancelGraceTimerLocked(userID)
	m.mu.Unlock()

	return sess
}

func (m *Manager) GetSession(socketID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[socketID]
	return s, ok
}

func (m *Manager) JoinRoom(socketID, roomID string) {
	s, ok := m.GetSession(socketID)
	if !ok {
		return
	}
	s.addRoom(roomID)

	m.mu.Lock()
	if m.roomSockets[roomID] == nil {
		m.roomSockets[roomID] = make(map[string]struct{})
	}
	m.roomSockets[roomID][socketID] = struct{}{}
	m.mu.Unlock()
}

func (m *Manager) LeaveRoom(socketID, roomID string) {
	s, ok := m.GetSession(socketID)
	if !ok {
		return
	}
	s.removeRoom(roomID)

	m.mu.Lock()
	if sockets, ok := m.roomSockets[roomID]; ok {
		delete(sockets, socketID)
		if len(sockets) == 0 {
			delete(m.roomSockets, roomID)
		}
	}
	m.mu.Unlock()
}

// SocketsInRoom returns every local socket id currently joined to
// roomID, used by the cross-instance bus to fan out room-scoped
// events without re-deriving membership from the keyspace.
func (m *Manager) SocketsInRoom(roomID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	sockets := m.roomSockets[roomID]
	out := make([]string, 0, len(sockets))
	for id := range sockets {
		out = append(out, id)
	}
	return out
}

// SocketsForUser returns every local socket id belonging to userID,
// used by the bus to target read-receipt-update deliveries.
func (m *Manager) SocketsForUser(userID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	sockets := m.userSockets[userID]
	out := make([]string, 0, len(sockets))
	for id := range sockets {
		out = append(out, id)
	}
	return out
}

func (m *Manager) Heartbeat(socketID string) (time.Time, bool) {
	s, ok := m.GetSession(socketID)
	if !ok {
		return time.Time{}, false
	}
	s.touchHeartbeat()
	return s.LastHeartbeat, true
}

// RemoveSocket tears down one connection. If it was the user's last
// local socket, it schedules the grace timer and returns the rooms
// the session had joined so the caller can decide what else to do
// (e.g. ask PL to set the distributed grace marker too).
func (m *Manager) RemoveSocket(socketID string) (userID string, isLastSocket bool, rooms []string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, exists := m.sessions[socketID]
	if !exists {
		return "", false, nil, false
	}
	userID = sess.UserID
	username := sess.Username
	rooms = sess.JoinedRooms()
	delete(m.sessions, socketID)

	for _, roomID := range rooms {
		if rs, ok := m.roomSockets[roomID]; ok {
			delete(rs, socketID)
			if len(rs) == 0 {
				delete(m.roomSockets, roomID)
			}
		}
	}

	sockets := m.userSockets[userID]
	delete(sockets, socketID)
	if len(sockets) == 0 {
		delete(m.userSockets, userID)
		isLastSocket = true
		m.scheduleGraceTimerLocked(userID, username, rooms)
	}
	return userID, isLastSocket, rooms, true
}

func (m *Manager) scheduleGraceTimerLocked(userID, username string, rooms []string) {
	m.cancelGraceTimerLocked(userID)
	m.graceTimers[userID] = time.AfterFunc(m.graceDur, func() {
		m.mu.Lock()
		_, stillPending := m.graceTimers[userID]
		delete(m.graceTimers, userID)
		_, reconnected := m.userSockets[userID]
		m.mu.Unlock()

		if !stillPending || reconnected {
			return
		}
		if m.onExpire != nil {
			m.onExpire(userID, username, rooms)
		}
	})
}

// CancelGraceTimer stops a pending local grace timer, idempotently.
// Called from any task (the XIB dispatcher on a cross-instance
// reconnect notification, or AddSocket on a local one) — safe to call
// even if no timer is pending.
func (m *Manager) CancelGraceTimer(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelGraceTimerLocked(userID)
}

func (m *Manager) cancelGraceTimerLocked(userID string) bool {
	t, ok := m.graceTimers[userID]
	if !ok {
		return false
	}
	t.Stop()
	delete(m.graceTimers, userID)
	return true
}

// LocalSocketCount returns how many sockets this instance currently
// holds for userID, used by tests.
func (m *Manager) LocalSocketCount(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.userSockets[userID])
}

// ConnectedSockets returns the total number of live local sessions,
// wired into metrics.ConnectedSockets by the gateway on each
// connect/disconnect.
func (m *Manager) ConnectedSockets() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
