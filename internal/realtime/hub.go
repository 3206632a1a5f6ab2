package realtime

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"angira/api/internal/events"
	"angira/api/internal/logging"
	"angira/api/internal/store"
)

// Session is the identity bound to a connection when it was accepted.
type Session struct {
	ConnID      string
	User        store.User
	ConnectedAt time.Time
}

type member struct {
	peer    Peer
	session Session
}

// Hub tracks live sessions and the rooms they belong to, and fans events out
// to rooms. Every connection is placed in its personal room on Attach and
// leaves every room on Detach.
type Hub struct {
	mu          sync.RWMutex
	sessions    map[string]member              // connID -> member
	rooms       map[string]map[string]Peer     // room -> connID -> peer
	memberships map[string]map[string]struct{} // connID -> rooms
	log         *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Hub{
		sessions:    make(map[string]member),
		rooms:       make(map[string]map[string]Peer),
		memberships: make(map[string]map[string]struct{}),
		log:         logger,
	}
}

func threadRoom(threadID int64) string { return fmt.Sprintf("thread:%d", threadID) }

func userRoom(userID int64) string { return fmt.Sprintf("user:%d", userID) }

// Attach registers peer for user. A user may hold any number of connections.
func (h *Hub) Attach(peer Peer, user store.User) Session {
	session := Session{ConnID: peer.ID(), User: user, ConnectedAt: time.Now().UTC()}

	h.mu.Lock()
	h.sessions[session.ConnID] = member{peer: peer, session: session}
	h.memberships[session.ConnID] = make(map[string]struct{})
	h.joinLocked(userRoom(user.ID), session.ConnID, peer)
	h.mu.Unlock()

	return session
}

// Detach drops the session and all of its memberships together. It reports
// whether the connection was still tracked.
func (h *Hub) Detach(connID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.detachLocked(connID)
}

// Join adds the connection to a thread room. Joining twice is a no-op and
// unknown connections are ignored.
func (h *Hub) Join(connID string, threadID int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.sessions[connID]
	if !ok {
		return false
	}
	h.joinLocked(threadRoom(threadID), connID, m.peer)
	return true
}

// Leave removes the connection from a thread room if it is a member.
func (h *Hub) Leave(connID string, threadID int64) {
	h.mu.Lock()
	h.leaveLocked(threadRoom(threadID), connID)
	h.mu.Unlock()
}

// Rooms returns a sorted copy of the rooms the connection is in.
func (h *Hub) Rooms(connID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rooms := make([]string, 0, len(h.memberships[connID]))
	for room := range h.memberships[connID] {
		rooms = append(rooms, room)
	}
	slices.Sort(rooms)
	return rooms
}

func (h *Hub) Session(connID string) (Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m, ok := h.sessions[connID]
	return m.session, ok
}

// UserConnections counts the user's live connections on this process.
func (h *Hub) UserConnections(userID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[userRoom(userID)])
}

func (h *Hub) ToThread(threadID int64, event string, payload any) {
	h.publish(threadRoom(threadID), event, payload)
}

func (h *Hub) ToUser(userID int64, event string, payload any) {
	h.publish(userRoom(userID), event, payload)
}

func (h *Hub) ToConnection(connID string, event string, payload any) {
	frame, ok := h.encode(event, payload)
	if !ok {
		return
	}
	h.mu.RLock()
	m, found := h.sessions[connID]
	h.mu.RUnlock()
	if !found {
		return
	}
	h.deliver(m.peer, event, frame)
}

// publish encodes once and delivers outside the lock; the sender is not
// excluded from its own rooms.
func (h *Hub) publish(room, event string, payload any) {
	frame, ok := h.encode(event, payload)
	if !ok {
		return
	}

	h.mu.RLock()
	peers := make([]Peer, 0, len(h.rooms[room]))
	for _, peer := range h.rooms[room] {
		peers = append(peers, peer)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, peer := range peers {
		if h.deliver(peer, event, frame) {
			delivered++
		}
	}
	h.log.Debug("event published", "room", room, "event", event, "members", len(peers), "delivered", delivered)
}

func (h *Hub) encode(event string, payload any) ([]byte, bool) {
	frame, err := events.Encode(event, payload)
	if err != nil {
		h.log.Error("encode event", "event", event, "error", err)
		return nil, false
	}
	return frame, true
}

func (h *Hub) deliver(peer Peer, event string, frame []byte) bool {
	if err := peer.Send(frame); err != nil {
		h.log.Debug("event dropped", "conn_id", peer.ID(), "event", event, "error", err)
		return false
	}
	return true
}

// Close terminates every tracked connection and clears all state.
func (h *Hub) Close() {
	h.mu.Lock()
	peers := make([]Peer, 0, len(h.sessions))
	for _, m := range h.sessions {
		peers = append(peers, m.peer)
	}
	h.sessions = make(map[string]member)
	h.rooms = make(map[string]map[string]Peer)
	h.memberships = make(map[string]map[string]struct{})
	h.mu.Unlock()

	for _, peer := range peers {
		peer.Close(websocket.CloseGoingAway, "server shutdown")
	}
}

func (h *Hub) joinLocked(room, connID string, peer Peer) {
	peers := h.rooms[room]
	if peers == nil {
		peers = make(map[string]Peer)
		h.rooms[room] = peers
	}
	peers[connID] = peer
	h.memberships[connID][room] = struct{}{}
}

func (h *Hub) leaveLocked(room, connID string) {
	peers := h.rooms[room]
	if peers == nil {
		return
	}
	delete(peers, connID)
	if len(peers) == 0 {
		delete(h.rooms, room)
	}
	if rooms, ok := h.memberships[connID]; ok {
		delete(rooms, room)
	}
}

func (h *Hub) detachLocked(connID string) bool {
	if _, ok := h.sessions[connID]; !ok {
		return false
	}
	for room := range h.memberships[connID] {
		h.leaveLocked(room, connID)
	}
	delete(h.memberships, connID)
	delete(h.sessions, connID)
	return true
}
