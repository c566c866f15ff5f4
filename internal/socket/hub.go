// Package socket maintains live client sessions per user and pushes
// best-effort push notifications over them. Persistence of what was sent
// lives entirely in the Notifier; the hub replays nothing.
package socket

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Session is a single live client connection. Conn implements it directly;
// tests substitute a fake.
type Session interface {
	// WriteJSON sends one message. Implementations must be safe to call
	// concurrently with Close and with another WriteJSON on the same
	// session: the hub takes no per-session lock, so concurrent SendToUser
	// or Broadcast calls may write to one session at once (Conn serializes
	// its writes with its own mutex).
	WriteJSON(v any) error
	Close() error
}

// Conn adapts a *websocket.Conn to Session.
type Conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

// NewConn wraps an established websocket connection.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

func (c *Conn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteJSON(v)
}

func (c *Conn) Close() error {
	return c.ws.Close()
}

// Message is a push payload; Type selects the client-side handler.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Hub maps user ids to their live sessions. All operations are safe for
// concurrent use. A single goroutine calling SendToUser repeatedly for the
// same user observes its messages delivered in call order; there is no
// ordering guarantee across users or across goroutines.
type Hub struct {
	mu       sync.RWMutex
	sessions map[int64]map[Session]struct{}
}

// New creates an empty Hub.
func New() *Hub {
	return &Hub{sessions: map[int64]map[Session]struct{}{}}
}

// Attach registers sess as a live session for userID. The caller must have
// already authenticated the session; the hub performs no auth itself.
func (h *Hub) Attach(userID int64, sess Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[userID] == nil {
		h.sessions[userID] = map[Session]struct{}{}
	}
	h.sessions[userID][sess] = struct{}{}
}

// Detach removes sess from userID's live set. Safe to call more than once.
func (h *Hub) Detach(userID int64, sess Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.sessions[userID]
	if !ok {
		return
	}
	delete(set, sess)
	if len(set) == 0 {
		delete(h.sessions, userID)
	}
}

// SendToUser fans msg out to every live session of userID. A session whose
// write fails is detached silently; it does not block or fail delivery to
// the user's other sessions.
func (h *Hub) SendToUser(userID int64, msg Message) {
	h.mu.RLock()
	set := h.sessions[userID]
	sessions := make([]Session, 0, len(set))
	for s := range set {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	for _, s := range sessions {
		if err := s.WriteJSON(msg); err != nil {
			slog.Debug("socket write failed, detaching session", "user_id", userID, "error", err)
			h.Detach(userID, s)
			s.Close()
		}
	}
}

// Broadcast sends msg to every attached session of every user.
func (h *Hub) Broadcast(msg Message) {
	h.mu.RLock()
	type target struct {
		userID int64
		sess   Session
	}
	var targets []target
	for userID, set := range h.sessions {
		for s := range set {
			targets = append(targets, target{userID, s})
		}
	}
	h.mu.RUnlock()

	for _, t := range targets {
		if err := t.sess.WriteJSON(msg); err != nil {
			slog.Debug("socket broadcast write failed, detaching session", "user_id", t.userID, "error", err)
			h.Detach(t.userID, t.sess)
			t.sess.Close()
		}
	}
}

// ConnectionCount returns the number of live sessions across all users.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.sessions {
		n += len(set)
	}
	return n
}
