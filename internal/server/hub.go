package server

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kindled/chatd/internal/chatproto"
	"github.com/kindled/chatd/internal/domain"
)

// hub indexes live sessions by id. Fan-out resolves room membership to
// session ids first, then looks connections up here.
type hub struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

// session is one admitted WebSocket connection. The read loop owns it;
// everything else references it by id through the hub.
type session struct {
	id              string
	userID          string
	snapshot        domain.Snapshot
	conn            *websocket.Conn
	authenticatedAt time.Time

	writeMu          sync.Mutex
	writeTimeout     time.Duration
	lastSeenUnixNano atomic.Int64
}

func newHub() *hub {
	return &hub{sessions: make(map[string]*session)}
}

func (h *hub) add(s *session) {
	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()
}

func (h *hub) remove(sessionID string) {
	h.mu.Lock()
	delete(h.sessions, sessionID)
	h.mu.Unlock()
}

func (h *hub) get(sessionID string) (*session, bool) {
	h.mu.RLock()
	s, ok := h.sessions[sessionID]
	h.mu.RUnlock()
	return s, ok
}

func (h *hub) all() []*session {
	h.mu.RLock()
	out := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	h.mu.RUnlock()
	return out
}

// sessionsOf returns the live sessions belonging to userID.
func (h *hub) sessionsOf(userID string) []string {
	h.mu.RLock()
	var out []string
	for id, s := range h.sessions {
		if s.userID == userID {
			out = append(out, id)
		}
	}
	h.mu.RUnlock()
	return out
}

func (h *hub) closeAll() {
	for _, s := range h.all() {
		_ = s.conn.Close()
	}
}

// errNoConn marks a session that never carried a connection.
var errNoConn = errors.New("session has no connection")

// writeEvent serializes writes through the session's write mutex with a
// deadline. A failed write closes the connection; the read loop then runs
// disconnect cleanup.
func (s *session) writeEvent(evt chatproto.Event) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return errNoConn
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		_ = s.conn.Close()
		return err
	}
	defer func() { _ = s.conn.SetWriteDeadline(time.Time{}) }()
	err := s.conn.WriteJSON(evt)
	if err != nil {
		_ = s.conn.Close()
	}
	return err
}

func (s *session) touch(t time.Time) {
	s.lastSeenUnixNano.Store(t.UnixNano())
}

func (s *session) lastSeen() time.Time {
	n := s.lastSeenUnixNano.Load()
	if n == 0 {
		return time.Unix(0, 0)
	}
	return time.Unix(0, n)
}
