// Package rooms maps sessions to the conversation rooms they are
// subscribed to and authorizes every room-scoped action.
//
// Room ids are conversation ids: one room per conversation, shared by all
// sessions of both participants.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kindled/chatd/internal/domain"
)

// ConversationStore is the collaborator slice the membership layer needs.
// Participation and block state are re-validated on every authorization,
// never cached, since both can change while a session is live.
type ConversationStore interface {
	ConversationByID(ctx context.Context, id string) (domain.Conversation, error)
	IsBlockedPair(ctx context.Context, userA, userB string) (bool, error)
	MarkConversationExpired(ctx context.Context, id string) error
}

// Grant is the capability returned by a successful authorization. Handlers
// consume it instead of re-checking participant and block state ad hoc.
type Grant struct {
	Conversation domain.Conversation
	UserID       string
	PeerID       string
}

// Membership tracks which sessions are subscribed to which rooms. All
// mutation is atomic under the membership lock; authorization I/O happens
// before the lock is taken.
type Membership struct {
	store ConversationStore
	now   func() time.Time

	mu           sync.RWMutex
	roomSessions map[string]map[string]string   // roomID -> sessionID -> userID
	sessionRooms map[string]map[string]struct{} // sessionID -> roomIDs
	userRooms    map[string]map[string]int      // userID -> roomID -> session refcount
}

// NewMembership creates an empty membership registry backed by store. The
// optional now function overrides the clock, for tests.
func NewMembership(store ConversationStore, now func() time.Time) *Membership {
	if now == nil {
		now = time.Now
	}
	return &Membership{
		store:        store,
		now:          now,
		roomSessions: make(map[string]map[string]string),
		sessionRooms: make(map[string]map[string]struct{}),
		userRooms:    make(map[string]map[string]int),
	}
}

// Authorize re-validates that userID may act in roomID right now: the user
// must be a participant, the pairing must not be blocked, and the
// conversation must be in a state that accepts activity. A pending
// conversation whose first-message deadline has elapsed is transitioned to
// expired via the collaborator before the access is rejected.
func (m *Membership) Authorize(ctx context.Context, userID, roomID string) (Grant, error) {
	conv, err := m.store.ConversationByID(ctx, roomID)
	if err != nil {
		if errors.Is(err, domain.ErrConversationNotFound) {
			return Grant{}, &domain.RoomError{RoomID: roomID, Op: "authorize", Err: domain.ErrAccessDenied}
		}
		return Grant{}, fmt.Errorf("%w: %v", domain.ErrCollaborator, err)
	}
	if !conv.HasParticipant(userID) {
		return Grant{}, &domain.RoomError{RoomID: roomID, Op: "authorize", Err: domain.ErrAccessDenied}
	}

	blocked, err := m.store.IsBlockedPair(ctx, conv.UserAID, conv.UserBID)
	if err != nil {
		return Grant{}, fmt.Errorf("%w: %v", domain.ErrCollaborator, err)
	}
	if blocked {
		return Grant{}, &domain.RoomError{RoomID: roomID, Op: "authorize", Err: domain.ErrAccessDenied}
	}

	switch conv.State {
	case domain.ConversationPending:
		if conv.ExpiresAt != nil && !conv.ExpiresAt.After(m.now()) {
			if err := m.store.MarkConversationExpired(ctx, conv.ID); err != nil {
				return Grant{}, fmt.Errorf("%w: %v", domain.ErrCollaborator, err)
			}
			return Grant{}, &domain.RoomError{RoomID: roomID, Op: "authorize", Err: domain.ErrConversationExpired}
		}
	case domain.ConversationStarted:
	case domain.ConversationExpired:
		return Grant{}, &domain.RoomError{RoomID: roomID, Op: "authorize", Err: domain.ErrConversationExpired}
	default:
		return Grant{}, &domain.RoomError{RoomID: roomID, Op: "authorize", Err: domain.ErrConversationInactive}
	}

	return Grant{Conversation: conv, UserID: userID, PeerID: conv.PeerOf(userID)}, nil
}

// Join authorizes and subscribes the session to the room.
func (m *Membership) Join(ctx context.Context, userID, sessionID, roomID string) (Grant, error) {
	grant, err := m.Authorize(ctx, userID, roomID)
	if err != nil {
		return Grant{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sessions, ok := m.roomSessions[roomID]
	if !ok {
		sessions = make(map[string]string)
		m.roomSessions[roomID] = sessions
	}
	if _, already := sessions[sessionID]; already {
		return grant, nil
	}
	sessions[sessionID] = userID

	roomsOf, ok := m.sessionRooms[sessionID]
	if !ok {
		roomsOf = make(map[string]struct{})
		m.sessionRooms[sessionID] = roomsOf
	}
	roomsOf[roomID] = struct{}{}

	byUser, ok := m.userRooms[userID]
	if !ok {
		byUser = make(map[string]int)
		m.userRooms[userID] = byUser
	}
	byUser[roomID]++

	return grant, nil
}

// Leave unsubscribes the session from the room. It reports whether the
// session was actually a member.
func (m *Membership) Leave(userID, sessionID, roomID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leaveLocked(userID, sessionID, roomID)
}

// LeaveAll removes the session from every room it holds and returns the
// room ids it left. Idempotent; used by disconnect cleanup.
func (m *Membership) LeaveAll(userID, sessionID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var left []string
	for roomID := range m.sessionRooms[sessionID] {
		if m.leaveLocked(userID, sessionID, roomID) {
			left = append(left, roomID)
		}
	}
	return left
}

func (m *Membership) leaveLocked(userID, sessionID, roomID string) bool {
	sessions, ok := m.roomSessions[roomID]
	if !ok {
		return false
	}
	if _, member := sessions[sessionID]; !member {
		return false
	}
	delete(sessions, sessionID)
	if len(sessions) == 0 {
		delete(m.roomSessions, roomID)
	}

	if roomsOf, ok := m.sessionRooms[sessionID]; ok {
		delete(roomsOf, roomID)
		if len(roomsOf) == 0 {
			delete(m.sessionRooms, sessionID)
		}
	}

	if byUser, ok := m.userRooms[userID]; ok {
		byUser[roomID]--
		if byUser[roomID] <= 0 {
			delete(byUser, roomID)
		}
		if len(byUser) == 0 {
			delete(m.userRooms, userID)
		}
	}
	return true
}

// RoomsFor returns the rooms the user currently has at least one session in.
func (m *Membership) RoomsFor(userID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rooms := make([]string, 0, len(m.userRooms[userID]))
	for roomID := range m.userRooms[userID] {
		rooms = append(rooms, roomID)
	}
	return rooms
}

// SessionsInRoom returns the session ids subscribed to the room.
func (m *Membership) SessionsInRoom(roomID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.roomSessions[roomID]))
	for sessionID := range m.roomSessions[roomID] {
		out = append(out, sessionID)
	}
	return out
}

// SessionsInRoomExcept returns the room's session ids excluding one
// session, for peer-only broadcasts.
func (m *Membership) SessionsInRoomExcept(roomID, exceptSessionID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.roomSessions[roomID]))
	for sessionID := range m.roomSessions[roomID] {
		if sessionID != exceptSessionID {
			out = append(out, sessionID)
		}
	}
	return out
}

// IsMember reports whether the session is subscribed to the room.
func (m *Membership) IsMember(sessionID, roomID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessionRooms[sessionID][roomID]
	return ok
}
