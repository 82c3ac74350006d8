// Package domain defines the core data types shared across the chatd
// server, registries, and collaborator store layers.
package domain

import "time"

// Presence status tags a user can advertise while online.
const (
	StatusOnline = "online"
	StatusAway   = "away"
	StatusBusy   = "busy"
)

// Conversation state constants describe the lifecycle of a conversation.
const (
	ConversationPending   = "pending"   // matched, waiting for the first message
	ConversationStarted   = "started"   // first message sent, no expiry
	ConversationExpired   = "expired"   // first-message deadline elapsed
	ConversationUnmatched = "unmatched" // one side withdrew the match
)

// Message type constants.
const (
	MessageTypeText = "text"
	MessageTypeGif  = "gif"
)

// User is the minimal profile the coordinator needs about an account.
// Full profile data lives in the CRUD layer.
type User struct {
	ID        string
	Name      string
	AvatarURL string
	Active    bool
	Locked    bool
}

// Snapshot is the display subset of a [User] captured at authentication
// time and carried in presence and typing broadcasts.
type Snapshot struct {
	UserID    string `json:"user_id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// PresenceEntry aggregates a user's live sessions. It exists if and only
// if the user has at least one admitted session.
type PresenceEntry struct {
	UserID      string
	Snapshot    Snapshot
	SessionIDs  []string
	Status      string
	ConnectedAt time.Time
	LastSeenAt  time.Time
}

// Conversation is the collaborator's view of a match between two users.
type Conversation struct {
	ID             string
	UserAID        string
	UserBID        string
	State          string
	FirstMessageBy string
	ExpiresAt      *time.Time
	LastActivityAt time.Time
	CreatedAt      time.Time
}

// PeerOf returns the other participant of the conversation, or "" when
// userID is not a participant.
func (c Conversation) PeerOf(userID string) string {
	switch userID {
	case c.UserAID:
		return c.UserBID
	case c.UserBID:
		return c.UserAID
	}
	return ""
}

// HasParticipant reports whether userID is one of the two participants.
func (c Conversation) HasParticipant(userID string) bool {
	return userID == c.UserAID || userID == c.UserBID
}

// Message is a persisted chat message.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	Type           string
	SentAt         time.Time
	ReadAt         *time.Time
}

// Stats is the diagnostic export of the live registries.
type Stats struct {
	OnlineUsers     int      `json:"online_users"`
	ActiveSessions  int      `json:"active_sessions"`
	ActiveTyping    int      `json:"active_typing"`
	MultiSessionIDs []string `json:"multi_session_users"`
}
