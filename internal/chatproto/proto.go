// Package chatproto defines the JSON event protocol exchanged between the
// chatd server and its clients over a WebSocket connection.
package chatproto

import (
	"time"

	"github.com/kindled/chatd/internal/domain"
)

// Inbound event kinds (client -> server).
const (
	KindJoinConversation  = "join_conversation"
	KindLeaveConversation = "leave_conversation"
	KindSendMessage       = "send_message"
	KindTypingStart       = "typing_start"
	KindTypingStop        = "typing_stop"
	KindMarkMessagesRead  = "mark_messages_read"
	KindSetStatus         = "set_status"
	KindPing              = "ping"
	KindGetServerStats    = "get_server_stats"
)

// Outbound event kinds (server -> client).
const (
	KindConnectionConfirmed     = "connection_confirmed"
	KindConversationJoined      = "conversation_joined"
	KindUserJoinedConversation  = "user_joined_conversation"
	KindUserLeftConversation    = "user_left_conversation"
	KindMessageSent             = "message_sent"
	KindNewMessage              = "new_message"
	KindConversationStarted     = "conversation_started"
	KindUserTyping              = "user_typing"
	KindMessagesRead            = "messages_read"
	KindUnreadCountUpdated      = "unread_count_updated"
	KindUserOnline              = "user_online"
	KindUserOffline             = "user_offline"
	KindUserStatus              = "user_status"
	KindPong                    = "pong"
	KindServerStats             = "server_stats"
	KindError                   = "error"
)

// Urgency levels attached to conversation_joined for pending conversations,
// derived from the time left until the first-message deadline.
const (
	UrgencyNone     = "none"
	UrgencyLow      = "low"
	UrgencyMedium   = "medium"
	UrgencyHigh     = "high"
	UrgencyCritical = "critical"
)

// Event is the top-level envelope exchanged on the chat WebSocket. Exactly
// one payload field matching Kind is populated.
type Event struct {
	Kind string `json:"kind"`

	Join      *RoomRef     `json:"join,omitempty"`
	Leave     *RoomRef     `json:"leave,omitempty"`
	Send      *SendMessage `json:"send,omitempty"`
	Typing    *RoomRef     `json:"typing,omitempty"`
	MarkRead  *RoomRef     `json:"mark_read,omitempty"`
	SetStatus *SetStatus   `json:"set_status,omitempty"`

	Confirmed    *ConnectionConfirmed `json:"confirmed,omitempty"`
	Joined       *ConversationJoined  `json:"joined,omitempty"`
	RoomPeer     *RoomPeer            `json:"room_peer,omitempty"`
	Sent         *MessageSent         `json:"sent,omitempty"`
	Message      *NewMessage          `json:"message,omitempty"`
	Started      *ConversationStarted `json:"started,omitempty"`
	UserTyping   *UserTyping          `json:"user_typing,omitempty"`
	Read         *MessagesRead        `json:"read,omitempty"`
	Unread       *UnreadCount         `json:"unread,omitempty"`
	Presence     *PresenceChange      `json:"presence,omitempty"`
	Pong         *Pong                `json:"pong,omitempty"`
	Stats        *ServerStats         `json:"stats,omitempty"`
	Error        *Error               `json:"error,omitempty"`
}

// RoomRef names the conversation room an event applies to.
type RoomRef struct {
	RoomID string `json:"room_id"`
}

// SendMessage is the inbound message-send request.
type SendMessage struct {
	RoomID       string `json:"room_id"`
	Content      string `json:"content"`
	MessageType  string `json:"message_type,omitempty"`
	ClientTempID string `json:"client_temp_id,omitempty"`
}

// SetStatus advertises a presence status tag ("online", "away", "busy").
type SetStatus struct {
	Status string `json:"status"`
}

// ConnectionConfirmed acknowledges a successful connect, carrying the
// current presence of room peers and the unread-message summary.
type ConnectionConfirmed struct {
	UserID      string            `json:"user_id"`
	SessionID   string            `json:"session_id"`
	OnlinePeers []domain.Snapshot `json:"online_peers"`
	UnreadTotal int               `json:"unread_total"`
}

// ConversationJoined acknowledges a room join.
type ConversationJoined struct {
	RoomID              string `json:"room_id"`
	ConversationStarted bool   `json:"conversation_started"`
	TimeToExpirationMS  int64  `json:"time_to_expiration_ms,omitempty"`
	UrgencyLevel        string `json:"urgency_level"`
}

// RoomPeer announces a peer joining or leaving a room.
type RoomPeer struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}

// MessageSent acknowledges a persisted message to its sender, correlated
// by the client's optimistic temp id.
type MessageSent struct {
	ClientTempID string    `json:"client_temp_id,omitempty"`
	MessageID    string    `json:"message_id"`
	SentAt       time.Time `json:"sent_at"`
}

// NewMessage is the room broadcast for a persisted message.
type NewMessage struct {
	RoomID      string    `json:"room_id"`
	MessageID   string    `json:"message_id"`
	SenderID    string    `json:"sender_id"`
	SenderName  string    `json:"sender_name"`
	Content     string    `json:"content"`
	MessageType string    `json:"message_type"`
	SentAt      time.Time `json:"sent_at"`
}

// ConversationStarted announces the first message of a conversation.
type ConversationStarted struct {
	RoomID    string `json:"room_id"`
	StartedBy string `json:"started_by"`
}

// UserTyping is the room broadcast of the typing indicator.
type UserTyping struct {
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	Name     string `json:"name,omitempty"`
	IsTyping bool   `json:"is_typing"`
}

// MessagesRead notifies the peer that their messages were read.
type MessagesRead struct {
	RoomID string    `json:"room_id"`
	ReadBy string    `json:"read_by"`
	ReadAt time.Time `json:"read_at"`
	Count  int       `json:"count"`
}

// UnreadCount updates the session's total unread counter.
type UnreadCount struct {
	Total int `json:"total"`
}

// PresenceChange announces online/offline/status transitions.
type PresenceChange struct {
	UserID   string     `json:"user_id"`
	Name     string     `json:"name,omitempty"`
	Status   string     `json:"status,omitempty"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

// Pong answers an inbound ping.
type Pong struct {
	Timestamp time.Time `json:"timestamp"`
}

// ServerStats is the diagnostic export answered to get_server_stats.
type ServerStats struct {
	domain.Stats
	GeneratedAt time.Time `json:"generated_at"`
}

// Error reports a failed request. Code distinguishes back-off-worthy
// failures (rate limits) from plain rejections; ClientTempID lets the UI
// reconcile a failed optimistic send.
type Error struct {
	Message      string `json:"message"`
	Code         string `json:"code,omitempty"`
	ClientTempID string `json:"client_temp_id,omitempty"`
}

// Error codes carried by [Error].
const (
	CodeAccessDenied        = "access_denied"
	CodeValidation          = "validation_failed"
	CodeRateLimited         = "rate_limited"
	CodeConversationExpired = "conversation_expired"
	CodeInternal            = "internal_error"
)

// Urgency buckets the time remaining until a first-message deadline.
func Urgency(remaining time.Duration) string {
	switch {
	case remaining <= 0:
		return UrgencyCritical
	case remaining < time.Hour:
		return UrgencyCritical
	case remaining < 6*time.Hour:
		return UrgencyHigh
	case remaining < 24*time.Hour:
		return UrgencyMedium
	default:
		return UrgencyLow
	}
}
