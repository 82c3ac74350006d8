package server

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/kindled/chatd/internal/chatproto"
	"github.com/kindled/chatd/internal/domain"
)

const offlineNotifyTimeout = 10 * time.Second

// handleSend is the message dispatch pipeline: validate, authorize, rate
// limit, sanitize, persist, then fan out. Nothing is broadcast or
// acknowledged until persistence succeeds.
func (s *Server) handleSend(ctx context.Context, sess *session, req chatproto.SendMessage) []outbound {
	tempID := req.ClientTempID

	content := strings.TrimSpace(req.Content)
	if req.RoomID == "" || content == "" {
		return validationError(sess.id, "message content must not be empty", tempID)
	}
	if utf8.RuneCountInString(content) > s.cfg.MaxMessageLength {
		return validationError(sess.id, "message content too long", tempID)
	}
	msgType := req.MessageType
	if msgType == "" {
		msgType = domain.MessageTypeText
	}

	if _, err := s.membership.Authorize(ctx, sess.userID, req.RoomID); err != nil {
		return errorOut(sess.id, err, tempID)
	}

	since := s.now().Add(-s.cfg.MessageRateWindow)
	recent, err := s.store.CountRecentMessages(ctx, req.RoomID, sess.userID, since)
	if err != nil {
		return errorOut(sess.id, domain.ErrCollaborator, tempID)
	}
	if recent >= s.cfg.MessageRateCeiling {
		return errorOut(sess.id, domain.ErrMessageRateLimited, tempID)
	}

	content = SanitizeContent(content)
	if content == "" {
		return validationError(sess.id, "message content must not be empty", tempID)
	}

	// The rate query was a suspension point; block and conversation state
	// may have changed under us. Re-validate immediately before persisting.
	grant, err := s.membership.Authorize(ctx, sess.userID, req.RoomID)
	if err != nil {
		return errorOut(sess.id, err, tempID)
	}
	conv := grant.Conversation

	msg := domain.Message{
		ID:             "msg_" + uuid.NewString(),
		ConversationID: req.RoomID,
		SenderID:       sess.userID,
		Content:        content,
		Type:           msgType,
		SentAt:         s.now().UTC(),
	}
	if err := s.store.SaveMessage(ctx, msg); err != nil {
		s.log.Error("message persistence failed",
			"room_id", req.RoomID, "user_id", sess.userID, "err", err)
		return errorOut(sess.id, domain.ErrCollaborator, tempID)
	}

	firstMessage := conv.State == domain.ConversationPending
	if firstMessage {
		if err := s.store.MarkConversationStarted(ctx, conv.ID, sess.userID); err != nil {
			s.log.Error("conversation start transition failed", "room_id", conv.ID, "err", err)
			firstMessage = false
		}
	} else {
		if err := s.store.TouchConversation(ctx, conv.ID); err != nil {
			s.log.Warn("conversation touch failed", "room_id", conv.ID, "err", err)
		}
	}

	outs := []outbound{
		{
			sessionIDs: s.membership.SessionsInRoomExcept(req.RoomID, sess.id),
			event: chatproto.Event{
				Kind: chatproto.KindNewMessage,
				Message: &chatproto.NewMessage{
					RoomID:      req.RoomID,
					MessageID:   msg.ID,
					SenderID:    sess.userID,
					SenderName:  sess.snapshot.Name,
					Content:     content,
					MessageType: msgType,
					SentAt:      msg.SentAt,
				},
			},
		},
		toSession(sess.id, chatproto.Event{
			Kind: chatproto.KindMessageSent,
			Sent: &chatproto.MessageSent{
				ClientTempID: tempID,
				MessageID:    msg.ID,
				SentAt:       msg.SentAt,
			},
		}),
	}
	if firstMessage {
		outs = append(outs, outbound{
			sessionIDs: s.membership.SessionsInRoom(req.RoomID),
			event: chatproto.Event{
				Kind:    chatproto.KindConversationStarted,
				Started: &chatproto.ConversationStarted{RoomID: conv.ID, StartedBy: sess.userID},
			},
		})
	}

	if s.typing.Stop(req.RoomID, sess.userID) {
		outs = append(outs, s.typingBroadcast(req.RoomID, sess.snapshot, false))
	}

	if recipient := grant.PeerID; recipient != "" && !s.presence.IsOnline(recipient) {
		go s.notifyOffline(recipient, msg)
	}

	return outs
}

// notifyOffline hands the message to the push collaborator. Fire and
// forget: a failed notification never fails the send.
func (s *Server) notifyOffline(userID string, msg domain.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), offlineNotifyTimeout)
	defer cancel()
	if err := s.notifier.NotifyOffline(ctx, userID, msg); err != nil {
		s.log.Warn("offline notification failed",
			"user_id", userID, "message_id", msg.ID, "err", err)
	}
}
