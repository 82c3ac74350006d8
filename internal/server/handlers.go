package server

import (
	"context"
	"errors"

	"github.com/kindled/chatd/internal/chatproto"
	"github.com/kindled/chatd/internal/domain"
)

// dispatchEvent routes one inbound event to its handler. Events from a
// single session arrive here in transport order; handlers mutate registry
// state and return the outbound events to emit.
func (s *Server) dispatchEvent(ctx context.Context, sess *session, evt chatproto.Event) []outbound {
	switch evt.Kind {
	case chatproto.KindJoinConversation:
		if evt.Join == nil || evt.Join.RoomID == "" {
			return errorOut(sess.id, domain.ErrValidation, "")
		}
		return s.handleJoin(ctx, sess, evt.Join.RoomID)
	case chatproto.KindLeaveConversation:
		if evt.Leave == nil || evt.Leave.RoomID == "" {
			return errorOut(sess.id, domain.ErrValidation, "")
		}
		return s.handleLeave(sess, evt.Leave.RoomID)
	case chatproto.KindSendMessage:
		if evt.Send == nil {
			return errorOut(sess.id, domain.ErrValidation, "")
		}
		return s.handleSend(ctx, sess, *evt.Send)
	case chatproto.KindTypingStart:
		if evt.Typing == nil || evt.Typing.RoomID == "" {
			return errorOut(sess.id, domain.ErrValidation, "")
		}
		return s.handleTypingStart(sess, evt.Typing.RoomID)
	case chatproto.KindTypingStop:
		if evt.Typing == nil || evt.Typing.RoomID == "" {
			return errorOut(sess.id, domain.ErrValidation, "")
		}
		return s.handleTypingStop(sess, evt.Typing.RoomID)
	case chatproto.KindMarkMessagesRead:
		if evt.MarkRead == nil || evt.MarkRead.RoomID == "" {
			return errorOut(sess.id, domain.ErrValidation, "")
		}
		return s.handleMarkRead(ctx, sess, evt.MarkRead.RoomID)
	case chatproto.KindSetStatus:
		if evt.SetStatus == nil {
			return errorOut(sess.id, domain.ErrValidation, "")
		}
		return s.handleSetStatus(sess, evt.SetStatus.Status)
	case chatproto.KindPing:
		return []outbound{toSession(sess.id, chatproto.Event{
			Kind: chatproto.KindPong,
			Pong: &chatproto.Pong{Timestamp: s.now().UTC()},
		})}
	case chatproto.KindGetServerStats:
		return []outbound{toSession(sess.id, chatproto.Event{
			Kind:  chatproto.KindServerStats,
			Stats: &chatproto.ServerStats{Stats: s.Stats(), GeneratedAt: s.now().UTC()},
		})}
	default:
		s.log.Debug("unknown event kind", "session_id", sess.id, "kind", evt.Kind)
		return errorOut(sess.id, domain.ErrValidation, "")
	}
}

func (s *Server) handleJoin(ctx context.Context, sess *session, roomID string) []outbound {
	grant, err := s.membership.Join(ctx, sess.userID, sess.id, roomID)
	if err != nil {
		return errorOut(sess.id, err, "")
	}

	conv := grant.Conversation
	joined := chatproto.ConversationJoined{
		RoomID:              roomID,
		ConversationStarted: conv.State == domain.ConversationStarted,
		UrgencyLevel:        chatproto.UrgencyNone,
	}
	if conv.State == domain.ConversationPending && conv.ExpiresAt != nil {
		remaining := conv.ExpiresAt.Sub(s.now())
		joined.TimeToExpirationMS = remaining.Milliseconds()
		joined.UrgencyLevel = chatproto.Urgency(remaining)
	}

	return []outbound{
		{
			sessionIDs: s.membership.SessionsInRoomExcept(roomID, sess.id),
			event: chatproto.Event{
				Kind:     chatproto.KindUserJoinedConversation,
				RoomPeer: &chatproto.RoomPeer{RoomID: roomID, UserID: sess.userID},
			},
		},
		toSession(sess.id, chatproto.Event{
			Kind:   chatproto.KindConversationJoined,
			Joined: &joined,
		}),
	}
}

func (s *Server) handleLeave(sess *session, roomID string) []outbound {
	var outs []outbound

	if s.typing.Stop(roomID, sess.userID) {
		outs = append(outs, s.typingBroadcast(roomID, sess.snapshot, false))
	}
	if !s.membership.Leave(sess.userID, sess.id, roomID) {
		return outs
	}
	outs = append(outs, outbound{
		sessionIDs: s.membership.SessionsInRoom(roomID),
		event: chatproto.Event{
			Kind:     chatproto.KindUserLeftConversation,
			RoomPeer: &chatproto.RoomPeer{RoomID: roomID, UserID: sess.userID},
		},
	})
	return outs
}

func (s *Server) handleTypingStart(sess *session, roomID string) []outbound {
	if !s.membership.IsMember(sess.id, roomID) {
		return errorOut(sess.id, domain.ErrAccessDenied, "")
	}

	var outs []outbound
	if replaced := s.typing.Start(roomID, sess.snapshot); replaced != nil {
		// Not strictly required, but the UI needs the old indicator gone.
		outs = append(outs, s.typingBroadcast(roomID, *replaced, false))
	}
	outs = append(outs, s.typingBroadcast(roomID, sess.snapshot, true))
	return outs
}

func (s *Server) handleTypingStop(sess *session, roomID string) []outbound {
	if !s.typing.Stop(roomID, sess.userID) {
		return nil
	}
	return []outbound{s.typingBroadcast(roomID, sess.snapshot, false)}
}

func (s *Server) typingBroadcast(roomID string, snap domain.Snapshot, isTyping bool) outbound {
	return outbound{
		sessionIDs: s.membership.SessionsInRoom(roomID),
		event: chatproto.Event{
			Kind: chatproto.KindUserTyping,
			UserTyping: &chatproto.UserTyping{
				RoomID:   roomID,
				UserID:   snap.UserID,
				Name:     snap.Name,
				IsTyping: isTyping,
			},
		},
	}
}

func (s *Server) handleMarkRead(ctx context.Context, sess *session, roomID string) []outbound {
	grant, err := s.membership.Authorize(ctx, sess.userID, roomID)
	if err != nil {
		return errorOut(sess.id, err, "")
	}

	count, err := s.store.MarkMessagesRead(ctx, roomID, sess.userID)
	if err != nil {
		return errorOut(sess.id, domain.ErrCollaborator, "")
	}
	if count == 0 {
		return nil
	}

	total, err := s.store.UnreadTotal(ctx, sess.userID)
	if err != nil {
		s.log.Error("unread total failed", "user_id", sess.userID, "err", err)
	}

	outs := []outbound{{
		// The reading user's peer, on all of their sessions in the room.
		sessionIDs: s.sessionsOfUserInRoom(grant.PeerID, roomID),
		event: chatproto.Event{
			Kind: chatproto.KindMessagesRead,
			Read: &chatproto.MessagesRead{
				RoomID: roomID,
				ReadBy: sess.userID,
				ReadAt: s.now().UTC(),
				Count:  count,
			},
		},
	}}
	for _, sessionID := range s.hub.sessionsOf(sess.userID) {
		outs = append(outs, toSession(sessionID, chatproto.Event{
			Kind:   chatproto.KindUnreadCountUpdated,
			Unread: &chatproto.UnreadCount{Total: total},
		}))
	}
	return outs
}

func (s *Server) handleSetStatus(sess *session, status string) []outbound {
	if !s.presence.SetStatus(sess.userID, status) {
		return errorOut(sess.id, domain.ErrValidation, "")
	}

	evt := chatproto.Event{
		Kind: chatproto.KindUserStatus,
		Presence: &chatproto.PresenceChange{
			UserID: sess.userID,
			Name:   sess.snapshot.Name,
			Status: status,
		},
	}
	var outs []outbound
	for _, roomID := range s.membership.RoomsFor(sess.userID) {
		outs = append(outs, outbound{
			sessionIDs: s.membership.SessionsInRoomExcept(roomID, sess.id),
			event:      evt,
		})
	}
	return outs
}

// sessionsOfUserInRoom intersects a user's sessions with a room's
// subscriber set.
func (s *Server) sessionsOfUserInRoom(userID, roomID string) []string {
	inRoom := make(map[string]struct{})
	for _, id := range s.membership.SessionsInRoom(roomID) {
		inRoom[id] = struct{}{}
	}
	var out []string
	for _, id := range s.hub.sessionsOf(userID) {
		if _, ok := inRoom[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// errorOut maps a handler failure to a single error event for the origin
// session. Collaborator failures stay generic; everything else carries a
// distinct code so clients can react.
func errorOut(sessionID string, err error, clientTempID string) []outbound {
	e := chatproto.Error{ClientTempID: clientTempID}
	switch {
	case errors.Is(err, domain.ErrMessageRateLimited):
		e.Code = chatproto.CodeRateLimited
		e.Message = "message rate limit exceeded, slow down"
	case errors.Is(err, domain.ErrConversationExpired):
		e.Code = chatproto.CodeConversationExpired
		e.Message = "conversation has expired"
	case errors.Is(err, domain.ErrConversationInactive):
		e.Code = chatproto.CodeAccessDenied
		e.Message = "conversation is no longer active"
	case errors.Is(err, domain.ErrAccessDenied):
		e.Code = chatproto.CodeAccessDenied
		e.Message = "access denied"
	case errors.Is(err, domain.ErrValidation):
		e.Code = chatproto.CodeValidation
		e.Message = "invalid request"
	default:
		e.Code = chatproto.CodeInternal
		e.Message = "something went wrong, try again"
	}
	return []outbound{toSession(sessionID, chatproto.Event{
		Kind:  chatproto.KindError,
		Error: &e,
	})}
}

// validationError builds an ErrValidation with a more specific message.
func validationError(sessionID, message, clientTempID string) []outbound {
	return []outbound{toSession(sessionID, chatproto.Event{
		Kind: chatproto.KindError,
		Error: &chatproto.Error{
			Message:      message,
			Code:         chatproto.CodeValidation,
			ClientTempID: clientTempID,
		},
	})}
}
