package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kindled/chatd/internal/chatproto"
	"github.com/kindled/chatd/internal/domain"
	"github.com/kindled/chatd/internal/netutil"
)

// outbound pairs an event with the sessions it goes to. Handlers return
// outbounds instead of writing to connections, keeping state mutation
// separate from emission.
type outbound struct {
	sessionIDs []string
	event      chatproto.Event
}

func (s *Server) deliver(outs []outbound) {
	for _, out := range outs {
		for _, sessionID := range out.sessionIDs {
			sess, ok := s.hub.get(sessionID)
			if !ok {
				continue
			}
			if err := sess.writeEvent(out.event); err != nil {
				s.log.Debug("dropped event on dead session",
					"session_id", sessionID, "kind", out.event.Kind, "err", err)
			}
		}
	}
}

func toSession(sessionID string, evt chatproto.Event) outbound {
	return outbound{sessionIDs: []string{sessionID}, event: evt}
}

// handleWS is the connection handshake: admission first, upgrade second.
// Rejections are reason-coded HTTP responses; no session state exists yet.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	credential := bearerCredential(r)

	snap, err := s.gate.Admit(r.Context(), credential)
	if err != nil {
		s.rejectHandshake(w, err, netutil.ClientIP(r))
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "user_id", snap.UserID, "err", err)
		return
	}
	conn.SetReadLimit(wsReadLimit)

	now := s.now()
	sess := &session{
		id:              "sess_" + uuid.NewString(),
		userID:          snap.UserID,
		snapshot:        snap,
		conn:            conn,
		authenticatedAt: now,
		writeTimeout:    s.cfg.WriteTimeout,
	}
	sess.touch(now)
	s.hub.add(sess)

	first := s.presence.Register(sess.id, snap)
	s.log.Info("session connected",
		"session_id", sess.id, "user_id", sess.userID,
		"remote", netutil.ClientIP(r), "first_session", first)

	outs := s.establish(r.Context(), sess, first)
	s.deliver(outs)

	go s.readLoop(sess)
}

// establish auto-joins the user's conversation rooms, announces presence
// to peers, and builds the connection confirmation.
func (s *Server) establish(ctx context.Context, sess *session, first bool) []outbound {
	var outs []outbound

	convs, err := s.store.ConversationsForUser(ctx, sess.userID)
	if err != nil {
		s.log.Error("conversation enumeration failed", "user_id", sess.userID, "err", err)
		convs = nil
	}

	var peerIDs []string
	for _, conv := range convs {
		if _, err := s.membership.Join(ctx, sess.userID, sess.id, conv.ID); err != nil {
			// A stale or newly blocked conversation self-heals by staying
			// unjoined; the user simply does not get its events.
			s.log.Debug("auto-join skipped", "room_id", conv.ID, "user_id", sess.userID, "err", err)
			continue
		}
		peerIDs = append(peerIDs, conv.PeerOf(sess.userID))
		if first {
			outs = append(outs, outbound{
				sessionIDs: s.membership.SessionsInRoomExcept(conv.ID, sess.id),
				event: chatproto.Event{
					Kind: chatproto.KindUserOnline,
					Presence: &chatproto.PresenceChange{
						UserID: sess.userID,
						Name:   sess.snapshot.Name,
						Status: domain.StatusOnline,
					},
				},
			})
		}
	}

	unreadTotal, err := s.store.UnreadTotal(ctx, sess.userID)
	if err != nil {
		s.log.Error("unread summary failed", "user_id", sess.userID, "err", err)
	}

	var onlinePeers []domain.Snapshot
	for _, peerID := range s.presence.OnlineAmong(peerIDs) {
		if peerSnap, ok := s.presence.SnapshotFor(peerID); ok {
			onlinePeers = append(onlinePeers, peerSnap)
		}
	}

	outs = append(outs, toSession(sess.id, chatproto.Event{
		Kind: chatproto.KindConnectionConfirmed,
		Confirmed: &chatproto.ConnectionConfirmed{
			UserID:      sess.userID,
			SessionID:   sess.id,
			OnlinePeers: onlinePeers,
			UnreadTotal: unreadTotal,
		},
	}))
	return outs
}

func (s *Server) readLoop(sess *session) {
	defer s.disconnect(sess)

	for {
		var evt chatproto.Event
		if err := sess.conn.ReadJSON(&evt); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Warn("session read error", "session_id", sess.id, "err", err)
			}
			return
		}
		now := s.now()
		sess.touch(now)
		s.presence.Touch(sess.userID)

		outs := s.dispatchEvent(context.Background(), sess, evt)
		s.deliver(outs)
	}
}

// disconnect tears a session down: presence deregistration, typing
// cleanup, room departure. Idempotent, and ordered so peer announcements
// are computed before the membership records disappear.
func (s *Server) disconnect(sess *session) {
	_ = sess.conn.Close()
	s.hub.remove(sess.id)

	wentOffline := s.presence.Deregister(sess.userID, sess.id)

	var outs []outbound
	if wentOffline {
		// Typing states survive single-session drops; a full disconnect
		// clears them and notifies the rooms.
		for _, roomID := range s.typing.ClearUser(sess.userID) {
			outs = append(outs, outbound{
				sessionIDs: s.membership.SessionsInRoomExcept(roomID, sess.id),
				event: chatproto.Event{
					Kind: chatproto.KindUserTyping,
					UserTyping: &chatproto.UserTyping{
						RoomID:   roomID,
						UserID:   sess.userID,
						Name:     sess.snapshot.Name,
						IsTyping: false,
					},
				},
			})
		}

		lastSeen := s.now()
		for _, roomID := range s.membership.RoomsFor(sess.userID) {
			outs = append(outs, outbound{
				sessionIDs: s.membership.SessionsInRoomExcept(roomID, sess.id),
				event: chatproto.Event{
					Kind: chatproto.KindUserOffline,
					Presence: &chatproto.PresenceChange{
						UserID:   sess.userID,
						Name:     sess.snapshot.Name,
						LastSeen: &lastSeen,
					},
				},
			})
		}
	}

	for _, roomID := range s.membership.LeaveAll(sess.userID, sess.id) {
		outs = append(outs, outbound{
			sessionIDs: s.membership.SessionsInRoom(roomID),
			event: chatproto.Event{
				Kind:     chatproto.KindUserLeftConversation,
				RoomPeer: &chatproto.RoomPeer{RoomID: roomID, UserID: sess.userID},
			},
		})
	}

	s.deliver(outs)
	s.log.Info("session disconnected",
		"session_id", sess.id, "user_id", sess.userID, "went_offline", wentOffline)
}

func bearerCredential(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if strings.HasPrefix(authz, prefix) {
		return strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	}
	return ""
}

// rejectHandshake maps an admission rejection to an HTTP response before
// any upgrade happens.
func (s *Server) rejectHandshake(w http.ResponseWriter, err error, remote string) {
	ae, ok := domain.IsAdmissionError(err)
	if !ok {
		s.log.Error("admission failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	status := http.StatusUnauthorized
	switch ae.Reason {
	case domain.AdmissionRateLimited, domain.AdmissionBlocked:
		status = http.StatusTooManyRequests
	case domain.AdmissionTooManySessions:
		status = http.StatusConflict
	case domain.AdmissionUserNotFound, domain.AdmissionUserInactive:
		status = http.StatusForbidden
	}

	body := map[string]any{"reason": ae.Reason}
	if ae.RetryAfter > 0 {
		body["retry_after_seconds"] = int(ae.RetryAfter.Seconds())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
	s.log.Info("connection rejected",
		"reason", ae.Reason, "remote", remote, "retry_after", ae.RetryAfter)
}

func (s *Server) handleStatsz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.verifier.Verify(bearerCredential(r)); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(chatproto.ServerStats{
		Stats:       s.Stats(),
		GeneratedAt: time.Now().UTC(),
	})
}
