// Package server implements the chatd WebSocket coordinator: session
// lifecycle, event dispatch, message fan-out, and the diagnostic surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kindled/chatd/internal/chatproto"
	"github.com/kindled/chatd/internal/config"
	"github.com/kindled/chatd/internal/domain"
	"github.com/kindled/chatd/internal/gate"
	"github.com/kindled/chatd/internal/presence"
	"github.com/kindled/chatd/internal/rooms"
	"github.com/kindled/chatd/internal/typing"
)

// Store is the CRUD collaborator consumed by the coordinator. Implemented
// by the sqlite store; tests substitute fakes.
type Store interface {
	UserByID(ctx context.Context, id string) (domain.User, error)

	ConversationByID(ctx context.Context, id string) (domain.Conversation, error)
	ConversationsForUser(ctx context.Context, userID string) ([]domain.Conversation, error)
	IsBlockedPair(ctx context.Context, userA, userB string) (bool, error)
	MarkConversationStarted(ctx context.Context, id, byUserID string) error
	MarkConversationExpired(ctx context.Context, id string) error
	TouchConversation(ctx context.Context, id string) error

	SaveMessage(ctx context.Context, msg domain.Message) error
	CountRecentMessages(ctx context.Context, conversationID, senderID string, since time.Time) (int, error)
	MarkMessagesRead(ctx context.Context, conversationID, readerID string) (int, error)
	UnreadTotal(ctx context.Context, userID string) (int, error)
}

// Notifier delivers out-of-band notifications to offline recipients.
// Failures are logged, never surfaced to the sender.
type Notifier interface {
	NotifyOffline(ctx context.Context, userID string, msg domain.Message) error
}

// NopNotifier discards notifications. Used when no push backend is wired.
type NopNotifier struct{}

// NotifyOffline implements [Notifier].
func (NopNotifier) NotifyOffline(context.Context, string, domain.Message) error { return nil }

// TokenVerifier resolves a bearer credential to a user id.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// Server owns the live registries and the WebSocket endpoint.
type Server struct {
	cfg      config.ServerConfig
	store    Store
	notifier Notifier
	verifier TokenVerifier
	log      *slog.Logger

	gate       *gate.Gate
	presence   *presence.Registry
	membership *rooms.Membership
	typing     *typing.Coordinator
	hub        *hub

	now func() time.Time
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const wsReadLimit = 64 * 1024

// New wires a server from its collaborators. verifier authenticates
// connection handshakes; notifier may be nil.
func New(cfg config.ServerConfig, store Store, verifier TokenVerifier, notifier Notifier, logger *slog.Logger) *Server {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	s := &Server{
		cfg:      cfg,
		store:    store,
		notifier: notifier,
		verifier: verifier,
		log:      logger,
		hub:      newHub(),
		now:      time.Now,
	}
	s.presence = presence.NewRegistry(nil)
	s.membership = rooms.NewMembership(store, nil)
	s.typing = typing.NewCoordinator(cfg.TypingTimeout, s.onTypingExpired)
	s.gate = gate.New(gate.Config{
		RateWindow:    cfg.ConnectRateWindow,
		RateCeiling:   cfg.ConnectRateCeiling,
		BlockDuration: cfg.BlockDuration,
		MaxSessions:   cfg.MaxSessionsPerUser,
	}, verifier, store, s.presence, nil)
	return s
}

// Run serves the WebSocket endpoint until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	go s.runJanitor(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/statsz", s.handleStatsz)

	httpServer := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("starting chat server", "addr", s.cfg.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("chat server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.hub.closeAll()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Stats exports the live registry counters.
func (s *Server) Stats() domain.Stats {
	users, sessions, multi := s.presence.Stats()
	return domain.Stats{
		OnlineUsers:     users,
		ActiveSessions:  sessions,
		ActiveTyping:    s.typing.Count(),
		MultiSessionIDs: multi,
	}
}

func (s *Server) runJanitor(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.gate.Cleanup()
			s.closeStaleSessions()
		}
	}
}

// closeStaleSessions drops sessions idle past the configured timeout. The
// read loop notices the closed connection and runs normal disconnect
// cleanup, so no registry state is touched here.
func (s *Server) closeStaleSessions() {
	cutoff := s.now().Add(-s.cfg.SessionIdleTimeout)
	for _, sess := range s.hub.all() {
		if sess.lastSeen().Before(cutoff) {
			s.log.Warn("closing idle session", "session_id", sess.id, "user_id", sess.userID)
			_ = sess.conn.Close()
		}
	}
}

// onTypingExpired broadcasts the timeout-driven stop for a typing state.
func (s *Server) onTypingExpired(e typing.Expiry) {
	s.deliver([]outbound{{
		sessionIDs: s.membership.SessionsInRoom(e.RoomID),
		event: chatproto.Event{
			Kind: chatproto.KindUserTyping,
			UserTyping: &chatproto.UserTyping{
				RoomID:   e.RoomID,
				UserID:   e.Snapshot.UserID,
				Name:     e.Snapshot.Name,
				IsTyping: false,
			},
		},
	}})
}
