package server

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kindled/chatd/internal/auth"
	"github.com/kindled/chatd/internal/chatproto"
	"github.com/kindled/chatd/internal/config"
	"github.com/kindled/chatd/internal/domain"
)

// fakeStore is an in-memory Store for handler tests.
type fakeStore struct {
	mu            sync.Mutex
	users         map[string]domain.User
	conversations map[string]domain.Conversation
	blocked       map[string]bool
	messages      []domain.Message
	started       []string
	expired       []string
	failSave      error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:         make(map[string]domain.User),
		conversations: make(map[string]domain.Conversation),
		blocked:       make(map[string]bool),
	}
}

func (f *fakeStore) UserByID(_ context.Context, id string) (domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return domain.User{}, domain.ErrUserNotFound
	}
	return u, nil
}

func (f *fakeStore) ConversationByID(_ context.Context, id string) (domain.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conversations[id]
	if !ok {
		return domain.Conversation{}, domain.ErrConversationNotFound
	}
	return c, nil
}

func (f *fakeStore) ConversationsForUser(_ context.Context, userID string) ([]domain.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Conversation
	for _, c := range f.conversations {
		if c.HasParticipant(userID) &&
			(c.State == domain.ConversationPending || c.State == domain.ConversationStarted) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) IsBlockedPair(_ context.Context, a, b string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blocked[a+"|"+b] || f.blocked[b+"|"+a], nil
}

func (f *fakeStore) MarkConversationStarted(_ context.Context, id, byUserID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.conversations[id]
	if c.State == domain.ConversationPending {
		c.State = domain.ConversationStarted
		c.FirstMessageBy = byUserID
		c.ExpiresAt = nil
		f.conversations[id] = c
	}
	f.started = append(f.started, id)
	return nil
}

func (f *fakeStore) MarkConversationExpired(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.conversations[id]
	c.State = domain.ConversationExpired
	f.conversations[id] = c
	f.expired = append(f.expired, id)
	return nil
}

func (f *fakeStore) TouchConversation(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.conversations[id]
	c.LastActivityAt = time.Now()
	f.conversations[id] = c
	return nil
}

func (f *fakeStore) SaveMessage(_ context.Context, msg domain.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSave != nil {
		return f.failSave
	}
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakeStore) CountRecentMessages(_ context.Context, conversationID, senderID string, since time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, m := range f.messages {
		if m.ConversationID == conversationID && m.SenderID == senderID && !m.SentAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) MarkMessagesRead(_ context.Context, conversationID, readerID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	count := 0
	for i := range f.messages {
		m := &f.messages[i]
		if m.ConversationID == conversationID && m.SenderID != readerID && m.ReadAt == nil {
			m.ReadAt = &now
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) UnreadTotal(_ context.Context, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, m := range f.messages {
		c, ok := f.conversations[m.ConversationID]
		if !ok || !c.HasParticipant(userID) {
			continue
		}
		if m.SenderID != userID && m.ReadAt == nil {
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) messageCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

// fakeNotifier records offline notifications on a channel so tests can
// wait for the fire-and-forget goroutine.
type fakeNotifier struct {
	calls chan string
	err   error
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{calls: make(chan string, 8)}
}

func (f *fakeNotifier) NotifyOffline(_ context.Context, userID string, _ domain.Message) error {
	f.calls <- userID
	return f.err
}

// tokenVerifier resolves "tok-<user>" credentials without real JWTs.
type tokenVerifier struct{}

func (tokenVerifier) Verify(token string) (string, error) {
	if userID, ok := strings.CutPrefix(token, "tok-"); ok && userID != "" {
		return userID, nil
	}
	return "", auth.ErrTokenInvalid
}

func testConfig() config.ServerConfig {
	return config.ServerConfig{
		Listen:             ":0",
		TokenSecret:        "0123456789abcdef0123456789abcdef",
		ConnectRateWindow:  time.Minute,
		ConnectRateCeiling: 10,
		BlockDuration:      5 * time.Minute,
		MaxSessionsPerUser: 3,
		MessageRateWindow:  60 * time.Second,
		MessageRateCeiling: 10,
		MaxMessageLength:   1000,
		TypingTimeout:      3 * time.Second,
		SessionIdleTimeout: 12 * time.Minute,
		JanitorInterval:    30 * time.Second,
		WriteTimeout:       time.Second,
	}
}

func newTestServer(t *testing.T, store *fakeStore, notifier Notifier) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(testConfig(), store, tokenVerifier{}, notifier, logger)
}

// addSession registers a session in the hub and presence registry without
// a live websocket, and joins it to the given rooms.
func addSession(t *testing.T, s *Server, userID, sessionID string, roomIDs ...string) *session {
	t.Helper()
	snap := domain.Snapshot{UserID: userID, Name: "Name " + userID}
	sess := &session{
		id:           sessionID,
		userID:       userID,
		snapshot:     snap,
		writeTimeout: time.Second,
	}
	s.hub.add(sess)
	s.presence.Register(sessionID, snap)
	for _, roomID := range roomIDs {
		if _, err := s.membership.Join(context.Background(), userID, sessionID, roomID); err != nil {
			t.Fatalf("join %s: %v", roomID, err)
		}
	}
	return sess
}

// eventsTo flattens the outbounds addressed to one session.
func eventsTo(outs []outbound, sessionID string) []chatproto.Event {
	var events []chatproto.Event
	for _, out := range outs {
		for _, id := range out.sessionIDs {
			if id == sessionID {
				events = append(events, out.event)
			}
		}
	}
	return events
}

func countKind(events []chatproto.Event, kind string) int {
	n := 0
	for _, e := range events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func seedStartedConversation(store *fakeStore, id, a, b string) {
	store.conversations[id] = domain.Conversation{
		ID: id, UserAID: a, UserBID: b, State: domain.ConversationStarted,
	}
}

func seedPendingConversation(store *fakeStore, id, a, b string, expiresAt time.Time) {
	store.conversations[id] = domain.Conversation{
		ID: id, UserAID: a, UserBID: b,
		State: domain.ConversationPending, ExpiresAt: &expiresAt,
	}
}
