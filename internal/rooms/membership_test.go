package rooms

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/kindled/chatd/internal/domain"
)

type fakeStore struct {
	conversations map[string]domain.Conversation
	blockedPairs  map[string]bool
	expired       []string
	failWith      error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		conversations: make(map[string]domain.Conversation),
		blockedPairs:  make(map[string]bool),
	}
}

func (f *fakeStore) ConversationByID(_ context.Context, id string) (domain.Conversation, error) {
	if f.failWith != nil {
		return domain.Conversation{}, f.failWith
	}
	c, ok := f.conversations[id]
	if !ok {
		return domain.Conversation{}, domain.ErrConversationNotFound
	}
	return c, nil
}

func (f *fakeStore) IsBlockedPair(_ context.Context, a, b string) (bool, error) {
	return f.blockedPairs[a+"|"+b] || f.blockedPairs[b+"|"+a], nil
}

func (f *fakeStore) MarkConversationExpired(_ context.Context, id string) error {
	c := f.conversations[id]
	c.State = domain.ConversationExpired
	f.conversations[id] = c
	f.expired = append(f.expired, id)
	return nil
}

func startedConv(id, a, b string) domain.Conversation {
	return domain.Conversation{ID: id, UserAID: a, UserBID: b, State: domain.ConversationStarted}
}

func TestAuthorizeParticipant(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.conversations["conv-1"] = startedConv("conv-1", "u1", "u2")
	m := NewMembership(store, nil)

	grant, err := m.Authorize(context.Background(), "u1", "conv-1")
	if err != nil {
		t.Fatal(err)
	}
	if grant.PeerID != "u2" {
		t.Fatalf("expected peer u2, got %q", grant.PeerID)
	}

	if _, err := m.Authorize(context.Background(), "u3", "conv-1"); !errors.Is(err, domain.ErrAccessDenied) {
		t.Fatalf("expected access denied for outsider, got %v", err)
	}
	if _, err := m.Authorize(context.Background(), "u1", "conv-missing"); !errors.Is(err, domain.ErrAccessDenied) {
		t.Fatalf("expected access denied for unknown room, got %v", err)
	}
}

func TestAuthorizeBlockedPair(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.conversations["conv-1"] = startedConv("conv-1", "u1", "u2")
	store.blockedPairs["u1|u2"] = true
	m := NewMembership(store, nil)

	if _, err := m.Authorize(context.Background(), "u1", "conv-1"); !errors.Is(err, domain.ErrAccessDenied) {
		t.Fatalf("expected access denied for blocked pair, got %v", err)
	}
}

func TestAuthorizeExpiresPendingConversation(t *testing.T) {
	t.Parallel()

	now := time.Now()
	deadline := now.Add(-time.Minute)
	store := newFakeStore()
	store.conversations["conv-1"] = domain.Conversation{
		ID: "conv-1", UserAID: "u1", UserBID: "u2",
		State: domain.ConversationPending, ExpiresAt: &deadline,
	}
	m := NewMembership(store, func() time.Time { return now })

	_, err := m.Authorize(context.Background(), "u1", "conv-1")
	if !errors.Is(err, domain.ErrConversationExpired) {
		t.Fatalf("expected conversation expired, got %v", err)
	}
	if len(store.expired) != 1 || store.expired[0] != "conv-1" {
		t.Fatalf("expected lazy expiry transition, got %v", store.expired)
	}

	// Subsequent access never silently succeeds.
	if _, err := m.Authorize(context.Background(), "u1", "conv-1"); !errors.Is(err, domain.ErrConversationExpired) {
		t.Fatalf("expected expired on retry, got %v", err)
	}
}

func TestAuthorizePendingWithinDeadline(t *testing.T) {
	t.Parallel()

	now := time.Now()
	deadline := now.Add(time.Hour)
	store := newFakeStore()
	store.conversations["conv-1"] = domain.Conversation{
		ID: "conv-1", UserAID: "u1", UserBID: "u2",
		State: domain.ConversationPending, ExpiresAt: &deadline,
	}
	m := NewMembership(store, func() time.Time { return now })

	if _, err := m.Authorize(context.Background(), "u1", "conv-1"); err != nil {
		t.Fatalf("pending conversation within deadline should authorize, got %v", err)
	}
}

func TestAuthorizeUnmatched(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	c := startedConv("conv-1", "u1", "u2")
	c.State = domain.ConversationUnmatched
	store.conversations["conv-1"] = c
	m := NewMembership(store, nil)

	if _, err := m.Authorize(context.Background(), "u1", "conv-1"); !errors.Is(err, domain.ErrConversationInactive) {
		t.Fatalf("expected conversation inactive, got %v", err)
	}
}

func TestJoinLeaveBookkeeping(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.conversations["conv-1"] = startedConv("conv-1", "u1", "u2")
	store.conversations["conv-2"] = startedConv("conv-2", "u1", "u3")
	m := NewMembership(store, nil)
	ctx := context.Background()

	if _, err := m.Join(ctx, "u1", "s1", "conv-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Join(ctx, "u1", "s1", "conv-2"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Join(ctx, "u1", "s2", "conv-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Join(ctx, "u2", "s3", "conv-1"); err != nil {
		t.Fatal(err)
	}

	rooms := m.RoomsFor("u1")
	sort.Strings(rooms)
	if len(rooms) != 2 || rooms[0] != "conv-1" || rooms[1] != "conv-2" {
		t.Fatalf("unexpected rooms for u1: %v", rooms)
	}
	if got := len(m.SessionsInRoom("conv-1")); got != 3 {
		t.Fatalf("expected 3 sessions in conv-1, got %d", got)
	}
	if got := m.SessionsInRoomExcept("conv-1", "s1"); len(got) != 2 {
		t.Fatalf("expected 2 peer sessions, got %v", got)
	}

	// One of u1's sessions leaves; the user still belongs to the room.
	if !m.Leave("u1", "s1", "conv-1") {
		t.Fatal("expected member leave to succeed")
	}
	if !m.IsMember("s2", "conv-1") {
		t.Fatal("s2 should remain a member")
	}
	found := false
	for _, r := range m.RoomsFor("u1") {
		if r == "conv-1" {
			found = true
		}
	}
	if !found {
		t.Fatal("u1 should still hold conv-1 via s2")
	}

	// Repeated leave is a no-op.
	if m.Leave("u1", "s1", "conv-1") {
		t.Fatal("repeated leave should report false")
	}
}

func TestLeaveAll(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.conversations["conv-1"] = startedConv("conv-1", "u1", "u2")
	store.conversations["conv-2"] = startedConv("conv-2", "u1", "u3")
	m := NewMembership(store, nil)
	ctx := context.Background()

	if _, err := m.Join(ctx, "u1", "s1", "conv-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Join(ctx, "u1", "s1", "conv-2"); err != nil {
		t.Fatal(err)
	}

	left := m.LeaveAll("u1", "s1")
	sort.Strings(left)
	if len(left) != 2 {
		t.Fatalf("expected to leave 2 rooms, got %v", left)
	}
	if got := m.RoomsFor("u1"); len(got) != 0 {
		t.Fatalf("expected no rooms after LeaveAll, got %v", got)
	}
	if got := m.LeaveAll("u1", "s1"); len(got) != 0 {
		t.Fatalf("LeaveAll should be idempotent, got %v", got)
	}
}
