package server

import (
	"errors"
	"testing"
	"time"

	"github.com/kindled/chatd/internal/chatproto"
	"github.com/kindled/chatd/internal/typing"
)

func TestWriteEventWithoutConnection(t *testing.T) {
	t.Parallel()

	sess := &session{id: "sess-x", writeTimeout: time.Second}
	if err := sess.writeEvent(chatproto.Event{Kind: chatproto.KindPong}); !errors.Is(err, errNoConn) {
		t.Fatalf("err = %v, want errNoConn", err)
	}
}

func TestTypingExpiryOutlivesConnection(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	seedStartedConversation(store, "room1", "alice", "bob")
	s := newTestServer(t, store, nil)
	alice := addSession(t, s, "alice", "sess-a", "room1")
	addSession(t, s, "bob", "sess-b", "room1")

	s.handleTypingStart(alice, "room1")

	// A timeout-driven stop fans out to whatever sessions the room holds;
	// delivery must tolerate sessions whose connection is already gone.
	s.onTypingExpired(typing.Expiry{RoomID: "room1", Snapshot: alice.snapshot})
}
