package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kindled/chatd/internal/chatproto"
	"github.com/kindled/chatd/internal/domain"
)

func seedUser(store *fakeStore, id string) {
	store.users[id] = domain.User{ID: id, Name: "Name " + id, Active: true}
}

// startWS serves the websocket endpoint on an ephemeral port and returns
// the ws:// URL.
func startWS(t *testing.T, s *Server) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(s.handleWS))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dialWS(t *testing.T, url, token string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url+"?token="+token, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// awaitEvent reads until an event of the wanted kind arrives, discarding
// interleaved broadcasts.
func awaitEvent(t *testing.T, conn *websocket.Conn, kind string) chatproto.Event {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	_ = conn.SetReadDeadline(deadline)
	for time.Now().Before(deadline) {
		var evt chatproto.Event
		if err := conn.ReadJSON(&evt); err != nil {
			t.Fatalf("waiting for %s: %v", kind, err)
		}
		if evt.Kind == kind {
			return evt
		}
	}
	t.Fatalf("no %s event before deadline", kind)
	return chatproto.Event{}
}

func TestConnectHandshake(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	seedUser(store, "alice")
	seedUser(store, "bob")
	seedStartedConversation(store, "room1", "alice", "bob")
	s := newTestServer(t, store, nil)
	url := startWS(t, s)

	bobConn := dialWS(t, url, "tok-bob")
	bobConfirmed := awaitEvent(t, bobConn, chatproto.KindConnectionConfirmed)
	if bobConfirmed.Confirmed.UserID != "bob" || bobConfirmed.Confirmed.SessionID == "" {
		t.Fatalf("bob confirmation = %+v", bobConfirmed.Confirmed)
	}
	if len(bobConfirmed.Confirmed.OnlinePeers) != 0 {
		t.Errorf("bob online peers = %+v, want none", bobConfirmed.Confirmed.OnlinePeers)
	}

	aliceConn := dialWS(t, url, "tok-alice")
	aliceConfirmed := awaitEvent(t, aliceConn, chatproto.KindConnectionConfirmed)
	peers := aliceConfirmed.Confirmed.OnlinePeers
	if len(peers) != 1 || peers[0].UserID != "bob" {
		t.Errorf("alice online peers = %+v, want bob", peers)
	}

	online := awaitEvent(t, bobConn, chatproto.KindUserOnline)
	if online.Presence.UserID != "alice" {
		t.Errorf("user_online for %q, want alice", online.Presence.UserID)
	}
}

func TestConnectRejected(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	seedUser(store, "alice")
	store.users["carol"] = domain.User{ID: "carol", Name: "Carol", Active: false}
	s := newTestServer(t, store, nil)
	url := startWS(t, s)

	cases := []struct {
		name   string
		token  string
		status int
		reason string
	}{
		{"no credential", "", http.StatusUnauthorized, domain.AdmissionNoCredential},
		{"bad credential", "garbage", http.StatusUnauthorized, domain.AdmissionInvalidCredential},
		{"unknown user", "tok-ghost", http.StatusForbidden, domain.AdmissionUserNotFound},
		{"inactive user", "tok-carol", http.StatusForbidden, domain.AdmissionUserInactive},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(url+"?token="+tc.token, nil)
			if err == nil {
				t.Fatal("handshake unexpectedly succeeded")
			}
			if resp == nil {
				t.Fatalf("no HTTP response: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tc.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tc.status)
			}
			var body struct {
				Reason string `json:"reason"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("decode rejection body: %v", err)
			}
			if body.Reason != tc.reason {
				t.Errorf("reason = %q, want %q", body.Reason, tc.reason)
			}
		})
	}
}

func TestSendMessageRoundTrip(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	seedUser(store, "alice")
	seedUser(store, "bob")
	seedStartedConversation(store, "room1", "alice", "bob")
	s := newTestServer(t, store, nil)
	url := startWS(t, s)

	aliceConn := dialWS(t, url, "tok-alice")
	awaitEvent(t, aliceConn, chatproto.KindConnectionConfirmed)
	bobConn := dialWS(t, url, "tok-bob")
	awaitEvent(t, bobConn, chatproto.KindConnectionConfirmed)

	err := aliceConn.WriteJSON(chatproto.Event{
		Kind: chatproto.KindSendMessage,
		Send: &chatproto.SendMessage{RoomID: "room1", Content: "hello bob", ClientTempID: "tmp-rt"},
	})
	if err != nil {
		t.Fatalf("write send_message: %v", err)
	}

	msg := awaitEvent(t, bobConn, chatproto.KindNewMessage)
	if msg.Message.Content != "hello bob" || msg.Message.SenderID != "alice" {
		t.Errorf("broadcast = %+v", msg.Message)
	}
	ack := awaitEvent(t, aliceConn, chatproto.KindMessageSent)
	if ack.Sent.ClientTempID != "tmp-rt" || ack.Sent.MessageID == "" {
		t.Errorf("ack = %+v", ack.Sent)
	}
}

func TestDisconnectLifecycle(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	seedUser(store, "alice")
	seedUser(store, "bob")
	seedStartedConversation(store, "room1", "alice", "bob")
	s := newTestServer(t, store, nil)
	url := startWS(t, s)

	bobConn := dialWS(t, url, "tok-bob")
	awaitEvent(t, bobConn, chatproto.KindConnectionConfirmed)

	first := dialWS(t, url, "tok-alice")
	awaitEvent(t, first, chatproto.KindConnectionConfirmed)
	second := dialWS(t, url, "tok-alice")
	awaitEvent(t, second, chatproto.KindConnectionConfirmed)

	// Closing one of two sessions must not take the user offline.
	first.Close()
	waitUntil(t, func() bool { return s.presence.CountSessions("alice") == 1 })
	if !s.presence.IsOnline("alice") {
		t.Fatal("user went offline while a session remained")
	}

	second.Close()
	offline := awaitEvent(t, bobConn, chatproto.KindUserOffline)
	if offline.Presence.UserID != "alice" {
		t.Errorf("user_offline for %q, want alice", offline.Presence.UserID)
	}
	if offline.Presence.LastSeen == nil {
		t.Error("user_offline missing last_seen")
	}
	waitUntil(t, func() bool { return !s.presence.IsOnline("alice") })
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}
