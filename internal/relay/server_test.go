package relay

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pulse-im/pulse-server/internal/protocol"
	"github.com/pulse-im/pulse-server/internal/types"
)

// startRelay boots a relay on an ephemeral port and tears it down with
// the test.
func startRelay(t *testing.T, mutate func(*types.ServerConfig)) *Server {
	t.Helper()

	cfg := types.ServerConfig{
		Addr:            "127.0.0.1:0",
		MaxConnections:  64,
		MetricsInterval: time.Minute,
		LogLevel:        types.LogLevelError,
		LogFormat:       types.LogFormatJSON,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	s := NewServer(cfg)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(s.Shutdown)
	return s
}

func wsURL(s *Server) string {
	return "ws://" + s.listener.Addr().String() + "/ws"
}

func dial(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(s), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, env protocol.Envelope) {
	t.Helper()
	data, err := protocol.Encode(env)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
}

// awaitKind reads frames until one of the wanted kind arrives, skipping
// everything else (presence chatter interleaves freely).
func awaitKind(t *testing.T, conn *websocket.Conn, kind protocol.Kind, timeout time.Duration) protocol.Envelope {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s frame: %v", kind, err)
		}
		env, err := protocol.Decode(data)
		if err != nil {
			t.Fatalf("undecodable frame from server %s: %v", data, err)
		}
		if env.Kind() == kind {
			return env
		}
	}
}

// expectNoKind asserts that no frame of the given kind arrives within
// the window.
func expectNoKind(t *testing.T, conn *websocket.Conn, kind protocol.Kind, window time.Duration) {
	t.Helper()
	deadline := time.Now().Add(window)
	for {
		conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		if err != nil {
			return // window elapsed with nothing offending
		}
		env, err := protocol.Decode(data)
		if err != nil {
			t.Fatalf("undecodable frame from server %s: %v", data, err)
		}
		if env.Kind() == kind {
			t.Fatalf("received unwanted %s frame: %s", kind, data)
		}
	}
}

// connectAs dials and completes the handshake for one user.
func connectAs(t *testing.T, s *Server, userID string) *websocket.Conn {
	t.Helper()
	conn := dial(t, s)
	writeEnvelope(t, conn, &protocol.Connect{UserID: userID})

	env := awaitKind(t, conn, protocol.KindAuthResponse, 2*time.Second)
	ack := env.(*protocol.AuthResponse)
	if !ack.Success || ack.Message != "Connected to server" {
		t.Fatalf("auth_response = %+v, want success with greeting", ack)
	}
	return conn
}

func TestAuthHandshake(t *testing.T) {
	s := startRelay(t, nil)
	connectAs(t, s, "alice")
}

func TestAuthRejectsNonConnectFirstFrame(t *testing.T) {
	s := startRelay(t, nil)

	cases := []struct {
		name  string
		frame string
	}{
		{"garbage", "not json"},
		{"unknown type", `{"type":"telepathy"}`},
		{"non-connect envelope", `{"type":"typing","chat_id":"c","user_id":"alice","is_typing":true}`},
		{"empty user id", `{"type":"connect","user_id":""}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn := dial(t, s)
			if err := conn.WriteMessage(websocket.TextMessage, []byte(tc.frame)); err != nil {
				t.Fatalf("WriteMessage: %v", err)
			}

			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			if _, data, err := conn.ReadMessage(); err == nil {
				t.Fatalf("expected the socket to close, received %s", data)
			}
		})
	}
}

func TestAuthTimeout(t *testing.T) {
	s := startRelay(t, func(cfg *types.ServerConfig) {
		cfg.AuthTimeout = 200 * time.Millisecond
	})

	conn := dial(t, s)

	// Send nothing; the handshake window should close the socket.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, data, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected the socket to close, received %s", data)
	}
}

func TestAuthToken(t *testing.T) {
	s := startRelay(t, func(cfg *types.ServerConfig) {
		cfg.AccessToken = "hunter2"
	})

	t.Run("missing token closes", func(t *testing.T) {
		conn := dial(t, s)
		writeEnvelope(t, conn, &protocol.Connect{UserID: "alice"})
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, data, err := conn.ReadMessage(); err == nil {
			t.Fatalf("expected the socket to close, received %s", data)
		}
	})

	t.Run("wrong token closes", func(t *testing.T) {
		wrong := "guessed"
		conn := dial(t, s)
		writeEnvelope(t, conn, &protocol.Connect{UserID: "alice", Token: &wrong})
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, data, err := conn.ReadMessage(); err == nil {
			t.Fatalf("expected the socket to close, received %s", data)
		}
	})

	t.Run("matching token authenticates", func(t *testing.T) {
		token := "hunter2"
		conn := dial(t, s)
		writeEnvelope(t, conn, &protocol.Connect{UserID: "alice", Token: &token})
		env := awaitKind(t, conn, protocol.KindAuthResponse, 2*time.Second)
		if !env.(*protocol.AuthResponse).Success {
			t.Fatal("valid token rejected")
		}
	})
}

func TestPresenceOnAttachAndDetach(t *testing.T) {
	s := startRelay(t, nil)

	alice := connectAs(t, s, "alice")
	bob := connectAs(t, s, "bob")

	// Alice hears about bob's arrival.
	online := awaitKind(t, alice, protocol.KindPresence, 2*time.Second).(*protocol.Presence)
	if online.UserID != "bob" || !online.IsOnline || online.LastSeen != nil {
		t.Fatalf("attach presence = %+v, want bob online with null last_seen", online)
	}

	// Bob's roster names alice.
	roster := awaitKind(t, bob, protocol.KindPresence, 2*time.Second).(*protocol.Presence)
	if roster.UserID != "alice" || !roster.IsOnline || roster.LastSeen != nil {
		t.Fatalf("roster presence = %+v, want alice online with null last_seen", roster)
	}

	before := time.Now().UnixMilli()
	bob.Close()

	offline := awaitKind(t, alice, protocol.KindPresence, 2*time.Second).(*protocol.Presence)
	if offline.UserID != "bob" || offline.IsOnline {
		t.Fatalf("detach presence = %+v, want bob offline", offline)
	}
	if offline.LastSeen == nil || *offline.LastSeen < before {
		t.Fatalf("detach presence last_seen = %v, want a recent timestamp", offline.LastSeen)
	}
}

func TestUnicastWithSpoofDefense(t *testing.T) {
	s := startRelay(t, nil)

	alice := connectAs(t, s, "alice")
	bob := connectAs(t, s, "bob")

	writeEnvelope(t, alice, &protocol.ChatMessage{
		ID:          "m1",
		ChatID:      "c",
		SenderID:    "MALLORY",
		SenderName:  "A",
		RecipientID: "bob",
		Content:     "hi",
		Timestamp:   1,
	})

	msg := awaitKind(t, bob, protocol.KindChatMessage, 2*time.Second).(*protocol.ChatMessage)
	if msg.SenderID != "alice" {
		t.Errorf("sender_id = %q, want alice", msg.SenderID)
	}
	if msg.Content != "hi" || msg.ID != "m1" {
		t.Errorf("payload mangled: %+v", msg)
	}

	expectNoKind(t, alice, protocol.KindChatMessage, 300*time.Millisecond)
}

func TestOfflineQueueDrainsInOrder(t *testing.T) {
	s := startRelay(t, nil)

	alice := connectAs(t, s, "alice")

	for i := 1; i <= 5; i++ {
		writeEnvelope(t, alice, &protocol.ChatMessage{
			ID:          fmt.Sprintf("m%d", i),
			ChatID:      "c",
			RecipientID: "bob",
			Content:     fmt.Sprintf("hello %d", i),
			Timestamp:   int64(i),
		})
	}

	// The park is asynchronous to the writes; wait for all five.
	deadline := time.Now().Add(2 * time.Second)
	for s.pending.PendingCount("bob") < 5 {
		if time.Now().After(deadline) {
			t.Fatalf("only %d frames parked for bob", s.pending.PendingCount("bob"))
		}
		time.Sleep(10 * time.Millisecond)
	}

	bob := connectAs(t, s, "bob")
	for i := 1; i <= 5; i++ {
		msg := awaitKind(t, bob, protocol.KindChatMessage, 2*time.Second).(*protocol.ChatMessage)
		if want := fmt.Sprintf("m%d", i); msg.ID != want {
			t.Fatalf("drained message #%d has id %q, want %q", i, msg.ID, want)
		}
	}
}

func TestEphemeralKindsAreNotQueued(t *testing.T) {
	s := startRelay(t, nil)

	alice := connectAs(t, s, "alice")
	writeEnvelope(t, alice, &protocol.Typing{ChatID: "c", UserID: "alice", IsTyping: true})

	// Give the routing a moment to run before bob attaches.
	time.Sleep(100 * time.Millisecond)

	bob := connectAs(t, s, "bob")
	expectNoKind(t, bob, protocol.KindTyping, 500*time.Millisecond)
}

func TestReceiptRouting(t *testing.T) {
	s := startRelay(t, nil)

	alice := connectAs(t, s, "alice")
	bob := connectAs(t, s, "bob")

	writeEnvelope(t, bob, &protocol.DeliveryReceipt{
		MessageID:   "m1",
		ChatID:      "c",
		SenderID:    "alice",
		DeliveredTo: "WRONG",
	})

	dr := awaitKind(t, alice, protocol.KindDeliveryReceipt, 2*time.Second).(*protocol.DeliveryReceipt)
	if dr.DeliveredTo != "bob" || dr.MessageID != "m1" {
		t.Errorf("delivery_receipt = %+v, want delivered_to=bob message_id=m1", dr)
	}
}

func TestProfileUpdateFansOut(t *testing.T) {
	s := startRelay(t, nil)

	alice := connectAs(t, s, "alice")
	bob := connectAs(t, s, "bob")
	carol := connectAs(t, s, "carol")

	writeEnvelope(t, alice, &protocol.ProfileUpdate{UserID: "SPOOF", Name: "Alice"})

	for _, peer := range []*websocket.Conn{bob, carol} {
		pu := awaitKind(t, peer, protocol.KindProfileUpdate, 2*time.Second).(*protocol.ProfileUpdate)
		if pu.UserID != "alice" || pu.Name != "Alice" {
			t.Errorf("profile_update = %+v, want alice/Alice", pu)
		}
	}
	expectNoKind(t, alice, protocol.KindProfileUpdate, 300*time.Millisecond)
}

func TestMalformedFrameKeepsSessionAlive(t *testing.T) {
	s := startRelay(t, nil)

	alice := connectAs(t, s, "alice")
	bob := connectAs(t, s, "bob")

	if err := alice.WriteMessage(websocket.TextMessage, []byte("}{ definitely not json")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if err := alice.WriteMessage(websocket.TextMessage, []byte(`{"type":"wormhole"}`)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	writeEnvelope(t, alice, &protocol.ChatMessage{
		ID: "m1", ChatID: "c", RecipientID: "bob", Content: "still here", Timestamp: 1,
	})

	msg := awaitKind(t, bob, protocol.KindChatMessage, 2*time.Second).(*protocol.ChatMessage)
	if msg.Content != "still here" {
		t.Errorf("content = %q, want still here", msg.Content)
	}
}

func TestMultiDeviceDelivery(t *testing.T) {
	s := startRelay(t, nil)

	phone := connectAs(t, s, "alice")
	laptop := connectAs(t, s, "alice")
	bob := connectAs(t, s, "bob")

	writeEnvelope(t, bob, &protocol.ChatMessage{
		ID: "m1", ChatID: "c", RecipientID: "alice", Content: "hi", Timestamp: 1,
	})

	for _, device := range []*websocket.Conn{phone, laptop} {
		msg := awaitKind(t, device, protocol.KindChatMessage, 2*time.Second).(*protocol.ChatMessage)
		if msg.ID != "m1" || msg.SenderID != "bob" {
			t.Errorf("device received %+v, want m1 from bob", msg)
		}
	}

	// Detach of one device announces offline even while the other lives.
	phone.Close()
	offline := awaitKind(t, bob, protocol.KindPresence, 2*time.Second).(*protocol.Presence)
	if offline.UserID != "alice" || offline.IsOnline {
		t.Fatalf("presence = %+v, want alice offline", offline)
	}

	// Yet alice's remaining device still receives unicasts.
	writeEnvelope(t, bob, &protocol.ChatMessage{
		ID: "m2", ChatID: "c", RecipientID: "alice", Content: "again", Timestamp: 2,
	})
	msg := awaitKind(t, laptop, protocol.KindChatMessage, 2*time.Second).(*protocol.ChatMessage)
	if msg.ID != "m2" {
		t.Errorf("surviving device received %+v, want m2", msg)
	}
}

func TestCapacityRejection(t *testing.T) {
	s := startRelay(t, func(cfg *types.ServerConfig) {
		cfg.MaxConnections = 1
	})

	connectAs(t, s, "alice")

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(s), nil)
	if err == nil {
		t.Fatal("dial beyond capacity succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("rejection status = %v, want 503", resp)
	}
}

func TestHealthEndpoint(t *testing.T) {
	s := startRelay(t, nil)
	connectAs(t, s, "alice")

	resp, err := http.Get("http://" + s.listener.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q, want application/json", ct)
	}
}
