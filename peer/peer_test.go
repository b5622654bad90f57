package peer

import (
	"sync"
	"testing"
	"time"
)

func freePort(t *testing.T) int {
	t.Helper()
	// A fixed high port; tests run serially within this package so
	// collisions are not expected.
	return 29015
}

func TestHandshakeAndAuthenticatedSend(t *testing.T) {
	port := freePort(t)
	psk := "integration-test-psk"

	server := New(Config{
		Mode:              "server",
		Port:              port,
		HandshakeTimeout:  5 * time.Second,
		HeartbeatInterval: time.Hour, // effectively disabled for this test
		SendTimeout:       2 * time.Second,
		PSK:               psk,
	})
	client := New(Config{
		Mode:              "client",
		ClientAddress:     "127.0.0.1",
		Port:              port,
		ConnectTimeout:    2 * time.Second,
		HandshakeTimeout:  5 * time.Second,
		HeartbeatInterval: time.Hour,
		SendTimeout:       2 * time.Second,
		ConnectRetries:    3,
		PSK:               psk,
	})
	defer server.Close()
	defer client.Close()

	var mu sync.Mutex
	received := make(map[string]int)
	server.RegisterHandler("STATUS_UPDATE", func(payload map[string]interface{}) {
		mu.Lock()
		defer mu.Unlock()
		received["STATUS_UPDATE"]++
	})

	if err := server.Start(); err != nil {
		t.Fatalf("server.Start: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := client.Start(); err != nil {
		t.Fatalf("client.Start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for server.State() != Authenticated && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if server.State() != Authenticated {
		t.Fatalf("server state = %s, want AUTHENTICATED", server.State())
	}
	if client.State() != Authenticated {
		t.Fatalf("client state = %s, want AUTHENTICATED", client.State())
	}

	if ok := client.Send("STATUS_UPDATE", map[string]interface{}{"row_index": 1.0}); !ok {
		t.Fatalf("client.Send returned false")
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := received["STATUS_UPDATE"]
		mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("server never received STATUS_UPDATE")
}

func TestUnknownCommandIsIgnoredNotFatal(t *testing.T) {
	p := New(Config{PSK: "x"})
	// Dispatch directly; an unregistered command must not panic.
	p.dispatch(Message{Command: "NOT_A_REAL_COMMAND", Payload: nil})
}

func TestStateStringer(t *testing.T) {
	cases := map[State]string{
		Disconnected:  "DISCONNECTED",
		Handshaking:   "HANDSHAKING",
		Authenticated: "AUTHENTICATED",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Fatalf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
