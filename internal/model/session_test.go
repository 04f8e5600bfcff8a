package model

import (
	"sync"
	"testing"
	"time"
)

// mockConn implements a minimal connection interface for testing.
type mockConn struct{}

func (m *mockConn) WriteJSON(v interface{}) error                       { return nil }
func (m *mockConn) ReadJSON(v interface{}) error                        { return nil }
func (m *mockConn) WriteMessage(msgType int, data []byte) error         { return nil }
func (m *mockConn) ReadMessage() (messageType int, p []byte, err error) { return 0, nil, nil }
func (m *mockConn) Close() error                                        { return nil }

func newTestSession(id, account string, caps ...string) *Session {
	capSet := make(map[string]bool)
	for _, c := range caps {
		capSet[c] = true
	}
	return &Session{
		ID:      id,
		Account: account,
		Caps:    capSet,
		Conn:    &mockConn{},
		Send:    make(chan []byte, 10),
	}
}

// TestSessionRegistryConcurrentAccess verifies the registry is safe for
// concurrent registration and reads (run under the race detector).
func TestSessionRegistryConcurrentAccess(t *testing.T) {
	registry := NewSessionRegistry()
	go registry.Run()

	sessions := make([]*Session, 20)
	for i := 0; i < 20; i++ {
		sessions[i] = newTestSession(
			"session-"+string(rune('a'+i)),
			"user-"+string(rune('0'+i%5)),
		)
	}

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			registry.Register(s)
		}(s)
	}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			registry.IsOnline("user-0")
			registry.Count()
		}()
	}
	wg.Wait()

	// Registration flows through a channel, give Run a moment to drain.
	deadline := time.Now().Add(time.Second)
	for registry.Count() != 20 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 20 registered sessions, got %d", registry.Count())
		}
		time.Sleep(5 * time.Millisecond)
	}

	for _, s := range sessions {
		registry.Unregister(s)
	}
	deadline = time.Now().Add(time.Second)
	for registry.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 0 sessions after unregister, got %d", registry.Count())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSessionRegistry_WithCap(t *testing.T) {
	registry := NewSessionRegistry()
	go registry.Run()

	aware := newTestSession("s1", "alice", CapRedaction)
	plain := newTestSession("s2", "bob")
	registry.Register(aware)
	registry.Register(plain)

	deadline := time.Now().Add(time.Second)
	for registry.Count() != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("sessions not registered in time")
		}
		time.Sleep(5 * time.Millisecond)
	}

	got := registry.WithCap(CapRedaction)
	if len(got) != 1 || got[0].Account != "alice" {
		t.Errorf("WithCap(%q) = %d sessions, want exactly alice", CapRedaction, len(got))
	}
	if !registry.IsOnline("bob") {
		t.Error("IsOnline(bob) = false after registration")
	}
	if registry.IsOnline("mallory") {
		t.Error("IsOnline(mallory) = true for unknown account")
	}
}

// TestSessionRegistry_SendOpenAfterUnregister pins the teardown
// contract: a sender holding a session from an earlier snapshot must
// be able to enqueue without panicking even after the session was
// unregistered. The write pump dies with the connection, not the
// channel.
func TestSessionRegistry_SendOpenAfterUnregister(t *testing.T) {
	registry := NewSessionRegistry()
	go registry.Run()

	s := newTestSession("s1", "alice", CapRedaction)
	registry.Register(s)

	deadline := time.Now().Add(time.Second)
	for registry.Count() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("session not registered in time")
		}
		time.Sleep(5 * time.Millisecond)
	}

	snapshot := registry.WithCap(CapRedaction)
	if len(snapshot) != 1 {
		t.Fatalf("WithCap returned %d sessions, want 1", len(snapshot))
	}

	registry.Unregister(s)
	for registry.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session not unregistered in time")
		}
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case snapshot[0].Send <- []byte("redacted"):
	default:
		t.Fatal("send channel rejected the frame")
	}
}
