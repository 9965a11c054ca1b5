package relay

import (
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"
)

// newTestConn returns one end of a pipe wrapped for registration.
func newTestConn(t *testing.T) (net.Conn, *json.Encoder) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return server, json.NewEncoder(server)
}

func TestRegisterRejectsEmptyIdentity(t *testing.T) {
	r := NewRegistry()
	netConn, enc := newTestConn(t)

	_, err := r.Register("", "client-1", netConn, enc)
	var regErr *RegistrationError
	if !errors.As(err, &regErr) {
		t.Fatalf("Register() error = %v, want *RegistrationError", err)
	}

	_, err = r.Register("sess-1", "", netConn, enc)
	if !errors.As(err, &regErr) {
		t.Fatalf("Register() error = %v, want *RegistrationError", err)
	}

	if r.Count() != 0 {
		t.Errorf("Count() = %d, want 0", r.Count())
	}
}

func TestRegisterReplacesNotDuplicates(t *testing.T) {
	r := NewRegistry()
	conn1, enc1 := newTestConn(t)
	conn2, enc2 := newTestConn(t)

	if _, err := r.Register("sess-1", "client-a", conn1, enc1); err != nil {
		t.Fatal(err)
	}
	second, err := r.Register("sess-1", "client-b", conn2, enc2)
	if err != nil {
		t.Fatal(err)
	}

	if r.Count() != 1 {
		t.Errorf("Count() = %d, want 1", r.Count())
	}
	if got := r.Lookup("sess-1"); got != second {
		t.Errorf("Lookup() = %v, want the replacement connection", got)
	}

	// The replaced socket is closed.
	if _, err := conn1.Read(make([]byte, 1)); err == nil {
		t.Error("replaced connection should be closed")
	}
}

func TestRemoveOnlyIfCurrent(t *testing.T) {
	r := NewRegistry()
	conn1, enc1 := newTestConn(t)
	conn2, enc2 := newTestConn(t)

	first, _ := r.Register("sess-1", "client-a", conn1, enc1)
	second, _ := r.Register("sess-1", "client-b", conn2, enc2)

	// The replaced connection's teardown must not evict its successor.
	r.Remove("sess-1", first)
	if got := r.Lookup("sess-1"); got != second {
		t.Fatalf("Lookup() after stale Remove = %v, want replacement", got)
	}

	r.Remove("sess-1", second)
	if got := r.Lookup("sess-1"); got != nil {
		t.Fatalf("Lookup() after Remove = %v, want nil", got)
	}
}

func TestLookupUnknownSession(t *testing.T) {
	r := NewRegistry()
	if got := r.Lookup("nope"); got != nil {
		t.Errorf("Lookup() = %v, want nil", got)
	}
}

func TestTouchAdvancesLastSeen(t *testing.T) {
	r := NewRegistry()
	netConn, enc := newTestConn(t)
	conn, _ := r.Register("sess-1", "client-a", netConn, enc)

	before := conn.LastSeen()
	time.Sleep(time.Millisecond)
	r.Touch("sess-1")

	if !conn.LastSeen().After(before) {
		t.Errorf("LastSeen() = %v, want after %v", conn.LastSeen(), before)
	}

	// Unknown sessions are a no-op.
	r.Touch("ghost")
}

func TestSweepEvictsStale(t *testing.T) {
	r := NewRegistry()
	staleConn, enc1 := newTestConn(t)
	liveConn, enc2 := newTestConn(t)

	stale, _ := r.Register("sess-stale", "client-a", staleConn, enc1)
	_, _ = r.Register("sess-live", "client-b", liveConn, enc2)

	stale.touch(time.Now().Add(-10 * time.Minute))

	if n := r.Sweep(time.Now(), DefaultStaleAfter); n != 1 {
		t.Fatalf("Sweep() = %d, want 1", n)
	}
	if r.Lookup("sess-stale") != nil {
		t.Error("stale session should be evicted")
	}
	if r.Lookup("sess-live") == nil {
		t.Error("live session should survive the sweep")
	}
}

func TestSessionsSnapshot(t *testing.T) {
	r := NewRegistry()
	netConn, enc := newTestConn(t)
	_, _ = r.Register("sess-1", "client-a", netConn, enc)

	sessions := r.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("len(Sessions()) = %d, want 1", len(sessions))
	}
	if sessions[0].SessionID != "sess-1" || sessions[0].ClientID != "client-a" {
		t.Errorf("Sessions()[0] = %+v", sessions[0])
	}
	if sessions[0].LastSeen.IsZero() || sessions[0].RegisteredAt.IsZero() {
		t.Errorf("timestamps should be set: %+v", sessions[0])
	}
}
