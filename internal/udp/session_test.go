package udp

import (
	"net"
	"net/netip"
	"testing"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	s := newSession(netip.MustParseAddrPort("127.0.0.1:40000"), conn)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionState_String(t *testing.T) {
	tests := []struct {
		state SessionState
		want  string
	}{
		{StateBound, "BOUND"},
		{StateAssociated, "ASSOCIATED"},
		{StateClosed, "CLOSED"},
		{SessionState(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("SessionState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestNewSession(t *testing.T) {
	s := newTestSession(t)

	if s.ID == "" {
		t.Error("ID should not be empty")
	}
	if s.State() != StateBound {
		t.Errorf("State = %v, want BOUND", s.State())
	}
	if s.IsClosed() {
		t.Error("new session should not be closed")
	}
	if !s.LocalAddr().IsValid() {
		t.Error("LocalAddr should be valid")
	}
	if s.LocalAddr().Port() == 0 {
		t.Error("upstream socket should have an ephemeral port")
	}
	if s.CreatedAt.IsZero() {
		t.Error("CreatedAt should be set")
	}
}

func TestSession_UniqueIDs(t *testing.T) {
	a := newTestSession(t)
	b := newTestSession(t)

	if a.ID == b.ID {
		t.Errorf("sessions share ID %s", a.ID)
	}
}

func TestSession_SetAssociated(t *testing.T) {
	s := newTestSession(t)

	s.setAssociated()
	if s.State() != StateAssociated {
		t.Errorf("State = %v, want ASSOCIATED", s.State())
	}

	s.Close()
	s.setAssociated()
	if s.State() != StateClosed {
		t.Errorf("State after close = %v, want CLOSED", s.State())
	}
}

func TestSession_Close(t *testing.T) {
	s := newTestSession(t)

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !s.IsClosed() {
		t.Error("session should be closed")
	}
	if s.Context().Err() == nil {
		t.Error("context should be cancelled")
	}

	// Upstream socket is closed.
	if _, err := s.conn.Write([]byte("x")); err == nil {
		t.Error("write on closed session should fail")
	}

	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestSession_Discard(t *testing.T) {
	s := newTestSession(t)

	s.discard()
	if !s.IsClosed() {
		t.Error("discarded session should be closed")
	}
	select {
	case <-s.Done():
	default:
		t.Error("Done should be closed for a session that never relayed")
	}
}
