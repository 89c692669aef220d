package udp

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// SessionState represents the state of a client session.
type SessionState int

const (
	// StateBound means the upstream socket is bound but not yet associated.
	StateBound SessionState = iota
	// StateAssociated means the upstream socket is connected to the remote.
	StateAssociated
	// StateClosed means the session has been cancelled.
	StateClosed
)

// String returns a human-readable name for the state.
func (s SessionState) String() string {
	switch s {
	case StateBound:
		return "BOUND"
	case StateAssociated:
		return "ASSOCIATED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Session is one client's relay state: a dedicated upstream socket and
// the relay goroutine reading from it.
type Session struct {
	ID        string
	Client    netip.AddrPort
	CreatedAt time.Time

	conn   *net.UDPConn
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.RWMutex
	state  SessionState
	closed bool

	bytesUp   atomic.Uint64
	bytesDown atomic.Uint64
}

// newSession wraps a freshly bound upstream socket for client.
func newSession(client netip.AddrPort, conn *net.UDPConn) *Session {
	ctx, cancel := context.WithCancel(context.Background())

	return &Session{
		ID:        uuid.NewString(),
		Client:    client,
		CreatedAt: time.Now(),
		conn:      conn,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     StateBound,
	}
}

// setAssociated transitions the session to the associated state.
func (s *Session) setAssociated() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateBound {
		s.state = StateAssociated
	}
}

// State returns the current state.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.state
}

// IsClosed returns true if the session has been closed.
func (s *Session) IsClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.closed
}

// Context returns the session's context. It is cancelled by Close.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Done is closed when the session's relay goroutine has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// LocalAddr returns the upstream socket's local address.
func (s *Session) LocalAddr() netip.AddrPort {
	if addr, ok := s.conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.AddrPort()
	}
	return netip.AddrPort{}
}

// BytesUp returns the number of payload bytes forwarded to the remote.
func (s *Session) BytesUp() uint64 {
	return s.bytesUp.Load()
}

// BytesDown returns the number of payload bytes returned to the client.
func (s *Session) BytesDown() uint64 {
	return s.bytesDown.Load()
}

// Close cancels the session and closes its upstream socket, which unblocks
// a pending read in the relay goroutine. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	s.state = StateClosed
	s.cancel()

	return s.conn.Close()
}

// discard closes a session whose relay goroutine was never started, so
// Done does not block.
func (s *Session) discard() {
	s.Close()
	close(s.done)
}
