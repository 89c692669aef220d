package udp

import "net/netip"

// sessionTable maps client addresses to sessions and records the relay
// goroutines started for them. It is owned by a single goroutine.
type sessionTable struct {
	sessions map[netip.AddrPort]*Session
	tasks    []*Session
}

func newSessionTable() *sessionTable {
	return &sessionTable{
		sessions: make(map[netip.AddrPort]*Session),
	}
}

func (t *sessionTable) get(client netip.AddrPort) (*Session, bool) {
	s, ok := t.sessions[client]
	return s, ok
}

func (t *sessionTable) insert(s *Session) {
	t.sessions[s.Client] = s
}

// remove drops client from the table. It is only used to roll back a
// session whose relay goroutine was never started.
func (t *sessionTable) remove(client netip.AddrPort) *Session {
	s, ok := t.sessions[client]
	if !ok {
		return nil
	}
	delete(t.sessions, client)
	return s
}

// track records s as having a running relay goroutine.
func (t *sessionTable) track(s *Session) {
	t.tasks = append(t.tasks, s)
}

func (t *sessionTable) len() int {
	return len(t.sessions)
}

// reset swaps in an empty table and returns every session that was in it,
// in the order their relay goroutines were started. The caller cancels them.
func (t *sessionTable) reset() []*Session {
	old := t.tasks
	if len(old) < len(t.sessions) {
		for _, s := range t.sessions {
			if !contains(old, s) {
				old = append(old, s)
			}
		}
	}

	t.sessions = make(map[netip.AddrPort]*Session)
	t.tasks = nil
	return old
}

func contains(list []*Session, s *Session) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
