// Package udp implements a connectionless UDP relay.
//
// A Relay listens on one bound socket and forwards every client's datagrams
// to a single fixed remote endpoint. Each client address gets its own
// upstream socket, associated with the remote, so the remote sees one flow
// per client. A relay goroutine per session copies the remote's replies back
// to the client through the shared bound socket.
//
// # Lifecycle
//
//  1. First datagram from an unknown address: the greeting blob is sent back
//  2. If the session table holds more than MaxClients entries, every session is evicted
//  3. An upstream socket is bound to an ephemeral port and associated with the remote
//  4. The datagram is forwarded and the session's relay goroutine is started
//  5. Later datagrams from the same address reuse the session's upstream socket
//
// # Thread Safety
//
// The session table is owned by the goroutine running Serve and is not
// locked. HandleDatagram must only be called from that goroutine (or, when
// Serve is not running, from a single goroutine). Stats, LocalAddr,
// IsRunning and Close are safe for concurrent use.
package udp
