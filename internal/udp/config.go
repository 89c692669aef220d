package udp

import (
	"net/netip"
)

const (
	// DefaultMaxClients is the session table bound used when none is set.
	DefaultMaxClients = 63

	// DefaultBufferSize matches the largest datagram relayed in either
	// direction. Longer datagrams are truncated by the kernel.
	DefaultBufferSize = 4096

	// MaxBufferSize is the largest usable receive buffer.
	MaxBufferSize = 65535

	// MaxDatagramSize is the largest UDP payload over IPv4.
	MaxDatagramSize = 65507
)

// Config holds configuration for the UDP relay.
type Config struct {
	// Bind is the address of the shared listening socket.
	Bind netip.AddrPort

	// Remote is the fixed endpoint every client is forwarded to.
	Remote netip.AddrPort

	// IPv4 selects 0.0.0.0:0 for upstream sockets. When false upstream
	// sockets bind [::]:0 in dual-stack mode.
	IPv4 bool

	// MaxClients bounds the session table. When the table holds more than
	// MaxClients sessions and a new client arrives, all sessions are evicted.
	// Zero evicts on every new client while any session exists. A negative
	// value selects DefaultMaxClients.
	MaxClients int

	// BufferSize is the receive buffer used for each direction.
	BufferSize int

	// Greeting is sent to every new client before its session is set up.
	// Nil means the embedded default greeting.
	Greeting []byte
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxClients: DefaultMaxClients,
		BufferSize: DefaultBufferSize,
		Greeting:   DefaultGreeting(),
	}
}

// withDefaults fills unset fields from DefaultConfig. MaxClients is unset
// only when negative since zero is a valid bound.
func (c Config) withDefaults() Config {
	if c.MaxClients < 0 {
		c.MaxClients = DefaultMaxClients
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.BufferSize > MaxBufferSize {
		c.BufferSize = MaxBufferSize
	}
	if c.Greeting == nil {
		c.Greeting = DefaultGreeting()
	}
	return c
}

// upstreamNetwork returns the network and wildcard address upstream sockets bind to.
func (c Config) upstreamNetwork() (string, netip.AddrPort) {
	if c.IPv4 {
		return "udp4", netip.AddrPortFrom(netip.IPv4Unspecified(), 0)
	}
	return "udp", netip.AddrPortFrom(netip.IPv6Unspecified(), 0)
}

// listenNetwork returns the network for the shared socket. An IPv4 bind
// address gets an IPv4-only socket; an IPv6 wildcard accepts both families.
func (c Config) listenNetwork() string {
	if c.Bind.Addr().Unmap().Is4() {
		return "udp4"
	}
	return "udp"
}
