//go:build !unix && !windows

package udp

import (
	"errors"
	"net"
	"net/netip"
)

func associate(conn *net.UDPConn, remote netip.AddrPort) error {
	return errors.ErrUnsupported
}
