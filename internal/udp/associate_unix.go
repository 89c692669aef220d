//go:build unix

package udp

import (
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/sys/unix"
)

// associate connects an already bound socket to remote, so that the kernel
// only delivers datagrams from remote and plain writes go to it.
func associate(conn *net.UDPConn, remote netip.AddrPort) error {
	addr, v6, err := remoteFor(conn, remote)
	if err != nil {
		return err
	}

	var sa unix.Sockaddr
	if v6 {
		sa = &unix.SockaddrInet6{
			Port:   int(remote.Port()),
			ZoneId: zoneIndex(addr.Zone()),
			Addr:   addr.As16(),
		}
	} else {
		sa = &unix.SockaddrInet4{
			Port: int(remote.Port()),
			Addr: addr.As4(),
		}
	}

	rc, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("raw conn: %w", err)
	}

	var connectErr error
	if err := rc.Control(func(fd uintptr) {
		connectErr = unix.Connect(int(fd), sa)
	}); err != nil {
		return fmt.Errorf("control: %w", err)
	}
	if connectErr != nil {
		return fmt.Errorf("connect %s: %w", remote, connectErr)
	}

	return nil
}
