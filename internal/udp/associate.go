package udp

import (
	"fmt"
	"net"
	"net/netip"
)

// remoteFor returns remote in the address family of conn's socket and
// reports whether that family is IPv6. An IPv4 remote on an IPv6 socket is
// returned in IPv4-mapped form.
func remoteFor(conn *net.UDPConn, remote netip.AddrPort) (netip.Addr, bool, error) {
	local, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return netip.Addr{}, false, fmt.Errorf("unexpected local address %v", conn.LocalAddr())
	}

	addr := remote.Addr().Unmap()
	if local.IP.To4() != nil {
		if !addr.Is4() {
			return netip.Addr{}, false, fmt.Errorf("%w: %s", ErrFamilyMismatch, remote)
		}
		return addr, false, nil
	}

	return netip.AddrFrom16(addr.As16()).WithZone(addr.Zone()), true, nil
}

// zoneIndex resolves an IPv6 zone to an interface index. Unknown zones map to 0.
func zoneIndex(zone string) uint32 {
	if zone == "" {
		return 0
	}
	if ifi, err := net.InterfaceByName(zone); err == nil {
		return uint32(ifi.Index)
	}
	return 0
}
