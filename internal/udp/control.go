package udp

import (
	"net"
	"net/netip"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const (
	ipv4ControlFlags = ipv4.FlagDst | ipv4.FlagInterface
	ipv6ControlFlags = ipv6.FlagDst | ipv6.FlagInterface
)

// enablePacketInfo asks the kernel to attach the destination address and
// receiving interface to every datagram. It returns the out-of-band buffer
// to pass to readMsg, or nil when packet info is unavailable.
func enablePacketInfo(conn *net.UDPConn, family Family) []byte {
	switch family {
	case FamilyIPv4:
		if err := ipv4.NewPacketConn(conn).SetControlMessage(ipv4ControlFlags, true); err != nil {
			return nil
		}
		return ipv4.NewControlMessage(ipv4ControlFlags)
	case FamilyIPv6:
		if err := ipv6.NewPacketConn(conn).SetControlMessage(ipv6ControlFlags, true); err != nil {
			return nil
		}
		return ipv6.NewControlMessage(ipv6ControlFlags)
	default:
		return nil
	}
}

// parsePacketInfo extracts the destination address and interface index.
func parsePacketInfo(family Family, oob []byte) (netip.Addr, int) {
	if len(oob) == 0 {
		return netip.Addr{}, 0
	}

	var (
		dst     net.IP
		ifIndex int
	)
	switch family {
	case FamilyIPv4:
		var cm ipv4.ControlMessage
		if err := cm.Parse(oob); err != nil {
			return netip.Addr{}, 0
		}
		dst, ifIndex = cm.Dst, cm.IfIndex
	case FamilyIPv6:
		var cm ipv6.ControlMessage
		if err := cm.Parse(oob); err != nil {
			return netip.Addr{}, 0
		}
		dst, ifIndex = cm.Dst, cm.IfIndex
	default:
		return netip.Addr{}, 0
	}

	addr, ok := netip.AddrFromSlice(dst)
	if !ok {
		return netip.Addr{}, ifIndex
	}
	return addr.Unmap(), ifIndex
}
