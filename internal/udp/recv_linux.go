//go:build linux

package udp

import (
	"net"
	"net/netip"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// datagramSizeReported is true where recvmsg returns the full datagram
// length even when it did not fit the buffer.
const datagramSizeReported = true

// readMsg reads one datagram with recvmsg(MSG_TRUNC), so n is the length the
// datagram actually carried and may exceed len(buf). Deadlines set on conn
// still apply since the wait goes through the runtime poller.
func readMsg(conn *net.UDPConn, buf, oob []byte) (n, oobn, flags int, from netip.AddrPort, err error) {
	rc, err := conn.SyscallConn()
	if err != nil {
		return 0, 0, 0, netip.AddrPort{}, err
	}

	var sa unix.Sockaddr
	var rerr error
	err = rc.Read(func(fd uintptr) bool {
		n, oobn, flags, sa, rerr = unix.Recvmsg(int(fd), buf, oob, unix.MSG_TRUNC)
		return rerr != unix.EAGAIN && rerr != unix.EINTR
	})
	if err == nil && rerr != nil {
		err = os.NewSyscallError("recvmsg", rerr)
	}
	if err != nil {
		return 0, 0, 0, netip.AddrPort{}, err
	}
	return n, oobn, flags, sockaddrAddrPort(sa), nil
}

// sockaddrAddrPort converts a recvmsg source address. Unknown or missing
// addresses yield the zero AddrPort, which NewPeerAddress marks truncated.
func sockaddrAddrPort(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		ip := netip.AddrFrom16(sa.Addr)
		if sa.ZoneId != 0 {
			zone := strconv.Itoa(int(sa.ZoneId))
			if ifi, err := net.InterfaceByIndex(int(sa.ZoneId)); err == nil {
				zone = ifi.Name
			}
			ip = ip.WithZone(zone)
		}
		return netip.AddrPortFrom(ip, uint16(sa.Port))
	default:
		return netip.AddrPort{}
	}
}
