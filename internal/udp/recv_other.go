//go:build !linux

package udp

import (
	"net"
	"net/netip"
)

const datagramSizeReported = false

// readMsg reads one datagram. n never exceeds len(buf), so the full length
// of an oversized datagram is not known here.
func readMsg(conn *net.UDPConn, buf, oob []byte) (n, oobn, flags int, from netip.AddrPort, err error) {
	return conn.ReadMsgUDPAddrPort(buf, oob)
}
