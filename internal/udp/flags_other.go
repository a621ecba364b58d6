//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package udp

// recvFlags is a no-op where msg_flags are not reported. Oversized
// datagrams are still caught by the spare byte in the receive buffer.
func recvFlags(flags int) (dataTruncated, controlTruncated bool) {
	return false, false
}
