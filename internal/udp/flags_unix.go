//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package udp

import "golang.org/x/sys/unix"

// recvFlags decodes the msg_flags returned by recvmsg.
func recvFlags(flags int) (dataTruncated, controlTruncated bool) {
	return flags&unix.MSG_TRUNC != 0, flags&unix.MSG_CTRUNC != 0
}
