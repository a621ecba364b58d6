package udp

import (
	"errors"
	"net"
	"os"
)

// Error kinds. Every error returned by an Endpoint wraps exactly one of these,
// so callers classify failures with errors.Is.
var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrSocketCreation   = errors.New("socket creation failed")
	ErrBind             = errors.New("bind failed")
	ErrReceive          = errors.New("receive failed")
	ErrSend             = errors.New("send failed")
	ErrTruncatedAddress = errors.New("peer address truncated")
	ErrTruncatedMessage = errors.New("message truncated")
)

// Causes wrapped inside the kinds above.
var (
	ErrClosed          = errors.New("endpoint closed")
	ErrNotBound        = errors.New("endpoint not bound")
	ErrPayloadTooLarge = errors.New("payload exceeds datagram limit")
	ErrUntrustedPeer   = errors.New("peer address not usable for reply")
)

// Operation names used in Error.Op.
const (
	OpListen  = "listen"
	OpReceive = "receive"
	OpSend    = "send"
)

// Error describes a failed or degraded endpoint operation.
type Error struct {
	Kind error  // one of the Err* kinds
	Op   string // listen, receive, send
	Addr string // local address for listen, peer address for receive/send
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	s := "udp " + e.Op
	if e.Addr != "" {
		s += " " + e.Addr
	}
	s += ": " + e.Kind.Error()
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// IsWarning reports whether err only signals degraded data (a truncated
// message or peer address) rather than a failed operation.
func IsWarning(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrReceive) || errors.Is(err, ErrSend) {
		return false
	}
	return errors.Is(err, ErrTruncatedAddress) || errors.Is(err, ErrTruncatedMessage)
}

// classifyListenError maps a net.ListenUDP failure onto ErrSocketCreation or
// ErrBind. The net package reports the failing syscall by name.
func classifyListenError(err error) (kind, cause error) {
	cause = err
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Err != nil {
		cause = opErr.Err
	}

	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		switch sysErr.Syscall {
		case "socket", "setsockopt":
			return ErrSocketCreation, cause
		}
	}
	return ErrBind, cause
}
