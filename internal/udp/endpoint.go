package udp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"
)

// State represents the lifecycle state of an Endpoint.
type State int

const (
	// StateUnbound is the zero state: no socket exists.
	StateUnbound State = iota
	// StateBound means the socket is bound and can receive and send.
	StateBound
	// StateClosed means the socket has been released. Terminal.
	StateClosed
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateUnbound:
		return "UNBOUND"
	case StateBound:
		return "BOUND"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// aLongTimeAgo is a deadline in the past used to unblock pending I/O.
var aLongTimeAgo = time.Unix(1, 0)

// Endpoint owns one bound UDP socket.
type Endpoint struct {
	mu    sync.Mutex
	state State
	conn  *net.UDPConn

	local      netip.AddrPort
	family     Family
	bufferSize int

	// buf has one spare byte past bufferSize so an oversized datagram is
	// detectable even where recvmsg flags are unavailable.
	buf []byte
	oob []byte
}

// Listen creates a UDP socket and binds it to cfg.BindAddress:cfg.Port.
//
// Invalid parameters fail with ErrInvalidArgument before any socket exists.
// Socket creation failures wrap ErrSocketCreation and bind failures wrap
// ErrBind. Listen never falls back to another port.
func Listen(cfg Config) (*Endpoint, error) {
	network, laddr, err := cfg.resolve()
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP(network, net.UDPAddrFromAddrPort(laddr))
	if err != nil {
		kind, cause := classifyListenError(err)
		return nil, &Error{Kind: kind, Op: OpListen, Addr: laddr.String(), Err: cause}
	}

	bound := false
	defer func() {
		if !bound {
			conn.Close()
		}
	}()

	udpAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil, &Error{Kind: ErrBind, Op: OpListen, Addr: laddr.String(),
			Err: fmt.Errorf("unexpected local address type %T", conn.LocalAddr())}
	}
	local := udpAddr.AddrPort()
	if local.Port() == 0 {
		return nil, &Error{Kind: ErrBind, Op: OpListen, Addr: laddr.String(),
			Err: errors.New("no port assigned")}
	}

	family := familyOf(laddr.Addr())
	e := &Endpoint{
		state:      StateBound,
		conn:       conn,
		local:      netip.AddrPortFrom(local.Addr().Unmap(), local.Port()),
		family:     family,
		bufferSize: cfg.BufferSize,
		buf:        make([]byte, cfg.BufferSize+1),
		oob:        enablePacketInfo(conn, family),
	}

	bound = true
	return e, nil
}

// State returns the current lifecycle state.
func (e *Endpoint) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.state
}

// LocalAddr returns the bound address with the kernel-assigned port.
func (e *Endpoint) LocalAddr() netip.AddrPort {
	return e.local
}

// Port returns the bound port.
func (e *Endpoint) Port() uint16 {
	return e.local.Port()
}

// Family returns the address family of the socket.
func (e *Endpoint) Family() Family {
	return e.family
}

// BufferSize returns the receive capacity fixed at construction.
func (e *Endpoint) BufferSize() int {
	return e.bufferSize
}

// socket returns the live connection or the reason it is unusable.
func (e *Endpoint) socket() (*net.UDPConn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateBound:
		return e.conn, nil
	case StateClosed:
		return nil, ErrClosed
	default:
		return nil, ErrNotBound
	}
}

// ReceiveOnce blocks until one datagram arrives and returns it.
//
// The context bounds the wait: its deadline becomes the read deadline and its
// cancellation unblocks the read. A zero-length datagram is a valid empty
// Message.
//
// When the datagram was larger than the buffer, or the sender address is
// incomplete, the Message is returned together with an error wrapping
// ErrTruncatedMessage or ErrTruncatedAddress (see IsWarning).
func (e *Endpoint) ReceiveOnce(ctx context.Context) (*Message, error) {
	conn, err := e.socket()
	if err != nil {
		return nil, &Error{Kind: ErrReceive, Op: OpReceive, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, &Error{Kind: ErrReceive, Op: OpReceive, Err: err}
	}

	deadline, hasDeadline := ctx.Deadline()
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, &Error{Kind: ErrReceive, Op: OpReceive, Err: e.ioCause(err)}
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(aLongTimeAgo)
	})
	defer stop()

	n, oobn, flags, from, err := readMsg(conn, e.buf, e.oob)
	if err != nil {
		cause := e.ioCause(err)
		if ctxErr := ctx.Err(); ctxErr != nil {
			cause = ctxErr
		} else if hasDeadline && errors.Is(err, os.ErrDeadlineExceeded) {
			cause = context.DeadlineExceeded
		}
		return nil, &Error{Kind: ErrReceive, Op: OpReceive, Err: cause}
	}

	size := n
	dataTrunc, _ := recvFlags(flags)
	truncated := n > e.bufferSize || dataTrunc
	if n > e.bufferSize {
		n = e.bufferSize
	}
	if truncated && !datagramSizeReported {
		size = SizeUnknown
	}

	msg := &Message{
		Payload:    append([]byte{}, e.buf[:n]...),
		Size:       size,
		Peer:       NewPeerAddress(from),
		Truncated:  truncated,
		ReceivedAt: time.Now(),
	}
	msg.Local, msg.IfIndex = parsePacketInfo(e.family, e.oob[:oobn])

	var warnings []error
	if msg.Peer.Truncated {
		warnings = append(warnings, &Error{Kind: ErrTruncatedAddress, Op: OpReceive, Addr: msg.Peer.String(),
			Err: fmt.Errorf("sender address %v is incomplete", from)})
	}
	if truncated {
		cause := fmt.Errorf("datagram exceeds %d byte buffer", e.bufferSize)
		if size != SizeUnknown {
			cause = fmt.Errorf("%d byte datagram exceeds %d byte buffer", size, e.bufferSize)
		}
		warnings = append(warnings, &Error{Kind: ErrTruncatedMessage, Op: OpReceive, Addr: msg.Peer.String(), Err: cause})
	}
	return msg, errors.Join(warnings...)
}

// SendTo sends payload as a single datagram to peer and returns the number of
// bytes sent, which always equals len(payload) on success.
func (e *Endpoint) SendTo(ctx context.Context, peer PeerAddress, payload []byte) (int, error) {
	fail := func(cause error) (int, error) {
		return 0, &Error{Kind: ErrSend, Op: OpSend, Addr: peer.String(), Err: cause}
	}

	conn, err := e.socket()
	if err != nil {
		return fail(err)
	}
	if !peer.Valid() {
		return fail(ErrUntrustedPeer)
	}
	if peer.Family != e.family {
		return fail(fmt.Errorf("%w: %s peer on %s socket", ErrUntrustedPeer, peer.Family, e.family))
	}
	if limit := peer.Family.MaxPayload(); len(payload) > limit {
		return fail(fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, len(payload), limit))
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	deadline, _ := ctx.Deadline()
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fail(e.ioCause(err))
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetWriteDeadline(aLongTimeAgo)
	})
	defer stop()

	n, err := conn.WriteToUDPAddrPort(payload, peer.Addr)
	if err != nil {
		cause := e.ioCause(err)
		if ctxErr := ctx.Err(); ctxErr != nil {
			cause = ctxErr
		}
		return n, &Error{Kind: ErrSend, Op: OpSend, Addr: peer.String(), Err: cause}
	}
	if n != len(payload) {
		return n, &Error{Kind: ErrSend, Op: OpSend, Addr: peer.String(),
			Err: fmt.Errorf("%w: sent %d of %d bytes", io.ErrShortWrite, n, len(payload))}
	}
	return n, nil
}

// ReplyFunc computes the reply for a received message. Returning ok=false
// suppresses the reply.
type ReplyFunc func(msg *Message) (reply []byte, ok bool)

// Echo replies with the received payload.
func Echo(msg *Message) ([]byte, bool) {
	return msg.Payload, true
}

// Fixed replies with the same payload to every message.
func Fixed(payload []byte) ReplyFunc {
	return func(*Message) ([]byte, bool) {
		return payload, true
	}
}

// Exchange is the outcome of one EchoOnce cycle.
type Exchange struct {
	Request *Message
	Reply   []byte
	Replied bool
	Sent    int
}

// EchoOnce receives one datagram and replies to its sender with the payload
// chosen by reply (Echo when nil).
//
// No reply is sent to a truncated peer address; the Exchange is returned with
// the ErrTruncatedAddress warning. A truncated message is still answered and
// its ErrTruncatedMessage warning is returned once the reply is sent.
func (e *Endpoint) EchoOnce(ctx context.Context, reply ReplyFunc) (*Exchange, error) {
	msg, err := e.ReceiveOnce(ctx)
	if msg == nil {
		return nil, err
	}
	return e.respond(ctx, msg, err, reply)
}

// respond answers msg, which ReceiveOnce returned with the warning err.
func (e *Endpoint) respond(ctx context.Context, msg *Message, err error, reply ReplyFunc) (*Exchange, error) {
	ex := &Exchange{Request: msg}
	if msg.Peer.Truncated {
		return ex, err
	}
	warning := err

	if reply == nil {
		reply = Echo
	}
	payload, ok := reply(msg)
	if !ok {
		return ex, warning
	}
	ex.Reply = payload

	n, err := e.SendTo(ctx, msg.Peer, payload)
	ex.Sent = n
	if err != nil {
		return ex, err
	}
	ex.Replied = true

	return ex, warning
}

// Close releases the socket. Calling Close more than once is a no-op.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateClosed {
		return nil
	}

	e.state = StateClosed
	if e.conn == nil {
		return nil
	}

	conn := e.conn
	e.conn = nil
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// ioCause unwraps the net.OpError layer and maps a concurrent Close onto ErrClosed.
func (e *Endpoint) ioCause(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Err != nil {
		return opErr.Err
	}
	return err
}
