// Package udp provides a single-socket UDP request/response endpoint.
//
// An Endpoint owns exactly one bound datagram socket and exposes the five
// classic steps of a UDP server as separate operations:
//   - Listen creates the socket and binds it to (address, port)
//   - ReceiveOnce blocks until one datagram arrives
//   - SendTo replies to the peer returned by ReceiveOnce
//   - EchoOnce performs one receive/reply exchange
//   - Close releases the socket
//
// Payloads are opaque byte slices. Oversized datagrams are truncated to the
// configured buffer size and reported with ErrTruncatedMessage; peers whose
// address cannot be decoded are reported with ErrTruncatedAddress. Both are
// warnings: the Message is still returned alongside the error.
//
// # Lifecycle
//
//	StateUnbound -> StateBound -> StateClosed
//
// Receive and send are only valid in StateBound. StateClosed is terminal.
//
// # Thread Safety
//
// Close may be called at any time and unblocks a pending ReceiveOnce.
// ReceiveOnce calls must be serialized by the caller, as must SendTo calls.
// SendTo may run concurrently with ReceiveOnce because net.UDPConn supports
// independent concurrent reads and writes; other transports may not.
package udp
