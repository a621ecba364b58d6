// Package probe sends a single datagram to an echo endpoint and waits for the reply.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/postalsys/udpecho/internal/udp"
)

// DefaultPayload is the greeting sent by the reference client.
const DefaultPayload = "Hello from client."

// Options contains configuration for a probe.
type Options struct {
	// Address is the host:port of the echo endpoint.
	Address string

	// Payload is sent as one datagram. Defaults to DefaultPayload.
	Payload []byte

	// Timeout for the entire probe, resolution included. Defaults to 5s.
	Timeout time.Duration

	// BufferSize is the receive capacity for the reply.
	// Defaults to udp.DefaultBufferSize.
	BufferSize int
}

// Result contains the outcome of a probe.
type Result struct {
	// Success is set when a reply arrived from the probed address.
	Success bool

	// Address is the address that was probed, as given.
	Address string

	// Target is the resolved destination.
	Target netip.AddrPort

	// Local is the ephemeral address the probe sent from.
	Local netip.AddrPort

	Sent  int
	Reply []byte

	// Truncated is set when the reply did not fit in BufferSize.
	Truncated bool

	// RTT is measured from send to receipt of the reply.
	RTT time.Duration

	Error       error
	ErrorDetail string
}

// Probe sends opts.Payload to opts.Address and waits for one reply from that
// address. Datagrams from other senders are ignored.
func Probe(ctx context.Context, opts Options) *Result {
	result := &Result{Address: opts.Address}

	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Payload == nil {
		opts.Payload = []byte(DefaultPayload)
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = udp.DefaultBufferSize
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	fail := func(err error) *Result {
		result.Error = err
		result.ErrorDetail = classifyError(err)
		return result
	}

	target, err := resolve(ctx, opts.Address)
	if err != nil {
		return fail(err)
	}
	result.Target = target

	bind := "0.0.0.0"
	if target.Addr().Is6() {
		bind = "::"
	}
	ep, err := udp.Listen(udp.Config{BindAddress: bind, Port: 0, BufferSize: opts.BufferSize})
	if err != nil {
		return fail(err)
	}
	defer ep.Close()
	result.Local = ep.LocalAddr()

	startTime := time.Now()
	n, err := ep.SendTo(ctx, udp.NewPeerAddress(target), opts.Payload)
	result.Sent = n
	if err != nil {
		return fail(err)
	}

	for {
		msg, err := ep.ReceiveOnce(ctx)
		if msg == nil {
			return fail(err)
		}
		if msg.Peer.Addr != target {
			continue
		}

		result.RTT = time.Since(startTime)
		result.Reply = msg.Payload
		result.Truncated = msg.Truncated
		result.Success = true
		if err != nil {
			result.Error = err
			result.ErrorDetail = classifyError(err)
		}
		return result
	}
}

// resolve turns host:port into a single unmapped address, preferring IPv4.
func resolve(ctx context.Context, address string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(address); err == nil {
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), checkPort(ap.Port())
	}

	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid address %q: %w", address, err)
	}
	port, err := net.DefaultResolver.LookupPort(ctx, "udp", portStr)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if err := checkPort(uint16(port)); err != nil {
		return netip.AddrPort{}, err
	}

	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if len(addrs) == 0 {
		return netip.AddrPort{}, &net.DNSError{Err: "no addresses", Name: host, IsNotFound: true}
	}

	pick := addrs[0].Unmap()
	for _, a := range addrs {
		if a.Unmap().Is4() {
			pick = a.Unmap()
			break
		}
	}
	return netip.AddrPortFrom(pick, uint16(port)), nil
}

func checkPort(port uint16) error {
	if port == 0 {
		return errors.New("port 0 is not a valid destination")
	}
	return nil
}

// classifyError returns a human-readable description of a probe failure.
func classifyError(err error) string {
	if err == nil {
		return ""
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return "Could not resolve hostname - DNS lookup failed"
		}
		return "DNS error: " + dnsErr.Error()
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "No reply before timeout - endpoint not running or datagrams filtered"
	case errors.Is(err, udp.ErrTruncatedMessage):
		return "Reply larger than the receive buffer - increase --buffer"
	case errors.Is(err, udp.ErrPayloadTooLarge):
		return "Payload too large for a single datagram"
	case errors.Is(err, udp.ErrSocketCreation), errors.Is(err, udp.ErrBind):
		return "Could not create local socket: " + err.Error()
	case errors.Is(err, udp.ErrSend):
		if strings.Contains(err.Error(), "unreachable") {
			return "Network unreachable"
		}
		return "Send failed: " + err.Error()
	case errors.Is(err, udp.ErrReceive):
		if strings.Contains(err.Error(), "connection refused") {
			return "Connection refused - nothing listening on that port"
		}
		return "Receive failed: " + err.Error()
	}

	return err.Error()
}
