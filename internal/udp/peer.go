package udp

import (
	"net/netip"
	"time"
)

// Family is the address family of a peer.
type Family uint8

const (
	// FamilyUnknown means the address could not be decoded.
	FamilyUnknown Family = iota
	// FamilyIPv4 is AF_INET.
	FamilyIPv4
	// FamilyIPv6 is AF_INET6.
	FamilyIPv6
)

// Largest UDP payloads that fit in a single unfragmented-header datagram.
const (
	MaxIPv4Payload = 65507 // 65535 - 20 byte IP header - 8 byte UDP header
	MaxIPv6Payload = 65527 // 65535 - 8 byte UDP header
)

// String returns a human-readable name for the family.
func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "IPv4"
	case FamilyIPv6:
		return "IPv6"
	default:
		return "unknown"
	}
}

// MaxPayload returns the datagram size ceiling for the family.
func (f Family) MaxPayload() int {
	switch f {
	case FamilyIPv4:
		return MaxIPv4Payload
	case FamilyIPv6:
		return MaxIPv6Payload
	default:
		return 0
	}
}

func familyOf(ip netip.Addr) Family {
	switch {
	case ip.Is4():
		return FamilyIPv4
	case ip.Is6():
		return FamilyIPv6
	default:
		return FamilyUnknown
	}
}

// PeerAddress is the remote sender of a received datagram.
type PeerAddress struct {
	Family Family
	Addr   netip.AddrPort

	// Truncated is set when the transport did not deliver a complete
	// address. Such a peer must not be used as a reply target.
	Truncated bool
}

// NewPeerAddress builds a PeerAddress from a transport address. IPv4-mapped
// IPv6 addresses are reported as IPv4.
func NewPeerAddress(ap netip.AddrPort) PeerAddress {
	ip := ap.Addr().Unmap()
	p := PeerAddress{
		Family: familyOf(ip),
		Addr:   netip.AddrPortFrom(ip, ap.Port()),
	}
	if !ip.IsValid() || ip.IsUnspecified() || ap.Port() == 0 {
		p.Truncated = true
	}
	return p
}

// IP returns the peer IP address.
func (p PeerAddress) IP() netip.Addr {
	return p.Addr.Addr()
}

// Port returns the peer UDP port.
func (p PeerAddress) Port() uint16 {
	return p.Addr.Port()
}

// Valid reports whether the address is complete enough to reply to.
func (p PeerAddress) Valid() bool {
	return !p.Truncated && p.Family != FamilyUnknown && p.Addr.IsValid() && p.Addr.Port() != 0
}

func (p PeerAddress) String() string {
	if !p.Addr.IsValid() {
		return "unknown"
	}
	return p.Addr.String()
}

// SizeUnknown marks a Message whose on-wire length was not reported.
const SizeUnknown = -1

// Message is one received datagram.
type Message struct {
	// Payload holds the received bytes, at most the endpoint buffer size.
	Payload []byte

	// Size is the length the datagram carried on the wire. It differs from
	// len(Payload) only for a truncated datagram, and is SizeUnknown when
	// the platform cannot report the full length.
	Size int

	// Peer is the sender.
	Peer PeerAddress

	// Truncated is set when the datagram was larger than the buffer and
	// Payload holds only its first BufferSize bytes.
	Truncated bool

	// Local is the destination address the datagram was sent to and
	// IfIndex the receiving interface. Both are zero when the platform does
	// not report packet info.
	Local   netip.Addr
	IfIndex int

	ReceivedAt time.Time
}

// Len returns the number of payload bytes.
func (m *Message) Len() int {
	return len(m.Payload)
}
