package udp

import (
	"fmt"
	"net/netip"
	"strings"
)

const (
	// DefaultPort is the port the reference server listens on.
	DefaultPort = 20000

	// DefaultBufferSize is the receive buffer capacity in bytes.
	DefaultBufferSize = 4096

	// MaxBufferSize is the largest datagram a UDP socket can deliver.
	MaxBufferSize = 65535
)

// Config holds the bind parameters of an Endpoint.
type Config struct {
	// BindAddress is an IPv4 or IPv6 literal, or a wildcard.
	// "", "*" and "0.0.0.0" bind every IPv4 interface; "::" binds every IPv6 interface.
	BindAddress string

	// Port to bind. 0 lets the kernel pick a free port.
	Port int

	// BufferSize is the receive capacity in bytes. Datagrams larger than
	// this are truncated and reported with ErrTruncatedMessage.
	BufferSize int
}

// DefaultConfig returns the reference configuration: IPv4 wildcard, port 20000, 4 KiB buffer.
func DefaultConfig() Config {
	return Config{
		BindAddress: "",
		Port:        DefaultPort,
		BufferSize:  DefaultBufferSize,
	}
}

// IsWildcard reports whether the bind address means "all local interfaces".
func (c Config) IsWildcard() bool {
	switch strings.TrimSpace(c.BindAddress) {
	case "", "*", "0.0.0.0", "::":
		return true
	default:
		return false
	}
}

// Validate checks the bind parameters without touching the network.
func (c Config) Validate() error {
	_, _, err := c.resolve()
	return err
}

// resolve returns the network name and local address to bind.
func (c Config) resolve() (string, netip.AddrPort, error) {
	invalid := func(format string, args ...any) (string, netip.AddrPort, error) {
		return "", netip.AddrPort{}, &Error{
			Kind: ErrInvalidArgument,
			Op:   OpListen,
			Addr: c.displayAddr(),
			Err:  fmt.Errorf(format, args...),
		}
	}

	if c.Port < 0 || c.Port > 65535 {
		return invalid("port %d out of range 0-65535", c.Port)
	}
	if c.BufferSize <= 0 {
		return invalid("buffer size must be positive, got %d", c.BufferSize)
	}
	if c.BufferSize > MaxBufferSize {
		return invalid("buffer size %d exceeds %d", c.BufferSize, MaxBufferSize)
	}

	var ip netip.Addr
	switch host := strings.TrimSpace(c.BindAddress); host {
	case "", "*":
		ip = netip.IPv4Unspecified()
	default:
		parsed, err := netip.ParseAddr(strings.Trim(host, "[]"))
		if err != nil {
			return invalid("bind address %q is not an IP literal", c.BindAddress)
		}
		ip = parsed
	}
	if ip.Is4In6() {
		ip = ip.Unmap()
	}

	network := "udp6"
	if ip.Is4() {
		network = "udp4"
	}
	return network, netip.AddrPortFrom(ip, uint16(c.Port)), nil
}

func (c Config) displayAddr() string {
	host := c.BindAddress
	if host == "" || host == "*" {
		host = "0.0.0.0"
	}
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		host = "[" + host + "]"
	}
	return fmt.Sprintf("%s:%d", host, c.Port)
}
