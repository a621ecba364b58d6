// Package loadtest drives concurrent request/response traffic at an echo endpoint.
package loadtest

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/udpecho/internal/udp"
)

// Metrics contains the results of a datagram load test.
type Metrics struct {
	TotalExchanges int64
	Replied        int64
	Lost           int64 // no reply within the exchange timeout
	Mismatched     int64 // reply differed from the request
	Late           int64 // reply to an earlier exchange, discarded
	Truncated      int64
	SendErrors     int64
	BytesSent      int64
	BytesReceived  int64

	AvgLatencyMs float64
	MaxLatencyMs float64
	MinLatencyMs float64

	Duration           time.Duration
	ExchangesPerSecond float64
}

// LossRate returns the fraction of exchanges that got no reply.
func (m *Metrics) LossRate() float64 {
	if m.TotalExchanges == 0 {
		return 0
	}
	return float64(m.Lost) / float64(m.TotalExchanges)
}

// SeqSize is the length of the big-endian sequence number that prefixes
// each request when replies are expected to echo it.
const SeqSize = 8

// Generator sends datagrams from concurrent workers, each owning an
// ephemeral endpoint, and waits for every reply before sending the next.
type Generator struct {
	concurrency int
	payloadSize int
	duration    time.Duration

	// ExchangeTimeout bounds the wait for each reply. Defaults to 1s.
	ExchangeTimeout time.Duration

	// ExpectEcho counts replies that differ from the request as mismatched.
	// Each request then starts with a SeqSize-byte sequence number, and
	// replies carrying an earlier one are discarded as late.
	ExpectEcho bool

	metrics    Metrics
	latencySum float64
	mu         sync.Mutex
}

// NewGenerator creates a load generator.
func NewGenerator(concurrency, payloadSize int, duration time.Duration) *Generator {
	return &Generator{
		concurrency:     concurrency,
		payloadSize:     payloadSize,
		duration:        duration,
		ExchangeTimeout: time.Second,
		ExpectEcho:      true,
		metrics: Metrics{
			MinLatencyMs: math.MaxFloat64,
		},
	}
}

// Run executes the load test against target until the duration elapses or
// ctx is done.
func (g *Generator) Run(ctx context.Context, target netip.AddrPort) (*Metrics, error) {
	if g.concurrency < 1 {
		return nil, errors.New("concurrency must be at least 1")
	}
	if g.payloadSize < 0 || g.payloadSize > udp.MaxIPv4Payload {
		return nil, fmt.Errorf("payload size must be between 0 and %d", udp.MaxIPv4Payload)
	}
	if g.ExpectEcho && g.payloadSize < SeqSize {
		return nil, fmt.Errorf("payload size must be at least %d bytes to match echoed replies", SeqSize)
	}
	target = netip.AddrPortFrom(target.Addr().Unmap(), target.Port())

	bind := "0.0.0.0"
	if target.Addr().Is6() {
		bind = "::"
	}

	endpoints := make([]*udp.Endpoint, 0, g.concurrency)
	defer func() {
		for _, ep := range endpoints {
			ep.Close()
		}
	}()
	for i := 0; i < g.concurrency; i++ {
		ep, err := udp.Listen(udp.Config{BindAddress: bind, Port: 0, BufferSize: max(g.payloadSize, 1)})
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, ep)
	}

	ctx, cancel := context.WithTimeout(ctx, g.duration)
	defer cancel()

	var wg sync.WaitGroup
	startTime := time.Now()

	for _, ep := range endpoints {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.runWorker(ctx, ep, target)
		}()
	}

	wg.Wait()
	g.metrics.Duration = time.Since(startTime)

	if g.metrics.Duration > 0 {
		g.metrics.ExchangesPerSecond = float64(g.metrics.Replied) / g.metrics.Duration.Seconds()
	}
	if g.metrics.Replied > 0 {
		g.metrics.AvgLatencyMs = g.latencySum / float64(g.metrics.Replied)
	} else {
		g.metrics.MinLatencyMs = 0
	}

	return &g.metrics, nil
}

func (g *Generator) runWorker(ctx context.Context, ep *udp.Endpoint, target netip.AddrPort) {
	data := make([]byte, g.payloadSize)
	rand.Read(data)
	peer := udp.NewPeerAddress(target)

	var seq uint64
	for ctx.Err() == nil {
		seq++
		if g.ExpectEcho {
			binary.BigEndian.PutUint64(data, seq)
		}

		start := time.Now()
		n, err := ep.SendTo(ctx, peer, data)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			atomic.AddInt64(&g.metrics.SendErrors, 1)
			atomic.AddInt64(&g.metrics.TotalExchanges, 1)
			continue
		}
		atomic.AddInt64(&g.metrics.BytesSent, int64(n))

		msg, lost := g.awaitReply(ctx, ep, target, seq)
		if ctx.Err() != nil && msg == nil {
			// Cut off by the end of the run, not lost.
			return
		}
		atomic.AddInt64(&g.metrics.TotalExchanges, 1)
		if lost {
			atomic.AddInt64(&g.metrics.Lost, 1)
			continue
		}

		atomic.AddInt64(&g.metrics.BytesReceived, int64(msg.Len()))
		if msg.Truncated {
			atomic.AddInt64(&g.metrics.Truncated, 1)
		}
		if g.ExpectEcho && !bytes.Equal(msg.Payload, data) {
			atomic.AddInt64(&g.metrics.Mismatched, 1)
		}

		latency := float64(time.Since(start).Microseconds()) / 1000

		g.mu.Lock()
		g.latencySum += latency
		if latency > g.metrics.MaxLatencyMs {
			g.metrics.MaxLatencyMs = latency
		}
		if latency < g.metrics.MinLatencyMs {
			g.metrics.MinLatencyMs = latency
		}
		g.mu.Unlock()

		atomic.AddInt64(&g.metrics.Replied, 1)
	}
}

// awaitReply waits for the reply to exchange seq from target. Other senders
// are skipped, and with ExpectEcho so are replies to earlier exchanges.
func (g *Generator) awaitReply(ctx context.Context, ep *udp.Endpoint, target netip.AddrPort, seq uint64) (*udp.Message, bool) {
	ctx, cancel := context.WithTimeout(ctx, g.ExchangeTimeout)
	defer cancel()

	for {
		msg, _ := ep.ReceiveOnce(ctx)
		if msg == nil {
			return nil, true
		}
		if msg.Peer.Addr != target {
			continue
		}
		if g.ExpectEcho && msg.Len() >= SeqSize && binary.BigEndian.Uint64(msg.Payload) < seq {
			atomic.AddInt64(&g.metrics.Late, 1)
			continue
		}
		return msg, false
	}
}
