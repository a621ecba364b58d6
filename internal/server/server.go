// Package server drives a udp.Endpoint as a long-running echo service.
//
// A Server binds one endpoint, then either performs a single exchange (Once)
// or loops over exchanges until its context ends or Stop is called (Serve).
// Every exchange is logged, counted and protected against panics in the
// reply path. Failed exchanges are never retried.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/postalsys/udpecho/internal/config"
	"github.com/postalsys/udpecho/internal/health"
	"github.com/postalsys/udpecho/internal/logging"
	"github.com/postalsys/udpecho/internal/metrics"
	"github.com/postalsys/udpecho/internal/recovery"
	"github.com/postalsys/udpecho/internal/udp"
)

// Drop reasons reported in metrics and logs.
const (
	DropRateLimited   = "rate_limited"
	DropUntrustedPeer = "untrusted_peer"
	DropSendFailed    = "send_failed"
)

// payloadLogLimit caps how much of a payload is rendered into debug logs.
const payloadLogLimit = 64

// Options carries the optional dependencies of a Server.
type Options struct {
	Logger *slog.Logger

	// Metrics defaults to metrics.Default().
	Metrics *metrics.Metrics

	// Gatherer backs the health server's /metrics endpoint.
	// Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
}

// Server is the echo service.
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	reply   udp.ReplyFunc
	limiter *rate.Limiter

	healthServer *health.Server

	mu       sync.Mutex
	endpoint *udp.Endpoint
	started  bool

	serving  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}

	received  atomic.Uint64
	replied   atomic.Uint64
	dropped   atomic.Uint64
	truncated atomic.Uint64
	errors    atomic.Uint64
}

// New creates a Server from a validated configuration. The socket is not
// created until Start.
func New(cfg *config.Config, opts Options) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.Default()
	}

	s := &Server{
		cfg:     cfg,
		logger:  logger.With(slog.String(logging.KeyComponent, "server")),
		metrics: m,
		stopCh:  make(chan struct{}),
	}

	switch cfg.Reply.Mode {
	case config.ReplyFixed:
		s.reply = udp.Fixed(cfg.ReplyPayload())
	default:
		s.reply = udp.Echo
	}

	if cfg.Limits.RepliesPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.Limits.RepliesPerSecond), cfg.Limits.Burst)
	}

	if cfg.Health.Enabled {
		s.healthServer = health.NewServer(health.ServerConfig{
			Address:      cfg.Health.Address,
			ReadTimeout:  cfg.Health.ReadTimeout,
			WriteTimeout: cfg.Health.WriteTimeout,
			Gatherer:     opts.Gatherer,
			Logger:       s.logger,
		}, s)
	}

	return s, nil
}

// Start binds the endpoint and, when configured, starts the health server.
// Bind and socket creation failures are returned unchanged so callers can
// match them with errors.Is(err, udp.ErrBind).
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("server already started")
	}

	ep, err := udp.Listen(s.cfg.EndpointConfig())
	if err != nil {
		s.logger.Error("failed to bind endpoint",
			logging.KeyLocalAddr, s.cfg.Endpoint.BindAddress,
			logging.KeyPort, s.cfg.Endpoint.Port,
			logging.KeyError, err)
		return err
	}

	if s.healthServer != nil {
		if err := s.healthServer.Start(); err != nil {
			ep.Close()
			return fmt.Errorf("start health server: %w", err)
		}
		s.logger.Info("health server started",
			logging.KeyLocalAddr, s.healthServer.Address().String())
	}

	s.endpoint = ep
	s.started = true
	s.metrics.SetBound(true)

	s.logger.Info("endpoint bound",
		logging.KeyLocalAddr, ep.LocalAddr().String(),
		logging.KeyFamily, ep.Family().String(),
		logging.KeySize, humanize.IBytes(uint64(ep.BufferSize())),
		"reply_mode", s.cfg.Reply.Mode)

	return nil
}

// LocalAddr returns the bound address, or the zero value before Start.
func (s *Server) LocalAddr() netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.endpoint == nil {
		return netip.AddrPort{}
	}
	return s.endpoint.LocalAddr()
}

// HealthAddress returns the health server address, or "" when disabled.
func (s *Server) HealthAddress() string {
	if s.healthServer == nil || s.healthServer.Address() == nil {
		return ""
	}
	return s.healthServer.Address().String()
}

func (s *Server) getEndpoint() (*udp.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.endpoint == nil {
		return nil, errors.New("server not started")
	}
	return s.endpoint, nil
}

// Once performs exactly one receive/reply exchange.
func (s *Server) Once(ctx context.Context) (*udp.Exchange, error) {
	ep, err := s.getEndpoint()
	if err != nil {
		return nil, err
	}
	return s.exchange(ctx, ep)
}

// Serve runs exchanges until ctx is done or Stop is called. It returns nil
// on either kind of shutdown and only fails if the server was never started.
func (s *Server) Serve(ctx context.Context) error {
	ep, err := s.getEndpoint()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	s.serving.Store(true)
	defer s.serving.Store(false)

	s.logger.Info("serving", logging.KeyLocalAddr, ep.LocalAddr().String())

	for {
		_, err := s.exchange(ctx, ep)
		if err == nil || udp.IsWarning(err) {
			continue
		}
		if ctx.Err() != nil || errors.Is(err, udp.ErrClosed) {
			s.logger.Info("serve loop stopped",
				logging.KeyCount, s.received.Load())
			return nil
		}
	}
}

// exchange runs one EchoOnce and accounts for its outcome.
func (s *Server) exchange(ctx context.Context, ep *udp.Endpoint) (ex *udp.Exchange, err error) {
	// received is set before the reply runs, so a datagram whose reply
	// panicked is still counted.
	var received *udp.Message

	// Runs after RecoverToError has stored any panic in err.
	defer func() {
		var perr *recovery.PanicError
		if !errors.As(err, &perr) {
			return
		}
		if ex == nil && received != nil {
			ex = &udp.Exchange{Request: received}
			s.record(ex, nil)
		}
		s.errors.Add(1)
		s.metrics.RecordError("panic")
	}()
	defer recovery.RecoverToError(s.logger, "exchange", &err)

	ex, err = ep.EchoOnce(ctx, func(msg *udp.Message) ([]byte, bool) {
		received = msg
		return s.replyFor(msg)
	})
	if ex != nil {
		s.record(ex, err)
	}
	if err != nil && !udp.IsWarning(err) {
		s.recordError(ctx, err)
	}
	return ex, err
}

// replyFor applies the rate limit before choosing the reply payload.
func (s *Server) replyFor(msg *udp.Message) ([]byte, bool) {
	if s.limiter != nil && !s.limiter.Allow() {
		s.drop(DropRateLimited)
		s.logger.Debug("reply suppressed by rate limit",
			logging.KeyPeer, msg.Peer.String())
		return nil, false
	}
	return s.reply(msg)
}

func (s *Server) drop(reason string) {
	s.dropped.Add(1)
	s.metrics.RecordDropped(reason)
}

// record logs and counts a completed exchange.
func (s *Server) record(ex *udp.Exchange, err error) {
	msg := ex.Request
	family := msg.Peer.Family.String()

	s.received.Add(1)
	s.metrics.RecordReceived(family, msg.Len())

	attrs := []any{
		logging.KeyPeer, msg.Peer.String(),
		logging.KeyFamily, family,
		logging.KeyBytes, msg.Len(),
	}
	if msg.Local.IsValid() {
		attrs = append(attrs, logging.KeyDest, msg.Local.String(), logging.KeyIfIndex, msg.IfIndex)
	}
	s.logger.Info("datagram received", attrs...)
	s.logger.Debug("datagram payload",
		logging.KeyPeer, msg.Peer.String(),
		logging.KeyPayload, logging.Payload(msg.Payload, payloadLogLimit))

	if msg.Len() == 0 {
		s.logger.Info("empty datagram", logging.KeyPeer, msg.Peer.String())
	}

	if msg.Truncated {
		s.truncated.Add(1)
		s.metrics.RecordTruncation("message")
		s.logger.Warn("datagram truncated",
			logging.KeyPeer, msg.Peer.String(),
			logging.KeySize, humanize.IBytes(uint64(msg.Len())),
			logging.KeyError, err)
	}

	if msg.Peer.Truncated {
		s.truncated.Add(1)
		s.metrics.RecordTruncation("address")
		s.drop(DropUntrustedPeer)
		s.logger.Warn("peer address incomplete, not replying",
			logging.KeyPeer, msg.Peer.String(),
			logging.KeyError, err)
		return
	}

	if ex.Replied {
		s.replied.Add(1)
		s.metrics.RecordSent(family, ex.Sent, time.Since(msg.ReceivedAt).Seconds())
		s.logger.Debug("reply sent",
			logging.KeyPeer, msg.Peer.String(),
			logging.KeyBytes, ex.Sent,
			logging.KeyDuration, time.Since(msg.ReceivedAt))
	} else if ex.Reply != nil {
		s.drop(DropSendFailed)
	}
}

// recordError logs and counts a failed exchange. Shutdown is not an error.
func (s *Server) recordError(ctx context.Context, err error) {
	if ctx.Err() != nil || errors.Is(err, udp.ErrClosed) {
		return
	}
	var perr *recovery.PanicError
	if errors.As(err, &perr) {
		return
	}

	op := udp.OpReceive
	if errors.Is(err, udp.ErrSend) {
		op = udp.OpSend
	}
	s.errors.Add(1)
	s.metrics.RecordError(op)
	s.logger.Warn("exchange failed", "op", op, logging.KeyError, err)
}

// Stop closes the endpoint, ends Serve and stops the health server.
// It is safe to call more than once.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopCh)

		s.mu.Lock()
		ep := s.endpoint
		s.mu.Unlock()

		if ep != nil {
			s.logger.Info("closing endpoint", logging.KeyLocalAddr, ep.LocalAddr().String())
			err = ep.Close()
			s.metrics.SetBound(false)
		}

		if s.healthServer != nil {
			if herr := s.healthServer.Stop(); herr != nil && err == nil {
				err = herr
			}
		}
	})
	return err
}

// StopWithContext stops the server, giving up when ctx is done.
func (s *Server) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- s.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning reports whether the endpoint is bound and not yet stopped.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	ep := s.endpoint
	s.mu.Unlock()

	return ep != nil && ep.State() == udp.StateBound
}

// IsServing reports whether Serve is currently looping.
func (s *Server) IsServing() bool {
	return s.serving.Load()
}

// Stats returns exchange counters for the health server.
func (s *Server) Stats() health.Stats {
	local := ""
	if addr := s.LocalAddr(); addr.IsValid() {
		local = addr.String()
	}
	return health.Stats{
		LocalAddr: local,
		Received:  s.received.Load(),
		Replied:   s.replied.Load(),
		Dropped:   s.dropped.Load(),
		Truncated: s.truncated.Load(),
		Errors:    s.errors.Load(),
	}
}
