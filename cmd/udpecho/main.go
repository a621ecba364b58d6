// Package main provides the CLI entry point for the UDP echo endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/goleak"
	"golang.org/x/term"

	"github.com/postalsys/udpecho/internal/config"
	"github.com/postalsys/udpecho/internal/loadtest"
	"github.com/postalsys/udpecho/internal/logging"
	"github.com/postalsys/udpecho/internal/metrics"
	"github.com/postalsys/udpecho/internal/probe"
	"github.com/postalsys/udpecho/internal/server"
	"github.com/postalsys/udpecho/internal/sysinfo"
	"github.com/postalsys/udpecho/internal/udp"
	"github.com/postalsys/udpecho/internal/wizard"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "udpecho",
		Short: "udpecho - UDP request/response echo endpoint",
		Long: `udpecho binds a UDP socket, receives datagrams and answers each
sender with either its own payload or a fixed greeting.

Oversized datagrams are truncated to the receive buffer and reported,
senders with incomplete addresses are never answered, and a bind
failure is fatal rather than silently retried on another port.`,
		Version:       sysinfo.FullVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(onceCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(probeCmd())
	rootCmd.AddCommand(benchCmd())
	rootCmd.AddCommand(initCmd())

	return rootCmd
}

// endpointFlags are the command-line overrides shared by once and run.
type endpointFlags struct {
	configPath string
	bind       string
	port       int
	buffer     string
	logLevel   string
	logFormat  string
}

func (f *endpointFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "Path to configuration file (defaults are used when empty)")
	cmd.Flags().StringVarP(&f.bind, "bind", "b", "0.0.0.0", "Bind address (IP literal, 0.0.0.0 or ::)")
	cmd.Flags().IntVarP(&f.port, "port", "p", udp.DefaultPort, "UDP port to bind, 0 for any free port")
	cmd.Flags().StringVar(&f.buffer, "buffer", "4096", "Receive buffer size (e.g. 4096, 8KiB)")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	cmd.Flags().StringVar(&f.logFormat, "log-format", "text", "Log format: text, json")
}

// load reads the config file, if any, then applies explicitly set flags.
func (f *endpointFlags) load(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		loaded, err := config.Load(f.configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("bind") {
		cfg.Endpoint.BindAddress = f.bind
	}
	if flags.Changed("port") {
		cfg.Endpoint.Port = f.port
	}
	if flags.Changed("buffer") {
		n, err := humanize.ParseBytes(f.buffer)
		if err != nil {
			return nil, fmt.Errorf("invalid --buffer %q: %w", f.buffer, err)
		}
		if n > udp.MaxBufferSize {
			return nil, fmt.Errorf("invalid --buffer %q: exceeds %d bytes", f.buffer, udp.MaxBufferSize)
		}
		cfg.Endpoint.BufferSize = config.Size(n)
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = f.logFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func onceCmd() *cobra.Command {
	var (
		ef         endpointFlags
		echo       bool
		payload    string
		terminator bool
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "once",
		Short: "Answer exactly one datagram and exit",
		Long: `Bind the endpoint, wait for a single datagram, print the sender's
address and message, reply, and exit.

By default the reply is the fixed greeting "Hello from server.";
use --echo to send the received payload back instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ef.load(cmd)
			if err != nil {
				return err
			}

			if echo {
				cfg.Reply.Mode = config.ReplyEcho
			} else {
				cfg.Reply.Mode = config.ReplyFixed
				if cmd.Flags().Changed("payload") || cfg.Reply.Payload == "" {
					cfg.Reply.Payload = payload
				}
				if cmd.Flags().Changed("terminator") {
					cfg.Reply.Terminator = terminator
				}
			}
			cfg.Limits.RepliesPerSecond = 0
			cfg.Health.Enabled = false

			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
			s, err := server.New(cfg, server.Options{Logger: logger, Metrics: metrics.Default()})
			if err != nil {
				return err
			}
			if err := s.Start(); err != nil {
				return fmt.Errorf("failed to start endpoint: %w", err)
			}
			defer s.Stop()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Listening on udp://%s (buffer %s)\n", s.LocalAddr(), cfg.Endpoint.BufferSize)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			ex, err := s.Once(ctx)
			if ex != nil {
				printExchange(out, ex)
			}
			if err != nil && !udp.IsWarning(err) {
				return fmt.Errorf("exchange failed: %w", err)
			}
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %v\n", err)
			}
			return nil
		},
	}

	ef.register(cmd)
	cmd.Flags().BoolVar(&echo, "echo", false, "Reply with the received payload instead of the greeting")
	cmd.Flags().StringVar(&payload, "payload", "Hello from server.", "Fixed reply payload")
	cmd.Flags().BoolVar(&terminator, "terminator", false, "Append a NUL byte to the fixed reply")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Give up if no datagram arrives in time (0 waits forever)")

	return cmd
}

// printExchange reports one exchange the way the reference server does.
func printExchange(w io.Writer, ex *udp.Exchange) {
	msg := ex.Request

	fmt.Fprintf(w, "Sender address information:\n")
	fmt.Fprintf(w, "  family     = %s\n", msg.Peer.Family)
	fmt.Fprintf(w, "  port       = %d\n", msg.Peer.Port())
	fmt.Fprintf(w, "  IP address = %s\n", msg.Peer.IP())
	if msg.Local.IsValid() {
		fmt.Fprintf(w, "  received on %s (interface %d)\n", msg.Local, msg.IfIndex)
	}

	fmt.Fprintf(w, "Message received (%d bytes):\n  %s\n", msg.Len(), logging.Payload(msg.Payload, 256))
	if msg.Truncated {
		if msg.Size != udp.SizeUnknown {
			fmt.Fprintf(w, "  (truncated from %d bytes to the receive buffer)\n", msg.Size)
		} else {
			fmt.Fprintf(w, "  (truncated to the receive buffer)\n")
		}
	}

	switch {
	case ex.Replied:
		fmt.Fprintf(w, "Reply sent (%d bytes):\n  %s\n", ex.Sent, logging.Payload(ex.Reply, 256))
	case msg.Peer.Truncated:
		fmt.Fprintf(w, "No reply sent: sender address is incomplete\n")
	default:
		fmt.Fprintf(w, "No reply sent\n")
	}
}

func runCmd() *cobra.Command {
	var (
		ef        endpointFlags
		leakCheck bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the echo endpoint",
		Long:  "Start the echo endpoint and answer datagrams until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ef.load(cmd)
			if err != nil {
				return err
			}

			if leakCheck {
				defer func() {
					if err := goleak.Find(); err != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "goleak: %s", err)
						os.Exit(1)
					}
				}()
			}

			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
			s, err := server.New(cfg, server.Options{Logger: logger})
			if err != nil {
				return fmt.Errorf("failed to create server: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Starting udpecho %s...\n", sysinfo.FullVersion())

			if err := s.Start(); err != nil {
				return fmt.Errorf("failed to start endpoint: %w", err)
			}

			fmt.Fprintf(out, "Endpoint: udp://%s (buffer %s, reply %s)\n",
				s.LocalAddr(), cfg.Endpoint.BufferSize, cfg.Reply.Mode)
			if cfg.EndpointConfig().IsWildcard() {
				if addrs := sysinfo.LocalAddresses(); len(addrs) > 0 {
					fmt.Fprintf(out, "Reachable on: %s\n", strings.Join(addrs, ", "))
				}
			}
			if addr := s.HealthAddress(); addr != "" {
				fmt.Fprintf(out, "Health:   http://%s/healthz\n", addr)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			serveErr := make(chan error, 1)
			go func() {
				serveErr <- s.Serve(ctx)
			}()

			select {
			case <-ctx.Done():
				fmt.Fprintf(out, "\nShutting down...\n")
			case err := <-serveErr:
				if err != nil {
					s.Stop()
					return err
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := s.StopWithContext(shutdownCtx); err != nil {
				fmt.Fprintf(out, "Shutdown error: %v\n", err)
				return err
			}

			select {
			case <-serveErr:
			case <-shutdownCtx.Done():
			}

			stats := s.Stats()
			fmt.Fprintf(out, "Stopped. received=%d replied=%d dropped=%d truncated=%d errors=%d\n",
				stats.Received, stats.Replied, stats.Dropped, stats.Truncated, stats.Errors)
			return nil
		},
	}

	ef.register(cmd)
	cmd.Flags().BoolVar(&leakCheck, "goleak", false, "Check for leaked goroutines on exit")

	return cmd
}

func probeCmd() *cobra.Command {
	var (
		payload    string
		terminator bool
		timeout    time.Duration
		buffer     string
	)

	cmd := &cobra.Command{
		Use:   "probe <host:port>",
		Short: "Send one datagram to an echo endpoint and print the reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			size, err := humanize.ParseBytes(buffer)
			if err != nil || size == 0 || size > udp.MaxBufferSize {
				return fmt.Errorf("invalid --buffer %q", buffer)
			}

			data := []byte(payload)
			if terminator {
				data = append(data, 0)
			}

			result := probe.Probe(cmd.Context(), probe.Options{
				Address:    args[0],
				Payload:    data,
				Timeout:    timeout,
				BufferSize: int(size),
			})

			out := cmd.OutOrStdout()
			if !result.Success {
				fmt.Fprintf(out, "Probe %s: FAILED\n", result.Address)
				fmt.Fprintf(out, "  %s\n", result.ErrorDetail)
				return result.Error
			}

			fmt.Fprintf(out, "Probe %s: OK\n", result.Address)
			fmt.Fprintf(out, "  Target: %s\n", result.Target)
			fmt.Fprintf(out, "  Sent:   %d bytes\n", result.Sent)
			fmt.Fprintf(out, "  Reply:  %s (%d bytes)\n", logging.Payload(result.Reply, 256), len(result.Reply))
			fmt.Fprintf(out, "  RTT:    %s\n", result.RTT.Round(time.Microsecond))
			if result.Truncated {
				fmt.Fprintf(out, "  Warning: %s\n", result.ErrorDetail)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&payload, "payload", probe.DefaultPayload, "Payload to send")
	cmd.Flags().BoolVar(&terminator, "terminator", false, "Append a NUL byte to the payload")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 5*time.Second, "How long to wait for the reply")
	cmd.Flags().StringVar(&buffer, "buffer", "4096", "Receive buffer size for the reply")

	return cmd
}

func benchCmd() *cobra.Command {
	var (
		concurrency int
		size        string
		duration    time.Duration
		timeout     time.Duration
		fixed       bool
	)

	cmd := &cobra.Command{
		Use:   "bench <ip:port>",
		Short: "Measure exchange rate and latency against an echo endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := netip.ParseAddrPort(args[0])
			if err != nil {
				return fmt.Errorf("invalid target %q: %w", args[0], err)
			}
			n, err := humanize.ParseBytes(size)
			if err != nil {
				return fmt.Errorf("invalid --size %q: %w", size, err)
			}

			gen := loadtest.NewGenerator(concurrency, int(n), duration)
			gen.ExchangeTimeout = timeout
			gen.ExpectEcho = !fixed

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Benchmarking %s: %d workers, %s payload, %s\n",
				target, concurrency, humanize.IBytes(n), duration)

			m, err := gen.Run(cmd.Context(), target)
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "  Exchanges:  %s (%s/s)\n", humanize.Comma(m.TotalExchanges), humanize.CommafWithDigits(m.ExchangesPerSecond, 1))
			fmt.Fprintf(out, "  Replied:    %s\n", humanize.Comma(m.Replied))
			fmt.Fprintf(out, "  Lost:       %s (%.2f%%)\n", humanize.Comma(m.Lost), m.LossRate()*100)
			if m.Mismatched > 0 {
				fmt.Fprintf(out, "  Mismatched: %s\n", humanize.Comma(m.Mismatched))
			}
			if m.Truncated > 0 {
				fmt.Fprintf(out, "  Truncated:  %s\n", humanize.Comma(m.Truncated))
			}
			if m.Late > 0 {
				fmt.Fprintf(out, "  Late:       %s\n", humanize.Comma(m.Late))
			}
			fmt.Fprintf(out, "  Latency:    min %.3fms avg %.3fms max %.3fms\n", m.MinLatencyMs, m.AvgLatencyMs, m.MaxLatencyMs)
			fmt.Fprintf(out, "  Traffic:    %s sent, %s received\n",
				humanize.IBytes(uint64(m.BytesSent)), humanize.IBytes(uint64(m.BytesReceived)))
			return nil
		},
	}

	cmd.Flags().IntVarP(&concurrency, "concurrency", "n", 4, "Number of concurrent workers")
	cmd.Flags().StringVar(&size, "size", "64", "Payload size per datagram")
	cmd.Flags().DurationVarP(&duration, "duration", "d", 5*time.Second, "How long to run")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Second, "How long to wait for each reply")
	cmd.Flags().BoolVar(&fixed, "fixed", false, "Endpoint sends a fixed reply, do not compare payloads")

	return cmd
}

func initCmd() *cobra.Command {
	var (
		configPath string
		defaults   bool
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a configuration file",
		Long: `Create a configuration file. On a terminal an interactive wizard asks
for each setting; otherwise, or with --defaults, the defaults are written.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(configPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}

			if !defaults && term.IsTerminal(int(os.Stdin.Fd())) {
				_, err := wizard.New().Run(configPath)
				return err
			}

			if _, err := wizard.WriteDefault(configPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote default configuration to %s\n", configPath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./udpecho.yaml", "Where to write the configuration file")
	cmd.Flags().BoolVar(&defaults, "defaults", false, "Write defaults without prompting")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")

	return cmd
}
