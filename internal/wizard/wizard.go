// Package wizard provides an interactive setup wizard for the echo service.
package wizard

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/udpecho/internal/config"
	"github.com/postalsys/udpecho/internal/udp"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
}

// answers holds the raw form values before they become a Config.
type answers struct {
	configPath  string
	bindAddress string
	port        string
	bufferSize  string
	replyMode   string
	payload     string
	terminator  bool
	rateLimit   string
	logLevel    string
	logFormat   string
	health      bool
	healthAddr  string
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
	out   io.Writer
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
		out:   os.Stdout,
	}
}

func defaultAnswers(configPath string) *answers {
	d := config.Default()
	return &answers{
		configPath:  configPath,
		bindAddress: d.Endpoint.BindAddress,
		port:        strconv.Itoa(d.Endpoint.Port),
		bufferSize:  strconv.Itoa(int(d.Endpoint.BufferSize)),
		replyMode:   d.Reply.Mode,
		payload:     d.Reply.Payload,
		rateLimit:   "0",
		logLevel:    d.Log.Level,
		logFormat:   d.Log.Format,
		healthAddr:  d.Health.Address,
	}
}

// Run executes the interactive setup wizard and writes the resulting
// configuration to the chosen path.
func (w *Wizard) Run(configPath string) (*Result, error) {
	w.printBanner()

	a := defaultAnswers(configPath)

	if err := w.askEndpoint(a); err != nil {
		return nil, err
	}
	if err := w.askReply(a); err != nil {
		return nil, err
	}
	if err := w.askAdvancedOptions(a); err != nil {
		return nil, err
	}

	cfg, err := buildConfig(a)
	if err != nil {
		return nil, err
	}

	if err := writeConfig(cfg, a.configPath); err != nil {
		return nil, err
	}

	w.printSummary(a.configPath, cfg)

	return &Result{Config: cfg, ConfigPath: a.configPath}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
           _
  _  _  __| |_ __   ___  ___| |__   ___
 | || |/ _' | '_ \ / -_)/ __| '_ \ / _ \
  \_,_|\__,_| .__/ \___|\___|_| |_|\___/
            |_|
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  UDP Echo Endpoint - Setup Wizard\n")

	fmt.Fprintln(w.out, banner)
	fmt.Fprintln(w.out, subtitle)
}

func (w *Wizard) askEndpoint(a *answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Endpoint").
				Description("Where the echo endpoint listens and how large a datagram it accepts."),

			huh.NewInput().
				Title("Config File Path").
				Description("Where to write the configuration file").
				Placeholder("./udpecho.yaml").
				Value(&a.configPath).
				Validate(validateConfigPath),

			huh.NewInput().
				Title("Bind Address").
				Description("IP literal; 0.0.0.0 for all IPv4 interfaces, :: for all IPv6").
				Placeholder("0.0.0.0").
				Value(&a.bindAddress).
				Validate(validateBindAddress),

			huh.NewInput().
				Title("Port").
				Description("UDP port (0 picks a free port)").
				Placeholder("20000").
				Value(&a.port).
				Validate(validatePort),

			huh.NewInput().
				Title("Receive Buffer").
				Description("Largest datagram accepted without truncation, e.g. 4096 or 4KiB").
				Placeholder("4096").
				Value(&a.bufferSize).
				Validate(validateBufferSize),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askReply(a *answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Reply").
				Description("What is sent back to each sender."),

			huh.NewSelect[string]().
				Title("Reply Mode").
				Options(
					huh.NewOption("Echo (send the received payload back)", config.ReplyEcho),
					huh.NewOption("Fixed (send the same greeting to everyone)", config.ReplyFixed),
				).
				Value(&a.replyMode),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	if a.replyMode != config.ReplyFixed {
		return nil
	}

	fixedForm := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Reply Payload").
				Placeholder("Hello from server.").
				Value(&a.payload).
				Validate(func(s string) error {
					if len(s) >= udp.MaxIPv4Payload {
						return fmt.Errorf("payload must be shorter than %d bytes", udp.MaxIPv4Payload)
					}
					return nil
				}),

			huh.NewConfirm().
				Title("Append a NUL terminator?").
				Description("Some C clients expect the reply to end with a zero byte").
				Value(&a.terminator),
		),
	).WithTheme(w.theme)

	return fixedForm.Run()
}

func (w *Wizard) askAdvancedOptions(a *answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Configure rate limiting, monitoring and logging."),

			huh.NewInput().
				Title("Reply Rate Limit").
				Description("Replies per second, 0 for unlimited").
				Placeholder("0").
				Value(&a.rateLimit).
				Validate(validateRate),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (logs payloads)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&a.logLevel),

			huh.NewSelect[string]().
				Title("Log Format").
				Options(
					huh.NewOption("Text", "text"),
					huh.NewOption("JSON", "json"),
				).
				Value(&a.logFormat),

			huh.NewConfirm().
				Title("Enable health check endpoint?").
				Description("HTTP endpoint for monitoring (/health, /healthz, /metrics)").
				Value(&a.health),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	if !a.health {
		return nil
	}

	healthForm := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Health Address").
				Placeholder("127.0.0.1:8080").
				Value(&a.healthAddr).
				Validate(func(s string) error {
					if _, _, err := net.SplitHostPort(s); err != nil {
						return fmt.Errorf("invalid address: %w", err)
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	return healthForm.Run()
}

func validateConfigPath(s string) error {
	if s == "" {
		return fmt.Errorf("config path is required")
	}
	if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
		return fmt.Errorf("config file should have .yaml or .yml extension")
	}
	return nil
}

func validateBindAddress(s string) error {
	cfg := udp.Config{BindAddress: s, Port: 0, BufferSize: udp.DefaultBufferSize}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("must be an IP address or wildcard")
	}
	return nil
}

func validatePort(s string) error {
	port, err := strconv.Atoi(s)
	if err != nil || port < 0 || port > 65535 {
		return fmt.Errorf("port must be a number between 0 and 65535")
	}
	return nil
}

func validateBufferSize(s string) error {
	_, err := parseSize(s)
	return err
}

func validateRate(s string) error {
	rate, err := strconv.ParseFloat(s, 64)
	if err != nil || rate < 0 {
		return fmt.Errorf("rate must be a non-negative number")
	}
	return nil
}

func parseSize(s string) (int, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if n == 0 || n > udp.MaxBufferSize {
		return 0, fmt.Errorf("size must be between 1 and %d bytes", udp.MaxBufferSize)
	}
	return int(n), nil
}

// buildConfig turns form answers into a validated Config.
func buildConfig(a *answers) (*config.Config, error) {
	cfg := config.Default()

	cfg.Endpoint.BindAddress = a.bindAddress

	port, err := strconv.Atoi(a.port)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q", a.port)
	}
	cfg.Endpoint.Port = port

	size, err := parseSize(a.bufferSize)
	if err != nil {
		return nil, err
	}
	cfg.Endpoint.BufferSize = config.Size(size)

	cfg.Reply.Mode = a.replyMode
	if a.replyMode == config.ReplyFixed {
		cfg.Reply.Payload = a.payload
		cfg.Reply.Terminator = a.terminator
	}

	if a.rateLimit != "" {
		rate, err := strconv.ParseFloat(a.rateLimit, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid rate limit %q", a.rateLimit)
		}
		cfg.Limits.RepliesPerSecond = rate
	}

	cfg.Log.Level = a.logLevel
	cfg.Log.Format = a.logFormat

	cfg.Health.Enabled = a.health
	if a.health {
		cfg.Health.Address = a.healthAddr
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// writeConfig writes cfg as YAML to path, creating parent directories.
func writeConfig(cfg *config.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := `# udpecho configuration
# Generated by setup wizard
# Values may reference environment variables: ${VAR} or ${VAR:-default}

`
	if err := os.WriteFile(path, []byte(header+string(data)), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// WriteDefault writes the default configuration to path without prompting.
func WriteDefault(path string) (*config.Config, error) {
	cfg := config.Default()
	if err := writeConfig(cfg, path); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (w *Wizard) printSummary(configPath string, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, divider)
	fmt.Fprintln(w.out, style.Render("✓ Setup Complete!"))
	fmt.Fprintln(w.out, divider)
	fmt.Fprintln(w.out)

	fmt.Fprintf(w.out, "  Config file:  %s\n", configPath)
	fmt.Fprintf(w.out, "  Endpoint:     udp://%s:%d\n", cfg.Endpoint.BindAddress, cfg.Endpoint.Port)
	fmt.Fprintf(w.out, "  Buffer:       %s\n", cfg.Endpoint.BufferSize)
	fmt.Fprintf(w.out, "  Reply:        %s\n", describeReply(cfg))

	if cfg.Limits.RepliesPerSecond > 0 {
		fmt.Fprintf(w.out, "  Rate limit:   %s replies/s\n", humanize.Ftoa(cfg.Limits.RepliesPerSecond))
	}
	if cfg.Health.Enabled {
		fmt.Fprintf(w.out, "  Health:       http://%s/health\n", cfg.Health.Address)
	}

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "  To start the endpoint:")
	fmt.Fprintf(w.out, "    udpecho run -c %s\n", configPath)
	fmt.Fprintln(w.out)
}

func describeReply(cfg *config.Config) string {
	if cfg.Reply.Mode != config.ReplyFixed {
		return "echo"
	}
	s := strconv.Quote(cfg.Reply.Payload)
	if cfg.Reply.Terminator {
		s += " + NUL"
	}
	return "fixed " + s
}
