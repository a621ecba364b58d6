// Package config provides configuration parsing and validation for the echo service.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/udpecho/internal/udp"
)

// Config represents the complete service configuration.
type Config struct {
	Endpoint EndpointConfig `yaml:"endpoint"`
	Reply    ReplyConfig    `yaml:"reply"`
	Limits   LimitsConfig   `yaml:"limits"`
	Log      LogConfig      `yaml:"log"`
	Health   HealthConfig   `yaml:"health"`
}

// EndpointConfig contains the socket bind parameters.
type EndpointConfig struct {
	BindAddress string `yaml:"bind_address"` // IP literal, "" / "*" / "0.0.0.0" / "::" for wildcard
	Port        int    `yaml:"port"`         // 0 picks a free port
	BufferSize  Size   `yaml:"buffer_size"`  // bytes, accepts 4096 or "4KiB"
}

// Reply modes.
const (
	ReplyEcho  = "echo"
	ReplyFixed = "fixed"
)

// ReplyConfig selects what is sent back to each peer.
type ReplyConfig struct {
	Mode       string `yaml:"mode"`       // echo, fixed
	Payload    string `yaml:"payload"`    // reply text for fixed mode
	Terminator bool   `yaml:"terminator"` // append a NUL byte to fixed replies
}

// LimitsConfig defines reply rate limiting.
type LimitsConfig struct {
	RepliesPerSecond float64 `yaml:"replies_per_second"` // 0 disables limiting
	Burst            int     `yaml:"burst"`
}

// LogConfig defines logging output.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Size is a byte count that unmarshals from an integer or a
// human-readable string such as "4KiB" or "64 kB".
type Size int

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	if n, err := strconv.Atoi(value.Value); err == nil {
		*s = Size(n)
		return nil
	}

	n, err := humanize.ParseBytes(value.Value)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", value.Value, err)
	}
	if n > uint64(udp.MaxBufferSize) {
		return fmt.Errorf("size %q exceeds %d bytes", value.Value, udp.MaxBufferSize)
	}
	*s = Size(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (s Size) MarshalYAML() (interface{}, error) {
	return int(s), nil
}

// String returns the size in IEC units.
func (s Size) String() string {
	if s < 0 {
		return strconv.Itoa(int(s))
	}
	return humanize.IBytes(uint64(s))
}

// Default returns a Config with default values matching the reference server.
func Default() *Config {
	return &Config{
		Endpoint: EndpointConfig{
			BindAddress: "0.0.0.0",
			Port:        udp.DefaultPort,
			BufferSize:  udp.DefaultBufferSize,
		},
		Reply: ReplyConfig{
			Mode:       ReplyEcho,
			Payload:    "Hello from server.",
			Terminator: false,
		},
		Limits: LimitsConfig{
			RepliesPerSecond: 0,
			Burst:            16,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      "127.0.0.1:8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
// ${VAR:-default} falls back to default; unknown variables are left untouched.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if err := c.EndpointConfig().Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("endpoint: %v", err))
	}

	switch c.Reply.Mode {
	case ReplyEcho:
	case ReplyFixed:
		if !utf8.ValidString(c.Reply.Payload) {
			errs = append(errs, "reply.payload must be valid UTF-8")
		}
		if len(c.ReplyPayload()) > udp.MaxIPv4Payload {
			errs = append(errs, fmt.Sprintf("reply.payload exceeds %d bytes", udp.MaxIPv4Payload))
		}
	default:
		errs = append(errs, fmt.Sprintf("invalid reply.mode: %s (must be echo or fixed)", c.Reply.Mode))
	}

	if c.Limits.RepliesPerSecond < 0 {
		errs = append(errs, "limits.replies_per_second must not be negative")
	}
	if c.Limits.RepliesPerSecond > 0 && c.Limits.Burst < 1 {
		errs = append(errs, "limits.burst must be positive when rate limiting is enabled")
	}

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}

	if c.Health.Enabled {
		if _, _, err := net.SplitHostPort(c.Health.Address); err != nil {
			errs = append(errs, fmt.Sprintf("health.address: %v", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// EndpointConfig converts the endpoint section into socket parameters.
func (c *Config) EndpointConfig() udp.Config {
	return udp.Config{
		BindAddress: c.Endpoint.BindAddress,
		Port:        c.Endpoint.Port,
		BufferSize:  int(c.Endpoint.BufferSize),
	}
}

// ReplyPayload returns the bytes sent in fixed reply mode. The text is
// NFC-normalized so equivalent spellings produce identical datagrams.
func (c *Config) ReplyPayload() []byte {
	b := []byte(norm.NFC.String(c.Reply.Payload))
	if c.Reply.Terminator {
		b = append(b, 0)
	}
	return b
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

// String returns the YAML representation of the config.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
