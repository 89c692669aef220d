// Package config provides configuration parsing and validation for udprelay.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/netip"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/udprelay/internal/logging"
	"github.com/postalsys/udprelay/internal/udp"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "UDPRELAY_"

// Buffer size bounds.
const (
	MinBufferSize = 512
	MaxBufferSize = udp.MaxBufferSize
)

// Config represents the complete relay configuration.
type Config struct {
	Relay  RelayConfig  `yaml:"relay"`
	Log    LogConfig    `yaml:"log"`
	Health HealthConfig `yaml:"health"`
}

// RelayConfig contains the forwarding settings.
type RelayConfig struct {
	Bind         string `yaml:"bind"`
	Remote       string `yaml:"remote"`
	IPv4         bool   `yaml:"ipv4"`
	MaxClients   int    `yaml:"max_clients"`
	BufferSize   string `yaml:"buffer_size"`
	GreetingFile string `yaml:"greeting_file,omitempty"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Default returns a Config with default values. Bind and remote addresses
// have no default.
func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			MaxClients: udp.DefaultMaxClients,
			BufferSize: "4KiB",
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

// Parse parses configuration from YAML bytes. The result is not validated,
// since environment and flag overrides may still fill required fields.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// ${VAR:-default}
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

// envOverrides holds UDPRELAY_* variables. Nil fields were not set.
type envOverrides struct {
	Bind          *string `env:"BIND"`
	Remote        *string `env:"REMOTE"`
	IPv4          *bool   `env:"IPV4"`
	MaxClients    *int    `env:"MAX_CLIENTS"`
	BufferSize    *string `env:"BUFFER_SIZE"`
	GreetingFile  *string `env:"GREETING_FILE"`
	LogLevel      *string `env:"LOG_LEVEL"`
	LogFormat     *string `env:"LOG_FORMAT"`
	HealthEnabled *bool   `env:"HEALTH_ENABLED"`
	HealthAddress *string `env:"HEALTH_ADDRESS"`
}

// ApplyEnv overrides fields from UDPRELAY_* environment variables.
func (c *Config) ApplyEnv() error {
	var o envOverrides
	if err := env.ParseWithOptions(&o, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}

	setString(&c.Relay.Bind, o.Bind)
	setString(&c.Relay.Remote, o.Remote)
	if o.IPv4 != nil {
		c.Relay.IPv4 = *o.IPv4
	}
	if o.MaxClients != nil {
		c.Relay.MaxClients = *o.MaxClients
	}
	setString(&c.Relay.BufferSize, o.BufferSize)
	setString(&c.Relay.GreetingFile, o.GreetingFile)
	setString(&c.Log.Level, o.LogLevel)
	setString(&c.Log.Format, o.LogFormat)
	if o.HealthEnabled != nil {
		c.Health.Enabled = *o.HealthEnabled
	}
	if o.HealthAddress != nil {
		c.Health.Address = *o.HealthAddress
		c.Health.Enabled = true
	}

	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

// LoadEnvFile loads KEY=VALUE pairs from path into the process
// environment without overriding variables that are already set. A
// missing file is not an error unless required is true.
func LoadEnvFile(path string, required bool) error {
	if err := godotenv.Load(path); err != nil {
		if !required && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Relay.Bind == "" {
		errs = append(errs, "relay.bind is required")
	} else if _, _, err := net.SplitHostPort(c.Relay.Bind); err != nil {
		errs = append(errs, fmt.Sprintf("relay.bind: %v", err))
	}
	if c.Relay.Remote == "" {
		errs = append(errs, "relay.remote is required")
	} else if _, _, err := net.SplitHostPort(c.Relay.Remote); err != nil {
		errs = append(errs, fmt.Sprintf("relay.remote: %v", err))
	}
	if c.Relay.MaxClients < 0 {
		errs = append(errs, "relay.max_clients must not be negative")
	}
	if _, err := ParseSize(c.Relay.BufferSize); err != nil {
		errs = append(errs, fmt.Sprintf("relay.buffer_size: %v", err))
	}

	if !logging.IsValidLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !logging.IsValidFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// ParseSize parses a human-readable buffer size such as "4KiB" or "1500".
func ParseSize(s string) (int, error) {
	if s == "" {
		return 0, fmt.Errorf("size is required")
	}

	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n < MinBufferSize || n > MaxBufferSize {
		return 0, fmt.Errorf("size %s out of range (%s - %s)",
			humanize.IBytes(n), humanize.IBytes(MinBufferSize), humanize.IBytes(MaxBufferSize))
	}

	return int(n), nil
}

// ResolveUDPAddr resolves host:port to a single socket address. Names
// with several addresses resolve to the first one; an empty host means
// every local address.
func ResolveUDPAddr(address string) (netip.AddrPort, error) {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("resolve %s: %w", address, err)
	}

	if addr.IP == nil {
		return netip.AddrPortFrom(netip.IPv6Unspecified(), uint16(addr.Port)), nil
	}

	ap := addr.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}

// ReadGreeting reads a greeting blob from path. An empty path returns nil,
// selecting the built-in greeting.
func ReadGreeting(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read greeting file: %w", err)
	}
	if len(data) > udp.MaxDatagramSize {
		return nil, fmt.Errorf("greeting file %s is %s, larger than a UDP datagram (%s)",
			path, humanize.IBytes(uint64(len(data))), humanize.IBytes(udp.MaxDatagramSize))
	}

	return data, nil
}

// UDPConfig resolves addresses, parses sizes and reads the greeting file
// to build the relay configuration.
func (c *Config) UDPConfig() (udp.Config, error) {
	bind, err := ResolveUDPAddr(c.Relay.Bind)
	if err != nil {
		return udp.Config{}, fmt.Errorf("bind address: %w", err)
	}
	remote, err := ResolveUDPAddr(c.Relay.Remote)
	if err != nil {
		return udp.Config{}, fmt.Errorf("remote address: %w", err)
	}
	size, err := ParseSize(c.Relay.BufferSize)
	if err != nil {
		return udp.Config{}, fmt.Errorf("buffer size: %w", err)
	}
	greeting, err := ReadGreeting(c.Relay.GreetingFile)
	if err != nil {
		return udp.Config{}, err
	}

	return udp.Config{
		Bind:       bind,
		Remote:     remote,
		IPv4:       c.Relay.IPv4,
		MaxClients: c.Relay.MaxClients,
		BufferSize: size,
		Greeting:   greeting,
	}, nil
}

// String returns the config as YAML.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
