package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/hpasystem/internal/ble"
	"github.com/chaz8081/hpasystem/internal/ble/protocol"
)

// Config holds all application configuration.
type Config struct {
	LogLevel string         `yaml:"log_level"`
	Backend  string         `yaml:"backend"` // "bluez" or "tinygo"
	BlueZ    BlueZConfig    `yaml:"bluez"`
	Protocol ProtocolConfig `yaml:"protocol"`
	Session  SessionConfig  `yaml:"session"`
	Send     SendConfig     `yaml:"send"`
}

// BlueZConfig holds settings for the D-Bus backend.
type BlueZConfig struct {
	Adapter string `yaml:"adapter"`
}

// ProtocolConfig selects the wire format spoken by the peripherals.
type ProtocolConfig struct {
	Codec          string `yaml:"codec"` // "two-int32" or "three-float32"
	MaxValue       int    `yaml:"max_value"`
	CommandLiteral string `yaml:"command_literal"`
}

// SessionConfig holds connection settings.
type SessionConfig struct {
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	TargetCharacteristic string        `yaml:"target_characteristic"`
	// WriteCharacteristic names the command target when the backend cannot
	// report write capability (tinygo on macOS).
	WriteCharacteristic string   `yaml:"write_characteristic"`
	KnownServices       []string `yaml:"known_services"`
	AutoConnect          string        `yaml:"auto_connect"`
}

// SendConfig throttles outbound commands.
type SendConfig struct {
	RateHz float64 `yaml:"rate_hz"`
	Burst  int     `yaml:"burst"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "hpasystem")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// DefaultBackend is bluez on Linux and tinygo elsewhere.
func DefaultBackend() string {
	if runtime.GOOS == "linux" {
		return "bluez"
	}
	return "tinygo"
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Backend:  DefaultBackend(),
		BlueZ: BlueZConfig{
			Adapter: "hci0",
		},
		Protocol: ProtocolConfig{
			Codec:          protocol.CodecTwoInt32,
			MaxValue:       protocol.DefaultMaxValue,
			CommandLiteral: protocol.DefaultCommandLiteral,
		},
		Session: SessionConfig{
			ConnectTimeout: 15 * time.Second,
		},
		Send: SendConfig{
			RateHz: 10,
			Burst:  1,
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Session.TargetCharacteristic = strings.TrimSpace(cfg.Session.TargetCharacteristic)
	cfg.Session.WriteCharacteristic = strings.TrimSpace(cfg.Session.WriteCharacteristic)
	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	switch c.Backend {
	case "bluez":
		if c.BlueZ.Adapter == "" {
			return errors.New("bluez.adapter must not be empty")
		}
	case "tinygo":
	default:
		return fmt.Errorf("backend must be \"bluez\" or \"tinygo\", got %q", c.Backend)
	}

	switch c.Protocol.Codec {
	case protocol.CodecTwoInt32:
		if c.Protocol.MaxValue <= 0 {
			return fmt.Errorf("protocol.max_value must be > 0, got %d", c.Protocol.MaxValue)
		}
	case protocol.CodecThreeFloat:
		if c.Protocol.CommandLiteral == "" {
			return errors.New("protocol.command_literal must not be empty")
		}
	default:
		return fmt.Errorf("protocol.codec must be %q or %q, got %q",
			protocol.CodecTwoInt32, protocol.CodecThreeFloat, c.Protocol.Codec)
	}

	if c.Session.ConnectTimeout < 0 {
		return fmt.Errorf("session.connect_timeout must not be negative, got %s", c.Session.ConnectTimeout)
	}

	if err := validUUID(c.Session.TargetCharacteristic); err != nil {
		return fmt.Errorf("session.target_characteristic: %w", err)
	}
	if err := validUUID(c.Session.WriteCharacteristic); err != nil {
		return fmt.Errorf("session.write_characteristic: %w", err)
	}
	for _, s := range c.Session.KnownServices {
		if s == "" {
			return errors.New("session.known_services must not contain empty entries")
		}
		if err := validUUID(s); err != nil {
			return fmt.Errorf("session.known_services: %w", err)
		}
	}

	if c.Send.RateHz < 0 {
		return fmt.Errorf("send.rate_hz must not be negative, got %g", c.Send.RateHz)
	}
	if c.Send.RateHz > 0 && c.Send.Burst < 1 {
		return fmt.Errorf("send.burst must be >= 1 when rate_hz is set, got %d", c.Send.Burst)
	}

	return nil
}

// ManagerOptions converts the session and send settings for ble.NewManager.
func (c *Config) ManagerOptions() ble.ManagerOptions {
	opts := ble.DefaultManagerOptions()
	opts.ConnectTimeout = c.Session.ConnectTimeout
	opts.TargetCharacteristic = c.Session.TargetCharacteristic
	opts.WriteCharacteristic = c.Session.WriteCharacteristic
	opts.AutoConnect = c.Session.AutoConnect
	opts.SendRate = c.Send.RateHz
	opts.SendBurst = c.Send.Burst
	return opts
}

// NewAdapter opens the configured platform backend.
func (c *Config) NewAdapter() (ble.Adapter, error) {
	switch c.Backend {
	case "bluez":
		return ble.NewBlueZAdapter(c.BlueZ.Adapter)
	case "tinygo":
		return ble.NewTinyGoAdapter(c.Session.KnownServices)
	default:
		return nil, fmt.Errorf("unknown backend %q", c.Backend)
	}
}

// Codec builds the configured wire codec.
func (c *Config) Codec() (protocol.Codec, error) {
	return protocol.NewCodec(c.Protocol.Codec, c.Protocol.MaxValue, c.Protocol.CommandLiteral)
}

// WriteDefault writes the default config to DefaultConfigPath. It returns
// ("", nil) without touching anything if the file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	header := "# hpasystem configuration\n# backend: bluez (Linux, D-Bus) or tinygo (macOS/Windows)\n\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// ParseLogLevel maps a log_level string to a slog level. Unknown values
// fall back to info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// validUUID accepts "", 16/32-bit short forms and full 128-bit UUIDs.
func validUUID(s string) error {
	if s == "" {
		return nil
	}
	if _, ok := ble.ParseUUID(s); !ok {
		return fmt.Errorf("invalid UUID %q", s)
	}
	return nil
}
