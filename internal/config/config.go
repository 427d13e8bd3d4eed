package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/chaz8081/obd-shell/internal/protocol"
)

// Config holds all application configuration.
type Config struct {
	LogLevel  string       `yaml:"log_level" env:"OBDSHELL_LOG_LEVEL"`
	Transport string       `yaml:"transport" env:"OBDSHELL_TRANSPORT"` // "ble" or "serial"
	Device    DeviceConfig `yaml:"device"`
	Link      LinkConfig   `yaml:"link"`
	Serial    SerialConfig `yaml:"serial"`
	Shell     ShellConfig  `yaml:"shell"`
	Init      InitConfig   `yaml:"init"`
}

// DeviceConfig selects the adapter to talk to.
type DeviceConfig struct {
	Name           string        `yaml:"name" env:"OBDSHELL_DEVICE_NAME"`
	Address        string        `yaml:"address" env:"OBDSHELL_DEVICE_ADDRESS"` // skips scanning when set
	ScanTimeout    time.Duration `yaml:"scan_timeout" env:"OBDSHELL_DEVICE_SCAN_TIMEOUT"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"OBDSHELL_DEVICE_CONNECT_TIMEOUT"`
}

// LinkConfig holds the GATT layout and write pacing.
type LinkConfig struct {
	NotifyUUID      string        `yaml:"notify_uuid" env:"OBDSHELL_LINK_NOTIFY_UUID"`
	WriteUUID       string        `yaml:"write_uuid" env:"OBDSHELL_LINK_WRITE_UUID"`
	MTUOverhead     int           `yaml:"mtu_overhead" env:"OBDSHELL_LINK_MTU_OVERHEAD"`
	InterChunkDelay time.Duration `yaml:"inter_chunk_delay" env:"OBDSHELL_LINK_INTER_CHUNK_DELAY"`
}

// SerialConfig holds settings for wired adapters.
type SerialConfig struct {
	Port     string `yaml:"port" env:"OBDSHELL_SERIAL_PORT"`
	BaudRate int    `yaml:"baud_rate" env:"OBDSHELL_SERIAL_BAUD_RATE"`
	MTU      int    `yaml:"mtu" env:"OBDSHELL_SERIAL_MTU"`
}

// ShellConfig holds interactive shell settings.
type ShellConfig struct {
	Prompt          string        `yaml:"prompt" env:"OBDSHELL_SHELL_PROMPT"`
	HistoryFile     string        `yaml:"history_file" env:"OBDSHELL_SHELL_HISTORY_FILE"`
	ResponseTimeout time.Duration `yaml:"response_timeout" env:"OBDSHELL_SHELL_RESPONSE_TIMEOUT"`
}

// InitConfig holds the adapter setup sequence.
type InitConfig struct {
	Commands []string `yaml:"commands" env:"OBDSHELL_INIT_COMMANDS"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "obd-shell")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		Transport: "ble",
		Device: DeviceConfig{
			Name:           "OBDLink CX",
			ScanTimeout:    10 * time.Second,
			ConnectTimeout: 15 * time.Second,
		},
		Link: LinkConfig{
			NotifyUUID:      protocol.NotifyCharUUID,
			WriteUUID:       protocol.WriteCharUUID,
			MTUOverhead:     protocol.LinkOverhead,
			InterChunkDelay: 100 * time.Millisecond,
		},
		Serial: SerialConfig{
			BaudRate: 38400,
			MTU:      64,
		},
		Shell: ShellConfig{
			Prompt:          "# ",
			HistoryFile:     filepath.Join(DefaultConfigDir(), "history"),
			ResponseTimeout: 2 * time.Second,
		},
		Init: InitConfig{
			Commands: append([]string(nil), protocol.DefaultInitCommands...),
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled with
// defaults, then OBDSHELL_* environment variables override file values.
// Tilde (~) in paths is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}

	cfg.expandPaths()
	return cfg, nil
}

// ApplyEnv overrides cfg with any OBDSHELL_* environment variables.
func ApplyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parsing environment: %w", err)
	}
	cfg.expandPaths()
	return nil
}

func (c *Config) expandPaths() {
	c.Shell.HistoryFile = expandTilde(c.Shell.HistoryFile)
	c.Serial.Port = expandTilde(c.Serial.Port)
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	switch c.Transport {
	case "ble":
		if c.Device.Name == "" && c.Device.Address == "" {
			return errors.New("device.name or device.address must be set")
		}
	case "serial":
		if c.Serial.Port == "" {
			return errors.New("serial.port must be set when transport is \"serial\"")
		}
		if c.Serial.BaudRate <= 0 {
			return errors.New("serial.baud_rate must be > 0")
		}
		if c.Serial.MTU <= c.Link.MTUOverhead {
			return fmt.Errorf("serial.mtu must exceed link.mtu_overhead (%d)", c.Link.MTUOverhead)
		}
	default:
		return fmt.Errorf("transport must be \"ble\" or \"serial\", got %q", c.Transport)
	}

	if c.Device.ScanTimeout <= 0 {
		return errors.New("device.scan_timeout must be > 0")
	}
	if c.Device.ConnectTimeout <= 0 {
		return errors.New("device.connect_timeout must be > 0")
	}

	if c.Link.NotifyUUID == "" || c.Link.WriteUUID == "" {
		return errors.New("link.notify_uuid and link.write_uuid must not be empty")
	}
	if c.Link.MTUOverhead <= 0 {
		return errors.New("link.mtu_overhead must be > 0")
	}
	if c.Link.InterChunkDelay < 0 {
		return errors.New("link.inter_chunk_delay must be >= 0")
	}

	if c.Shell.ResponseTimeout <= 0 {
		return errors.New("shell.response_timeout must be > 0")
	}

	for i, cmd := range c.Init.Commands {
		if strings.TrimSpace(cmd) == "" {
			return fmt.Errorf("init.commands[%d] must not be empty", i)
		}
	}

	return nil
}

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there yet. It returns the written path, or "" if a file was
// already present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}

	header := "# obd-shell configuration\n# Environment variables named OBDSHELL_* override these values.\n\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
