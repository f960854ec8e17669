package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/dabradio/internal/bluetooth"
	"github.com/chaz8081/dabradio/internal/bluetooth/registry"
	"github.com/chaz8081/dabradio/internal/bluetooth/shell"
)

// Config holds all application configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	HTTP      HTTPConfig      `yaml:"http"`
	Bluetooth BluetoothConfig `yaml:"bluetooth"`
	Audio     AudioConfig     `yaml:"audio"`
}

// HTTPConfig holds the API listener settings.
type HTTPConfig struct {
	Listen string `yaml:"listen"`
	MCP    bool   `yaml:"mcp"` // expose the /mcp tool endpoint
}

// BluetoothConfig holds orchestrator settings.
type BluetoothConfig struct {
	CtlPath            string   `yaml:"ctl_path"`
	StateFile          string   `yaml:"state_file"`
	RfkillPath         string   `yaml:"rfkill_path"`
	ScanSeconds        int      `yaml:"scan_seconds"`
	StatusCacheSeconds int      `yaml:"status_cache_seconds"`
	PairDwellSeconds   int      `yaml:"pair_dwell_seconds"`
	Tiers              []string `yaml:"tiers"`
	ReconnectAttempts  int      `yaml:"reconnect_attempts"` // 0 disables auto-reconnect
	ReconnectMax       int      `yaml:"reconnect_max"`      // max backoff in seconds
}

// AudioConfig holds host audio server settings.
type AudioConfig struct {
	ServiceUnit string `yaml:"service_unit"` // empty disables the audio-restart tier
	UserBus     bool   `yaml:"user_bus"`
	SinkProbe   bool   `yaml:"sink_probe"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "dabradio")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		HTTP: HTTPConfig{
			Listen: ":8080",
			MCP:    true,
		},
		Bluetooth: BluetoothConfig{
			CtlPath:            shell.DefaultPath,
			StateFile:          registry.DefaultPath,
			RfkillPath:         bluetooth.DefaultRfkillPath,
			ScanSeconds:        12,
			StatusCacheSeconds: 10,
			PairDwellSeconds:   4,
			Tiers:              slices.Clone(bluetooth.TierNames),
			ReconnectAttempts:  5,
			ReconnectMax:       30,
		},
		Audio: AudioConfig{
			ServiceUnit: "pulseaudio.service",
			UserBus:     true,
			SinkProbe:   true,
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in file paths is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Bluetooth.StateFile = expandTilde(cfg.Bluetooth.StateFile)
	cfg.Bluetooth.CtlPath = expandTilde(cfg.Bluetooth.CtlPath)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.HTTP.Listen == "" {
		return fmt.Errorf("http.listen must not be empty")
	}

	if c.Bluetooth.CtlPath == "" {
		return fmt.Errorf("bluetooth.ctl_path must not be empty")
	}

	if c.Bluetooth.StateFile == "" {
		return fmt.Errorf("bluetooth.state_file must not be empty")
	}

	if c.Bluetooth.ScanSeconds <= 0 {
		return fmt.Errorf("bluetooth.scan_seconds must be > 0")
	}

	if c.Bluetooth.StatusCacheSeconds < 0 {
		return fmt.Errorf("bluetooth.status_cache_seconds must be >= 0")
	}

	if c.Bluetooth.PairDwellSeconds < 0 {
		return fmt.Errorf("bluetooth.pair_dwell_seconds must be >= 0")
	}

	if len(c.Bluetooth.Tiers) == 0 {
		return fmt.Errorf("bluetooth.tiers must not be empty")
	}
	for _, tier := range c.Bluetooth.Tiers {
		if !slices.Contains(bluetooth.TierNames, tier) {
			return fmt.Errorf("bluetooth.tiers: unknown tier %q (want one of %s)", tier, strings.Join(bluetooth.TierNames, ", "))
		}
	}

	if c.Bluetooth.ReconnectAttempts < 0 {
		return fmt.Errorf("bluetooth.reconnect_attempts must be >= 0")
	}

	if c.Bluetooth.ReconnectAttempts > 0 && c.Bluetooth.ReconnectMax <= 0 {
		return fmt.Errorf("bluetooth.reconnect_max must be > 0 when reconnect_attempts is set")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// ManagerOptions maps the bluetooth section onto orchestrator options.
func (c *Config) ManagerOptions() bluetooth.Options {
	opts := bluetooth.DefaultOptions()
	opts.StatusCacheTTL = time.Duration(c.Bluetooth.StatusCacheSeconds) * time.Second
	opts.PairDwell = time.Duration(c.Bluetooth.PairDwellSeconds) * time.Second
	opts.Tiers = slices.Clone(c.Bluetooth.Tiers)
	return opts
}

// ScanDuration returns the configured discovery scan length.
func (c *Config) ScanDuration() time.Duration {
	return time.Duration(c.Bluetooth.ScanSeconds) * time.Second
}

// ParseLogLevel maps a config log level to a slog level, defaulting to info.
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

const header = `# dabradio configuration
#
# bluetooth.tiers: recovery strategies tried in order when a connect fails
#   direct        connect on the pairing session
#   reconnect     disconnect, settle, connect again
#   audio-restart restart audio.service_unit and wait for its auto-connect
# audio.service_unit: leave empty to disable the audio-restart tier

`

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the written path, or "" without touching anything when a config exists.
func WriteDefault() (string, error) {
	return WriteDefaultTo(DefaultConfigPath())
}

// WriteDefaultTo writes the default config to path unless a file is already
// there.
func WriteDefaultTo(path string) (string, error) {
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
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
