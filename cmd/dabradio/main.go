package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/chaz8081/dabradio/internal/api"
	"github.com/chaz8081/dabradio/internal/audio"
	"github.com/chaz8081/dabradio/internal/bluetooth"
	"github.com/chaz8081/dabradio/internal/bluetooth/registry"
	"github.com/chaz8081/dabradio/internal/bluetooth/shell"
	"github.com/chaz8081/dabradio/internal/config"
)

var version = "dev"

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/dabradio/config.yaml)")
	listen := flag.String("listen", "", "HTTP listen address, overrides http.listen")
	logLevel := flag.String("log-level", "", "debug, info, warn or error, overrides log_level")
	writeConfig := flag.Bool("write-config", false, "write the default config file and exit")
	noReconnect := flag.Bool("no-auto-reconnect", false, "do not reconnect the last device at startup")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("dabradio", version)
		return
	}

	if *writeConfig {
		writeDefaultConfig(*configPath)
		return
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *listen != "" {
		cfg.HTTP.Listen = *listen
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	printBanner(cfg)

	bt := newManager(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !*noReconnect && cfg.Bluetooth.ReconnectAttempts > 0 {
		go bt.ReconnectLoop(ctx, cfg.Bluetooth.ReconnectAttempts, cfg.Bluetooth.ReconnectMax)
	}

	apiOpts := api.DefaultOptions()
	apiOpts.ScanDuration = cfg.ScanDuration()
	apiOpts.MCP = cfg.HTTP.MCP
	apiOpts.Version = version

	// No write timeout: a connect workflow can legitimately take minutes.
	srv := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           api.New(bt, apiOpts).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	log.Printf("Listening on %s", cfg.HTTP.Listen)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http: %v", err)
		}
	case <-ctx.Done():
		log.Println("Shutting down...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	log.Println("Goodbye!")
}

// newManager wires the orchestrator to bluetoothctl, the device registry and
// the host audio server.
func newManager(cfg *config.Config) *bluetooth.Manager {
	options := []bluetooth.Option{
		bluetooth.WithRadio(bluetooth.NewSystemRadio(cfg.Bluetooth.RfkillPath)),
	}
	if cfg.Audio.ServiceUnit != "" {
		options = append(options, bluetooth.WithAudioService(audio.NewServiceRestarter(cfg.Audio.ServiceUnit, cfg.Audio.UserBus)))
	}
	if cfg.Audio.SinkProbe {
		options = append(options, bluetooth.WithSinkProber(audio.NewSinkProbe()))
	}

	return bluetooth.New(
		shell.NewExec(cfg.Bluetooth.CtlPath),
		registry.New(cfg.Bluetooth.StateFile),
		cfg.ManagerOptions(),
		options...,
	)
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

func writeDefaultConfig(path string) {
	if path == "" {
		path = config.DefaultConfigPath()
	}
	written, err := config.WriteDefaultTo(path)
	if err != nil {
		log.Fatalf("write config: %v", err)
	}
	if written == "" {
		log.Printf("Config already exists at %s, leaving it alone", path)
		return
	}
	log.Printf("Default config written to %s", written)
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== dabradio ===")
	fmt.Printf("  Listen:  %s (mcp: %v)\n", cfg.HTTP.Listen, cfg.HTTP.MCP)
	fmt.Printf("  Control: %s\n", cfg.Bluetooth.CtlPath)
	fmt.Printf("  State:   %s\n", cfg.Bluetooth.StateFile)
	fmt.Printf("  Tiers:   %s\n", strings.Join(cfg.Bluetooth.Tiers, ", "))
	fmt.Printf("  Audio:   %s (user bus: %v, sink probe: %v)\n", orNone(cfg.Audio.ServiceUnit), cfg.Audio.UserBus, cfg.Audio.SinkProbe)
	fmt.Printf("  Log:     %s\n", cfg.LogLevel)
	fmt.Println("================")
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
