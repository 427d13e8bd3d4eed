package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/chaz8081/obd-shell/internal/config"
	"github.com/chaz8081/obd-shell/internal/console"
	"github.com/chaz8081/obd-shell/internal/link"
	"github.com/chaz8081/obd-shell/internal/obd"
	"github.com/chaz8081/obd-shell/internal/shell"
)

func main() {
	os.Exit(run())
}

func run() int {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/obd-shell/config.yaml)")
	transport := flag.String("transport", "", "adapter transport: ble or serial (overrides config)")
	device := flag.String("device", "", "BLE device name, or serial port (overrides config)")
	address := flag.String("address", "", "BLE device address; skips scanning (overrides config)")
	flag.Parse()

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	applyFlags(cfg, *transport, *device, *address)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config validation: %v\n", err)
		return 1
	}

	reader, err := shell.NewReadline(cfg.Shell.Prompt, cfg.Shell.HistoryFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer reader.Close()

	// Everything printed from here on goes through the sink, including logs.
	sink := console.NewSink(reader.Stdout(), 0)
	slog.SetDefault(slog.New(slog.NewTextHandler(sink, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Background context: the sink outlives the session so the final
		// messages are printed before Close.
		return sink.Run(context.Background())
	})
	g.Go(func() error {
		defer sink.Close()
		printBanner(sink, cfg)
		return session(gctx, cfg, reader, sink)
	})

	if err := g.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "obd-shell: %v\n", err)
		return 1
	}
	return 0
}

// session finds and connects to the adapter, initializes it and runs the
// shell until the user exits. A cancelled ctx is a normal shutdown.
func session(ctx context.Context, cfg *config.Config, reader shell.LineReader, sink *console.Sink) error {
	adapter := newAdapter(cfg)

	addr, err := resolveAddress(ctx, cfg, adapter, sink)
	if err != nil {
		sink.Errorf("%v", err)
		return err
	}

	sink.Infof("Connecting to %s...", addr)
	dialCtx, cancel := context.WithTimeout(ctx, cfg.Device.ConnectTimeout)
	client, err := obd.Dial(dialCtx, adapter, addr, sink, obd.ClientOptions{
		NotifyUUID:      cfg.Link.NotifyUUID,
		WriteUUID:       cfg.Link.WriteUUID,
		LinkOverhead:    cfg.Link.MTUOverhead,
		InterChunkDelay: cfg.Link.InterChunkDelay,
	})
	cancel()
	if err != nil {
		sink.Errorf("%v", err)
		return err
	}
	sink.Infof("Connected to %s.", addr)

	defer func() {
		if err := client.Close(); err != nil {
			slog.Warn("[OBD] close failed", "error", err)
		}
	}()

	if failed := client.Initialize(ctx, cfg.Init.Commands); failed > 0 {
		slog.Warn("[OBD] initialization incomplete", "failed", failed, "total", len(cfg.Init.Commands))
	}

	err = shell.New(reader, client, sink, cfg.Shell.ResponseTimeout).Run(ctx)
	if errors.Is(err, context.Canceled) {
		sink.Infof("Shutting down...")
		return nil
	}
	return err
}

func newAdapter(cfg *config.Config) link.Adapter {
	if cfg.Transport == "serial" {
		return link.NewSerialAdapter(link.SerialOptions{
			BaudRate: cfg.Serial.BaudRate,
			MTU:      cfg.Serial.MTU,
		})
	}
	return link.NewBluetoothAdapter()
}

// resolveAddress returns the address to dial. Serial ports and configured
// BLE addresses are used as-is; otherwise the device is found by name.
func resolveAddress(ctx context.Context, cfg *config.Config, adapter link.Adapter, sink *console.Sink) (string, error) {
	switch {
	case cfg.Transport == "serial":
		return cfg.Serial.Port, nil
	case cfg.Device.Address != "":
		return cfg.Device.Address, nil
	}

	sink.Infof("Scanning for %q (%s)...", cfg.Device.Name, cfg.Device.ScanTimeout)
	dev, err := link.FindDevice(ctx, adapter, cfg.Device.Name, cfg.Device.ScanTimeout)
	if err != nil {
		return "", err
	}
	sink.Infof("Found %s at %s", dev.Name, dev.Address)
	return dev.Address, nil
}

// applyFlags lets command-line flags override the loaded config.
func applyFlags(cfg *config.Config, transport, device, address string) {
	if transport != "" {
		cfg.Transport = transport
	}
	if device != "" {
		if cfg.Transport == "serial" {
			cfg.Serial.Port = device
		} else {
			cfg.Device.Name = device
		}
	}
	if address != "" {
		cfg.Device.Address = address
	}
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or writes and uses built-in defaults.
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
		slog.Info("Config loaded", "path", defaultPath)
		return cfg, nil
	}

	// No config file: write one for next time and use defaults
	if written, err := config.WriteDefault(); err != nil {
		slog.Warn("could not write default config", "error", err)
	} else if written != "" {
		slog.Info("Wrote default config", "path", written)
	}

	cfg := config.Default()
	if err := config.ApplyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

// printBanner displays the startup configuration summary.
func printBanner(sink *console.Sink, cfg *config.Config) {
	target := cfg.Device.Name
	switch {
	case cfg.Transport == "serial":
		target = fmt.Sprintf("%s @ %d baud", cfg.Serial.Port, cfg.Serial.BaudRate)
	case cfg.Device.Address != "":
		target = cfg.Device.Address
	}
	sink.Infof("=== obd-shell ===")
	sink.Infof("  Transport: %s", cfg.Transport)
	sink.Infof("  Device:    %s", target)
	sink.Infof("  Pacing:    %s between chunks", cfg.Link.InterChunkDelay)
	sink.Infof("  Init:      %d commands", len(cfg.Init.Commands))
	sink.Infof("  Log:       %s", cfg.LogLevel)
	sink.Infof("=================")
}
