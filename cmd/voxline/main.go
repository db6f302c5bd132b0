// Command voxline runs a full-duplex voice conversation between the local
// microphone and speakers and a realtime speech model.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/MrWong99/voxline/internal/app"
	"github.com/MrWong99/voxline/internal/config"
	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/audio/miniaudio"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

// deviceRegistrars lets build-tagged files add optional audio backends.
var deviceRegistrars []func(reg *config.Registry, logger *slog.Logger)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "voxline.yaml", "path to the YAML configuration file")
	listDevices := flag.Bool("list-devices", false, "list the audio devices of the configured backend and exit")
	testTone := flag.Bool("test-tone", false, "play a short tone on the output device and exit")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxline: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxline: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("voxline starting",
		"version", version,
		"config", *configPath,
		"backend", cfg.Audio.Backend,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Audio backend ─────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinDevices(reg, logger)
	for _, register := range deviceRegistrars {
		register(reg, logger)
	}

	dev, err := reg.CreateDevice(cfg.Audio)
	if err != nil {
		slog.Error("failed to open audio backend", "err", err)
		return 1
	}
	defer func() {
		if err := dev.Close(); err != nil {
			slog.Warn("audio backend close error", "err", err)
		}
	}()

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *listDevices {
		if err := printDevices(os.Stdout, dev); err != nil {
			slog.Error("failed to list devices", "err", err)
			return 1
		}
		return 0
	}
	if *testTone {
		if err := audio.PlayTestTone(ctx, dev, cfg.Audio.OutputDevice); err != nil {
			slog.Error("test tone failed", "err", err)
			return 1
		}
		return 0
	}

	// ── Telemetry ─────────────────────────────────────────────────────────────
	provider, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Application ───────────────────────────────────────────────────────────
	printStartupSummary(os.Stdout, cfg)

	application, err := app.New(ctx, cfg, dev,
		app.WithLogger(logger),
		app.WithMetrics(metrics),
		app.WithMetricsHandler(provider.MetricsHandler()),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(_, _ *config.Config, diff config.ConfigDiff) {
		if diff.LogLevelChanged {
			level.Set(slogLevel(diff.NewLogLevel))
			slog.Info("log level changed", "level", diff.NewLogLevel)
		}
		application.Reload(diff)
	}, config.WithWatchLogger(logger))
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("ready, start talking (Ctrl+C to quit)")

	runErr := application.Run(ctx)
	if runErr != nil {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// registerBuiltinDevices registers the backends that need no build tag.
func registerBuiltinDevices(reg *config.Registry, logger *slog.Logger) {
	reg.RegisterDevice("miniaudio", func(config.AudioConfig) (audio.Device, error) {
		return miniaudio.New(logger)
	})
}

// printDevices writes both device directions of dev to w. The system
// default is marked with an asterisk.
func printDevices(w io.Writer, dev audio.Device) error {
	for _, dir := range []audio.Direction{audio.Output, audio.Input} {
		infos, err := dev.Devices(dir)
		if err != nil {
			return fmt.Errorf("%s devices: %w", dir, err)
		}
		fmt.Fprintf(w, "%s devices:\n", dir)
		if len(infos) == 0 {
			fmt.Fprintln(w, "  (none)")
		}
		for _, info := range infos {
			mark := " "
			if info.Default {
				mark = "*"
			}
			fmt.Fprintf(w, " %s %-40s channels=%-2d id=%s\n", mark, info.Name, info.MaxChannels, info.ID)
		}
	}
	return nil
}

// printStartupSummary prints a human-readable overview of the configuration.
// The API key is never printed.
func printStartupSummary(w io.Writer, cfg *config.Config) {
	rc := cfg.Realtime
	fmt.Fprintln(w, "voxline")
	fmt.Fprintf(w, "  endpoint     : %s (model %s, %s transport)\n", rc.URL, rc.Model, rc.Transport)
	fmt.Fprintf(w, "  voice        : %s\n", rc.Voice)
	fmt.Fprintf(w, "  audio        : %s, %d channel(s), chunk %s, commit every %s\n",
		cfg.Audio.Backend, cfg.Audio.Channels, cfg.Audio.ChunkDuration, cfg.Audio.CommitInterval)
	fmt.Fprintf(w, "  input device : %s\n", orDefault(cfg.Audio.InputDevice))
	fmt.Fprintf(w, "  output device: %s\n", orDefault(cfg.Audio.OutputDevice))
	if cfg.Orders.PostgresDSN != "" {
		fmt.Fprintln(w, "  orders       : postgres")
	} else {
		fmt.Fprintln(w, "  orders       : in memory")
	}
	if n := len(cfg.MCP.Servers); n > 0 {
		names := make([]string, n)
		for i, s := range cfg.MCP.Servers {
			names[i] = s.Name
		}
		fmt.Fprintf(w, "  mcp servers  : %s\n", strings.Join(names, ", "))
	}
	if cfg.Server.ListenAddr != "" {
		fmt.Fprintf(w, "  listen addr  : %s\n", cfg.Server.ListenAddr)
	}
}

func orDefault(id string) string {
	if id == "" {
		return "(system default)"
	}
	return id
}

// slogLevel maps the config level to a slog level.
func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
