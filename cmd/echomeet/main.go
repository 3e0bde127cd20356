// Command echomeet joins or creates a translated meeting room and streams
// audio from a configured input to the meeting backend.
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
	"time"

	"github.com/MrWong99/echomeet/internal/app"
	"github.com/MrWong99/echomeet/internal/config"
	"github.com/MrWong99/echomeet/internal/observe"
	"github.com/MrWong99/echomeet/pkg/audio"
	"github.com/MrWong99/echomeet/pkg/audio/tone"
	"github.com/MrWong99/echomeet/pkg/audio/wavsource"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the YAML configuration file (defaults apply when empty)")
	join := flag.String("join", "", "room code to join; a new room is created when empty")
	name := flag.String("name", "", "display name, overrides identity.name")
	flag.Parse()

	// ── Configuration ─────────────────────────────────────────────────────────
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "echomeet: %v\n", err)
		return 1
	}
	if *name != "" {
		cfg.Identity.Name = *name
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("echomeet starting",
		"version", version,
		"config", *configPath,
		"backend", cfg.Backend.HTTPURL,
		"audio_device", cfg.Audio.Device,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Application ───────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerDevices(reg)

	application, err := app.New(ctx, cfg, reg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if *configPath != "" {
		w, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
			applyReload(&level, application, config.Diff(old, new))
		})
		if err != nil {
			slog.Warn("config hot reload disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	runErr := application.Run(ctx, app.Target{RoomCode: *join})
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.LoadFromReader(strings.NewReader(""))
	}
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config file %q not found", path)
	}
	return cfg, err
}

// applyReload applies the live-reloadable parts of a config change.
func applyReload(level *slog.LevelVar, a *app.App, d config.ConfigDiff) {
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.LanguageChanged {
		a.SetLanguage(d.NewLanguage)
		slog.Info("language preference changed", "language", d.NewLanguage)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes take effect after restart", "sections", d.RestartRequired)
	}
}

func slogLevel(l config.LogLevel) slog.Level {
	switch l {
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

// registerDevices wires the built-in audio inputs into reg.
func registerDevices(reg *config.Registry) {
	reg.RegisterDevice("wav", func(c config.AudioConfig) (audio.Device, error) {
		path := c.String("path", "")
		if path == "" {
			return nil, errors.New("options.path is required")
		}
		return wavsource.New(path,
			wavsource.WithLoop(c.Bool("loop", false)),
			wavsource.WithRealtime(c.Bool("realtime", true)),
		), nil
	})
	reg.RegisterDevice("tone", func(c config.AudioConfig) (audio.Device, error) {
		return tone.New(c.Float("frequency", 440), c.Float("amplitude", 0.25)), nil
	})

	for _, name := range reg.Devices() {
		slog.Debug("registered audio device", "name", name)
	}
}
