// Command parley is a real-time voice conversation client. It streams the
// default microphone to a live speech agent, plays the agent's audio back
// gap-free and exposes a small HTTP API for the UI.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/portaudio"
	"github.com/MrWong99/parley/pkg/provider/live"
	"github.com/MrWong99/parley/pkg/provider/live/gemini"
	"github.com/MrWong99/parley/pkg/provider/live/genai"
	"github.com/MrWong99/parley/pkg/provider/live/openai"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload the configuration file when it changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parley: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.SlogLevel())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("parley starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Registry ──────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltins(reg)

	provider, err := reg.CreateLive(cfg.Provider)
	if err != nil {
		slog.Error("failed to create live transport", "name", cfg.Provider.Name, "err", err)
		return 1
	}
	device, err := reg.CreateAudio(cfg.Audio)
	if err != nil {
		slog.Error("failed to open audio device", "backend", cfg.Audio.Backend, "err", err)
		return 1
	}

	printStartupSummary(cfg)

	// ── Application ───────────────────────────────────────────────────────────
	var application *app.App
	opts := []app.Option{app.WithLevelVar(level)}
	if *watch {
		w, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
			application.ApplyConfig(old, new)
		})
		if err != nil {
			slog.Error("failed to start config watcher", "err", err)
			_ = device.Close()
			return 1
		}
		opts = append(opts, app.WithWatcher(w))
	}

	application, err = app.New(cfg, provider, device, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		_ = device.Close()
		return 1
	}

	slog.Info("client ready; press Ctrl+C to shut down")
	runErr := application.Run(ctx)

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil {
		slog.Error("run error", "err", runErr)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Registry wiring ───────────────────────────────────────────────────────────

// registerBuiltins wires the transports and audio backends that ship with
// parley into reg.
func registerBuiltins(reg *config.Registry) {
	reg.RegisterLive("gemini-live", func(e config.ProviderEntry) (live.Provider, error) {
		return gemini.New(e.APIKey,
			gemini.WithModel(e.Model),
			gemini.WithBaseURL(e.BaseURL),
			gemini.WithTranscription(e.BoolOption("transcription", true)),
		), nil
	})

	reg.RegisterLive("genai", func(e config.ProviderEntry) (live.Provider, error) {
		opts := []genai.Option{
			genai.WithModel(e.Model),
			genai.WithBaseURL(e.BaseURL),
			genai.WithTranscription(e.BoolOption("transcription", true)),
		}
		if project := e.StringOption("vertex_project"); project != "" {
			opts = append(opts, genai.WithVertexAI(project, e.StringOption("vertex_location")))
		}
		return genai.New(e.APIKey, opts...), nil
	})

	reg.RegisterLive("openai-realtime", func(e config.ProviderEntry) (live.Provider, error) {
		return openai.New(e.APIKey,
			openai.WithModel(e.Model),
			openai.WithBaseURL(e.BaseURL),
			openai.WithTranscription(e.BoolOption("transcription", true)),
		), nil
	})

	reg.RegisterAudio(config.BackendPortAudio, func(c config.AudioConfig) (audio.Device, error) {
		d, err := portaudio.Open(portaudio.WithFramesPerBuffer(c.OutputFramesPerBuffer))
		if err != nil {
			return nil, err
		}
		return d, nil
	})

	reg.RegisterAudio(config.BackendNone, func(c config.AudioConfig) (audio.Device, error) {
		return app.NewHeadless(c), nil
	})

	names := reg.LiveNames()
	slices.Sort(names)
	slog.Debug("registered live transports", "names", names)
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          parley: startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Transport", cfg.Provider.Name, cfg.Provider.Model)
	printRow("Audio", string(cfg.Audio.Backend), "")
	printRow("Language", cfg.Conversation.Language, "")
	printRow("Voice", cfg.Conversation.Voice, "")
	fmt.Printf("║  %-12s    : %-19d ║\n", "Stages", len(cfg.Conversation.Stages))
	if d := cfg.Conversation.AutoAdvance(); d > 0 {
		printRow("Auto-advance", d.String(), "")
	} else {
		printRow("Auto-advance", "(disabled)", "")
	}
	if cfg.Server.HTTPEnabled() {
		printRow("Listen addr", cfg.Server.ListenAddr, "")
	} else {
		printRow("Listen addr", "(disabled)", "")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, name, detail string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if detail != "" {
		value = name + " / " + detail
	}
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:18]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}
