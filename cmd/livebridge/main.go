// Command livebridge streams captured audio to the Gemini Live API and serves
// the resulting transcripts and speech.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/livebridge/internal/app"
	"github.com/MrWong99/livebridge/internal/auth"
	"github.com/MrWong99/livebridge/internal/config"
	"github.com/MrWong99/livebridge/internal/observe"
	"github.com/MrWong99/livebridge/pkg/audio"
	"github.com/MrWong99/livebridge/pkg/audio/media"
	"github.com/MrWong99/livebridge/pkg/audio/mic"
	"github.com/MrWong99/livebridge/pkg/audio/playback"
	"github.com/MrWong99/livebridge/pkg/provider/s2s"
	"github.com/MrWong99/livebridge/pkg/provider/s2s/gemini"
)

// version is set at build time via -ldflags.
var version = "dev"

const defaultConfigPath = "config.yaml"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", defaultConfigPath, "path to the YAML configuration file")
	envFile := flag.String("env-file", ".env", "optional .env file with GEMINI_* credentials")
	runKind := flag.String("run", "", "start one session (media or talk) and print transcripts instead of serving HTTP")
	location := flag.String("media", "", "media file or URL to transcribe; overrides capture.media.location")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	switch {
	case errors.Is(err, os.ErrNotExist) && *configPath == defaultConfigPath:
		cfg = config.Default()
	case err != nil:
		fmt.Fprintf(os.Stderr, "livebridge: %v\n", err)
		return 1
	}
	if *location != "" {
		cfg.Capture.Media.Location = *location
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.Server.LogLevel))
	slog.Info("livebridge starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Credentials ───────────────────────────────────────────────────────────
	creds, err := auth.Load(ctx, auth.WithDotEnv(*envFile), auth.WithAPIKey(cfg.Live.APIKey))
	if err != nil {
		slog.Error("failed to load credentials", "err", err)
		return 1
	}
	if !creds.IsAuthenticated() {
		slog.Warn("no credentials configured; sessions will fail until GEMINI_API_KEY or GEMINI_ACCESS_TOKEN is set",
			"auth_type", creds.Type())
	}

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		LiveProvider:   cfg.Live.Provider,
		APIVersion:     cfg.Live.APIVersion,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	// ── Registry ──────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltins(reg, creds)

	application, err := app.New(cfg, reg, creds,
		app.WithMetrics(observe.DefaultMetrics()),
		app.WithMetricsHandler(promhttp.Handler()),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if *runKind != "" {
		return runOnce(ctx, application, app.Kind(*runKind))
	}

	slog.Info("server ready, press Ctrl+C to shut down")
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// runOnce starts a single session and prints its transcript to stdout until
// the session ends or ctx is cancelled.
func runOnce(ctx context.Context, application *app.App, kind app.Kind) int {
	events, cancelSub := application.Hub().Subscribe()
	defer cancelSub()

	if _, err := application.Sessions().Start(ctx, kind); err != nil {
		slog.Error("failed to start session", "kind", kind, "err", err)
		return 1
	}

	code := 0
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case ev, ok := <-events:
			if !ok {
				break loop
			}
			switch ev.Type {
			case app.EventTranscript:
				fmt.Print(ev.Text)
			case app.EventTurnComplete:
				fmt.Println()
			case app.EventServerError:
				fmt.Fprintf(os.Stderr, "server error: %s\n", ev.Text)
			case app.EventSessionClose:
				if ev.Cause != "stopped" && ev.Cause != "source_ended" {
					slog.Warn("session ended", "kind", ev.Kind, "cause", ev.Cause)
					code = 1
				}
				break loop
			}
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	return code
}

// ── Factory wiring ────────────────────────────────────────────────────────────

// registerBuiltins wires the built-in sources, sinks and live provider into
// reg. The live factory reads creds on every call so keys rotated at runtime
// take effect on the next session.
func registerBuiltins(reg *config.Registry, creds *auth.Manager) {
	reg.RegisterSource("media", func(cfg config.CaptureConfig) (audio.Source, error) {
		if cfg.Media.Location == "" {
			return nil, fmt.Errorf("capture.media.location is not set: %w", audio.ErrNoAudioSource)
		}
		return media.New(cfg.Media.Location), nil
	})

	reg.RegisterSource("microphone", func(cfg config.CaptureConfig) (audio.Source, error) {
		return mic.New(mic.WithFramesPerBuffer(cfg.Mic.FramesPerBuffer)), nil
	})

	reg.RegisterSink("speaker", func(cfg config.PlaybackConfig) (audio.Sink, error) {
		sched, err := playback.Speaker(cfg.SampleRate, time.Duration(cfg.BufferMS)*time.Millisecond)
		if err != nil {
			return nil, err
		}
		return playback.New(sched), nil
	})

	reg.RegisterLive(config.DefaultLiveProvider, func(cfg config.LiveConfig) (s2s.Dialer, error) {
		opts := []gemini.Option{
			gemini.WithAPIVersion(cfg.APIVersion),
			gemini.WithHTTPHeader(creds.AuthHeaders()),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(cfg.BaseURL))
		}
		if cfg.Model != "" {
			opts = append(opts, gemini.WithModel(cfg.Model))
		}
		return gemini.New(cfg.APIKey, opts...), nil
	})

	for kind, names := range config.ValidNames {
		for _, name := range names {
			slog.Debug("registered factory", "kind", kind, "name", name)
		}
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
