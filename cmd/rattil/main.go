// Command rattil is the main entry point for the Rattil recitation server.
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

	"github.com/tahfizlab/rattil/internal/app"
	"github.com/tahfizlab/rattil/internal/config"
	"github.com/tahfizlab/rattil/internal/observe"
	"github.com/tahfizlab/rattil/internal/resilience"
	"github.com/tahfizlab/rattil/pkg/provider/live"
	livedeepgram "github.com/tahfizlab/rattil/pkg/provider/live/deepgram"
	"github.com/tahfizlab/rattil/pkg/provider/live/whispernative"
	"github.com/tahfizlab/rattil/pkg/provider/transcribe"
	oatranscribe "github.com/tahfizlab/rattil/pkg/provider/transcribe/openai"
	"github.com/tahfizlab/rattil/pkg/provider/transcribe/whisper"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "rattil: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "rattil: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logLevel := new(slog.LevelVar)
	logLevel.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("rattil starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "rattil",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			logLevel.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level updated", "level", d.NewLogLevel)
		}
		if d.MatchChanged {
			slog.Warn("match settings changed on disk; they apply after restart",
				"threshold", d.NewMatch.Threshold,
				"max_candidates", d.NewMatch.MaxCandidates,
			)
		}
		if d.RestartRequired {
			slog.Warn("config changes require a restart to take effect")
		}
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// builtinProviders maps provider category names to the implementations that
// ship with Rattil. Used for startup logging.
var builtinProviders = map[string][]string{
	"live":       {"deepgram", "whisper-native"},
	"transcribe": {"whisper", "openai"},
}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Live recognition ──────────────────────────────────────────────────────

	reg.RegisterLive("deepgram", func(entry config.ProviderEntry) (live.Provider, error) {
		var opts []livedeepgram.Option
		if entry.Model != "" {
			opts = append(opts, livedeepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, livedeepgram.WithLanguage(lang))
		}
		return livedeepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterLive("whisper-native", func(entry config.ProviderEntry) (live.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whispernative.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whispernative.WithLanguage(lang))
		}
		return whispernative.New(modelPath, opts...)
	})

	// ── Transcription ─────────────────────────────────────────────────────────

	reg.RegisterTranscribe("whisper", func(entry config.ProviderEntry) (transcribe.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterTranscribe("openai", func(entry config.ProviderEntry) (transcribe.Provider, error) {
		var opts []oatranscribe.Option
		if entry.Model != "" {
			opts = append(opts, oatranscribe.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oatranscribe.WithBaseURL(entry.BaseURL))
		}
		return oatranscribe.New(entry.APIKey, opts...)
	})

	// Debug log of all registered providers.
	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates the providers named in cfg using the registry,
// wraps them with their configured fallbacks, and returns them in an
// [app.Providers] struct for the application to consume.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	if name := cfg.Providers.Live.Name; name != "" {
		p, err := reg.CreateLive(cfg.Providers.Live)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not yet implemented — skipping", "kind", "live", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create live provider %q: %w", name, err)
		} else {
			ps.Live = wrapLiveFallbacks(p, cfg.Providers.Live, reg)
			ps.LiveName = name
			slog.Info("provider created", "kind", "live", "name", name)
		}
	}

	if name := cfg.Providers.Transcribe.Name; name != "" {
		p, err := reg.CreateTranscribe(cfg.Providers.Transcribe)
		if err != nil {
			return nil, fmt.Errorf("create transcribe provider %q: %w", name, err)
		}
		ps.Transcribe = wrapTranscribeFallbacks(p, cfg.Providers.Transcribe, reg)
		ps.TranscriberName = name
		slog.Info("provider created", "kind", "transcribe", "name", name)
	}

	return ps, nil
}

// wrapLiveFallbacks wraps primary with a fallback chain when the entry
// configures one. Fallbacks that fail to construct are skipped with a
// warning rather than aborting startup.
func wrapLiveFallbacks(primary live.Provider, entry config.ProviderEntry, reg *config.Registry) live.Provider {
	if len(entry.Fallbacks) == 0 {
		return primary
	}
	fb := resilience.NewLiveFallback(primary, entry.Name, resilience.FallbackConfig{})
	for _, fe := range entry.Fallbacks {
		p, err := reg.CreateLive(fe)
		if err != nil {
			slog.Warn("skipping live fallback", "name", fe.Name, "err", err)
			continue
		}
		fb.AddFallback(fe.Name, p)
		slog.Info("fallback registered", "kind", "live", "name", fe.Name)
	}
	return fb
}

// wrapTranscribeFallbacks mirrors wrapLiveFallbacks for transcription.
func wrapTranscribeFallbacks(primary transcribe.Provider, entry config.ProviderEntry, reg *config.Registry) transcribe.Provider {
	if len(entry.Fallbacks) == 0 {
		return primary
	}
	fb := resilience.NewTranscribeFallback(primary, entry.Name, resilience.FallbackConfig{})
	for _, fe := range entry.Fallbacks {
		p, err := reg.CreateTranscribe(fe)
		if err != nil {
			slog.Warn("skipping transcribe fallback", "name", fe.Name, "err", err)
			continue
		}
		fb.AddFallback(fe.Name, p)
		slog.Info("fallback registered", "kind", "transcribe", "name", fe.Name)
	}
	return fb
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Rattil — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Live", cfg.Providers.Live.Name, cfg.Providers.Live.Model)
	printProvider("Transcribe", cfg.Providers.Transcribe.Name, cfg.Providers.Transcribe.Model)
	if cfg.Corpus.PostgresDSN != "" {
		fmt.Printf("║  Corpus cache    : %-19s ║\n", "postgres")
	} else {
		fmt.Printf("║  Corpus cache    : %-19s ║\n", "(disabled)")
	}
	fmt.Printf("║  Edition         : %-19s ║\n", orDefault(cfg.Corpus.Edition, "quran-simple"))
	fmt.Printf("║  Threshold       : %-19.2f ║\n", cfg.Match.Threshold)
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

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

// ── Helpers ───────────────────────────────────────────────────────────────────

// orDefault returns s, or def when s is empty.
func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
