// Package app wires all Rattil subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the HTTP API and loads the corpus, and Shutdown
// tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithCorpusSource, WithCorpusCache, etc.). When an option is not
// provided, New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tahfizlab/rattil/internal/config"
	"github.com/tahfizlab/rattil/internal/health"
	"github.com/tahfizlab/rattil/internal/match"
	"github.com/tahfizlab/rattil/internal/observe"
	"github.com/tahfizlab/rattil/internal/quran"
	"github.com/tahfizlab/rattil/internal/quran/store"
	"github.com/tahfizlab/rattil/internal/server"
	"github.com/tahfizlab/rattil/internal/session"
	"github.com/tahfizlab/rattil/pkg/provider/live"
	"github.com/tahfizlab/rattil/pkg/provider/transcribe"
)

// Providers holds one interface value per provider slot. Nil Live means
// the interim display channel is disabled. Populated by main.go via the
// config registry, with resilience fallbacks already applied.
type Providers struct {
	Live           live.Provider
	LiveName       string
	Transcribe      transcribe.Provider
	TranscriberName string
}

// App owns all subsystem lifetimes and serves the recitation API.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems — initialised in New, torn down in Shutdown.
	metrics    *observe.Metrics
	source     quran.Source
	cache      quran.Cache
	pg         *store.Store
	index      *quran.Index
	resolver   *match.Resolver
	controller *session.Controller
	httpSrv    *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithCorpusSource injects a verse source instead of the HTTP corpus client.
func WithCorpusSource(s quran.Source) Option {
	return func(a *App) { a.source = s }
}

// WithCorpusCache injects an edition cache instead of the Postgres store.
func WithCorpusCache(c quran.Cache) Option {
	return func(a *App) { a.cache = c }
}

// WithMetrics injects a metrics set instead of the process-wide default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers
// struct comes from main.go (populated via the config registry). Use
// Option functions to inject test doubles for any subsystem.
//
// The corpus itself is not fetched here; Run loads it in the background
// so startup is not gated on the corpus source being reachable.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Transcribe == nil {
		return nil, errors.New("app: a transcribe provider is required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}

	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Corpus source + cache ─────────────────────────────────────────
	if err := a.initCorpus(ctx); err != nil {
		return nil, fmt.Errorf("app: init corpus: %w", err)
	}

	// ── 2. Verse index + resolver ────────────────────────────────────────
	a.initIndex()

	// ── 3. Session controller ────────────────────────────────────────────
	if err := a.initController(); err != nil {
		return nil, fmt.Errorf("app: init controller: %w", err)
	}

	// ── 4. HTTP server ───────────────────────────────────────────────────
	if err := a.initServer(); err != nil {
		return nil, fmt.Errorf("app: init server: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initCorpus sets up the verse source and, when a DSN is configured, the
// Postgres edition cache.
func (a *App) initCorpus(ctx context.Context) error {
	if a.source == nil {
		var copts []quran.ClientOption
		if a.cfg.Corpus.BaseURL != "" {
			copts = append(copts, quran.WithBaseURL(a.cfg.Corpus.BaseURL))
		}
		if a.cfg.Corpus.Edition != "" {
			copts = append(copts, quran.WithEdition(a.cfg.Corpus.Edition))
		}
		a.source = quran.NewClient(copts...)
	}

	if a.cache == nil && a.cfg.Corpus.PostgresDSN != "" {
		pg, err := store.NewStore(ctx, a.cfg.Corpus.PostgresDSN)
		if err != nil {
			return fmt.Errorf("connect corpus store: %w", err)
		}
		a.pg = pg
		a.cache = pg
		a.closers = append(a.closers, func() error {
			pg.Close()
			return nil
		})
		slog.Info("corpus store connected")
	}

	return nil
}

// initIndex builds the (unloaded) verse index and the match resolver.
func (a *App) initIndex() {
	iopts := []quran.IndexOption{
		quran.WithThreshold(a.cfg.Match.Threshold),
		quran.WithMaxCandidates(a.cfg.Match.MaxCandidates),
	}
	if a.cache != nil {
		iopts = append(iopts, quran.WithCache(a.cache))
	}
	a.index = quran.NewIndex(a.source, iopts...)
	a.resolver = match.NewResolver(a.index)
}

// initController wires the session state machine to the providers.
func (a *App) initController() error {
	ctrl, err := session.NewController(session.Config{
		Live:            a.providers.Live,
		LiveName:        a.providers.LiveName,
		Transcriber:     a.providers.Transcribe,
		TranscriberName: a.providers.TranscriberName,
		Resolver:        a.resolver,
		SampleRate:      a.cfg.Audio.SampleRate,
		Channels:        a.cfg.Audio.Channels,
		Encoding:        a.cfg.Audio.Encoding,
		Language:        a.cfg.Audio.Language,
		MaxDuration:     a.cfg.Audio.MaxDuration.Std(),
		Metrics:         a.metrics,
	})
	if err != nil {
		return err
	}
	a.controller = ctrl
	return nil
}

// initServer assembles the HTTP handler with health probes and metrics.
func (a *App) initServer() error {
	checkers := []health.Checker{health.CorpusIndex(a.index)}
	if a.pg != nil {
		checkers = append(checkers, health.CorpusStore(a.pg))
	}

	srv, err := server.New(server.Config{
		Controller: a.controller,
		Health:     health.New(checkers...),
		Metrics:    a.metrics,
	})
	if err != nil {
		return err
	}

	a.httpSrv = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run loads the corpus in the background, serves the HTTP API, and blocks
// until ctx is cancelled or the listener fails. The service reports
// not-ready until the corpus load completes; matching before that resolves
// to a no-match outcome rather than an error.
func (a *App) Run(ctx context.Context) error {
	go a.loadCorpus(ctx)

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.httpSrv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("app running",
		"listen_addr", a.cfg.Server.ListenAddr,
		"tls", a.cfg.Server.TLS != nil,
	)

	select {
	case err := <-errCh:
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// loadCorpus fetches and indexes the verse corpus, retrying with backoff
// until it succeeds or ctx is cancelled.
func (a *App) loadCorpus(ctx context.Context) {
	backoff := time.Second
	for {
		start := time.Now()
		err := a.index.Load(ctx)
		if err == nil {
			elapsed := time.Since(start)
			a.metrics.CorpusLoadDuration.Record(ctx, elapsed.Seconds())
			slog.Info("corpus index loaded",
				"verses", a.index.Len(),
				"duration", elapsed,
			)
			return
		}
		if ctx.Err() != nil {
			return
		}

		slog.Error("corpus load failed; retrying", "err", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// Controller exposes the session controller, mainly for tests.
func (a *App) Controller() *session.Controller { return a.controller }

// Index exposes the verse index, mainly for tests and readiness checks.
func (a *App) Index() *quran.Index { return a.index }

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers
// are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		// Stop accepting new requests first.
		if a.httpSrv != nil {
			if err := a.httpSrv.Shutdown(ctx); err != nil {
				slog.Warn("http shutdown error", "err", err)
			}
		}

		// Run closers in order.
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
