// Package app wires the parley subsystems into a running client.
//
// New builds the session controller and HTTP surface from a loaded config,
// a live transport and an audio device. Run drives everything under one
// errgroup until ctx is cancelled, and Shutdown releases the device.
//
// For testing, pass mock transports and devices to New and inject the
// observability pieces via functional options.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/api"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/live"
)

// shutdownGrace bounds how long the HTTP server waits for in-flight requests.
const shutdownGrace = 5 * time.Second

// Driver is implemented by devices that need a goroutine to advance their
// clock, such as the headless backend.
type Driver interface {
	Run(ctx context.Context) error
}

// App owns the controller, the HTTP server and the device lifetime.
type App struct {
	cfg    *config.Config
	device audio.Device
	ctrl   *session.Controller
	api    *api.Server

	watcher        *config.Watcher
	level          *slog.LevelVar
	metrics        *observe.Metrics
	metricsHandler http.Handler
	log            *slog.Logger
	afterFunc      session.AfterFunc

	// closers are called in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithWatcher runs w alongside the controller and applies its reloads.
func WithWatcher(w *config.Watcher) Option {
	return func(a *App) { a.watcher = w }
}

// WithLevelVar lets reloads change the log level of the handler using lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithMetrics injects the instrument set. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler replaces the /metrics handler. Defaults to
// [promhttp.Handler].
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithAfterFunc replaces the auto-advance timer source.
func WithAfterFunc(f session.AfterFunc) Option {
	return func(a *App) { a.afterFunc = f }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New builds an App. The device is closed by Shutdown.
func New(cfg *config.Config, provider live.Provider, device audio.Device, opts ...Option) (*App, error) {
	a := &App{
		cfg:    cfg,
		device: device,
	}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsHandler == nil {
		a.metricsHandler = promhttp.Handler()
	}

	ctrl, err := session.New(session.Config{
		Provider:         provider,
		ProviderName:     cfg.Provider.Name,
		Input:            device,
		Output:           device,
		Stages:           cfg.Conversation.Stages,
		AutoAdvanceAfter: cfg.Conversation.AutoAdvance(),
		Instructions:     cfg.Conversation.Instructions,
		Defaults:         defaultsOf(cfg),
		Metrics:          a.metrics,
		Logger:           a.log,
		AfterFunc:        a.afterFunc,
	})
	if err != nil {
		return nil, fmt.Errorf("app: init session controller: %w", err)
	}
	a.ctrl = ctrl
	a.api = api.New(ctrl, api.WithLogger(a.log))
	a.closers = append(a.closers, device.Close)
	return a, nil
}

// Controller returns the session controller.
func (a *App) Controller() *session.Controller { return a.ctrl }

// Handler returns the full HTTP surface: API routes, probes and /metrics,
// instrumented with request spans and durations.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.api.Register(mux)
	mux.Handle("GET /metrics", a.metricsHandler)
	return observe.Middleware(a.metrics)(mux)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the controller loop, the device driver, the config watcher and
// the HTTP server, and blocks until ctx is cancelled or one of them fails.
// A cancelled ctx is not an error.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.ctrl.Run(gctx) })

	if d, ok := a.device.(Driver); ok {
		g.Go(func() error { return d.Run(gctx) })
	}
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}
	if a.cfg.Server.HTTPEnabled() {
		a.serveHTTP(gctx, g)
	}
	if a.cfg.Conversation.AutoOpen {
		g.Go(func() error {
			if err := a.ctrl.Open(gctx, session.Profile{}); err != nil && gctx.Err() == nil {
				return fmt.Errorf("app: auto open: %w", err)
			}
			return nil
		})
	}

	a.log.Info("parley running",
		"provider", a.cfg.Provider.Name,
		"http", a.cfg.Server.HTTPEnabled(),
		"auto_open", a.cfg.Conversation.AutoOpen,
	)
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) serveHTTP(ctx context.Context, g *errgroup.Group) {
	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of a config change. It is the
// callback handed to [config.NewWatcher].
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.SlogLevel())
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.DefaultsChanged {
		a.ctrl.SetDefaults(defaultsOf(new))
		a.log.Info("session defaults changed; applied on next open",
			"language", d.NewLanguage,
			"voice", d.NewVoice,
		)
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config changes need a restart to take effect", "fields", d.RestartRequired)
	}
}

func defaultsOf(cfg *config.Config) session.Profile {
	return session.Profile{
		Language: cfg.Conversation.Language,
		Voice:    cfg.Conversation.Voice,
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown runs the closers in order. If ctx expires first the remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
