// Package app wires the voxcap subsystems into a running service.
//
// The App struct owns the full lifecycle: New builds the job manager, the
// whisper client, the dispatcher, the optional transcript archive and the
// HTTP surface; Run serves HTTP and drives the background loops; Shutdown
// tears everything down in order.
//
// For testing, inject doubles via functional options (WithSink, WithMetrics,
// WithClientOptions). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxcap/internal/api"
	"github.com/MrWong99/voxcap/internal/archive"
	"github.com/MrWong99/voxcap/internal/config"
	"github.com/MrWong99/voxcap/internal/dispatch"
	"github.com/MrWong99/voxcap/internal/health"
	"github.com/MrWong99/voxcap/internal/jobs"
	"github.com/MrWong99/voxcap/internal/observe"
	"github.com/MrWong99/voxcap/pkg/whisperapi"
)

const (
	// CleanupInterval is how often finished jobs older than
	// state.cleanup_max_age_hours are dropped.
	CleanupInterval = time.Hour

	shutdownGrace = 10 * time.Second
)

// App owns all subsystem lifetimes of `voxcap serve`.
type App struct {
	cfg   *config.Config
	level *slog.LevelVar

	metrics        *observe.Metrics
	metricsHandler http.Handler
	client         *whisperapi.Client
	clientOpts     []whisperapi.Option
	manager        *jobs.Manager
	dispatcher     *dispatch.Dispatcher
	sink           archive.Sink
	checkers       []health.Checker

	listener net.Listener
	server   *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithSink injects a transcript archive instead of opening one from
// archive.postgres_dsn.
func WithSink(s archive.Sink) Option {
	return func(a *App) { a.sink = s }
}

// WithMetrics sets the metrics instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithTelemetry uses the instruments of tel and serves its registry on
// /metrics instead of the default Prometheus registry.
func WithTelemetry(tel *observe.Telemetry) Option {
	return func(a *App) {
		a.metrics = tel.Metrics
		a.metricsHandler = tel.Handler()
	}
}

// WithLogLevel lets config reloads adjust the level of the process logger.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithClientOptions appends options to the whisper client built from config.
func WithClientOptions(opts ...whisperapi.Option) Option {
	return func(a *App) { a.clientOpts = append(a.clientOpts, opts...) }
}

// ─── Construction helpers ────────────────────────────────────────────────────

// NewManager builds a job manager from cfg and registers the configured
// servers.
func NewManager(cfg *config.Config, met *observe.Metrics) *jobs.Manager {
	m := jobs.NewManager(cfg.State.Path,
		jobs.WithMaxRetries(cfg.Dispatch.RetryBudget()),
		jobs.WithMetrics(met),
	)
	for _, s := range cfg.Dispatch.Servers {
		m.RegisterServer(s)
	}
	return m
}

// NewClient builds the whisper HTTP client from cfg.
func NewClient(cfg *config.Config, extra ...whisperapi.Option) *whisperapi.Client {
	opts := []whisperapi.Option{
		whisperapi.WithUploadTimeout(cfg.Dispatch.UploadTimeout),
		whisperapi.WithStatusTimeout(cfg.Dispatch.StatusTimeout),
	}
	return whisperapi.New(append(opts, extra...)...)
}

// DispatchConfig maps cfg onto the dispatcher tunables.
func DispatchConfig(cfg *config.Config) dispatch.Config {
	d := cfg.Dispatch
	out := dispatch.DefaultConfig()
	out.MaxWait = d.MaxWait
	out.PostSubmitDelay = d.PostSubmitDelay
	out.NotFoundRetries = d.NotFoundRetries
	out.Translate = d.Translate
	out.WordTimestamps = d.WordTimestamps
	out.Cleanup = d.CleanupEnabled()
	return out
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App and binds its listener. Nothing runs until [App.Run].
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	a.manager = NewManager(cfg, a.metrics)
	a.client = NewClient(cfg, a.clientOpts...)

	if err := a.initArchive(ctx); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init archive: %w", err)
	}

	dopts := []dispatch.Option{
		dispatch.WithConfig(DispatchConfig(cfg)),
		dispatch.WithMetrics(a.metrics),
	}
	if a.sink != nil {
		dopts = append(dopts, dispatch.WithSink(a.sink))
	}
	a.dispatcher = dispatch.New(a.manager, a.client, dopts...)

	ln, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: listen %s: %w", cfg.Server.ListenAddr, err)
	}
	a.listener = ln
	a.server = &http.Server{
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("app: initialised",
		"listen_addr", ln.Addr().String(),
		"servers", a.manager.ServerCount(),
		"state_path", cfg.State.Path,
		"archive", a.sink != nil,
	)
	return a, nil
}

func (a *App) initArchive(ctx context.Context) error {
	if a.sink != nil || a.cfg.Archive.PostgresDSN == "" {
		return nil
	}
	pg, err := archive.OpenPostgres(ctx, a.cfg.Archive.PostgresDSN)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error { pg.Close(); return nil })
	a.checkers = append(a.checkers, health.Pinger("archive", pg.Ping))
	a.sink = archive.Guard(pg, archive.GuardConfig{})
	return nil
}

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()

	checkers := append([]health.Checker{health.ServerPool(a.manager.HealthyServers)}, a.checkers...)
	health.New(checkers...).Register(mux)

	apiOpts := []api.Option{api.WithServerInfo(a.client)}
	if l, ok := a.sink.(archive.Lister); ok {
		apiOpts = append(apiOpts, api.WithTranscripts(l))
	}
	api.New(a.manager, a.dispatcher, apiOpts...).Register(mux)

	if a.metricsHandler == nil {
		a.metricsHandler = promhttp.Handler()
	}
	mux.Handle("GET /metrics", a.metricsHandler)
	return observe.Middleware(a.metrics)(mux)
}

// Addr returns the bound listen address.
func (a *App) Addr() string { return a.listener.Addr().String() }

// Manager returns the job manager.
func (a *App) Manager() *jobs.Manager { return a.manager }

// Dispatcher returns the dispatcher.
func (a *App) Dispatcher() *dispatch.Dispatcher { return a.dispatcher }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and runs the health check and cleanup loops until ctx is
// cancelled or one of them fails. A cancelled ctx is not an error.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.server.Serve(a.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return a.server.Shutdown(sctx)
	})
	g.Go(func() error {
		return a.manager.RunHealthChecks(gctx, a.client, a.cfg.Dispatch.HealthCheckInterval)
	})
	g.Go(func() error {
		return a.runCleanup(gctx)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (a *App) runCleanup(ctx context.Context) error {
	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.manager.CleanupOldJobs(a.cfg.State.CleanupMaxAge())
		}
	}
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable part of a config change. Added
// servers are registered; removed servers stay registered and are merely
// logged since the health registry never forgets a server.
func (a *App) ApplyConfig(old, next *config.Config) {
	d := config.Diff(old, next)
	if d.Empty() {
		return
	}
	for _, s := range d.ServersAdded {
		if a.manager.RegisterServer(s) {
			slog.Info("app: server added", "server", s)
		}
	}
	for _, s := range d.ServersRemoved {
		slog.Warn("app: server removed from config but stays registered until restart", "server", s)
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.SlogLevel())
		slog.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("app: config changes need a restart to take effect", "keys", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown releases everything New acquired. It respects the context
// deadline: if ctx expires first, remaining closers are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("app: shutting down", "closers", len(a.closers))
		if err := a.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("app: http shutdown", "err", err)
		}
		if err := a.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			slog.Warn("app: close listener", "err", err)
		}
		for i, closer := range a.closers {
			if err := ctx.Err(); err != nil {
				slog.Warn("app: shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = err
				return
			}
			if err := closer(); err != nil {
				slog.Warn("app: closer error", "index", i, "err", err)
			}
		}
		slog.Info("app: shutdown complete")
	})
	return shutdownErr
}

func (a *App) runClosers() {
	for _, c := range a.closers {
		_ = c()
	}
}
