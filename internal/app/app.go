// Package app wires the consultation subsystems into a running server.
//
// The App struct owns the full lifecycle: New connects the export stores,
// builds the language-model client and the first session, Run serves HTTP,
// and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithMetrics, ...). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"reflect"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/consultflow/internal/assistant"
	"github.com/MrWong99/consultflow/internal/config"
	"github.com/MrWong99/consultflow/internal/events/kafkapub"
	"github.com/MrWong99/consultflow/internal/export"
	"github.com/MrWong99/consultflow/internal/export/pgstore"
	"github.com/MrWong99/consultflow/internal/export/redisstore"
	"github.com/MrWong99/consultflow/internal/health"
	"github.com/MrWong99/consultflow/internal/observe"
	"github.com/MrWong99/consultflow/internal/server"
	"github.com/MrWong99/consultflow/internal/session"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	store     export.Store
	publisher *kafkapub.Publisher
	metrics   *observe.Metrics
	scrape    http.Handler
	assistant *assistant.Client
	sessions  *SessionManager
	handler   http.Handler

	// mu guards cfg and httpSrv, which Reload and Shutdown touch from
	// other goroutines.
	mu      sync.Mutex
	httpSrv *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects an export store instead of connecting the configured
// ones.
func WithStore(s export.Store) Option {
	return func(a *App) { a.store = s }
}

// WithPublisher injects an event publisher instead of creating one from
// config.
func WithPublisher(p *kafkapub.Publisher) Option {
	return func(a *App) { a.publisher = p }
}

// WithMetrics injects the metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithScrapeHandler replaces the Prometheus /metrics handler.
func WithScrapeHandler(h http.Handler) Option {
	return func(a *App) { a.scrape = h }
}

// New creates an App by wiring all subsystems together. providers comes from
// [BuildProviders].
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
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
	if a.scrape == nil {
		a.scrape = promhttp.Handler()
	}

	if err := a.initStore(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init export store: %w", err)
	}

	if a.publisher == nil {
		a.publisher = kafkapub.New(cfg.Kafka.PublisherConfig())
	}
	a.closers = append(a.closers, a.publisher.Close)

	a.initAssistant()

	if err := a.initSessions(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init sessions: %w", err)
	}

	a.initServer()
	return a, nil
}

// initStore connects every configured export store. Several stores are
// combined so that each record reaches all of them.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	ec := a.cfg.Export
	format, err := export.ParseFormat(ec.Format)
	if err != nil {
		return err
	}

	var stores export.Multi
	if ec.Directory != "" {
		d, err := export.NewDirStore(ec.Directory, format)
		if err != nil {
			return err
		}
		stores = append(stores, d)
		slog.Info("export store ready", "kind", "directory", "dir", ec.Directory, "format", format)
	}
	if ec.PostgresDSN != "" {
		pg, err := pgstore.New(ctx, ec.PostgresDSN)
		if err != nil {
			stores.Close()
			return err
		}
		stores = append(stores, pg)
		slog.Info("export store ready", "kind", "postgres")
	}
	if rc := ec.Redis; rc.Addr != "" {
		rs, err := redisstore.Dial(ctx, rc.Addr, rc.Password, rc.DB,
			redisstore.WithPrefix(rc.Prefix),
			redisstore.WithTTL(rc.TTL))
		if err != nil {
			stores.Close()
			return err
		}
		stores = append(stores, rs)
		slog.Info("export store ready", "kind", "redis", "addr", rc.Addr)
	}

	switch len(stores) {
	case 0:
		return nil
	case 1:
		a.store = stores[0]
	default:
		a.store = stores
	}
	a.closers = append(a.closers, a.store.Close)
	return nil
}

func (a *App) initAssistant() {
	if a.providers.LLM == nil {
		return
	}
	opts := []assistant.Option{
		assistant.WithRetry(a.cfg.Retry.RetryPolicy()),
		assistant.WithMetrics(a.metrics),
	}
	if a.providers.LLMBreaker != nil {
		opts = append(opts, assistant.WithBreaker(a.providers.LLMBreaker))
	}
	a.assistant = assistant.New(a.providers.LLM, opts...)
}

func (a *App) sessionDeps() session.Deps {
	d := session.Deps{
		Engines:   a.providers.Engines,
		Diarizer:  a.providers.Diarizer,
		Store:     a.store,
		Publisher: a.publisher,
		Metrics:   a.metrics,
	}
	if a.assistant != nil {
		d.Assistant = a.assistant
	}
	return d
}

func (a *App) initSessions() error {
	sm, err := NewSessionManager(a.cfg.SessionConfig(), a.sessionDeps())
	if err != nil {
		return err
	}
	a.sessions = sm
	// The session manager closes before the stores and the publisher it
	// writes to.
	a.closers = append([]func() error{sm.Close}, a.closers...)
	return nil
}

func (a *App) initServer() {
	checkers := []health.Checker{
		health.BreakerChecker("llm", a.providers.LLMBreakers...),
		health.BreakerChecker("stt", a.providers.STTBreakers...),
	}
	opts := []server.Option{
		server.WithMetrics(a.metrics),
		server.WithScrapeHandler(a.scrape),
		server.WithOriginPatterns(a.cfg.Server.AllowedOrigins...),
	}
	if a.store != nil {
		checkers = append(checkers, health.PingChecker("export", a.store))
		opts = append(opts, server.WithStore(a.store))
	}
	opts = append(opts, server.WithHealth(health.New(checkers...)))
	a.handler = server.New(a.sessions, opts...)
}

// Handler returns the HTTP surface.
func (a *App) Handler() http.Handler { return a.handler }

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Reload stages cfg for the next consultation. Settings outside the session
// (providers, stores, listener) need a restart and are only reported.
func (a *App) Reload(cfg *config.Config) {
	a.mu.Lock()
	defer a.mu.Unlock()
	d := config.Diff(a.cfg, cfg)
	for _, s := range []string{"server", "providers", "export", "kafka", "retry", "breaker"} {
		if d.Has(s) && !(s == "server" && onlyLogLevel(a.cfg, cfg)) {
			slog.Warn("config reload: section requires a restart to take effect", "section", s)
		}
	}
	a.sessions.UpdateConfig(cfg.SessionConfig())
	a.cfg = cfg
}

func onlyLogLevel(old, new *config.Config) bool {
	o, n := old.Server, new.Server
	o.LogLevel = n.LogLevel
	return reflect.DeepEqual(o, n)
}

// Run serves HTTP until ctx is cancelled. It returns nil after a clean stop.
func (a *App) Run(ctx context.Context) error {
	a.mu.Lock()
	addr := a.cfg.Server.ListenAddr
	a.mu.Unlock()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves HTTP on ln until ctx is cancelled.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	a.mu.Lock()
	a.httpSrv = srv
	tls := a.cfg.Server.TLS
	a.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if tls != nil {
			errCh <- srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
			return
		}
		errCh <- srv.Serve(ln)
	}()
	slog.Info("app running", "addr", ln.Addr().String(), "tls", tls != nil)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// Shutdown stops the HTTP server and tears down all subsystems in order. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		a.mu.Lock()
		srv := a.httpSrv
		a.mu.Unlock()
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				slog.Warn("http shutdown error", "err", err)
			}
		}

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

// closeAll releases what New opened before failing.
func (a *App) closeAll() {
	for _, c := range a.closers {
		_ = c()
	}
	a.closers = nil
}
