// Package app wires the nlquery subsystems into a running HTTP service.
//
// The App struct owns the full lifecycle: New builds the budget manager and
// the HTTP routes, Run serves until the context is cancelled, and Shutdown
// drains in-flight requests and runs the registered closers.
//
// For testing, inject a listener or metrics instance via functional options
// (WithListener, WithMetrics). When an option is not provided, New derives
// the value from the config.
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

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/nlquery/internal/budget"
	"github.com/MrWong99/nlquery/internal/config"
	"github.com/MrWong99/nlquery/internal/health"
	"github.com/MrWong99/nlquery/internal/observe"
	"github.com/MrWong99/nlquery/internal/resilience"
	"github.com/MrWong99/nlquery/internal/server"
	"github.com/MrWong99/nlquery/pkg/provider/llm"
	"github.com/MrWong99/nlquery/pkg/tokenizer"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second
	warmTimeout       = 30 * time.Second
)

// Providers holds the external dependencies built by main.go from the config
// registry. Both fields are required.
type Providers struct {
	LLM       llm.Provider
	Tokenizer tokenizer.Tokenizer
}

// App owns the HTTP server and the budget manager behind it.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics  *observe.Metrics
	manager  *budget.Manager
	handler  http.Handler
	srv      *http.Server
	listener net.Listener

	// closers are called in order during Shutdown.
	closers []func(context.Context) error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics injects the metrics instance instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithListener makes Run serve on l instead of listening on the configured
// address.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// WithCloser registers fn to run during Shutdown, after the HTTP server has
// drained. Closers run in registration order.
func WithCloser(fn func(context.Context) error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg and the providers built by main.go.
//
// New resolves the model profiles, builds the budget manager, preloads
// tokenizer encodings for every configured deployment and assembles the
// HTTP routes. A failed warm-up is logged, not fatal: /readyz keeps
// reporting it until the encodings load.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config must not be nil")
	}
	if providers == nil || providers.LLM == nil || providers.Tokenizer == nil {
		return nil, errors.New("app: LLM and tokenizer providers are required")
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

	// ── 1. Model profiles ────────────────────────────────────────────────
	profiles, err := config.BuildProfiles(cfg)
	if err != nil {
		return nil, fmt.Errorf("app: build profiles: %w", err)
	}

	// ── 2. Budget manager ────────────────────────────────────────────────
	a.manager, err = budget.New(profiles, providers.Tokenizer, providers.LLM, budget.WithMetrics(a.metrics))
	if err != nil {
		return nil, fmt.Errorf("app: init budget manager: %w", err)
	}

	// ── 3. Tokenizer warm-up ─────────────────────────────────────────────
	a.warmTokenizer(ctx, profiles.Deployments())

	// ── 4. Routes ────────────────────────────────────────────────────────
	a.handler = a.buildHandler(profiles)

	a.srv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// warmTokenizer loads encodings up front so the first request does not pay
// for it.
func (a *App) warmTokenizer(ctx context.Context, deployments []string) {
	w, ok := a.providers.Tokenizer.(health.Warmer)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, warmTimeout)
	defer cancel()

	start := time.Now()
	if err := w.Warm(ctx, deployments...); err != nil {
		slog.Warn("tokenizer warm-up failed", "deployments", deployments, "err", err)
		return
	}
	slog.Info("tokenizer ready", "deployments", deployments, "took", time.Since(start))
}

// buildHandler assembles the API, health and metrics routes behind the
// observability middleware.
func (a *App) buildHandler(profiles *budget.Profiles) http.Handler {
	mux := http.NewServeMux()

	server.New(a.manager, profiles,
		server.WithRequestTimeout(a.cfg.Server.RequestTimeout),
	).Register(mux)

	var checks []health.Checker
	if w, ok := a.providers.Tokenizer.(health.Warmer); ok {
		checks = append(checks, health.TokenizerCheck(w, profiles.Deployments()))
	}
	if fb, ok := a.providers.LLM.(*resilience.LLMFallback); ok {
		checks = append(checks, health.BackendCheck(fb.States))
	}
	health.New(checks...).Register(mux)

	mux.Handle("GET /metrics", observe.MetricsHandler())

	return observe.Middleware(a.metrics)(mux)
}

// Handler returns the fully wired HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Manager returns the budget manager serving completion requests.
func (a *App) Manager() *budget.Manager { return a.manager }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and blocks until ctx is cancelled or the server fails.
//
// When ctx is done, Run stops accepting connections, waits up to
// [shutdownTimeout] for in-flight requests and returns ctx.Err().
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen on %q: %w", a.cfg.Server.ListenAddr, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return a.srv.Shutdown(shutdownCtx)
	})

	slog.Info("app running",
		"addr", ln.Addr().String(),
		"tls", a.cfg.Server.TLS != nil,
		"models", len(a.manager.Profiles().All()),
	)

	if err := g.Wait(); err != nil {
		return fmt.Errorf("app: serve: %w", err)
	}
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the HTTP server and runs the registered closers. It respects
// the context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.srv.Shutdown(ctx); err != nil {
			slog.Warn("http server shutdown error", "err", err)
			shutdownErr = err
			return
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(ctx); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
