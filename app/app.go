// Package app wires configuration, logging, metrics, tracing and the engine
// into a runnable server with graceful shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/searchktools/dispatch-server/config"
	"github.com/searchktools/dispatch-server/core"
	"github.com/searchktools/dispatch-server/core/middleware"
	"github.com/searchktools/dispatch-server/core/observability"
	"github.com/searchktools/dispatch-server/core/pools"
	"github.com/searchktools/dispatch-server/logging"
)

// App is the application instance
type App struct {
	cfg       config.Config
	logger    zerolog.Logger
	logCloser io.Closer

	engine   *core.Engine
	registry *prometheus.Registry
	limiter  *middleware.RateLimiter
	watcher  *config.Watcher

	mu    sync.Mutex
	hooks []func(context.Context) error
}

// Option configures an App
type Option func(*App)

// WithLogger replaces the logger built from the log section
func WithLogger(l zerolog.Logger) Option {
	return func(a *App) {
		a.logger = l
	}
}

// New creates an application instance from cfg. Routes are registered on
// Engine() before Run.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a := &App{cfg: cfg}
	logger, closer, err := logging.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	a.logger, a.logCloser = logger, closer
	for _, opt := range opts {
		opt(a)
	}
	if err := logging.SetLevel(cfg.Log.Level); err != nil {
		return nil, err
	}
	a.OnShutdown(func(context.Context) error {
		return a.logCloser.Close()
	})

	if cfg.Runtime != (pools.GCConfig{}) {
		prev := pools.ApplyGCConfig(cfg.Runtime)
		a.logger.Info().
			Int("gc_percent", cfg.Runtime.GCPercent).
			Int64("memory_limit", cfg.Runtime.MemoryLimit).
			Msg("gc tuning applied")
		a.OnShutdown(func(context.Context) error {
			pools.RestoreGCConfig(prev)
			return nil
		})
	}

	tp, shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, logging.Component(a.logger, "tracing"))
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.OnShutdown(shutdownTracing)

	a.registry = observability.NewRegistry()
	metrics, err := observability.NewMetrics(a.registry)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	a.engine = core.NewEngine(cfg.EngineConfig(),
		core.WithLogger(logging.Component(a.logger, "engine")),
		core.WithMetrics(metrics),
	)
	a.OnShutdown(a.engine.Shutdown)
	if err := a.registry.Register(observability.NewDispatchCollector(a.engine.Dispatcher().Stats)); err != nil {
		return nil, fmt.Errorf("register dispatcher metrics: %w", err)
	}
	if err := observability.RegisterBufferPool(a.registry, pools.GetBufferStats); err != nil {
		return nil, err
	}

	a.limiter = middleware.NewRateLimiter(0, 0)
	a.applyRateLimit(cfg.RateLimit)

	a.engine.Use(
		middleware.RequestID(),
		middleware.Tracing(tp),
		middleware.Recovery(logging.Component(a.logger, "recovery")),
	)
	if len(cfg.CORS.AllowedOrigins) > 0 {
		a.engine.Use(middleware.CORS(cfg.CORS))
	}
	a.engine.Use(a.limiter.Middleware())

	return a, nil
}

// Engine returns the underlying engine for route registration
func (a *App) Engine() *core.Engine {
	return a.engine
}

// Registry returns the Prometheus registry served on the metrics listener
func (a *App) Registry() *prometheus.Registry {
	return a.registry
}

// Logger returns the application logger
func (a *App) Logger() *zerolog.Logger {
	return &a.logger
}

// Config returns the configuration the app was started with
func (a *App) Config() config.Config {
	return a.cfg
}

// OnShutdown registers a hook. Hooks run in reverse registration order.
func (a *App) OnShutdown(hook func(context.Context) error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hooks = append(a.hooks, hook)
}

// Watch reloads the configuration file on change and applies the settings
// that can change at runtime: log level and rate limit.
func (a *App) Watch(loader *config.Loader) error {
	w, err := config.NewWatcher(loader, config.WithWatcherLogger(logging.Component(a.logger, "config")))
	if err != nil {
		return err
	}
	w.OnChange(a.Reload)
	if err := w.Start(); err != nil {
		return err
	}
	a.watcher = w
	a.OnShutdown(func(context.Context) error {
		return w.Stop()
	})
	return nil
}

// Reload applies the runtime-adjustable parts of cfg
func (a *App) Reload(cfg config.Config) {
	if err := logging.SetLevel(cfg.Log.Level); err != nil {
		a.logger.Error().Err(err).Msg("log level not changed")
	}
	a.applyRateLimit(cfg.RateLimit)
	a.logger.Info().
		Str("log_level", cfg.Log.Level).
		Bool("rate_limit", cfg.RateLimit.Enabled).
		Float64("rps", cfg.RateLimit.RPS).
		Int("burst", cfg.RateLimit.Burst).
		Msg("runtime settings applied")
}

func (a *App) applyRateLimit(rl config.RateLimitConfig) {
	if rl.Enabled {
		a.limiter.Update(rl.RPS, rl.Burst)
	} else {
		a.limiter.Update(0, 0)
	}
}

// Run listens on the configured addresses and serves until ctx is done or
// the server fails, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	ln, err := a.engine.Listen(a.cfg.Server.Addr)
	if err != nil {
		return errors.Join(err, a.Shutdown())
	}

	var metricsLn net.Listener
	if a.cfg.Metrics.Enabled {
		metricsLn, err = net.Listen("tcp", a.cfg.Metrics.Addr)
		if err != nil {
			ln.Close()
			return errors.Join(fmt.Errorf("metrics listen: %w", err), a.Shutdown())
		}
	}
	return a.Serve(ctx, ln, metricsLn)
}

// Serve is Run on existing listeners. metricsLn may be nil.
func (a *App) Serve(ctx context.Context, ln, metricsLn net.Listener) error {
	errCh := make(chan error, 2)

	if metricsLn != nil {
		ms := observability.NewMetricsServer(a.cfg.Metrics.Addr, a.cfg.Metrics.Path, a.registry,
			logging.Component(a.logger, "metrics"))
		a.OnShutdown(ms.Shutdown)
		go func() {
			if err := ms.Serve(metricsLn); err != nil {
				errCh <- err
			}
		}()
	}

	go func() {
		if err := a.engine.Serve(ln); err != nil && !errors.Is(err, core.ErrServerClosed) {
			errCh <- err
		}
	}()

	a.logger.Info().
		Str("env", a.cfg.Env).
		Str("addr", ln.Addr().String()).
		Int("workers", a.cfg.Dispatch.Workers).
		Msg("server started")

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info().Msg("shutdown requested")
	case runErr = <-errCh:
		a.logger.Error().Err(runErr).Msg("server failed")
	}

	shutdownErr := a.Shutdown()
	return errors.Join(runErr, shutdownErr)
}

// Shutdown runs the shutdown hooks within the configured timeout
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	a.mu.Lock()
	hooks := make([]func(context.Context) error, len(a.hooks))
	copy(hooks, a.hooks)
	a.hooks = nil
	a.mu.Unlock()

	var errs []error
	for i := len(hooks) - 1; i >= 0; i-- {
		if err := hooks[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		a.logger.Error().Err(err).Msg("shutdown error")
	} else {
		a.logger.Info().Msg("server stopped gracefully")
	}
	return err
}
