// Package core wires the listener, parser, router, dispatcher and response
// writer into an HTTP/1.x server engine.
package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/searchktools/dispatch-server/core/dispatch"
	"github.com/searchktools/dispatch-server/core/http"
	"github.com/searchktools/dispatch-server/core/middleware"
	"github.com/searchktools/dispatch-server/core/observability"
	"github.com/searchktools/dispatch-server/core/pools"
	"github.com/searchktools/dispatch-server/core/router"
)

// HandlerFunc is the handler type routes are registered with
type HandlerFunc = http.HandlerFunc

// Config tunes the listener, connection handling and dispatcher
type Config struct {
	ServerName         string
	ReadTimeout        time.Duration // rest of a request once its first byte arrived
	WriteTimeout       time.Duration
	IdleTimeout        time.Duration // wait for the next request on a kept-alive connection
	KeepAlivePeriod    time.Duration // TCP keep-alive probes
	MaxConnections     int           // 0 means unlimited
	MaxRequestsPerConn int           // 0 means unlimited
	ReusePort          bool
	ReadBufferSize     int
	Limits             http.Limits
	Dispatch           dispatch.Config
}

// DefaultConfig returns the engine defaults
func DefaultConfig() Config {
	return Config{
		ServerName:      DefaultServerName,
		ReadTimeout:     DefaultReadTimeout,
		WriteTimeout:    DefaultWriteTimeout,
		IdleTimeout:     DefaultIdleTimeout,
		KeepAlivePeriod: DefaultKeepAlivePeriod,
		ReadBufferSize:  4096,
		Limits:          http.DefaultLimits(),
		Dispatch: dispatch.Config{
			Workers:        runtime.NumCPU(),
			QueueSize:      pools.DefaultQueueSize,
			HandlerTimeout: DefaultHandlerTimeout,
		},
	}
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the engine logger; access logs use the same sink
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithMetrics records request and connection metrics
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// Engine is an HTTP/1.x server. Routes and middlewares are registered before
// Serve; the route table is frozen when serving starts.
type Engine struct {
	cfg     Config
	logger  zerolog.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	builder  *router.Builder[HandlerFunc]
	pipeline *middleware.Pipeline
	frozen   bool

	buildOnce sync.Once
	buildErr  error
	router    atomic.Pointer[router.Router[HandlerFunc]]
	handler   HandlerFunc

	parser     *http.Parser
	writer     *http.ResponseWriter
	dispatcher *dispatch.Dispatcher
	bufio      *pools.BufioPool

	baseCtx    context.Context
	cancelBase context.CancelFunc
	inShutdown atomic.Bool

	connMu    sync.Mutex
	listeners map[*net.Listener]struct{}
	conns     map[*conn]struct{}
}

// NewEngine creates a new engine instance
func NewEngine(cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.ServerName == "" {
		cfg.ServerName = def.ServerName
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = def.ReadBufferSize
	}
	if cfg.Limits == (http.Limits{}) {
		cfg.Limits = def.Limits
	}

	e := &Engine{
		cfg:       cfg,
		logger:    zerolog.Nop(),
		builder:   router.NewBuilder[HandlerFunc](),
		pipeline:  middleware.NewPipeline(),
		parser:    http.NewParser(cfg.Limits),
		writer:    &http.ResponseWriter{ServerName: cfg.ServerName},
		bufio:     pools.NewBufioPool(cfg.ReadBufferSize),
		listeners: make(map[*net.Listener]struct{}),
		conns:     make(map[*conn]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.baseCtx, e.cancelBase = context.WithCancel(context.Background())
	e.dispatcher = dispatch.New(cfg.Dispatch, dispatch.WithLogger(e.logger))

	e.logger.Debug().
		Int("workers", e.dispatcher.Stats().NumWorkers).
		Int("queue_capacity", e.dispatcher.Stats().QueueCapacity).
		Dur("handler_timeout", cfg.Dispatch.HandlerTimeout).
		Msg("dispatcher initialized")
	return e
}

// Use appends middlewares. The first one added is the outermost.
func (e *Engine) Use(mws ...http.Middleware) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.frozen {
		e.logger.Error().Err(ErrRoutesFrozen).Msg("middleware ignored")
		return
	}
	e.pipeline.Use(mws...)
}

// Handle registers h for method and pattern. Invalid patterns and conflicts
// are reported by Serve.
func (e *Engine) Handle(method, pattern string, h HandlerFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.frozen {
		e.logger.Error().Err(ErrRoutesFrozen).Str("method", method).Str("pattern", pattern).Msg("route ignored")
		return
	}
	e.builder.Handle(method, pattern, h)
}

// GET registers a GET route
func (e *Engine) GET(pattern string, h HandlerFunc) { e.Handle("GET", pattern, h) }

// POST registers a POST route
func (e *Engine) POST(pattern string, h HandlerFunc) { e.Handle("POST", pattern, h) }

// PUT registers a PUT route
func (e *Engine) PUT(pattern string, h HandlerFunc) { e.Handle("PUT", pattern, h) }

// DELETE registers a DELETE route
func (e *Engine) DELETE(pattern string, h HandlerFunc) { e.Handle("DELETE", pattern, h) }

// PATCH registers a PATCH route
func (e *Engine) PATCH(pattern string, h HandlerFunc) { e.Handle("PATCH", pattern, h) }

// HEAD registers a HEAD route
func (e *Engine) HEAD(pattern string, h HandlerFunc) { e.Handle("HEAD", pattern, h) }

// OPTIONS registers an OPTIONS route
func (e *Engine) OPTIONS(pattern string, h HandlerFunc) { e.Handle("OPTIONS", pattern, h) }

// Build freezes the route table and compiles the middleware chain. Serve
// calls it; calling it earlier surfaces registration errors sooner.
func (e *Engine) Build() error {
	e.buildOnce.Do(func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.frozen = true

		rt, err := e.builder.Build()
		if err != nil {
			e.buildErr = fmt.Errorf("build routes: %w", err)
			return
		}
		e.router.Store(rt)
		e.handler = e.pipeline.Compile(e.route)
	})
	return e.buildErr
}

// Handler returns the compiled middleware chain around the router. It is
// nil until Build succeeded.
func (e *Engine) Handler() HandlerFunc {
	if e.router.Load() == nil {
		return nil
	}
	return e.handler
}

// Routes lists the registered routes; empty before Build
func (e *Engine) Routes() []router.Route {
	rt := e.router.Load()
	if rt == nil {
		return nil
	}
	return rt.Routes()
}

// Dispatcher returns the engine's dispatcher
func (e *Engine) Dispatcher() *dispatch.Dispatcher {
	return e.dispatcher
}

// route is the innermost handler: it resolves the route, binds its
// parameters and runs it.
func (e *Engine) route(c *http.Context) (*http.Response, error) {
	rt := e.router.Load()

	if c.Method() == "OPTIONS" && c.Path() == "*" {
		return http.NoContent().WithHeader(http.HeaderAllow, strings.Join(allMethods(rt), ", ")), nil
	}

	m, err := rt.Lookup(c.Method(), c.Path())
	if err != nil {
		var mna *router.MethodNotAllowedError
		if c.Method() == "OPTIONS" && errors.As(err, &mna) {
			return http.NoContent().WithHeader(http.HeaderAllow, strings.Join(append(mna.Allowed, "OPTIONS"), ", ")), nil
		}
		return nil, err
	}

	c.SetParams(m.Params)
	c.SetRoute(m.Pattern)
	return m.Value(c)
}

func allMethods(rt *router.Router[HandlerFunc]) []string {
	seen := map[string]bool{"OPTIONS": true}
	for _, r := range rt.Routes() {
		seen[r.Method] = true
		if r.Method == "GET" {
			seen["HEAD"] = true
		}
	}
	methods := make([]string, 0, len(seen))
	for m := range seen {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	return methods
}

// Run listens on addr and serves until Shutdown
func (e *Engine) Run(addr string) error {
	ln, err := e.Listen(addr)
	if err != nil {
		return err
	}
	return e.Serve(ln)
}

// Serve accepts connections on ln, each served by its own goroutine. It
// always returns a non-nil error; after Shutdown it is ErrServerClosed.
func (e *Engine) Serve(ln net.Listener) error {
	if err := e.Build(); err != nil {
		ln.Close()
		return err
	}
	if !e.trackListener(&ln, true) {
		ln.Close()
		return ErrServerClosed
	}
	defer e.trackListener(&ln, false)

	e.logger.Info().
		Str("addr", ln.Addr().String()).
		Int("routes", len(e.Routes())).
		Msg("server listening")

	var delay time.Duration
	for {
		rwc, err := ln.Accept()
		if err != nil {
			if e.inShutdown.Load() {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("accept: %w", err)
			}
			if delay == 0 {
				delay = minAcceptBackoff
			} else {
				delay *= 2
			}
			if delay > maxAcceptBackoff {
				delay = maxAcceptBackoff
			}
			e.logger.Warn().Err(err).Dur("retry_in", delay).Msg("accept error")
			time.Sleep(delay)
			continue
		}
		delay = 0

		c := e.newConn(rwc)
		if !e.trackConn(c, true) {
			rwc.Close()
			return ErrServerClosed
		}
		if e.metrics != nil {
			e.metrics.ConnOpened()
		}
		go c.serve(e.baseCtx)
	}
}

// Shutdown stops accepting connections, closes idle ones and waits for
// active requests to finish. When ctx ends first, remaining connections are
// closed and ctx's error is returned. The dispatcher is drained last.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.inShutdown.Store(true)

	e.connMu.Lock()
	var lnErr error
	for ln := range e.listeners {
		if err := (*ln).Close(); err != nil && !errors.Is(err, net.ErrClosed) && lnErr == nil {
			lnErr = err
		}
	}
	e.connMu.Unlock()

	ticker := time.NewTicker(shutdownPollInterval)
	defer ticker.Stop()

	var err error
	for !e.closeIdleConns() {
		select {
		case <-ctx.Done():
			e.logger.Warn().Int("connections", e.numConns()).Msg("shutdown deadline reached, closing connections")
			e.closeAllConns()
			e.cancelBase()
			err = ctx.Err()
		case <-ticker.C:
			continue
		}
		break
	}
	e.cancelBase()

	if derr := e.dispatcher.Close(ctx); derr != nil && err == nil {
		err = derr
	}
	if err == nil {
		err = lnErr
	}
	e.logger.Info().Err(err).Msg("server stopped")
	return err
}

func (e *Engine) shuttingDown() bool {
	return e.inShutdown.Load()
}

func (e *Engine) trackListener(ln *net.Listener, add bool) bool {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	if add {
		if e.shuttingDown() {
			return false
		}
		e.listeners[ln] = struct{}{}
	} else {
		delete(e.listeners, ln)
	}
	return true
}

func (e *Engine) trackConn(c *conn, add bool) bool {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	if add {
		if e.shuttingDown() {
			return false
		}
		e.conns[c] = struct{}{}
	} else {
		delete(e.conns, c)
	}
	return true
}

func (e *Engine) numConns() int {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	return len(e.conns)
}

// closeIdleConns closes connections waiting for a request and reports
// whether no connections remain.
func (e *Engine) closeIdleConns() bool {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	for c := range e.conns {
		if c.state.CompareAndSwap(stateIdle, stateClosed) {
			c.rwc.Close()
		}
	}
	return len(e.conns) == 0
}

func (e *Engine) closeAllConns() {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	for c := range e.conns {
		c.state.Store(stateClosed)
		c.rwc.Close()
	}
}

// observe records metrics and the access log for one request
func (e *Engine) observe(req *http.Request, route string, resp *http.Response, d time.Duration) {
	if e.metrics != nil {
		e.metrics.ObserveRequest(req.Method, route, resp.Status, d)
	}

	var ev *zerolog.Event
	switch {
	case resp.Status >= 500:
		ev = e.logger.Error()
		if resp.Err != nil {
			ev = ev.Err(resp.Err)
		}
	case resp.Status >= 400:
		ev = e.logger.Warn()
	default:
		ev = e.logger.Info()
	}
	ev.Str("method", req.Method).
		Str("path", req.Path).
		Str("route", route).
		Int("status", resp.Status).
		Dur("duration", d).
		Str("request_id", resp.Header.Get(http.HeaderRequestID)).
		Str("remote_addr", req.RemoteAddr).
		Msg("request")
}
