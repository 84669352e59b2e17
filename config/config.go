// Package config defines the server configuration and loads it from
// defaults, a YAML file, a .env file and the environment.
package config

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/searchktools/dispatch-server/core"
	"github.com/searchktools/dispatch-server/core/dispatch"
	"github.com/searchktools/dispatch-server/core/http"
	"github.com/searchktools/dispatch-server/core/middleware"
	"github.com/searchktools/dispatch-server/core/observability"
	"github.com/searchktools/dispatch-server/core/pools"
	"github.com/searchktools/dispatch-server/logging"
)

// Config holds all application configuration.
type Config struct {
	Env             string                      `koanf:"env"`
	Server          ServerConfig                `koanf:"server"`
	Limits          LimitsConfig                `koanf:"limits"`
	Dispatch        DispatchConfig              `koanf:"dispatch"`
	RateLimit       RateLimitConfig             `koanf:"rate_limit"`
	CORS            middleware.CORSConfig       `koanf:"cors"`
	Log             logging.Config              `koanf:"log"`
	Metrics         MetricsConfig               `koanf:"metrics"`
	Tracing         observability.TracingConfig `koanf:"tracing"`
	Runtime         pools.GCConfig              `koanf:"runtime"`
	Demo            DemoConfig                  `koanf:"demo"`
	ShutdownTimeout time.Duration               `koanf:"shutdown_timeout"`
}

// ServerConfig configures the listener and connection handling
type ServerConfig struct {
	Addr               string        `koanf:"addr"`
	Name               string        `koanf:"name"`
	ReadTimeout        time.Duration `koanf:"read_timeout"`
	WriteTimeout       time.Duration `koanf:"write_timeout"`
	IdleTimeout        time.Duration `koanf:"idle_timeout"`
	KeepAlivePeriod    time.Duration `koanf:"keep_alive_period"`
	MaxConnections     int           `koanf:"max_connections"`
	MaxRequestsPerConn int           `koanf:"max_requests_per_conn"`
	ReusePort          bool          `koanf:"reuse_port"`
	ReadBufferSize     int           `koanf:"read_buffer_size"`
}

// LimitsConfig bounds request sizes
type LimitsConfig struct {
	MaxRequestLineBytes int   `koanf:"max_request_line_bytes"`
	MaxHeaderBytes      int   `koanf:"max_header_bytes"`
	MaxHeaderCount      int   `koanf:"max_header_count"`
	MaxBodyBytes        int64 `koanf:"max_body_bytes"`
}

// DispatchConfig sizes the handler worker pool
type DispatchConfig struct {
	Workers        int           `koanf:"workers"`
	QueueSize      int           `koanf:"queue_size"`
	HandlerTimeout time.Duration `koanf:"handler_timeout"`
}

// RateLimitConfig enables per-client rate limiting
type RateLimitConfig struct {
	Enabled bool    `koanf:"enabled"`
	RPS     float64 `koanf:"rps"`
	Burst   int     `koanf:"burst"`
}

// MetricsConfig configures the Prometheus exposition listener
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
	Path    string `koanf:"path"`
}

// DemoConfig tunes the demo routes served by the command
type DemoConfig struct {
	EchoDelay time.Duration `koanf:"echo_delay"`
}

// Default returns the configuration used when nothing overrides it
func Default() Config {
	limits := http.DefaultLimits()
	return Config{
		Env: "development",
		Server: ServerConfig{
			Addr:            ":8080",
			Name:            core.DefaultServerName,
			ReadTimeout:     core.DefaultReadTimeout,
			WriteTimeout:    core.DefaultWriteTimeout,
			IdleTimeout:     core.DefaultIdleTimeout,
			KeepAlivePeriod: core.DefaultKeepAlivePeriod,
			ReadBufferSize:  4096,
		},
		Limits: LimitsConfig{
			MaxRequestLineBytes: limits.MaxRequestLineBytes,
			MaxHeaderBytes:      limits.MaxHeaderBytes,
			MaxHeaderCount:      limits.MaxHeaderCount,
			MaxBodyBytes:        limits.MaxBodyBytes,
		},
		Dispatch: DispatchConfig{
			Workers:        runtime.NumCPU(),
			QueueSize:      pools.DefaultQueueSize,
			HandlerTimeout: core.DefaultHandlerTimeout,
		},
		RateLimit: RateLimitConfig{
			RPS:   100,
			Burst: 200,
		},
		Log: logging.DefaultConfig(),
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
			Path:    "/metrics",
		},
		Tracing: observability.DefaultTracingConfig(),
		Demo: DemoConfig{
			EchoDelay: 10 * time.Millisecond,
		},
		ShutdownTimeout: 15 * time.Second,
	}
}

// Validate reports every invalid setting
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	switch c.Env {
	case "development", "production", "test":
	default:
		errs = append(errs, fmt.Errorf("env %q: must be development, production or test", c.Env))
	}

	check(c.Server.Addr != "", "server.addr is required")
	check(c.Server.ReadTimeout >= 0, "server.read_timeout must not be negative")
	check(c.Server.WriteTimeout >= 0, "server.write_timeout must not be negative")
	check(c.Server.IdleTimeout >= 0, "server.idle_timeout must not be negative")
	check(c.Server.MaxConnections >= 0, "server.max_connections must not be negative")
	check(c.Server.MaxRequestsPerConn >= 0, "server.max_requests_per_conn must not be negative")
	check(c.Server.ReadBufferSize > 0, "server.read_buffer_size must be positive")

	check(c.Limits.MaxRequestLineBytes > 0, "limits.max_request_line_bytes must be positive")
	check(c.Limits.MaxHeaderBytes > 0, "limits.max_header_bytes must be positive")
	check(c.Limits.MaxHeaderCount > 0, "limits.max_header_count must be positive")
	check(c.Limits.MaxBodyBytes > 0, "limits.max_body_bytes must be positive")

	check(c.Dispatch.Workers > 0, "dispatch.workers must be positive")
	check(c.Dispatch.QueueSize > 0, "dispatch.queue_size must be positive")
	check(c.Dispatch.HandlerTimeout >= 0, "dispatch.handler_timeout must not be negative")

	if c.RateLimit.Enabled {
		check(c.RateLimit.RPS > 0, "rate_limit.rps must be positive when enabled")
		check(c.RateLimit.Burst >= 0, "rate_limit.burst must not be negative")
	}
	if c.Metrics.Enabled {
		check(c.Metrics.Addr != "", "metrics.addr is required when enabled")
	}
	check(c.ShutdownTimeout > 0, "shutdown_timeout must be positive")
	check(c.Runtime.MemoryLimit >= 0, "runtime.memory_limit must not be negative")

	if err := c.Log.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Tracing.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("tracing: %w", err))
	}
	return errors.Join(errs...)
}

// EngineConfig converts the server, limits and dispatch sections
func (c Config) EngineConfig() core.Config {
	return core.Config{
		ServerName:         c.Server.Name,
		ReadTimeout:        c.Server.ReadTimeout,
		WriteTimeout:       c.Server.WriteTimeout,
		IdleTimeout:        c.Server.IdleTimeout,
		KeepAlivePeriod:    c.Server.KeepAlivePeriod,
		MaxConnections:     c.Server.MaxConnections,
		MaxRequestsPerConn: c.Server.MaxRequestsPerConn,
		ReusePort:          c.Server.ReusePort,
		ReadBufferSize:     c.Server.ReadBufferSize,
		Limits: http.Limits{
			MaxRequestLineBytes: c.Limits.MaxRequestLineBytes,
			MaxHeaderBytes:      c.Limits.MaxHeaderBytes,
			MaxHeaderCount:      c.Limits.MaxHeaderCount,
			MaxBodyBytes:        c.Limits.MaxBodyBytes,
		},
		Dispatch: dispatch.Config{
			Workers:        c.Dispatch.Workers,
			QueueSize:      c.Dispatch.QueueSize,
			HandlerTimeout: c.Dispatch.HandlerTimeout,
		},
	}
}
