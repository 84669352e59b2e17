package core

import (
	"errors"
	"time"
)

// Defaults applied by DefaultConfig
const (
	DefaultServerName      = "dispatch-server"
	DefaultReadTimeout     = 10 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
	DefaultIdleTimeout     = 60 * time.Second
	DefaultKeepAlivePeriod = 30 * time.Second
	DefaultHandlerTimeout  = 30 * time.Second
)

const (
	minAcceptBackoff     = 5 * time.Millisecond
	maxAcceptBackoff     = time.Second
	shutdownPollInterval = 10 * time.Millisecond

	lingerTimeout  = 500 * time.Millisecond
	lingerMaxBytes = 256 << 10
)

// Error definitions
var (
	// ErrServerClosed is returned by Serve and Run after Shutdown
	ErrServerClosed = errors.New("server closed")

	// ErrRoutesFrozen is returned when routes or middlewares are added after
	// the engine started serving.
	ErrRoutesFrozen = errors.New("routes cannot change after Serve")
)
