package core

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/net/netutil"
)

// Listen opens a TCP listener for addr with SO_REUSEADDR (and SO_REUSEPORT
// when configured), TCP keep-alive, and the configured connection cap.
func (e *Engine) Listen(addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		KeepAlive: e.cfg.KeepAlivePeriod,
		Control:   controlSocket(e.cfg.ReusePort),
	}

	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	if e.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, e.cfg.MaxConnections)
	}
	return ln, nil
}
