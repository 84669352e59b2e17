package core

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	nethttp "net/http"
	"sync/atomic"
	"time"

	"github.com/searchktools/dispatch-server/core/http"
)

// Connection states
const (
	stateIdle int32 = iota // waiting for the first byte of a request
	stateActive
	stateClosed
)

// conn is one client connection. Requests are read, dispatched and answered
// strictly in order; pipelined requests wait in the read buffer.
type conn struct {
	e          *Engine
	rwc        net.Conn
	remoteAddr string
	br         *bufio.Reader
	bw         *bufio.Writer
	state      atomic.Int32
	served     int
}

func (e *Engine) newConn(rwc net.Conn) *conn {
	c := &conn{
		e:          e,
		rwc:        rwc,
		remoteAddr: rwc.RemoteAddr().String(),
	}
	c.br = e.bufio.GetReader(rwc)
	c.bw = e.bufio.GetWriter(rwc)
	return c
}

func (c *conn) serve(ctx context.Context) {
	defer c.close()
	e := c.e

	for {
		c.state.Store(stateIdle)
		if e.shuttingDown() {
			return
		}

		if d := c.idleTimeout(); d > 0 {
			c.rwc.SetReadDeadline(time.Now().Add(d))
		} else {
			c.rwc.SetReadDeadline(time.Time{})
		}
		if _, err := c.br.Peek(1); err != nil {
			return
		}
		if !c.state.CompareAndSwap(stateIdle, stateActive) {
			return
		}

		if e.cfg.ReadTimeout > 0 {
			c.rwc.SetReadDeadline(time.Now().Add(e.cfg.ReadTimeout))
		} else {
			c.rwc.SetReadDeadline(time.Time{})
		}

		start := time.Now()
		req, err := e.parser.ReadRequest(c.br, c.writeContinue)
		if err != nil {
			c.rejectRequest(err)
			return
		}
		req.RemoteAddr = c.remoteAddr
		c.served++

		if e.metrics != nil {
			e.metrics.RequestStarted()
		}
		hc := http.NewContext(ctx, req)
		resp := e.dispatcher.Dispatch(ctx, e.handler, hc)
		if e.metrics != nil {
			e.metrics.RequestDone()
		}

		keepAlive := req.KeepAlive() && !e.shuttingDown() &&
			(e.cfg.MaxRequestsPerConn <= 0 || c.served < e.cfg.MaxRequestsPerConn)

		err = c.write(req, resp, keepAlive)
		e.observe(req, hc.Route(), resp, time.Since(start))
		if err != nil {
			e.logger.Debug().Err(err).Str("remote_addr", c.remoteAddr).Msg("write response")
			return
		}
		if !keepAlive {
			return
		}
	}
}

// rejectRequest answers a request that could not be parsed and leaves the
// connection to be closed.
func (c *conn) rejectRequest(err error) {
	if errors.Is(err, io.EOF) {
		return
	}

	var he *http.Error
	var ne net.Error
	switch {
	case errors.As(err, &he):
	case errors.As(err, &ne) && ne.Timeout():
		err = &http.Error{Status: nethttp.StatusRequestTimeout, Message: "request timeout", Err: err}
	default:
		// connection reset or closed under us
		return
	}

	resp := http.ErrorResponse(err)
	if c.e.metrics != nil {
		c.e.metrics.ParseError(resp.Status)
	}
	c.e.logger.Debug().
		Err(err).
		Int("status", resp.Status).
		Str("remote_addr", c.remoteAddr).
		Msg("rejected malformed request")
	if err := c.write(nil, resp, false); err == nil {
		c.closeWriteAndDrain()
	}
}

// closeWriteAndDrain half-closes the connection and discards unread input
// for a while, so the peer reads the error response before a reset.
func (c *conn) closeWriteAndDrain() {
	tc, ok := c.rwc.(interface{ CloseWrite() error })
	if !ok {
		return
	}
	if err := tc.CloseWrite(); err != nil {
		return
	}
	c.rwc.SetReadDeadline(time.Now().Add(lingerTimeout))
	io.Copy(io.Discard, io.LimitReader(c.rwc, lingerMaxBytes))
}

func (c *conn) write(req *http.Request, resp *http.Response, keepAlive bool) error {
	if d := c.e.cfg.WriteTimeout; d > 0 {
		c.rwc.SetWriteDeadline(time.Now().Add(d))
	}
	return c.e.writer.Write(c.bw, req, resp, keepAlive)
}

func (c *conn) writeContinue() error {
	if d := c.e.cfg.WriteTimeout; d > 0 {
		c.rwc.SetWriteDeadline(time.Now().Add(d))
	}
	return c.e.writer.WriteContinue(c.bw)
}

// idleTimeout bounds the wait for the next request. The first request on a
// connection is bounded by the read timeout instead.
func (c *conn) idleTimeout() time.Duration {
	if c.served == 0 && c.e.cfg.ReadTimeout > 0 {
		return c.e.cfg.ReadTimeout
	}
	return c.e.cfg.IdleTimeout
}

func (c *conn) close() {
	c.state.Store(stateClosed)
	c.rwc.Close()
	c.e.trackConn(c, false)
	c.e.bufio.PutReader(c.br)
	c.e.bufio.PutWriter(c.bw)
	if c.e.metrics != nil {
		c.e.metrics.ConnClosed()
	}
}
