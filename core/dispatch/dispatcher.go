// Package dispatch runs request handlers on a bounded worker pool and hands
// their results back to connection goroutines as futures.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/searchktools/dispatch-server/core/http"
	"github.com/searchktools/dispatch-server/core/pools"
)

var (
	// ErrOverloaded is returned when the queue is at its high-water mark
	ErrOverloaded = errors.New("dispatch: overloaded")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("dispatch: closed")
)

// Config sizes the dispatcher
type Config struct {
	Workers        int           // 0 means runtime.NumCPU()
	QueueSize      int           // per worker; 0 means pools.DefaultQueueSize
	HandlerTimeout time.Duration // 0 disables the deadline
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithLogger sets the logger used for handler panics
func WithLogger(l zerolog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// PanicError is the error a panicking handler resolves to
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}

// Dispatcher invokes handlers asynchronously
type Dispatcher struct {
	cfg    Config
	pool   *pools.WorkerPool
	logger zerolog.Logger

	inFlight atomic.Int64
	timeouts atomic.Uint64
	panics   atomic.Uint64
}

// New creates a dispatcher and starts its workers
func New(cfg Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		cfg:    cfg,
		pool:   pools.NewWorkerPool(cfg.Workers, cfg.QueueSize),
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Future is the pending result of a submitted handler
type Future struct {
	done chan struct{}
	ctx  context.Context // carries the handler deadline
	resp *http.Response
	err  error
}

// Done is closed once the handler has returned
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the handler returns or ctx ends, whichever comes first.
// A result that is already available wins over an expired ctx.
func (f *Future) Await(ctx context.Context) (*http.Response, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	case <-ctx.Done():
		select {
		case <-f.done:
			return f.resp, f.err
		default:
		}
		return nil, ctx.Err()
	}
}

// Submit queues h for c. The handler's context is derived from ctx and
// carries the handler deadline, measured from submission.
func (d *Dispatcher) Submit(ctx context.Context, h http.HandlerFunc, c *http.Context) (*Future, error) {
	hctx, cancel := ctx, context.CancelFunc(func() {})
	if d.cfg.HandlerTimeout > 0 {
		hctx, cancel = context.WithTimeout(ctx, d.cfg.HandlerTimeout)
	}
	c.SetContext(hctx)

	f := &Future{done: make(chan struct{}), ctx: hctx}
	task := func() {
		defer cancel()
		defer close(f.done)

		if err := hctx.Err(); err != nil {
			// expired while queued
			f.err = err
			return
		}

		d.inFlight.Add(1)
		defer d.inFlight.Add(-1)
		f.resp, f.err = d.invoke(h, c)
	}

	if err := d.pool.TrySubmit(task); err != nil {
		cancel()
		if errors.Is(err, pools.ErrPoolClosed) {
			return nil, ErrClosed
		}
		return nil, ErrOverloaded
	}
	return f, nil
}

func (d *Dispatcher) invoke(h http.HandlerFunc, c *http.Context) (resp *http.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.panics.Add(1)
			stack := debug.Stack()
			d.logger.Error().
				Str("method", c.Method()).
				Str("path", c.Path()).
				Interface("panic", r).
				Bytes("stack", stack).
				Msg("handler panicked")
			resp, err = nil, &PanicError{Value: r, Stack: stack}
		}
	}()
	return h(c)
}

// Dispatch runs h for c and waits for its response. It never returns nil:
// overload, handler timeouts, panics and handler errors are all turned into
// error responses.
func (d *Dispatcher) Dispatch(ctx context.Context, h http.HandlerFunc, c *http.Context) *http.Response {
	f, err := d.Submit(ctx, h, c)
	if err != nil {
		return rejected(err)
	}

	resp, err := f.Await(f.ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		d.timeouts.Add(1)
		d.logger.Warn().
			Str("method", c.Method()).
			Str("path", c.Path()).
			Dur("timeout", d.cfg.HandlerTimeout).
			Msg("handler deadline exceeded")
	}
	return Resolve(resp, err)
}

// Resolve turns a handler result into the response to write
func Resolve(resp *http.Response, err error) *http.Response {
	if err != nil {
		return http.ErrorResponse(err)
	}
	if resp == nil {
		return http.NoContent()
	}
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	return resp
}

func rejected(err error) *http.Response {
	he := &http.Error{
		Status:  nethttp.StatusServiceUnavailable,
		Message: err.Error(),
		Err:     err,
	}
	if errors.Is(err, ErrOverloaded) {
		he.Header = http.Header{http.HeaderRetryAfter: {"1"}}
	}
	return http.ErrorResponse(he)
}

// Close stops accepting work and waits for queued handlers until ctx ends
func (d *Dispatcher) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.pool.Close()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatch: close: %w", ctx.Err())
	}
}

// Stats describes the dispatcher's current load
type Stats struct {
	pools.WorkerPoolStats
	InFlight int64
	Timeouts uint64
	Panics   uint64
}

// Stats returns a snapshot of dispatcher statistics
func (d *Dispatcher) Stats() Stats {
	return Stats{
		WorkerPoolStats: d.pool.Stats(),
		InFlight:        d.inFlight.Load(),
		Timeouts:        d.timeouts.Load(),
		Panics:          d.panics.Load(),
	}
}
