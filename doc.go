/*
Package dispatchserver is an asynchronous HTTP/1.x dispatch core.

A listener accepts TCP connections and serves each one on its own goroutine.
Requests are parsed incrementally with size limits, matched against a
placeholder-aware route tree and handed to a bounded work-stealing worker
pool, so a slow handler never holds up the connection loop or other clients.
Responses are written back in order and connections are kept alive when the
protocol and the request allow it.

Layout

  - core: engine, listener, connection loop and graceful shutdown
  - core/http: request parser, context, response writer and error mapping
  - core/router: generic route tree and method tables
  - core/dispatch: futures over the worker pool with deadlines and overload handling
  - core/pools: work-stealing worker pool and bufio pools
  - core/middleware: pipeline, recovery, request id, CORS, rate limiting, tracing
  - core/observability: Prometheus metrics and OpenTelemetry setup
  - core/codec: JSON and protobuf body codecs
  - config: koanf configuration with file watching
  - logging: zerolog setup
  - app: wiring and lifecycle
  - cmd/dispatch-server: command line with demo routes

Quick Start

	cfg := config.Default()
	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	a.Engine().GET("/users/:id", func(c *http.Context) (*http.Response, error) {
		return c.JSON(200, map[string]string{"id": c.Param("id")}), nil
	})
	return a.Run(ctx)

Handlers return a response or an error. Errors of type *http.Error carry their
status; everything else becomes a 500. A handler that outlives
dispatch.handler_timeout is answered with 503, as is a request that finds the
worker queue full.
*/
package dispatchserver
