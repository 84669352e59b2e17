// Package observability exposes the server's Prometheus metrics and sets up
// OpenTelemetry tracing.
package observability

import (
	"context"
	"errors"
	"fmt"
	"net"
	nethttp "net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/searchktools/dispatch-server/core/dispatch"
	"github.com/searchktools/dispatch-server/core/pools"
)

const namespace = "dispatch"

// Metrics holds the request and connection series recorded by the engine
type Metrics struct {
	requests    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	inFlight    prometheus.Gauge
	connections prometheus.Gauge
	accepted    prometheus.Counter
	parseErrors *prometheus.CounterVec
}

// NewMetrics creates the series and registers them with reg
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed.",
			},
			[]string{"method", "route", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Time from parsed request to written response.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "Requests currently being handled.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_open",
			Help:      "Currently open client connections.",
		}),
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Total number of accepted client connections.",
		}),
		parseErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_parse_errors_total",
				Help:      "Requests rejected before routing, by response status.",
			},
			[]string{"status"},
		),
	}

	for _, c := range []prometheus.Collector{
		m.requests, m.duration, m.inFlight, m.connections, m.accepted, m.parseErrors,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}
	return m, nil
}

// ObserveRequest records one completed request. An empty route is reported
// as "unmatched" to keep label cardinality bounded.
func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(method, route).Observe(d.Seconds())
}

// RequestStarted and RequestDone track in-flight requests
func (m *Metrics) RequestStarted() { m.inFlight.Inc() }

func (m *Metrics) RequestDone() { m.inFlight.Dec() }

// ConnOpened records an accepted connection
func (m *Metrics) ConnOpened() {
	m.accepted.Inc()
	m.connections.Inc()
}

// ConnClosed records a closed connection
func (m *Metrics) ConnClosed() { m.connections.Dec() }

// ParseError records a request rejected by the parser
func (m *Metrics) ParseError(status int) {
	m.parseErrors.WithLabelValues(strconv.Itoa(status)).Inc()
}

// DispatchCollector exports dispatcher and worker pool statistics at scrape
// time.
type DispatchCollector struct {
	stats func() dispatch.Stats

	workers   *prometheus.Desc
	queueCap  *prometheus.Desc
	pending   *prometheus.Desc
	inFlight  *prometheus.Desc
	submitted *prometheus.Desc
	completed *prometheus.Desc
	rejected  *prometheus.Desc
	timeouts  *prometheus.Desc
	panics    *prometheus.Desc
	steals    *prometheus.Desc
}

// NewDispatchCollector reads stats on every Collect
func NewDispatchCollector(stats func() dispatch.Stats) *DispatchCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "dispatcher", name), help, nil, nil)
	}
	return &DispatchCollector{
		stats:     stats,
		workers:   desc("workers", "Number of dispatcher workers."),
		queueCap:  desc("queue_capacity", "Total task queue capacity."),
		pending:   desc("tasks_pending", "Tasks queued or running."),
		inFlight:  desc("in_flight", "Dispatched requests awaiting a result."),
		submitted: desc("tasks_submitted_total", "Tasks accepted by the pool."),
		completed: desc("tasks_completed_total", "Tasks finished by the pool."),
		rejected:  desc("tasks_rejected_total", "Tasks rejected because the pool was full."),
		timeouts:  desc("timeouts_total", "Requests that exceeded the handler timeout."),
		panics:    desc("panics_total", "Handler panics."),
		steals:    desc("steals_total", "Tasks taken from another worker's queue."),
	}
}

// Describe implements prometheus.Collector.
func (c *DispatchCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.workers, c.queueCap, c.pending, c.inFlight, c.submitted,
		c.completed, c.rejected, c.timeouts, c.panics, c.steals,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *DispatchCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}

	gauge(c.workers, float64(s.NumWorkers))
	gauge(c.queueCap, float64(s.QueueCapacity))
	gauge(c.pending, float64(s.TasksPending))
	gauge(c.inFlight, float64(s.InFlight))
	counter(c.submitted, s.TasksSubmitted)
	counter(c.completed, s.TasksCompleted)
	counter(c.rejected, s.TasksRejected)
	counter(c.timeouts, s.Timeouts)
	counter(c.panics, s.Panics)
	counter(c.steals, s.StealsSuccess)
}

// RegisterBufferPool exports response buffer pool usage per size tier
func RegisterBufferPool(reg prometheus.Registerer, stats func() pools.BufferStats) error {
	tiers := map[string]func(pools.BufferStats) uint64{
		"small":    func(s pools.BufferStats) uint64 { return s.SmallHits },
		"medium":   func(s pools.BufferStats) uint64 { return s.MediumHits },
		"large":    func(s pools.BufferStats) uint64 { return s.LargeHits },
		"unpooled": func(s pools.BufferStats) uint64 { return s.TotalGets - s.SmallHits - s.MediumHits - s.LargeHits },
	}
	for tier, value := range tiers {
		c := prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "buffer_pool",
			Name:        "gets_total",
			Help:        "Response buffers handed out, by size tier.",
			ConstLabels: prometheus.Labels{"tier": tier},
		}, func() float64 { return float64(value(stats())) })
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("register buffer pool metric: %w", err)
		}
	}
	return nil
}

// NewRegistry returns a registry carrying the Go runtime and process
// collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// MetricsServer serves the Prometheus exposition format on its own listener
type MetricsServer struct {
	srv    *nethttp.Server
	logger zerolog.Logger
}

// NewMetricsServer exposes g at path on addr
func NewMetricsServer(addr, path string, g prometheus.Gatherer, logger zerolog.Logger) *MetricsServer {
	if path == "" {
		path = "/metrics"
	}
	mux := nethttp.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(g, promhttp.HandlerOpts{
		ErrorLog: promLogger{logger},
	}))
	return &MetricsServer{
		srv: &nethttp.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Serve accepts scrapes on ln until Shutdown
func (s *MetricsServer) Serve(ln net.Listener) error {
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("metrics server listening")
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// ListenAndServe listens on the configured address and serves
func (s *MetricsServer) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("metrics listen: %w", err)
	}
	return s.Serve(ln)
}

// Shutdown stops the server
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type promLogger struct{ l zerolog.Logger }

func (p promLogger) Println(v ...any) {
	p.l.Error().Msg(fmt.Sprint(v...))
}
