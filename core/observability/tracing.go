package observability

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracingConfig selects the OTLP exporter and sampler
type TracingConfig struct {
	Enabled     bool    `koanf:"enabled"`
	ServiceName string  `koanf:"service_name"`
	Protocol    string  `koanf:"protocol"` // grpc | http/protobuf
	Endpoint    string  `koanf:"endpoint"` // host:port, empty uses OTEL_EXPORTER_OTLP_* env
	Insecure    bool    `koanf:"insecure"`
	Sampler     string  `koanf:"sampler"`
	SampleRatio float64 `koanf:"sample_ratio"`
}

// DefaultTracingConfig returns tracing disabled with grpc export settings
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		ServiceName: "dispatch-server",
		Protocol:    "grpc",
		Sampler:     "parentbased_traceidratio",
		SampleRatio: 1.0,
	}
}

// Validate checks protocol, sampler and ratio
func (c TracingConfig) Validate() error {
	switch c.Protocol {
	case "grpc", "http/protobuf":
	default:
		return fmt.Errorf("unsupported OTLP protocol %q", c.Protocol)
	}
	if _, err := newSampler(c.Sampler, c.SampleRatio); err != nil {
		return err
	}
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return fmt.Errorf("sample_ratio must be within [0,1], got %v", c.SampleRatio)
	}
	return nil
}

// ShutdownFunc flushes and stops a tracer provider
type ShutdownFunc func(context.Context) error

// InitTracing installs the W3C propagators and, when enabled, a batching
// OTLP tracer provider as the global provider. When disabled the returned
// provider is a no-op.
func InitTracing(ctx context.Context, cfg TracingConfig, logger zerolog.Logger) (trace.TracerProvider, ShutdownFunc, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	if !cfg.Enabled {
		logger.Info().Bool("tracing_enabled", false).Msg("tracing configured")
		return noop.NewTracerProvider(), func(context.Context) error { return nil }, nil
	}

	sampler, err := newSampler(cfg.Sampler, cfg.SampleRatio)
	if err != nil {
		return nil, nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(cfg.ServiceName)),
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create resource: %w", err)
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)

	logger.Info().
		Bool("tracing_enabled", true).
		Str("otlp_protocol", cfg.Protocol).
		Str("otlp_endpoint", cfg.Endpoint).
		Str("sampler", cfg.Sampler).
		Float64("sample_ratio", cfg.SampleRatio).
		Msg("tracing configured")

	return tp, tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg TracingConfig) (*otlptrace.Exporter, error) {
	switch cfg.Protocol {
	case "grpc":
		var opts []otlptracegrpc.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	case "http/protobuf":
		var opts []otlptracehttp.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", cfg.Protocol)
	}
}

func newSampler(name string, ratio float64) (sdktrace.Sampler, error) {
	switch strings.ToLower(name) {
	case "always_on":
		return sdktrace.AlwaysSample(), nil
	case "always_off":
		return sdktrace.NeverSample(), nil
	case "traceidratio":
		return sdktrace.TraceIDRatioBased(ratio), nil
	case "parentbased_always_on", "":
		return sdktrace.ParentBased(sdktrace.AlwaysSample()), nil
	case "parentbased_always_off":
		return sdktrace.ParentBased(sdktrace.NeverSample()), nil
	case "parentbased_traceidratio":
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio)), nil
	default:
		return nil, fmt.Errorf("unknown sampler %q", name)
	}
}
