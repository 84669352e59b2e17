package middleware

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/searchktools/dispatch-server/core/http"
)

const tracerName = "github.com/searchktools/dispatch-server/core/middleware"

// Tracing starts a server span per request, continuing any trace context
// carried in the request headers. A nil provider uses the global one.
func Tracing(tp trace.TracerProvider) http.Middleware {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	tracer := tp.Tracer(tracerName)

	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(c *http.Context) (*http.Response, error) {
			prop := otel.GetTextMapPropagator()
			ctx := prop.Extract(c.Context(), propagation.HeaderCarrier(c.Request.Header))

			ctx, span := tracer.Start(ctx, c.Method(),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(c.Method()),
					semconv.URLPath(c.Path()),
					semconv.ClientAddress(clientIP(c.Request.RemoteAddr)),
				),
			)
			defer span.End()
			c.SetContext(ctx)

			resp, err := next(c)

			status := 204
			cause := err
			switch {
			case err != nil:
				status = http.StatusOf(err)
			case resp != nil:
				status = resp.Status
				cause = resp.Err
			}
			if route := c.Route(); route != "" {
				span.SetName(c.Method() + " " + route)
				span.SetAttributes(semconv.HTTPRoute(route))
			}
			span.SetAttributes(semconv.HTTPResponseStatusCode(status))
			if status >= 500 {
				if cause != nil {
					span.RecordError(cause)
				}
				span.SetStatus(codes.Error, http.StatusText(status))
			}
			return resp, err
		}
	}
}
