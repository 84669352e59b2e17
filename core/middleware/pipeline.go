// Package middleware provides the request middlewares wrapped around the
// router: request ids, tracing, panic recovery, CORS and rate limiting.
package middleware

import (
	"context"
	"crypto/rand"
	"fmt"
	nethttp "net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/searchktools/dispatch-server/core/http"
)

// Pipeline is an ordered list of middlewares. The first one added is the
// outermost when the pipeline is compiled around a handler.
type Pipeline struct {
	handlers []http.Middleware
}

// NewPipeline creates a new middleware pipeline
func NewPipeline() *Pipeline {
	return &Pipeline{
		handlers: make([]http.Middleware, 0, 8),
	}
}

// Use adds middlewares to the pipeline
func (p *Pipeline) Use(mws ...http.Middleware) *Pipeline {
	for _, mw := range mws {
		if mw != nil {
			p.handlers = append(p.handlers, mw)
		}
	}
	return p
}

// Len returns the number of middlewares
func (p *Pipeline) Len() int {
	return len(p.handlers)
}

// Compile wraps final with every middleware
func (p *Pipeline) Compile(final http.HandlerFunc) http.HandlerFunc {
	return Chain(final, p.handlers...)
}

// Chain wraps h so that mws[0] runs first
func Chain(h http.HandlerFunc, mws ...http.Middleware) http.HandlerFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// Recovery converts a handler panic into a 500 error so outer middlewares
// still see a result.
func Recovery(logger zerolog.Logger) http.Middleware {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(c *http.Context) (resp *http.Response, err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error().
						Str("method", c.Method()).
						Str("path", c.Path()).
						Interface("panic", r).
						Bytes("stack", debug.Stack()).
						Msg("panic recovered")
					resp, err = nil, &http.Error{
						Status:  nethttp.StatusInternalServerError,
						Message: "internal error",
						Err:     fmt.Errorf("panic: %v", r),
					}
				}
			}()
			return next(c)
		}
	}
}

type requestIDKey struct{}

// RequestIDFromContext returns the request id stored by RequestID
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// maxRequestIDLen bounds inbound ids that are echoed back
const maxRequestIDLen = 128

// RequestID assigns each request an id, reusing a well-formed inbound
// X-Request-Id, and echoes it on the response.
func RequestID() http.Middleware {
	var mu sync.Mutex
	entropy := ulid.Monotonic(rand.Reader, 0)

	newID := func() string {
		mu.Lock()
		defer mu.Unlock()
		id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
		if err != nil {
			return ulid.Make().String()
		}
		return id.String()
	}

	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(c *http.Context) (*http.Response, error) {
			id := c.Header(http.HeaderRequestID)
			if id == "" || len(id) > maxRequestIDLen || strings.ContainsAny(id, " \t") {
				id = newID()
			}
			c.SetContext(context.WithValue(c.Context(), requestIDKey{}, id))

			resp, err := next(c)
			if err != nil {
				resp = http.ErrorResponse(err)
			}
			if resp == nil {
				resp = http.NoContent()
			}
			resp.WithHeader(http.HeaderRequestID, id)
			return resp, nil
		}
	}
}

// CORSConfig lists the allowed origins; "*" allows any origin
type CORSConfig struct {
	AllowedOrigins []string      `koanf:"allowed_origins"`
	AllowedMethods []string      `koanf:"allowed_methods"`
	AllowedHeaders []string      `koanf:"allowed_headers"`
	MaxAge         time.Duration `koanf:"max_age"`
}

// CORS answers preflight requests and decorates responses for allowed origins
func CORS(cfg CORSConfig) http.Middleware {
	allowAll := false
	origins := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			allowAll = true
		}
		origins[o] = struct{}{}
	}
	methods := cfg.AllowedMethods
	if len(methods) == 0 {
		methods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	}
	headers := cfg.AllowedHeaders
	if len(headers) == 0 {
		headers = []string{"Content-Type", "Authorization", http.HeaderRequestID}
	}
	allowMethods := strings.Join(methods, ", ")
	allowHeaders := strings.Join(headers, ", ")

	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(c *http.Context) (*http.Response, error) {
			origin := c.Header("Origin")
			_, listed := origins[origin]
			if origin == "" || !(allowAll || listed) {
				return next(c)
			}

			allowOrigin := origin
			if allowAll && !listed {
				allowOrigin = "*"
			}

			if c.Method() == "OPTIONS" && c.Header("Access-Control-Request-Method") != "" {
				resp := http.NoContent().
					WithHeader("Access-Control-Allow-Origin", allowOrigin).
					WithHeader("Access-Control-Allow-Methods", allowMethods).
					WithHeader("Access-Control-Allow-Headers", allowHeaders)
				if cfg.MaxAge > 0 {
					resp.WithHeader("Access-Control-Max-Age", strconv.Itoa(int(cfg.MaxAge.Seconds())))
				}
				if allowOrigin != "*" {
					resp.WithHeader("Vary", "Origin")
				}
				return resp, nil
			}

			resp, err := next(c)
			if err != nil {
				resp = http.ErrorResponse(err)
			}
			if resp == nil {
				resp = http.NoContent()
			}
			resp.WithHeader("Access-Control-Allow-Origin", allowOrigin)
			if allowOrigin != "*" {
				resp.Header.Add("Vary", "Origin")
			}
			return resp, nil
		}
	}
}
