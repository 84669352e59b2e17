package http

import (
	"context"
	nethttp "net/http"
	"sync/atomic"

	"github.com/searchktools/dispatch-server/core/codec"
	"github.com/searchktools/dispatch-server/core/router"
)

// HandlerFunc handles a routed request. Returning (nil, nil) yields 204 No
// Content; a non-nil error is rendered by ErrorResponse.
type HandlerFunc func(c *Context) (*Response, error)

// Middleware wraps a handler
type Middleware func(next HandlerFunc) HandlerFunc

// Context carries one request through middleware and its handler
type Context struct {
	ctx     context.Context
	Request *Request

	params router.Params
	route  atomic.Pointer[string]
}

// NewContext creates a context for req
func NewContext(ctx context.Context, req *Request) *Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Context{ctx: ctx, Request: req}
}

// Context returns the request-scoped context. It is cancelled when the
// handler deadline passes or the server is forced to stop.
func (c *Context) Context() context.Context {
	return c.ctx
}

// SetContext replaces the request-scoped context
func (c *Context) SetContext(ctx context.Context) {
	c.ctx = ctx
}

// Method returns the HTTP method
func (c *Context) Method() string {
	return c.Request.Method
}

// Path returns the escaped request path
func (c *Context) Path() string {
	return c.Request.Path
}

// Param gets a path parameter
func (c *Context) Param(key string) string {
	return c.params.ByName(key)
}

// Params returns every bound path parameter
func (c *Context) Params() router.Params {
	return c.params
}

// SetParams sets the bound path parameters
func (c *Context) SetParams(ps router.Params) {
	c.params = ps
}

// Route returns the matched route pattern, or "" before routing or on a miss
func (c *Context) Route() string {
	if p := c.route.Load(); p != nil {
		return *p
	}
	return ""
}

// SetRoute records the matched route pattern
func (c *Context) SetRoute(pattern string) {
	c.route.Store(&pattern)
}

// Query gets a query parameter
func (c *Context) Query(key string) string {
	return c.Request.Query(key)
}

// Header gets a request header
func (c *Context) Header(key string) string {
	return c.Request.Header.Get(key)
}

// Body returns the request body
func (c *Context) Body() []byte {
	return c.Request.Body
}

// Bind decodes the body into v according to Content-Type
func (c *Context) Bind(v any) error {
	cd, err := codec.ForContentType(c.Header(HeaderContentType))
	if err != nil {
		return Errorf(nethttp.StatusUnsupportedMediaType, "unsupported content type %q", c.Header(HeaderContentType))
	}
	if len(c.Request.Body) == 0 {
		return NewError(nethttp.StatusBadRequest, "empty request body")
	}
	if err := cd.Decode(c.Request.Body, v); err != nil {
		return &Error{Status: nethttp.StatusBadRequest, Message: "malformed " + cd.Name() + " body", Err: err}
	}
	return nil
}

// String creates a text response
func (c *Context) String(status int, s string) *Response {
	return Text(status, s)
}

// JSON creates a JSON response
func (c *Context) JSON(status int, v any) *Response {
	return JSON(status, v)
}

// Negotiate encodes v with the codec the client accepts
func (c *Context) Negotiate(status int, v any) *Response {
	cd := codec.Negotiate(c.Header(HeaderAccept), v)
	data, err := cd.Encode(v)
	if err != nil {
		return Text(nethttp.StatusInternalServerError, cd.Name()+" marshal error")
	}
	return Data(status, cd.ContentType(), data)
}

// Error creates a {"code","message"} error response
func (c *Context) Error(status int, message string) *Response {
	return ErrorResponse(NewError(status, message))
}
