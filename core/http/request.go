package http

import (
	"net/url"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Request is a fully read HTTP/1.x request
type Request struct {
	Method     string
	Target     string // request-target as sent
	Path       string // escaped path used for routing
	RawQuery   string
	Proto      string
	ProtoMajor int
	ProtoMinor int

	Header Header
	Host   string

	// ContentLength is the body length in bytes; -1 for chunked bodies
	// until they are read, after which it holds the decoded size.
	ContentLength int64
	Chunked       bool
	Body          []byte

	// Close is set when the connection must be closed after the response
	Close bool

	RemoteAddr string

	query url.Values
}

// ProtoAtLeast reports whether the request version is at least major.minor
func (r *Request) ProtoAtLeast(major, minor int) bool {
	return r.ProtoMajor > major || r.ProtoMajor == major && r.ProtoMinor >= minor
}

// KeepAlive reports whether the client allows the connection to be reused
func (r *Request) KeepAlive() bool {
	return !r.Close
}

// Query returns the first value of a query parameter
func (r *Request) Query(key string) string {
	return r.QueryValues().Get(key)
}

// QueryValues parses RawQuery on first use. Malformed pairs are dropped.
func (r *Request) QueryValues() url.Values {
	if r.query == nil {
		r.query, _ = url.ParseQuery(r.RawQuery)
		if r.query == nil {
			r.query = url.Values{}
		}
	}
	return r.query
}

// ExpectsContinue reports whether the client sent Expect: 100-continue
func (r *Request) ExpectsContinue() bool {
	return strings.EqualFold(r.Header.Get(HeaderExpect), "100-continue")
}

// wantsClose applies the HTTP/1.0 and HTTP/1.1 persistence defaults
func wantsClose(major, minor int, h Header) bool {
	conn := h.Values(HeaderConnection)
	if major == 1 && minor == 0 {
		return !httpguts.HeaderValuesContainsToken(conn, "keep-alive")
	}
	return httpguts.HeaderValuesContainsToken(conn, "close")
}
