package http

import (
	"bufio"
	nethttp "net/http"
	"strconv"
	"time"

	"github.com/searchktools/dispatch-server/core/codec"
	"github.com/searchktools/dispatch-server/core/pools"
	"golang.org/x/net/http/httpguts"
)

// Response is a complete HTTP response produced by a handler
type Response struct {
	Status int
	Header Header
	Body   []byte

	// Err is the error an ErrorResponse was rendered from. It is logged,
	// never written.
	Err error
}

// NewResponse creates an empty response with status
func NewResponse(status int) *Response {
	return &Response{Status: status, Header: make(Header)}
}

// Text creates a text/plain response
func Text(status int, s string) *Response {
	return Data(status, "text/plain; charset=utf-8", []byte(s))
}

// Data creates a response with an explicit content type
func Data(status int, contentType string, data []byte) *Response {
	r := NewResponse(status)
	r.Header.Set(HeaderContentType, contentType)
	r.Body = data
	return r
}

// JSON creates an application/json response. A value that cannot be
// marshalled yields a 500 text response.
func JSON(status int, v any) *Response {
	data, err := codec.JSON.Encode(v)
	if err != nil {
		return Text(nethttp.StatusInternalServerError, "JSON marshal error")
	}
	return Data(status, codec.ContentTypeJSON, data)
}

// NoContent creates a 204 response
func NoContent() *Response {
	return NewResponse(nethttp.StatusNoContent)
}

// WithHeader sets a header and returns r
func (r *Response) WithHeader(key, value string) *Response {
	if r.Header == nil {
		r.Header = make(Header)
	}
	r.Header.Set(key, value)
	return r
}

// WithBody replaces the body and returns r
func (r *Response) WithBody(body []byte) *Response {
	r.Body = body
	return r
}

// bodyAllowed reports whether status may carry a body
func bodyAllowed(status int) bool {
	switch {
	case status >= 100 && status <= 199:
		return false
	case status == nethttp.StatusNoContent, status == nethttp.StatusNotModified:
		return false
	}
	return true
}

// Framing headers owned by the writer; handler values are ignored.
var hopHeaders = map[string]bool{
	HeaderConnection:       true,
	HeaderContentLength:    true,
	HeaderTransferEncoding: true,
	"Keep-Alive":           true,
}

// ResponseWriter serializes responses onto a connection
type ResponseWriter struct {
	ServerName string
	Now        func() time.Time
}

// WriteContinue writes an interim 100 Continue response and flushes it
func (w *ResponseWriter) WriteContinue(bw *bufio.Writer) error {
	if _, err := bw.WriteString("HTTP/1.1 100 Continue\r\n\r\n"); err != nil {
		return err
	}
	return bw.Flush()
}

// Write serializes resp for req and flushes. keepAlive decides whether the
// connection stays open: a closing response always carries Connection: close,
// and a kept-alive HTTP/1.0 response carries Connection: keep-alive. req may
// be nil when the request could not be parsed. Interim (1xx) and out-of-range
// statuses are written as 500.
func (w *ResponseWriter) Write(bw *bufio.Writer, req *Request, resp *Response, keepAlive bool) error {
	status := resp.Status
	if status < 200 || status > 999 {
		status = nethttp.StatusInternalServerError
	}

	pooled := pools.AcquireBuffer(256 + len(resp.Body))
	defer pools.ReleaseBuffer(pooled)

	buf := append(*pooled, "HTTP/1.1 "...)
	buf = strconv.AppendInt(buf, int64(status), 10)
	buf = append(buf, ' ')
	buf = append(buf, StatusText(status)...)
	buf = append(buf, "\r\n"...)

	for _, k := range resp.Header.sortedKeys() {
		if hopHeaders[k] || !httpguts.ValidHeaderFieldName(k) {
			continue
		}
		for _, v := range resp.Header[k] {
			if !httpguts.ValidHeaderFieldValue(v) {
				continue
			}
			buf = appendHeader(buf, k, v)
		}
	}

	if !resp.Header.Has(HeaderDate) {
		now := time.Now
		if w.Now != nil {
			now = w.Now
		}
		buf = appendHeader(buf, HeaderDate, now().UTC().Format(nethttp.TimeFormat))
	}
	if w.ServerName != "" && !resp.Header.Has(HeaderServer) {
		buf = appendHeader(buf, HeaderServer, w.ServerName)
	}

	writeBody := bodyAllowed(status)
	if writeBody {
		buf = append(buf, "Content-Length: "...)
		buf = strconv.AppendInt(buf, int64(len(resp.Body)), 10)
		buf = append(buf, "\r\n"...)
	}

	http10 := req != nil && req.ProtoMajor == 1 && req.ProtoMinor == 0
	switch {
	case !keepAlive:
		buf = appendHeader(buf, HeaderConnection, "close")
	case http10:
		buf = appendHeader(buf, HeaderConnection, "keep-alive")
	}
	buf = append(buf, "\r\n"...)

	if writeBody && (req == nil || req.Method != "HEAD") {
		buf = append(buf, resp.Body...)
	}

	*pooled = buf
	if _, err := bw.Write(buf); err != nil {
		return err
	}
	return bw.Flush()
}

func appendHeader(buf []byte, k, v string) []byte {
	buf = append(buf, k...)
	buf = append(buf, ": "...)
	buf = append(buf, v...)
	return append(buf, "\r\n"...)
}
