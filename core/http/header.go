package http

import (
	"net/textproto"
	"sort"
)

// HTTP header constants
const (
	HeaderAllow            = "Allow"
	HeaderAccept           = "Accept"
	HeaderConnection       = "Connection"
	HeaderContentLength    = "Content-Length"
	HeaderContentType      = "Content-Type"
	HeaderDate             = "Date"
	HeaderExpect           = "Expect"
	HeaderHost             = "Host"
	HeaderRetryAfter       = "Retry-After"
	HeaderServer           = "Server"
	HeaderTransferEncoding = "Transfer-Encoding"
	HeaderUserAgent        = "User-Agent"
	HeaderRequestID        = "X-Request-Id"
)

// Header maps canonical MIME header keys to their values
type Header map[string][]string

// Get returns the first value for key
func (h Header) Get(key string) string {
	if v := h[textproto.CanonicalMIMEHeaderKey(key)]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// Values returns every value for key
func (h Header) Values(key string) []string {
	return h[textproto.CanonicalMIMEHeaderKey(key)]
}

// Set replaces the values for key
func (h Header) Set(key, value string) {
	h[textproto.CanonicalMIMEHeaderKey(key)] = []string{value}
}

// Add appends a value for key
func (h Header) Add(key, value string) {
	key = textproto.CanonicalMIMEHeaderKey(key)
	h[key] = append(h[key], value)
}

// Del removes key
func (h Header) Del(key string) {
	delete(h, textproto.CanonicalMIMEHeaderKey(key))
}

// Has reports whether key is present
func (h Header) Has(key string) bool {
	_, ok := h[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}

// Clone returns a deep copy
func (h Header) Clone() Header {
	if h == nil {
		return nil
	}
	out := make(Header, len(h))
	for k, v := range h {
		out[k] = append([]string(nil), v...)
	}
	return out
}

func (h Header) sortedKeys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
