package http

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"strings"

	"github.com/searchktools/dispatch-server/core/router"
)

// Parse errors. Each one is returned wrapped in an *Error carrying its status.
var (
	ErrMalformedRequestLine        = errors.New("malformed request line")
	ErrMalformedHeader             = errors.New("malformed header field")
	ErrUnsupportedVersion          = errors.New("unsupported HTTP version")
	ErrURITooLong                  = errors.New("request-target too long")
	ErrHeaderTooLarge              = errors.New("header section too large")
	ErrBodyTooLarge                = errors.New("request body too large")
	ErrMissingHost                 = errors.New("missing Host header")
	ErrAmbiguousFraming            = errors.New("both Transfer-Encoding and Content-Length present")
	ErrBadContentLength            = errors.New("invalid Content-Length")
	ErrUnsupportedTransferEncoding = errors.New("unsupported transfer coding")
	ErrMalformedChunk              = errors.New("malformed chunked body")
	ErrExpectationFailed           = errors.New("unsupported expectation")
	ErrUnexpectedEOF               = errors.New("connection closed mid-request")
	ErrMethodNotImplemented        = errors.New("method not implemented")
)

// Error is an error with an HTTP status. Message is shown to the client for
// statuses below 500.
type Error struct {
	Status  int
	Message string
	Header  Header // extra response headers, e.g. Retry-After
	Err     error
}

// NewError creates an error with a client-visible message
func NewError(status int, message string) *Error {
	return &Error{Status: status, Message: message}
}

// Errorf creates an error with a formatted message
func Errorf(status int, format string, args ...any) *Error {
	return &Error{Status: status, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a status to err
func WrapError(status int, err error) *Error {
	return &Error{Status: status, Message: err.Error(), Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil && e.Err.Error() != e.Message {
		return fmt.Sprintf("%d %s: %v", e.Status, e.Message, e.Err)
	}
	return fmt.Sprintf("%d %s", e.Status, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func parseError(status int, sentinel error, detail string) *Error {
	msg := sentinel.Error()
	if detail != "" {
		msg += ": " + detail
	}
	return &Error{Status: status, Message: msg, Err: sentinel}
}

// StatusOf maps err to the HTTP status it should produce
func StatusOf(err error) int {
	if err == nil {
		return nethttp.StatusOK
	}
	var he *Error
	switch {
	case errors.As(err, &he):
		return he.Status
	case errors.Is(err, router.ErrNotFound):
		return nethttp.StatusNotFound
	case errors.Is(err, router.ErrMethodNotAllowed):
		return nethttp.StatusMethodNotAllowed
	case errors.Is(err, router.ErrBadPath):
		return nethttp.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return nethttp.StatusServiceUnavailable
	default:
		return nethttp.StatusInternalServerError
	}
}

// ErrorResponse renders err as {"code":status,"message":msg}. Messages of
// 5xx errors are replaced by the status text.
func ErrorResponse(err error) *Response {
	status := StatusOf(err)

	msg := StatusText(status)
	if status < 500 {
		var he *Error
		if errors.As(err, &he) && he.Message != "" {
			msg = he.Message
		} else if err != nil {
			msg = err.Error()
		}
	}

	resp := JSON(status, map[string]any{
		"code":    status,
		"message": msg,
	})

	resp.Err = err

	var mna *router.MethodNotAllowedError
	if errors.As(err, &mna) {
		resp.Header.Set(HeaderAllow, strings.Join(mna.Allowed, ", "))
	}
	var he *Error
	if errors.As(err, &he) {
		for k, v := range he.Header {
			resp.Header[k] = append([]string(nil), v...)
		}
	}
	return resp
}

// StatusText returns the reason phrase for status
func StatusText(status int) string {
	if s := nethttp.StatusText(status); s != "" {
		return s
	}
	return "Unknown Status"
}
