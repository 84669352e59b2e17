package http

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	nethttp "net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Limits bounds the size of a request
type Limits struct {
	MaxRequestLineBytes int   // 414 when exceeded
	MaxHeaderBytes      int   // 431 when exceeded
	MaxHeaderCount      int   // 431 when exceeded
	MaxBodyBytes        int64 // 413 when exceeded
}

// DefaultLimits returns the limits used when a field is zero
func DefaultLimits() Limits {
	return Limits{
		MaxRequestLineBytes: 8 * 1024,
		MaxHeaderBytes:      32 * 1024,
		MaxHeaderCount:      100,
		MaxBodyBytes:        4 << 20,
	}
}

// maxLeadingBlankLines is how many stray CRLFs are skipped before a request line
const maxLeadingBlankLines = 4

// Parser reads HTTP/1.0 and HTTP/1.1 requests
type Parser struct {
	limits Limits
}

// NewParser creates a parser; zero limits take their defaults
func NewParser(limits Limits) *Parser {
	def := DefaultLimits()
	if limits.MaxRequestLineBytes <= 0 {
		limits.MaxRequestLineBytes = def.MaxRequestLineBytes
	}
	if limits.MaxHeaderBytes <= 0 {
		limits.MaxHeaderBytes = def.MaxHeaderBytes
	}
	if limits.MaxHeaderCount <= 0 {
		limits.MaxHeaderCount = def.MaxHeaderCount
	}
	if limits.MaxBodyBytes <= 0 {
		limits.MaxBodyBytes = def.MaxBodyBytes
	}
	return &Parser{limits: limits}
}

// Limits returns the effective limits
func (p *Parser) Limits() Limits {
	return p.limits
}

// ParseRequest parses a single complete request held in data
func ParseRequest(data []byte) (*Request, error) {
	req, err := NewParser(Limits{}).ReadRequest(bufio.NewReader(bytes.NewReader(data)), nil)
	if errors.Is(err, io.EOF) {
		return nil, parseError(nethttp.StatusBadRequest, ErrUnexpectedEOF, "empty input")
	}
	return req, err
}

// ReadRequest reads the next request from br. It returns io.EOF only when the
// peer closed the connection before sending any byte of a request; every other
// failure is an *Error with the status to answer with.
//
// onContinue, if not nil, is called before reading the body of a request that
// sent Expect: 100-continue.
func (p *Parser) ReadRequest(br *bufio.Reader, onContinue func() error) (*Request, error) {
	line, err := p.readRequestLine(br)
	if err != nil {
		return nil, err
	}

	req, err := parseRequestLine(line)
	if err != nil {
		return nil, err
	}

	if req.Header, err = p.readHeader(br); err != nil {
		return nil, err
	}

	if err := p.checkHeader(req); err != nil {
		return nil, err
	}

	if req.ContentLength != 0 && req.ExpectsContinue() && req.ProtoAtLeast(1, 1) && onContinue != nil {
		if err := onContinue(); err != nil {
			return nil, err
		}
	}

	if err := p.readBody(br, req); err != nil {
		return nil, err
	}
	return req, nil
}

func (p *Parser) readRequestLine(br *bufio.Reader) (string, error) {
	for i := 0; ; i++ {
		line, err := readLine(br, p.limits.MaxRequestLineBytes)
		if err != nil {
			switch {
			case errors.Is(err, errLineTooLong):
				return "", parseError(nethttp.StatusRequestURITooLong, ErrURITooLong, "")
			case err == io.EOF:
				return "", io.EOF
			case errors.Is(err, io.ErrUnexpectedEOF):
				return "", parseError(nethttp.StatusBadRequest, ErrUnexpectedEOF, "")
			default:
				return "", err
			}
		}
		if len(line) > 0 {
			return string(line), nil
		}
		if i >= maxLeadingBlankLines {
			return "", parseError(nethttp.StatusBadRequest, ErrMalformedRequestLine, "too many blank lines")
		}
	}
}

func parseRequestLine(line string) (*Request, error) {
	method, rest, ok1 := strings.Cut(line, " ")
	target, proto, ok2 := strings.Cut(rest, " ")
	if !ok1 || !ok2 || method == "" || target == "" {
		return nil, parseError(nethttp.StatusBadRequest, ErrMalformedRequestLine, "")
	}
	if !httpguts.ValidHeaderFieldName(method) {
		return nil, parseError(nethttp.StatusBadRequest, ErrMalformedRequestLine, "bad method")
	}

	major, minor, ok := parseHTTPVersion(proto)
	if !ok {
		return nil, parseError(nethttp.StatusBadRequest, ErrMalformedRequestLine, "bad version")
	}
	if major != 1 || minor > 1 {
		return nil, parseError(nethttp.StatusHTTPVersionNotSupported, ErrUnsupportedVersion, proto)
	}

	if method == "CONNECT" {
		return nil, parseError(nethttp.StatusNotImplemented, ErrMethodNotImplemented, method)
	}

	req := &Request{
		Method:     method,
		Target:     target,
		Proto:      proto,
		ProtoMajor: major,
		ProtoMinor: minor,
	}

	for i := 0; i < len(target); i++ {
		if c := target[i]; c <= ' ' || c == 0x7f {
			return nil, parseError(nethttp.StatusBadRequest, ErrMalformedRequestLine, "bad request-target")
		}
	}

	switch {
	case target == "*":
		if method != "OPTIONS" {
			return nil, parseError(nethttp.StatusBadRequest, ErrMalformedRequestLine, "asterisk-form requires OPTIONS")
		}
		req.Path = "*"
	case target[0] == '/':
		req.Path, req.RawQuery, _ = strings.Cut(target, "?")
		if i := strings.IndexByte(req.RawQuery, '#'); i >= 0 {
			req.RawQuery = req.RawQuery[:i]
		}
	default:
		// absolute-form
		u, err := url.ParseRequestURI(target)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return nil, parseError(nethttp.StatusBadRequest, ErrMalformedRequestLine, "bad request-target")
		}
		req.Host = u.Host
		req.Path = u.EscapedPath()
		if req.Path == "" {
			req.Path = "/"
		}
		req.RawQuery = u.RawQuery
	}
	return req, nil
}

// parseHTTPVersion accepts exactly "HTTP/d.d"
func parseHTTPVersion(v string) (major, minor int, ok bool) {
	if len(v) != len("HTTP/1.1") || !strings.HasPrefix(v, "HTTP/") || v[6] != '.' {
		return 0, 0, false
	}
	if v[5] < '0' || v[5] > '9' || v[7] < '0' || v[7] > '9' {
		return 0, 0, false
	}
	return int(v[5] - '0'), int(v[7] - '0'), true
}

func (p *Parser) readHeader(br *bufio.Reader) (Header, error) {
	h := make(Header)
	total := 0
	count := 0

	for {
		remaining := p.limits.MaxHeaderBytes - total
		if remaining < 0 {
			remaining = 0
		}
		line, err := readLine(br, remaining)
		if err != nil {
			if errors.Is(err, errLineTooLong) {
				return nil, parseError(nethttp.StatusRequestHeaderFieldsTooLarge, ErrHeaderTooLarge, "")
			}
			if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, parseError(nethttp.StatusBadRequest, ErrUnexpectedEOF, "")
			}
			return nil, err
		}
		total += len(line) + 2

		if len(line) == 0 {
			return h, nil
		}

		if line[0] == ' ' || line[0] == '\t' {
			return nil, parseError(nethttp.StatusBadRequest, ErrMalformedHeader, "obsolete line folding")
		}

		count++
		if count > p.limits.MaxHeaderCount {
			return nil, parseError(nethttp.StatusRequestHeaderFieldsTooLarge, ErrHeaderTooLarge, "too many fields")
		}

		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			return nil, parseError(nethttp.StatusBadRequest, ErrMalformedHeader, "")
		}
		name := string(line[:colon])
		if !httpguts.ValidHeaderFieldName(name) {
			return nil, parseError(nethttp.StatusBadRequest, ErrMalformedHeader, "bad field name")
		}
		value := string(bytes.Trim(line[colon+1:], " \t"))
		if !httpguts.ValidHeaderFieldValue(value) {
			return nil, parseError(nethttp.StatusBadRequest, ErrMalformedHeader, "bad value for "+name)
		}
		h.Add(name, value)
	}
}

// checkHeader validates Host, framing and expectations, and sets the
// connection persistence flag.
func (p *Parser) checkHeader(req *Request) error {
	h := req.Header

	hosts := h.Values(HeaderHost)
	switch {
	case len(hosts) > 1:
		return parseError(nethttp.StatusBadRequest, ErrMalformedHeader, "multiple Host fields")
	case len(hosts) == 1:
		if !httpguts.ValidHostHeader(hosts[0]) {
			return parseError(nethttp.StatusBadRequest, ErrMalformedHeader, "bad Host")
		}
		if req.Host == "" {
			req.Host = hosts[0]
		}
	case req.ProtoAtLeast(1, 1):
		return parseError(nethttp.StatusBadRequest, ErrMissingHost, "")
	}

	te := h.Values(HeaderTransferEncoding)
	cl := h.Values(HeaderContentLength)

	if len(te) > 0 {
		if len(cl) > 0 {
			return parseError(nethttp.StatusBadRequest, ErrAmbiguousFraming, "")
		}
		if len(te) != 1 || !strings.EqualFold(strings.TrimSpace(te[0]), "chunked") {
			return parseError(nethttp.StatusNotImplemented, ErrUnsupportedTransferEncoding, strings.Join(te, ", "))
		}
		req.Chunked = true
		req.ContentLength = -1
	} else if len(cl) > 0 {
		n, err := parseContentLength(cl)
		if err != nil {
			return err
		}
		if n > p.limits.MaxBodyBytes {
			return parseError(nethttp.StatusRequestEntityTooLarge, ErrBodyTooLarge, "")
		}
		req.ContentLength = n
	}

	if expect := h.Get(HeaderExpect); expect != "" && !strings.EqualFold(expect, "100-continue") {
		return parseError(nethttp.StatusExpectationFailed, ErrExpectationFailed, expect)
	}

	req.Close = wantsClose(req.ProtoMajor, req.ProtoMinor, h)
	return nil
}

// parseContentLength accepts repeated fields or lists only when every value agrees
func parseContentLength(values []string) (int64, error) {
	var n int64 = -1
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				return 0, parseError(nethttp.StatusBadRequest, ErrBadContentLength, "")
			}
			for i := 0; i < len(part); i++ {
				if part[i] < '0' || part[i] > '9' {
					return 0, parseError(nethttp.StatusBadRequest, ErrBadContentLength, part)
				}
			}
			v, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				return 0, parseError(nethttp.StatusBadRequest, ErrBadContentLength, part)
			}
			if n >= 0 && v != n {
				return 0, parseError(nethttp.StatusBadRequest, ErrBadContentLength, "conflicting values")
			}
			n = v
		}
	}
	return n, nil
}

func (p *Parser) readBody(br *bufio.Reader, req *Request) error {
	if req.Chunked {
		body, err := io.ReadAll(io.LimitReader(httputil.NewChunkedReader(br), p.limits.MaxBodyBytes+1))
		if err != nil {
			return parseError(nethttp.StatusBadRequest, ErrMalformedChunk, err.Error())
		}
		if int64(len(body)) > p.limits.MaxBodyBytes {
			return parseError(nethttp.StatusRequestEntityTooLarge, ErrBodyTooLarge, "")
		}
		if err := p.skipTrailer(br); err != nil {
			return err
		}
		req.Body = body
		req.ContentLength = int64(len(body))
		return nil
	}

	if req.ContentLength <= 0 {
		return nil
	}
	req.Body = make([]byte, req.ContentLength)
	if _, err := io.ReadFull(br, req.Body); err != nil {
		req.Body = nil
		return parseError(nethttp.StatusBadRequest, ErrUnexpectedEOF, "short body")
	}
	return nil
}

// skipTrailer discards the trailer section after the last chunk
func (p *Parser) skipTrailer(br *bufio.Reader) error {
	total := 0
	for {
		line, err := readLine(br, p.limits.MaxHeaderBytes-total)
		if err != nil {
			if errors.Is(err, errLineTooLong) {
				return parseError(nethttp.StatusRequestHeaderFieldsTooLarge, ErrHeaderTooLarge, "trailer")
			}
			return parseError(nethttp.StatusBadRequest, ErrMalformedChunk, "truncated trailer")
		}
		if len(line) == 0 {
			return nil
		}
		total += len(line) + 2
	}
}

var errLineTooLong = errors.New("line too long")

// readLine reads a line terminated by LF, strips the CRLF or LF, and fails
// with errLineTooLong once the content exceeds max bytes. A bare io.EOF with
// a nil line means nothing was read.
func readLine(br *bufio.Reader, max int) ([]byte, error) {
	var line []byte
	for {
		chunk, err := br.ReadSlice('\n')
		if len(line)+len(chunk) > max+2 {
			return nil, errLineTooLong
		}
		line = append(line, chunk...)
		if err == nil {
			break
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err == io.EOF && len(line) > 0 {
			return line, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	line = line[:len(line)-1]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line, nil
}
