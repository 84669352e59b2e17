package http

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readFrom(t *testing.T, p *Parser, raw string) (*Request, error) {
	t.Helper()
	return p.ReadRequest(bufio.NewReader(strings.NewReader(raw)), nil)
}

// TestParseRequestBasic tests a simple GET
func TestParseRequestBasic(t *testing.T) {
	req, err := ParseRequest([]byte("GET /person/42?verbose=1&x=a%20b HTTP/1.1\r\nHost: example.com\r\nUser-Agent: test/1.0\r\nX-Multi: a\r\nx-multi: b\r\n\r\n"))
	require.NoError(t, err)

	assert.Equal(t, "GET", req.Method)
	assert.Equal(t, "/person/42?verbose=1&x=a%20b", req.Target)
	assert.Equal(t, "/person/42", req.Path)
	assert.Equal(t, "verbose=1&x=a%20b", req.RawQuery)
	assert.Equal(t, "1", req.Query("verbose"))
	assert.Equal(t, "a b", req.Query("x"))
	assert.Equal(t, "HTTP/1.1", req.Proto)
	assert.Equal(t, "example.com", req.Host)
	assert.Equal(t, "test/1.0", req.Header.Get("user-agent"))
	assert.Equal(t, []string{"a", "b"}, req.Header.Values("X-Multi"))
	assert.True(t, req.KeepAlive())
	assert.Empty(t, req.Body)
}

// TestParseRequestContentLength tests fixed-length bodies
func TestParseRequestContentLength(t *testing.T) {
	req, err := ParseRequest([]byte("POST /person/1 HTTP/1.1\r\nHost: h\r\nContent-Length: 13\r\nContent-Type: application/json\r\n\r\n{\"name\":\"a\"}\n"))
	require.NoError(t, err)
	assert.Equal(t, int64(13), req.ContentLength)
	assert.Equal(t, "{\"name\":\"a\"}\n", string(req.Body))
}

// TestParseRequestChunked tests chunked bodies with a trailer
func TestParseRequestChunked(t *testing.T) {
	raw := "POST /upload HTTP/1.1\r\nHost: h\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"5\r\nhello\r\n" +
		"6\r\n world\r\n" +
		"0\r\nX-Checksum: abc\r\n\r\n" +
		"GET /next HTTP/1.1\r\nHost: h\r\n\r\n"

	p := NewParser(Limits{})
	br := bufio.NewReader(strings.NewReader(raw))

	req, err := p.ReadRequest(br, nil)
	require.NoError(t, err)
	assert.True(t, req.Chunked)
	assert.Equal(t, "hello world", string(req.Body))
	assert.Equal(t, int64(11), req.ContentLength)

	// The trailer is consumed; the pipelined request follows cleanly.
	next, err := p.ReadRequest(br, nil)
	require.NoError(t, err)
	assert.Equal(t, "/next", next.Path)

	_, err = p.ReadRequest(br, nil)
	assert.Equal(t, io.EOF, err)
}

// TestParseRequestKeepAlive tests persistence defaults per version
func TestParseRequestKeepAlive(t *testing.T) {
	tests := []struct {
		raw       string
		keepAlive bool
	}{
		{"GET / HTTP/1.1\r\nHost: h\r\n\r\n", true},
		{"GET / HTTP/1.1\r\nHost: h\r\nConnection: close\r\n\r\n", false},
		{"GET / HTTP/1.1\r\nHost: h\r\nConnection: Upgrade, Close\r\n\r\n", false},
		{"GET / HTTP/1.0\r\n\r\n", false},
		{"GET / HTTP/1.0\r\nConnection: keep-alive\r\n\r\n", true},
	}
	for _, tt := range tests {
		req, err := ParseRequest([]byte(tt.raw))
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.keepAlive, req.KeepAlive(), tt.raw)
	}
}

// TestParseRequestMalformed tests that bad input maps to the right status
func TestParseRequestMalformed(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		status int
		err    error
	}{
		{"no version", "GET /\r\n\r\n", 400, ErrMalformedRequestLine},
		{"garbage", "\x16\x03\x01\x02\x00\r\n\r\n", 400, ErrMalformedRequestLine},
		{"bad method", "G(T / HTTP/1.1\r\nHost: h\r\n\r\n", 400, ErrMalformedRequestLine},
		{"bad version", "GET / HTTX/1.1\r\nHost: h\r\n\r\n", 400, ErrMalformedRequestLine},
		{"http2", "GET / HTTP/2.0\r\nHost: h\r\n\r\n", 505, ErrUnsupportedVersion},
		{"http 1.2", "GET / HTTP/1.2\r\nHost: h\r\n\r\n", 505, ErrUnsupportedVersion},
		{"relative target", "GET foo HTTP/1.1\r\nHost: h\r\n\r\n", 400, ErrMalformedRequestLine},
		{"asterisk with GET", "GET * HTTP/1.1\r\nHost: h\r\n\r\n", 400, ErrMalformedRequestLine},
		{"connect", "CONNECT h:443 HTTP/1.1\r\nHost: h\r\n\r\n", 501, ErrMethodNotImplemented},
		{"missing host", "GET / HTTP/1.1\r\n\r\n", 400, ErrMissingHost},
		{"double host", "GET / HTTP/1.1\r\nHost: a\r\nHost: b\r\n\r\n", 400, ErrMalformedHeader},
		{"no colon", "GET / HTTP/1.1\r\nHost h\r\n\r\n", 400, ErrMalformedHeader},
		{"space before colon", "GET / HTTP/1.1\r\nHost : h\r\n\r\n", 400, ErrMalformedHeader},
		{"folding", "GET / HTTP/1.1\r\nHost: h\r\nX-A: 1\r\n  2\r\n\r\n", 400, ErrMalformedHeader},
		{"te and cl", "POST / HTTP/1.1\r\nHost: h\r\nContent-Length: 3\r\nTransfer-Encoding: chunked\r\n\r\n0\r\n\r\n", 400, ErrAmbiguousFraming},
		{"gzip te", "POST / HTTP/1.1\r\nHost: h\r\nTransfer-Encoding: gzip, chunked\r\n\r\n", 501, ErrUnsupportedTransferEncoding},
		{"negative cl", "POST / HTTP/1.1\r\nHost: h\r\nContent-Length: -1\r\n\r\n", 400, ErrBadContentLength},
		{"signed cl", "POST / HTTP/1.1\r\nHost: h\r\nContent-Length: +3\r\n\r\nabc", 400, ErrBadContentLength},
		{"conflicting cl", "POST / HTTP/1.1\r\nHost: h\r\nContent-Length: 3\r\nContent-Length: 4\r\n\r\nabcd", 400, ErrBadContentLength},
		{"short body", "POST / HTTP/1.1\r\nHost: h\r\nContent-Length: 10\r\n\r\nabc", 400, ErrUnexpectedEOF},
		{"bad chunk", "POST / HTTP/1.1\r\nHost: h\r\nTransfer-Encoding: chunked\r\n\r\nzz\r\nabc\r\n", 400, ErrMalformedChunk},
		{"expect", "POST / HTTP/1.1\r\nHost: h\r\nExpect: something\r\nContent-Length: 1\r\n\r\na", 417, ErrExpectationFailed},
		{"truncated header", "GET / HTTP/1.1\r\nHost: h\r\n", 400, ErrUnexpectedEOF},
		{"truncated line", "GET / HTT", 400, ErrUnexpectedEOF},
		{"empty", "", 400, ErrUnexpectedEOF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRequest([]byte(tt.raw))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, tt.status, StatusOf(err))
		})
	}
}

// TestParseRequestLimits tests size limits
func TestParseRequestLimits(t *testing.T) {
	p := NewParser(Limits{
		MaxRequestLineBytes: 32,
		MaxHeaderBytes:      64,
		MaxHeaderCount:      3,
		MaxBodyBytes:        8,
	})

	_, err := readFrom(t, p, "GET /"+strings.Repeat("a", 64)+" HTTP/1.1\r\nHost: h\r\n\r\n")
	assert.ErrorIs(t, err, ErrURITooLong)
	assert.Equal(t, 414, StatusOf(err))

	_, err = readFrom(t, p, "GET / HTTP/1.1\r\nHost: h\r\nX-Big: "+strings.Repeat("b", 80)+"\r\n\r\n")
	assert.ErrorIs(t, err, ErrHeaderTooLarge)
	assert.Equal(t, 431, StatusOf(err))

	_, err = readFrom(t, p, "GET / HTTP/1.1\r\nHost: h\r\nA: 1\r\nB: 2\r\nC: 3\r\n\r\n")
	assert.ErrorIs(t, err, ErrHeaderTooLarge)

	_, err = readFrom(t, p, "POST / HTTP/1.1\r\nHost: h\r\nContent-Length: 9\r\n\r\n123456789")
	assert.ErrorIs(t, err, ErrBodyTooLarge)
	assert.Equal(t, 413, StatusOf(err))

	_, err = readFrom(t, p, "POST / HTTP/1.1\r\nHost: h\r\nTransfer-Encoding: chunked\r\n\r\n9\r\n123456789\r\n0\r\n\r\n")
	assert.ErrorIs(t, err, ErrBodyTooLarge)

	req, err := readFrom(t, p, "POST / HTTP/1.1\r\nHost: h\r\nContent-Length: 8\r\n\r\n12345678")
	require.NoError(t, err)
	assert.Equal(t, "12345678", string(req.Body))
}

// TestParseRequestContinue tests the 100-continue callback
func TestParseRequestContinue(t *testing.T) {
	p := NewParser(Limits{})
	called := 0
	cont := func() error {
		called++
		return nil
	}

	raw := "POST / HTTP/1.1\r\nHost: h\r\nExpect: 100-continue\r\nContent-Length: 2\r\n\r\nok"
	req, err := p.ReadRequest(bufio.NewReader(strings.NewReader(raw)), cont)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(req.Body))
	assert.Equal(t, 1, called)

	// No body means no interim response.
	raw = "GET / HTTP/1.1\r\nHost: h\r\nExpect: 100-continue\r\n\r\n"
	_, err = p.ReadRequest(bufio.NewReader(strings.NewReader(raw)), cont)
	require.NoError(t, err)
	assert.Equal(t, 1, called)

	failing := func() error { return errors.New("write failed") }
	raw = "POST / HTTP/1.1\r\nHost: h\r\nExpect: 100-continue\r\nContent-Length: 2\r\n\r\nok"
	_, err = p.ReadRequest(bufio.NewReader(strings.NewReader(raw)), failing)
	assert.EqualError(t, err, "write failed")
}

// TestParseRequestForms tests absolute-form and asterisk-form targets
func TestParseRequestForms(t *testing.T) {
	req, err := ParseRequest([]byte("GET http://example.com:8080/a%2Fb?q=1 HTTP/1.1\r\nHost: example.com:8080\r\n\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "/a%2Fb", req.Path)
	assert.Equal(t, "q=1", req.RawQuery)
	assert.Equal(t, "example.com:8080", req.Host)

	req, err = ParseRequest([]byte("OPTIONS * HTTP/1.1\r\nHost: h\r\n\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "*", req.Path)
}

// TestParseRequestLeadingBlankLines tests skipping stray CRLFs between requests
func TestParseRequestLeadingBlankLines(t *testing.T) {
	req, err := ParseRequest([]byte("\r\n\r\nGET / HTTP/1.0\r\n\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.0", req.Proto)
}

// TestReadRequestEOF tests clean EOF between requests
func TestReadRequestEOF(t *testing.T) {
	p := NewParser(Limits{})
	_, err := readFrom(t, p, "")
	assert.Equal(t, io.EOF, err)

	_, err = readFrom(t, p, "\r\n")
	assert.Equal(t, io.EOF, err)
}

// BenchmarkParseRequest benchmarks parsing a typical request
func BenchmarkParseRequest(b *testing.B) {
	raw := "GET /person/42?verbose=1 HTTP/1.1\r\nHost: example.com\r\nUser-Agent: bench\r\nAccept: */*\r\n\r\n"
	p := NewParser(Limits{})

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := p.ReadRequest(bufio.NewReader(strings.NewReader(raw)), nil); err != nil {
			b.Fatal(err)
		}
	}
}
