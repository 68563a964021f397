package http

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseAll(t *testing.T, raw string) (*Request, int) {
	t.Helper()
	req, n, err := Parse([]byte(raw), ParserLimits{})
	require.NoError(t, err)
	return req, n
}

func TestParseSimpleGet(t *testing.T) {
	raw := "GET /users/42?fields=name&tag=a&tag=b HTTP/1.1\r\nHost: example.com\r\nAccept: */*\r\n\r\n"
	req, n := parseAll(t, raw)

	assert.Equal(t, len(raw), n)
	assert.Equal(t, "GET", req.Method)
	assert.Equal(t, "/users/42", req.Path)
	assert.Equal(t, "HTTP/1.1", req.Proto)
	assert.Equal(t, "example.com", req.Header("host"))
	assert.Equal(t, "name", req.Query("fields"))
	assert.Equal(t, []string{"a", "b"}, req.QueryValues("tag"))
	assert.Empty(t, req.Body)
}

func TestParseContentLengthBody(t *testing.T) {
	raw := "POST /echo HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\n\r\nhelloGET /next"
	req, n := parseAll(t, raw)

	assert.Equal(t, []byte("hello"), req.Body)
	// Consumption stops at the body end so the pipelined request survives.
	assert.Equal(t, "GET /next", raw[n:])
}

func TestParseIncrementalSplitReads(t *testing.T) {
	raw := "POST /a HTTP/1.1\r\nContent-Length: 4\r\nHost: x\r\n\r\nbody"

	// Every prefix short of the full message is incomplete, never an error.
	for i := 0; i < len(raw); i++ {
		_, _, err := Parse([]byte(raw[:i]), ParserLimits{})
		require.ErrorIs(t, err, ErrIncomplete, "prefix of %d bytes", i)
	}

	req, n := parseAll(t, raw)
	assert.Equal(t, len(raw), n)
	assert.Equal(t, []byte("body"), req.Body)
}

func TestParseChunkedBody(t *testing.T) {
	raw := "POST /up HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"4\r\nWiki\r\n5;ext=1\r\npedia\r\n0\r\n\r\n"
	req, n := parseAll(t, raw)

	assert.Equal(t, []byte("Wikipedia"), req.Body)
	assert.Equal(t, len(raw), n)
}

func TestParseChunkedHugeSizeRejected(t *testing.T) {
	// A near-MaxInt64 chunk size after accumulated body bytes must fail
	// the limit check cleanly, never wrap around into the slice bounds.
	raw := "POST /up HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"1\r\nA\r\n7fffffffffffffff\r\nxx\r\n"

	var pe *ProtocolError
	require.NotPanics(t, func() {
		_, _, err := Parse([]byte(raw), ParserLimits{})
		require.ErrorAs(t, err, &pe)
	})
	assert.Equal(t, 413, pe.Status)
	assert.True(t, pe.StartLine)
}

func TestParseChunkedIncomplete(t *testing.T) {
	raw := "POST /up HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n4\r\nWik"
	_, _, err := Parse([]byte(raw), ParserLimits{})
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestParseBareLFFraming(t *testing.T) {
	req, _ := parseAll(t, "GET /x HTTP/1.1\nHost: y\n\n")
	assert.Equal(t, "/x", req.Path)
	assert.Equal(t, "y", req.Header("Host"))
}

func TestParseMalformed(t *testing.T) {
	cases := []struct {
		name      string
		raw       string
		status    int
		startLine bool
	}{
		{"garbage start-line", "NOT A REQUEST\r\n\r\n", 400, false},
		{"missing slash", "GET index.html HTTP/1.1\r\n\r\n", 400, false},
		{"bad protocol", "GET / SPDY/3\r\n\r\n", 400, false},
		{"space in header key", "GET / HTTP/1.1\r\nBad Key: v\r\n\r\n", 400, true},
		{"header without colon", "GET / HTTP/1.1\r\nnovaluehere\r\n\r\n", 400, true},
		{"negative content length", "POST / HTTP/1.1\r\nContent-Length: -1\r\n\r\n", 400, true},
		{"unsupported transfer encoding", "POST / HTTP/1.1\r\nTransfer-Encoding: gzip\r\n\r\n", 501, true},
		{"chunk size overflow", "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n7fffffffffffffff\r\nxx\r\n", 413, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := Parse([]byte(tc.raw), ParserLimits{})
			var pe *ProtocolError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tc.status, pe.Status)
			assert.Equal(t, tc.startLine, pe.StartLine)
		})
	}
}

func TestParseHeaderLimit(t *testing.T) {
	limits := ParserLimits{MaxHeaderBytes: 128, MaxBodyBytes: 1024}

	raw := "GET / HTTP/1.1\r\nX-Pad: " + strings.Repeat("a", 200) + "\r\n\r\n"
	_, _, err := Parse([]byte(raw), limits)

	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 431, pe.Status)
	// The start-line parsed, so an error response can be synthesized.
	assert.True(t, pe.StartLine)
}

func TestParseHeaderLimitBeforeStartLine(t *testing.T) {
	limits := ParserLimits{MaxHeaderBytes: 16, MaxBodyBytes: 1024}

	// No line break within the limit: nothing trustworthy to respond to.
	_, _, err := Parse([]byte(strings.Repeat("a", 64)), limits)

	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 431, pe.Status)
	assert.False(t, pe.StartLine)
}

func TestParseBodyLimit(t *testing.T) {
	limits := ParserLimits{MaxHeaderBytes: 1024, MaxBodyBytes: 8}

	raw := "POST / HTTP/1.1\r\nContent-Length: 100\r\n\r\n"
	_, _, err := Parse([]byte(raw), limits)

	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 413, pe.Status)
	assert.True(t, pe.StartLine)
}

func TestParseCopiesOutOfReadBuffer(t *testing.T) {
	raw := []byte("POST /p?q=v HTTP/1.1\r\nHost: h\r\nContent-Length: 3\r\n\r\nabc")
	req, _, err := Parse(raw, ParserLimits{})
	require.NoError(t, err)

	// Clobber the read buffer the way a recycled pool buffer would be.
	for i := range raw {
		raw[i] = 'z'
	}

	assert.Equal(t, "/p", req.Path)
	assert.Equal(t, "h", req.Header("Host"))
	assert.Equal(t, "v", req.Query("q"))
	assert.Equal(t, []byte("abc"), req.Body)
}

func TestWantsClose(t *testing.T) {
	req, _ := parseAll(t, "GET / HTTP/1.1\r\n\r\n")
	assert.False(t, req.WantsClose())

	req, _ = parseAll(t, "GET / HTTP/1.1\r\nConnection: close\r\n\r\n")
	assert.True(t, req.WantsClose())

	req, _ = parseAll(t, "GET / HTTP/1.0\r\n\r\n")
	assert.True(t, req.WantsClose())

	req, _ = parseAll(t, "GET / HTTP/1.0\r\nConnection: keep-alive\r\n\r\n")
	assert.False(t, req.WantsClose())
}
