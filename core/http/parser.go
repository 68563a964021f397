package http

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrIncomplete reports that the buffered bytes do not yet hold a full
// request. The caller keeps reading and retries with more data.
var ErrIncomplete = errors.New("http: incomplete request")

// ProtocolError is a connection-fatal framing error. StartLine reports
// whether a valid start-line had been parsed before the failure, which
// decides if an error response is synthesized or the socket just closed.
type ProtocolError struct {
	Status    int
	Reason    string
	StartLine bool
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("http: protocol error %d: %s", e.Status, e.Reason)
}

// ParserLimits bounds a single request's size.
type ParserLimits struct {
	MaxHeaderBytes int
	MaxBodyBytes   int
}

// DefaultLimits returns the parser limits used when none are configured.
func DefaultLimits() ParserLimits {
	return ParserLimits{
		MaxHeaderBytes: 16 * 1024,
		MaxBodyBytes:   1 << 20,
	}
}

// Parse attempts to parse one complete request from data, which may hold a
// partial message or several pipelined ones. On success it returns the
// request and the number of bytes consumed. The returned Request owns
// copies of everything; data may be reused immediately.
//
// Incremental use: feed the same growing buffer after every read until the
// result is no longer ErrIncomplete.
func Parse(data []byte, limits ParserLimits) (*Request, int, error) {
	if limits.MaxHeaderBytes <= 0 {
		limits.MaxHeaderBytes = DefaultLimits().MaxHeaderBytes
	}
	if limits.MaxBodyBytes <= 0 {
		limits.MaxBodyBytes = DefaultLimits().MaxBodyBytes
	}

	headEnd, sepLen := findHeaderEnd(data)
	if headEnd < 0 {
		if len(data) > limits.MaxHeaderBytes {
			return nil, 0, &ProtocolError{
				Status:    431,
				Reason:    "header section too large",
				StartLine: ValidStartLine(data),
			}
		}
		return nil, 0, ErrIncomplete
	}
	if headEnd > limits.MaxHeaderBytes {
		return nil, 0, &ProtocolError{
			Status:    431,
			Reason:    "header section too large",
			StartLine: ValidStartLine(data),
		}
	}

	head := data[:headEnd]
	lineEnd := bytes.IndexByte(head, '\n')
	if lineEnd < 0 {
		// Header terminator without a line break cannot happen, but
		// treat it as malformed rather than panic.
		return nil, 0, &ProtocolError{Status: 400, Reason: "malformed start-line"}
	}

	req := &Request{}
	if err := parseStartLine(trimCR(head[:lineEnd]), req); err != nil {
		return nil, 0, err
	}
	if err := parseHeaderLines(head[lineEnd+1:], req); err != nil {
		return nil, 0, err
	}

	bodyStart := headEnd + sepLen
	rest := data[bodyStart:]

	if te := strings.ToLower(req.Header("Transfer-Encoding")); te != "" {
		if te != "chunked" {
			return nil, 0, &ProtocolError{Status: 501, Reason: "unsupported transfer encoding", StartLine: true}
		}
		body, n, err := parseChunked(rest, limits.MaxBodyBytes)
		if err != nil {
			return nil, 0, err
		}
		req.Body = body
		return req, bodyStart + n, nil
	}

	if v := req.Header("Content-Length"); v != "" {
		cl, err := strconv.Atoi(v)
		if err != nil || cl < 0 {
			return nil, 0, &ProtocolError{Status: 400, Reason: "invalid content length", StartLine: true}
		}
		if cl > limits.MaxBodyBytes {
			return nil, 0, &ProtocolError{Status: 413, Reason: "body exceeds limit", StartLine: true}
		}
		if len(rest) < cl {
			return nil, 0, ErrIncomplete
		}
		req.Body = append([]byte(nil), rest[:cl]...)
		return req, bodyStart + cl, nil
	}

	return req, bodyStart, nil
}

// findHeaderEnd returns the offset of the header terminator and its length,
// or -1. Bare-LF framing is tolerated the way most servers do.
func findHeaderEnd(data []byte) (int, int) {
	if i := bytes.Index(data, []byte("\r\n\r\n")); i >= 0 {
		return i, 4
	}
	if i := bytes.Index(data, []byte("\n\n")); i >= 0 {
		return i, 2
	}
	return -1, 0
}

func parseStartLine(line []byte, req *Request) error {
	sp1 := bytes.IndexByte(line, ' ')
	if sp1 <= 0 {
		return &ProtocolError{Status: 400, Reason: "malformed start-line"}
	}
	sp2 := bytes.IndexByte(line[sp1+1:], ' ')
	if sp2 < 0 {
		return &ProtocolError{Status: 400, Reason: "malformed start-line"}
	}
	sp2 += sp1 + 1

	method := line[:sp1]
	target := line[sp1+1 : sp2]
	proto := line[sp2+1:]

	if len(target) == 0 || target[0] != '/' {
		return &ProtocolError{Status: 400, Reason: "malformed request target"}
	}
	if !bytes.HasPrefix(proto, []byte("HTTP/1.")) {
		return &ProtocolError{Status: 400, Reason: "unsupported protocol"}
	}
	for _, c := range method {
		if c <= ' ' || c >= 0x7f {
			return &ProtocolError{Status: 400, Reason: "malformed method"}
		}
	}

	req.Method = string(method)
	req.Proto = string(proto)

	path := string(target)
	if q := strings.IndexByte(path, '?'); q >= 0 {
		req.parseQueryInto(path[q+1:])
		path = path[:q]
	}
	req.Path = path
	return nil
}

func parseHeaderLines(head []byte, req *Request) error {
	for len(head) > 0 {
		lineEnd := bytes.IndexByte(head, '\n')
		var line []byte
		if lineEnd < 0 {
			line = head
			head = nil
		} else {
			line = head[:lineEnd]
			head = head[lineEnd+1:]
		}
		line = trimCR(line)
		if len(line) == 0 {
			continue
		}

		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			return &ProtocolError{Status: 400, Reason: "malformed header", StartLine: true}
		}
		key := line[:colon]
		if bytes.IndexByte(key, ' ') >= 0 {
			return &ProtocolError{Status: 400, Reason: "malformed header", StartLine: true}
		}
		value := bytes.TrimSpace(line[colon+1:])
		req.addHeader(string(key), string(value))
	}
	return nil
}

// parseChunked decodes a chunked body. Returns ErrIncomplete until the
// terminal chunk and trailer section are fully buffered.
func parseChunked(data []byte, maxBody int) ([]byte, int, error) {
	var body []byte
	pos := 0

	for {
		lineEnd := bytes.IndexByte(data[pos:], '\n')
		if lineEnd < 0 {
			return nil, 0, ErrIncomplete
		}
		sizeLine := trimCR(data[pos : pos+lineEnd])
		if ext := bytes.IndexByte(sizeLine, ';'); ext >= 0 {
			sizeLine = sizeLine[:ext]
		}
		size, err := strconv.ParseInt(string(bytes.TrimSpace(sizeLine)), 16, 64)
		if err != nil || size < 0 {
			return nil, 0, &ProtocolError{Status: 400, Reason: "malformed chunk size", StartLine: true}
		}
		// Bounds-check before any int arithmetic with the size: a huge
		// declared chunk must not overflow the limit and length checks
		// below.
		if size > int64(maxBody) {
			return nil, 0, &ProtocolError{Status: 413, Reason: "body exceeds limit", StartLine: true}
		}
		pos += lineEnd + 1

		if size == 0 {
			n, err := skipTrailers(data[pos:])
			if err != nil {
				return nil, 0, err
			}
			return body, pos + n, nil
		}

		if len(body)+int(size) > maxBody {
			return nil, 0, &ProtocolError{Status: 413, Reason: "body exceeds limit", StartLine: true}
		}
		if len(data)-pos < int(size)+2 {
			return nil, 0, ErrIncomplete
		}
		body = append(body, data[pos:pos+int(size)]...)
		pos += int(size)
		if data[pos] == '\r' {
			pos++
		}
		if data[pos] != '\n' {
			return nil, 0, &ProtocolError{Status: 400, Reason: "malformed chunk terminator", StartLine: true}
		}
		pos++
	}
}

// skipTrailers consumes the (possibly empty) trailer section after the
// terminal chunk. Trailer fields are skipped, not surfaced.
func skipTrailers(data []byte) (int, error) {
	pos := 0
	for {
		lineEnd := bytes.IndexByte(data[pos:], '\n')
		if lineEnd < 0 {
			return 0, ErrIncomplete
		}
		line := trimCR(data[pos : pos+lineEnd])
		pos += lineEnd + 1
		if len(line) == 0 {
			return pos, nil
		}
	}
}

// ValidStartLine reports whether data begins with a complete, well-formed
// start-line. Used to decide error-response synthesis on oversized headers.
func ValidStartLine(data []byte) bool {
	lineEnd := bytes.IndexByte(data, '\n')
	if lineEnd < 0 {
		return false
	}
	var probe Request
	return parseStartLine(trimCR(data[:lineEnd]), &probe) == nil
}

func trimCR(line []byte) []byte {
	if n := len(line); n > 0 && line[n-1] == '\r' {
		return line[:n-1]
	}
	return line
}
