package http

import (
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
)

// Request is a parsed HTTP request. It is immutable once the parser returns
// it, with two exceptions: path parameters are bound by the router
// at dispatch, and the attribute bag carries middleware-to-handler data.
// All fields are copies; nothing aliases the connection's read buffer.
type Request struct {
	Method string
	Path   string
	Proto  string
	Body   []byte

	query  map[string][]string
	header map[string][]string
	params map[string]string
	attrs  map[string]any
}

// Header returns the first value for a header, case-insensitively.
func (r *Request) Header(key string) string {
	vs := r.header[textproto.CanonicalMIMEHeaderKey(key)]
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

// HeaderValues returns all values for a header, case-insensitively.
func (r *Request) HeaderValues(key string) []string {
	return r.header[textproto.CanonicalMIMEHeaderKey(key)]
}

// Query returns the first value for a query parameter.
func (r *Request) Query(key string) string {
	vs := r.query[key]
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

// QueryValues returns all values for a query parameter.
func (r *Request) QueryValues(key string) []string {
	return r.query[key]
}

// Param returns a path parameter bound by the router.
func (r *Request) Param(key string) string {
	return r.params[key]
}

// SetParam binds a path parameter. Called by the router at dispatch.
func (r *Request) SetParam(key, value string) {
	if r.params == nil {
		r.params = make(map[string]string, 4)
	}
	r.params[key] = value
}

// Set stores a per-request attribute for downstream middleware and the
// handler.
func (r *Request) Set(key string, value any) {
	if r.attrs == nil {
		r.attrs = make(map[string]any, 4)
	}
	r.attrs[key] = value
}

// Get retrieves a per-request attribute.
func (r *Request) Get(key string) (any, bool) {
	v, ok := r.attrs[key]
	return v, ok
}

// ContentLength returns the declared body length, or -1 when absent or
// malformed.
func (r *Request) ContentLength() int {
	v := r.Header("Content-Length")
	if v == "" {
		return -1
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// WantsClose reports whether this request asks for the connection to be
// closed after the response, per conventional persistent-connection rules.
func (r *Request) WantsClose() bool {
	conn := strings.ToLower(r.Header("Connection"))
	if r.Proto == "HTTP/1.0" {
		return conn != "keep-alive"
	}
	return conn == "close"
}

func (r *Request) addHeader(key, value string) {
	if r.header == nil {
		r.header = make(map[string][]string, 8)
	}
	ck := textproto.CanonicalMIMEHeaderKey(key)
	r.header[ck] = append(r.header[ck], value)
}

// parseQueryInto fills the query map from a raw query string. Undecodable
// escapes keep the raw token rather than failing the request.
func (r *Request) parseQueryInto(rawQuery string) {
	if rawQuery == "" {
		return
	}
	r.query = make(map[string][]string, 4)
	for _, pair := range strings.Split(rawQuery, "&") {
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		if k, err := url.QueryUnescape(key); err == nil {
			key = k
		}
		if v, err := url.QueryUnescape(value); err == nil {
			value = v
		}
		r.query[key] = append(r.query[key], value)
	}
}
