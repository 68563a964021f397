package http

import (
	"encoding/json"
	"errors"

	"github.com/valyala/bytebufferpool"
)

// ErrAlreadySent is returned when a response is sent a second time. The
// first transmission is never corrupted by the rejected attempt.
var ErrAlreadySent = errors.New("http: response already sent")

type headerField struct {
	key   string
	value string
}

// Response accumulates status, headers and body for one request. It is
// created together with the Request, mutated by the chain on a worker
// thread, and handed back to the connection engine exactly once. Sending is
// one-shot: the first Send (explicit, or implicit when the chain completes)
// seals the response.
type Response struct {
	status int
	header []headerField
	body   *bytebufferpool.ByteBuffer
	sent   bool
}

// NewResponse creates a response with status 200 and a pooled body buffer.
func NewResponse() *Response {
	return &Response{
		status: 200,
		body:   bytebufferpool.Get(),
	}
}

// Status sets the status code.
func (r *Response) Status(code int) *Response {
	if !r.sent {
		r.status = code
	}
	return r
}

// StatusCode returns the current status code.
func (r *Response) StatusCode() int {
	return r.status
}

// SetHeader replaces the value of a header, preserving its position.
// Headers stay mutable after Send so wrapping middleware can finalize
// them (timing, content negotiation) before transmission.
func (r *Response) SetHeader(key, value string) {
	for i := range r.header {
		if r.header[i].key == key {
			r.header[i].value = value
			return
		}
	}
	r.header = append(r.header, headerField{key, value})
}

// AddHeader appends a header value without replacing earlier ones.
func (r *Response) AddHeader(key, value string) {
	r.header = append(r.header, headerField{key, value})
}

// Header returns the first value set for a header.
func (r *Response) Header(key string) string {
	for i := range r.header {
		if r.header[i].key == key {
			return r.header[i].value
		}
	}
	return ""
}

// Write appends to the body buffer.
func (r *Response) Write(p []byte) (int, error) {
	if r.sent {
		return 0, ErrAlreadySent
	}
	return r.body.Write(p)
}

// WriteString appends to the body buffer.
func (r *Response) WriteString(s string) (int, error) {
	if r.sent {
		return 0, ErrAlreadySent
	}
	return r.body.WriteString(s)
}

// BodyLen returns the accumulated body length.
func (r *Response) BodyLen() int {
	return r.body.Len()
}

// String sets a plain-text body and sends the response.
func (r *Response) String(code int, s string) error {
	if r.sent {
		return ErrAlreadySent
	}
	r.status = code
	r.SetHeader("Content-Type", "text/plain; charset=utf-8")
	r.body.Reset()
	r.body.WriteString(s)
	return r.Send()
}

// JSON marshals v as the body and sends the response.
func (r *Response) JSON(code int, v any) error {
	if r.sent {
		return ErrAlreadySent
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	r.status = code
	r.SetHeader("Content-Type", "application/json")
	r.body.Reset()
	r.body.Write(data)
	return r.Send()
}

// Bytes sets a body with an explicit content type and sends the response.
func (r *Response) Bytes(code int, contentType string, data []byte) error {
	if r.sent {
		return ErrAlreadySent
	}
	r.status = code
	r.SetHeader("Content-Type", contentType)
	r.body.Reset()
	r.body.Write(data)
	return r.Send()
}

// Error sends a JSON error body. The message is caller-chosen; internal
// causes are logged by the engine, never sent here.
func (r *Response) Error(code int, message string) error {
	return r.JSON(code, map[string]any{
		"code":    code,
		"message": message,
	})
}

// Send seals the response. The connection engine transmits it after the
// worker task returns; a second Send is rejected.
func (r *Response) Send() error {
	if r.sent {
		return ErrAlreadySent
	}
	r.sent = true
	return nil
}

// Sent reports whether the response has been sealed.
func (r *Response) Sent() bool {
	return r.sent
}

// Wire appends the serialized HTTP/1.1 response to dst. Content-Length and
// Connection are always emitted by the engine's framing, not by handlers.
func (r *Response) Wire(dst []byte, closeConn bool) []byte {
	dst = append(dst, "HTTP/1.1 "...)
	dst = AppendInt(dst, r.status)
	dst = append(dst, ' ')
	dst = append(dst, StatusText(r.status)...)
	dst = append(dst, "\r\n"...)

	for _, h := range r.header {
		dst = append(dst, h.key...)
		dst = append(dst, ": "...)
		dst = append(dst, h.value...)
		dst = append(dst, "\r\n"...)
	}

	// 1xx, 204 and 304 are defined as bodiless; emitting Content-Length
	// or payload bytes there desynchronizes keep-alive framing.
	bodiless := r.status == 204 || r.status == 304 || (r.status >= 100 && r.status < 200)
	if !bodiless {
		dst = append(dst, "Content-Length: "...)
		dst = AppendInt(dst, r.body.Len())
		dst = append(dst, "\r\n"...)
	}
	if closeConn {
		dst = append(dst, "Connection: close\r\n\r\n"...)
	} else {
		dst = append(dst, "Connection: keep-alive\r\n\r\n"...)
	}
	if !bodiless {
		dst = append(dst, r.body.B...)
	}
	return dst
}

// Release returns the body buffer to its pool. Called by the engine once
// the wire bytes have been built; the Response must not be used afterwards.
func (r *Response) Release() {
	if r.body != nil {
		bytebufferpool.Put(r.body)
		r.body = nil
	}
}
