// Package router maps (method, normalized path) pairs to handlers with
// their middleware. Patterns are literal and named-parameter segments;
// matching walks routes in registration order and the first route whose
// segments all match with equal segment count wins. There is no
// backtracking across ambiguous patterns; registration order breaks ties.
package router

import (
	"strings"

	"github.com/spindlehttp/spindle/core/middleware"
)

type segment struct {
	literal string
	param   string // non-empty for :name segments
}

// Route is one registered (method, pattern) entry.
type Route struct {
	Method  string
	Pattern string

	segs    []segment
	mw      []middleware.Middleware
	handler middleware.Handler
}

// Handler returns the route's terminal handler.
func (rt *Route) Handler() middleware.Handler {
	return rt.handler
}

// Middleware returns the route's middleware: mount-chain middleware of
// every router it was mounted through, then route-specific middleware.
func (rt *Route) Middleware() []middleware.Middleware {
	return rt.mw
}

// Router holds an ordered route table. A Router is a plain configuration
// object scoped to one server instance; multiple independent routers can
// coexist in a process.
type Router struct {
	routes  []*Route
	mounted []middleware.Middleware
}

// New creates an empty router.
func New() *Router {
	return &Router{}
}

// Use appends router-mounted middleware. It applies to every route matched
// through this router, including routes of children mounted later.
func (r *Router) Use(mw ...middleware.Middleware) {
	r.mounted = append(r.mounted, mw...)
}

// Handle registers a route. Route-specific middleware runs after all
// mounted middleware and before the handler. Patterns are normalized the
// same way incoming paths are.
func (r *Router) Handle(method, pattern string, handler middleware.Handler, mw ...middleware.Middleware) {
	norm := Normalize(pattern)
	r.routes = append(r.routes, &Route{
		Method:  method,
		Pattern: norm,
		segs:    parsePattern(norm),
		mw:      mw,
		handler: handler,
	})
}

// GET registers a GET route.
func (r *Router) GET(pattern string, handler middleware.Handler, mw ...middleware.Middleware) {
	r.Handle("GET", pattern, handler, mw...)
}

// POST registers a POST route.
func (r *Router) POST(pattern string, handler middleware.Handler, mw ...middleware.Middleware) {
	r.Handle("POST", pattern, handler, mw...)
}

// PUT registers a PUT route.
func (r *Router) PUT(pattern string, handler middleware.Handler, mw ...middleware.Middleware) {
	r.Handle("PUT", pattern, handler, mw...)
}

// DELETE registers a DELETE route.
func (r *Router) DELETE(pattern string, handler middleware.Handler, mw ...middleware.Middleware) {
	r.Handle("DELETE", pattern, handler, mw...)
}

// PATCH registers a PATCH route.
func (r *Router) PATCH(pattern string, handler middleware.Handler, mw ...middleware.Middleware) {
	r.Handle("PATCH", pattern, handler, mw...)
}

// HEAD registers a HEAD route.
func (r *Router) HEAD(pattern string, handler middleware.Handler, mw ...middleware.Middleware) {
	r.Handle("HEAD", pattern, handler, mw...)
}

// OPTIONS registers an OPTIONS route.
func (r *Router) OPTIONS(pattern string, handler middleware.Handler, mw ...middleware.Middleware) {
	r.Handle("OPTIONS", pattern, handler, mw...)
}

// Mount grafts child's routes under prefix, preserving the child's
// registration order. The child's mounted middleware travels with its
// routes, ordered after the middleware of every router above it.
func (r *Router) Mount(prefix string, child *Router) {
	for _, rt := range child.routes {
		pattern := Normalize(joinPath(prefix, rt.Pattern))
		mw := make([]middleware.Middleware, 0, len(child.mounted)+len(rt.mw))
		mw = append(mw, child.mounted...)
		mw = append(mw, rt.mw...)
		r.routes = append(r.routes, &Route{
			Method:  rt.Method,
			Pattern: pattern,
			segs:    parsePattern(pattern),
			mw:      mw,
			handler: rt.handler,
		})
	}
}

// Mounted returns this router's mounted middleware, in mount order.
func (r *Router) Mounted() []middleware.Middleware {
	return r.mounted
}

// Routes returns the route table in registration order.
func (r *Router) Routes() []*Route {
	return r.routes
}

// Match finds the first registered route matching the method and the
// normalized path, binding named parameters into params. A method mismatch
// on an otherwise matching path is a miss like any other: the router
// produces not-found, never method-not-allowed.
func (r *Router) Match(method, path string) (*Route, map[string]string, bool) {
	segs := splitPath(Normalize(path))

	for _, rt := range r.routes {
		if rt.Method != method {
			continue
		}
		params, ok := matchSegments(rt.segs, segs)
		if ok {
			return rt, params, true
		}
	}
	return nil, nil, false
}

func matchSegments(pattern []segment, path []string) (map[string]string, bool) {
	if len(pattern) != len(path) {
		return nil, false
	}
	var params map[string]string
	for i, seg := range pattern {
		if seg.param != "" {
			if path[i] == "" {
				return nil, false
			}
			if params == nil {
				params = make(map[string]string, 4)
			}
			params[seg.param] = path[i]
			continue
		}
		if seg.literal != path[i] {
			return nil, false
		}
	}
	return params, true
}

// Normalize collapses repeated slashes and strips the trailing slash,
// keeping "/" itself intact. Registered patterns and incoming paths go
// through the same normalization so they can never disagree.
func Normalize(path string) string {
	if path == "" {
		return "/"
	}
	if path[0] != '/' {
		path = "/" + path
	}
	if strings.Contains(path, "//") {
		var b strings.Builder
		b.Grow(len(path))
		prevSlash := false
		for i := 0; i < len(path); i++ {
			c := path[i]
			if c == '/' {
				if prevSlash {
					continue
				}
				prevSlash = true
			} else {
				prevSlash = false
			}
			b.WriteByte(c)
		}
		path = b.String()
	}
	if len(path) > 1 && path[len(path)-1] == '/' {
		path = path[:len(path)-1]
	}
	return path
}

func splitPath(path string) []string {
	if path == "/" {
		return nil
	}
	return strings.Split(path[1:], "/")
}

func parsePattern(pattern string) []segment {
	parts := splitPath(pattern)
	segs := make([]segment, len(parts))
	for i, p := range parts {
		if strings.HasPrefix(p, ":") {
			name := p[1:]
			if name == "" {
				panic("router: parameter segment must be named")
			}
			segs[i] = segment{param: name}
			continue
		}
		segs[i] = segment{literal: p}
	}
	return segs
}

func joinPath(prefix, path string) string {
	if prefix == "" || prefix == "/" {
		return path
	}
	if path == "/" {
		return prefix
	}
	return strings.TrimSuffix(prefix, "/") + path
}
