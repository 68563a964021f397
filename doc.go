// Package spindle is a non-blocking HTTP/1.1 server engine for a single
// process. A small set of pinned event loops multiplexes thousands of
// connections over epoll or kqueue, while request handlers run on a
// bounded worker pool so slow application code never stalls socket I/O.
//
// The pieces, bottom up:
//
//   - core/poller wraps the platform readiness facility behind one
//     interface.
//   - core/pools holds the two-tier read-buffer pool and the elastic
//     worker pool with backpressure.
//   - core/http is the incremental request parser and the response
//     builder.
//   - core/router matches methods and paths in registration order, with
//     :name parameters and sub-router mounting.
//   - core/middleware is the explicit-next chain that handlers and
//     cross-cutting concerns compose into.
//   - core ties it all together in the Engine: accept, parse, dispatch,
//     write, keep-alive.
//
// The app and config packages wrap the engine for binaries: environment
// configuration, structured logging, signal handling.
//
// Minimal use:
//
//	e := core.NewEngine(core.Options{Port: 8080})
//	e.Router().GET("/hello/:name", func(req *http.Request, res *http.Response) {
//		res.String(200, "hello "+req.Param("name"))
//	})
//	e.Start()
package spindle
