// Package core implements the connection engine: a readiness-driven
// reactor that accepts sockets, parses HTTP/1.1 requests incrementally
// into pooled buffers, and dispatches completed requests to a bounded
// worker pool running the middleware chain and router.
package core

import (
	"fmt"
	"net"
	"os"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	spindlehttp "github.com/spindlehttp/spindle/core/http"
	"github.com/spindlehttp/spindle/core/middleware"
	"github.com/spindlehttp/spindle/core/pools"
	"github.com/spindlehttp/spindle/core/router"
)

// Lifecycle carries the callbacks consumed by the bootstrap layer.
type Lifecycle struct {
	OnReady      func(port int)
	OnFatalError func(err error)
	OnStopped    func()
}

// Options configures an Engine. Invalid values are clamped by normalize,
// never fatal.
type Options struct {
	Port int

	// EventLoops is the number of I/O threads. Each owns a disjoint set
	// of connections; no socket is ever touched by two loops.
	EventLoops int

	CoreWorkers    int
	MaxWorkers     int
	MaxQueuedTasks int
	// Backpressure overrides the worker pool's caller-runs valve.
	Backpressure pools.BackpressureFunc

	// RequestTimeout bounds handler processing; a connection whose
	// request is still in flight past it is closed and the eventual
	// response discarded. There is no cooperative cancellation of the
	// handler itself.
	RequestTimeout time.Duration
	IdleTimeout    time.Duration

	// MaxRequestsPerConn closes a connection after it served this many
	// requests. 0 means unlimited.
	MaxRequestsPerConn int
	MaxConnections     int

	ReadBufferSize int
	MaxHeaderBytes int
	MaxBodyBytes   int

	Logger    zerolog.Logger
	Lifecycle Lifecycle
}

func (o *Options) normalize() {
	if o.Port < 0 || o.Port > 65535 {
		o.Port = 0
	}
	if o.EventLoops <= 0 {
		o.EventLoops = runtime.NumCPU()
		if o.EventLoops > 4 {
			o.EventLoops = 4
		}
	}
	if o.EventLoops > 64 {
		o.EventLoops = 64
	}
	if o.CoreWorkers <= 0 {
		o.CoreWorkers = runtime.NumCPU() * 2
	}
	if o.MaxWorkers < o.CoreWorkers {
		o.MaxWorkers = o.CoreWorkers * 4
	}
	if o.MaxQueuedTasks <= 0 {
		o.MaxQueuedTasks = 1024
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 60 * time.Second
	}
	if o.MaxRequestsPerConn < 0 {
		o.MaxRequestsPerConn = 0
	}
	if o.MaxConnections <= 0 {
		o.MaxConnections = 100000
	}
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = pools.DefaultBufferSize
	}
	if o.MaxHeaderBytes <= 0 {
		o.MaxHeaderBytes = spindlehttp.DefaultLimits().MaxHeaderBytes
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = spindlehttp.DefaultLimits().MaxBodyBytes
	}
}

// Engine multiplexes many sockets on a few event loops and runs handler
// code on a bounded worker pool. One Engine is one server instance; there
// is no process-wide state, so independent engines can coexist in tests.
type Engine struct {
	opts   Options
	log    zerolog.Logger
	limits spindlehttp.ParserLimits

	router   *router.Router
	global   []middleware.Middleware
	notFound middleware.Handler

	workers  *pools.WorkerPool
	bufPool  *pools.BufferPool
	connPool *pools.ConnectionPool

	loops    []*eventLoop
	nextLoop atomic.Uint32

	ln       *net.TCPListener
	lnFile   *os.File
	listenFd int
	port     int

	running  atomic.Bool
	stopping atomic.Bool
	fatalled sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	openConns atomic.Int64
	accepted  atomic.Uint64
	requests  atomic.Uint64
}

// NewEngine creates an engine. Nothing is listening until Start.
func NewEngine(opts Options) *Engine {
	opts.normalize()

	e := &Engine{
		opts: opts,
		log:  opts.Logger,
		limits: spindlehttp.ParserLimits{
			MaxHeaderBytes: opts.MaxHeaderBytes,
			MaxBodyBytes:   opts.MaxBodyBytes,
		},
		router:   router.New(),
		listenFd: -1,
	}

	e.notFound = func(req *spindlehttp.Request, res *spindlehttp.Response) {
		res.String(404, "Not Found")
	}

	e.bufPool = pools.NewBufferPool(opts.ReadBufferSize, pools.DefaultGlobalBuffers)
	e.connPool = pools.NewConnectionPool(func() any {
		return &conn{fd: -1}
	})
	e.workers = pools.NewWorkerPool(pools.WorkerPoolConfig{
		CoreWorkers:  opts.CoreWorkers,
		MaxWorkers:   opts.MaxWorkers,
		QueueSize:    opts.MaxQueuedTasks,
		Backpressure: opts.Backpressure,
	})

	return e
}

// Router returns the engine's route table for registration and mounting.
func (e *Engine) Router() *router.Router {
	return e.router
}

// Use appends global middleware, run before any router-mounted middleware.
func (e *Engine) Use(mw ...middleware.Middleware) {
	e.global = append(e.global, mw...)
}

// NotFound replaces the handler used when no route matches. A method
// mismatch on a matching path takes the same not-found path.
func (e *Engine) NotFound(h middleware.Handler) {
	e.notFound = h
}

// Port returns the bound port, useful when Options.Port was 0.
func (e *Engine) Port() int {
	return e.port
}

// Start binds the listener, spins up the event loops and returns. The
// OnReady callback fires with the bound port before Start returns.
func (e *Engine) Start() error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	// Engines are one-shot: Stop shuts the worker pool down for good, so
	// a restarted listener would accept connections it can never serve.
	if e.stopping.Load() {
		e.running.Store(false)
		return ErrStopped
	}

	laddr, err := net.ResolveTCPAddr("tcp", fmt.Sprintf(":%d", e.opts.Port))
	if err != nil {
		e.running.Store(false)
		return err
	}
	ln, err := net.ListenTCP("tcp", laddr)
	if err != nil {
		e.running.Store(false)
		return err
	}
	f, err := ln.File()
	if err != nil {
		ln.Close()
		e.running.Store(false)
		return err
	}
	fd := int(f.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		f.Close()
		ln.Close()
		e.running.Store(false)
		return err
	}

	e.ln = ln
	e.lnFile = f
	e.listenFd = fd
	e.port = ln.Addr().(*net.TCPAddr).Port
	e.stopCh = make(chan struct{})

	loops, err := e.startLoops()
	if err != nil {
		f.Close()
		ln.Close()
		e.running.Store(false)
		return err
	}
	e.loops = loops

	e.log.Info().
		Int("port", e.port).
		Int("event_loops", len(loops)).
		Int("core_workers", e.opts.CoreWorkers).
		Msg("engine listening")

	if cb := e.opts.Lifecycle.OnReady; cb != nil {
		cb(e.port)
	}
	return nil
}

// Stop performs a graceful shutdown: stop accepting, drain worker tasks up
// to the deadline, then close remaining connections. It reports whether
// everything drained in time. A stopped engine cannot be started again;
// create a new one.
func (e *Engine) Stop(timeout time.Duration) bool {
	if !e.running.Load() {
		return true
	}
	if !e.stopping.CompareAndSwap(false, true) {
		return true
	}
	deadline := time.Now().Add(timeout)

	// Stop accepting. Closing both the listener and its dup removes the
	// descriptor from loop 0's poller.
	e.lnFile.Close()
	e.ln.Close()

	grace := time.Until(deadline)
	if grace < 0 {
		grace = 0
	}
	drained := e.workers.Shutdown(grace)

	close(e.stopCh)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	loopsDone := true
	select {
	case <-done:
	case <-time.After(time.Until(deadline) + 100*time.Millisecond):
		loopsDone = false
	}

	e.running.Store(false)
	if cb := e.opts.Lifecycle.OnStopped; cb != nil {
		cb()
	}
	return drained && loopsDone
}

func (e *Engine) startLoops() ([]*eventLoop, error) {
	loops := make([]*eventLoop, 0, e.opts.EventLoops)
	for i := 0; i < e.opts.EventLoops; i++ {
		l, err := newEventLoop(i, e)
		if err != nil {
			for _, started := range loops {
				started.destroy()
			}
			return nil, err
		}
		loops = append(loops, l)
	}

	// Loop 0 additionally owns the listening socket.
	if err := loops[0].p.Add(e.listenFd); err != nil {
		for _, l := range loops {
			l.destroy()
		}
		return nil, err
	}

	// Published before any loop goroutine starts; acceptAll reads it.
	e.loops = loops
	for _, l := range loops {
		e.wg.Add(1)
		go l.run()
	}
	return loops, nil
}

// fatal handles a selector-level failure: the only unrecoverable error
// class. Per-socket errors never reach here.
func (e *Engine) fatal(err error) {
	e.fatalled.Do(func() {
		e.log.Error().Err(err).Msg("fatal engine error")
		// If Stop is already underway it owns the teardown and stopCh.
		if e.stopping.CompareAndSwap(false, true) {
			if e.lnFile != nil {
				e.lnFile.Close()
				e.ln.Close()
			}
			close(e.stopCh)
		}
		if cb := e.opts.Lifecycle.OnFatalError; cb != nil {
			cb(err)
		}
	})
}

// dispatch hands a parsed request to the worker pool. Runs on the owning
// loop thread; ownership of req transfers to the worker with it.
func (e *Engine) dispatch(c *conn, req *spindlehttp.Request, quotaClose bool) {
	gen := c.gen.Load()
	loop := c.loop
	res := spindlehttp.NewResponse()

	task := func() {
		e.runRequest(loop, c, gen, req, res, quotaClose)
	}
	if err := e.workers.Submit(task); err != nil {
		// Pool shut down mid-flight; the connection cannot be served.
		res.Release()
		loop.closeConn(c)
	}
}

// runRequest executes the middleware chain and router dispatch on a worker
// thread. Exactly one task runs per request and exactly one terminal send
// reaches the connection.
func (e *Engine) runRequest(loop *eventLoop, c *conn, gen uint64, req *spindlehttp.Request, res *spindlehttp.Response, quotaClose bool) {
	defer func() {
		if r := recover(); r != nil {
			switch r {
			case middleware.ErrNextAfterSend, middleware.ErrNextCalledTwice:
				e.log.Warn().Str("path", req.Path).Msgf("middleware misuse: %v", r)
			default:
				e.log.Error().
					Interface("panic", r).
					Str("method", req.Method).
					Str("path", req.Path).
					Str("stack", string(debug.Stack())).
					Msg("handler panic")
			}
			// The cause stays in the log; the client sees a generic
			// error, and only if nothing was sent yet.
			if !res.Sent() {
				res.Error(500, "internal server error")
			}
		}
		e.complete(loop, c, gen, req, res, quotaClose)
	}()

	rt, params, ok := e.router.Match(req.Method, req.Path)
	if !ok {
		e.notFound(req, res)
		return
	}
	for k, v := range params {
		req.SetParam(k, v)
	}

	chain := middleware.NewChain(rt.Handler(), e.global, e.router.Mounted(), rt.Middleware())
	chain.Run(req, res)
}

// complete serializes the response and hands it back to the owning loop.
// The response body buffer is released here; the wire bytes travel alone.
func (e *Engine) complete(loop *eventLoop, c *conn, gen uint64, req *spindlehttp.Request, res *spindlehttp.Response, quotaClose bool) {
	e.requests.Add(1)

	closeAfter := quotaClose || req.WantsClose() || e.stopping.Load()
	wire := res.Wire(nil, closeAfter)
	res.Release()

	loop.enqueue(completion{c: c, gen: gen, wire: wire, closeAfter: closeAfter})
}
