package core

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	spindlehttp "github.com/spindlehttp/spindle/core/http"
	"github.com/spindlehttp/spindle/core/poller"
	"github.com/spindlehttp/spindle/core/pools"
)

// Per-connection states.
const (
	// StateReading: readable bytes are drained into pooled buffers and
	// fed to the incremental parser.
	StateReading = iota
	// StateDispatched: a complete request is with the worker pool; read
	// interest is withheld so a pipelined request cannot interleave
	// with the in-flight response.
	StateDispatched
	// StateWriting: wire bytes are being written, resuming from the
	// unwritten offset on each write-readiness event.
	StateWriting
	// StateIdle: keep-alive, waiting for the next request.
	StateIdle
)

// Wait timeout drives idle sweeps and stop checks.
const pollIntervalMs = 100

// completion carries a finished response from a worker back to the loop
// that owns the connection. gen guards against the connection having been
// closed and recycled while the handler ran.
type completion struct {
	c          *conn
	gen        uint64
	wire       []byte
	closeAfter bool
}

// conn is the per-socket state. It is owned exclusively by one event loop;
// workers only ever see the immutable request/response snapshot plus this
// pointer as an opaque completion token.
type conn struct {
	fd   int
	loop *eventLoop
	gen  atomic.Uint64

	state int

	// Read side: the active pooled buffer plus full chained buffers for
	// requests larger than one buffer.
	in    []byte
	inLen int
	prev  [][]byte

	// Write side: pending wire bytes and resume offset.
	pending []byte
	woff    int

	served     int
	closeAfter bool
	lastActive time.Time
	dispatched time.Time
}

// Reset implements pools.Poolable. The generation counter survives reuse
// so stale completions from a previous life are recognized and dropped.
func (c *conn) Reset() {
	c.fd = -1
	c.loop = nil
	c.state = StateReading
	c.in = nil
	c.inLen = 0
	c.prev = nil
	c.pending = nil
	c.woff = 0
	c.served = 0
	c.closeAfter = false
	c.lastActive = time.Time{}
	c.dispatched = time.Time{}
}

// buffered returns the number of unparsed bytes held for this connection.
func (c *conn) buffered() int {
	n := c.inLen
	for _, b := range c.prev {
		n += len(b)
	}
	return n
}

// joined returns the unparsed bytes as one contiguous slice. The common
// single-buffer case aliases the read buffer; the chained case copies.
func (c *conn) joined() []byte {
	if len(c.prev) == 0 {
		return c.in[:c.inLen]
	}
	out := make([]byte, 0, c.buffered())
	for _, b := range c.prev {
		out = append(out, b...)
	}
	return append(out, c.in[:c.inLen]...)
}

func (c *conn) firstChunk() []byte {
	if len(c.prev) > 0 {
		return c.prev[0]
	}
	return c.in[:c.inLen]
}

// eventLoop owns one poller and a disjoint set of connections. All state
// here is touched only by the loop's goroutine; the mutex covers just the
// handover lists fed by accepting loops and finishing workers.
type eventLoop struct {
	id  int
	eng *Engine
	p   poller.Poller

	conns map[int]*conn
	local *pools.LocalCache

	mu          sync.Mutex
	newConns    []int
	completions []completion

	wakeR, wakeW int
	lastSweep    time.Time
}

func newEventLoop(id int, e *Engine) (*eventLoop, error) {
	p, err := poller.New()
	if err != nil {
		return nil, err
	}

	fds := make([]int, 2)
	if err := unix.Pipe(fds); err != nil {
		p.Close()
		return nil, err
	}
	unix.SetNonblock(fds[0], true)
	unix.SetNonblock(fds[1], true)

	l := &eventLoop{
		id:    id,
		eng:   e,
		p:     p,
		conns: make(map[int]*conn, 1024),
		local: e.bufPool.Local(pools.DefaultLocalBuffers),
		wakeR: fds[0],
		wakeW: fds[1],
	}
	if err := p.Add(fds[0]); err != nil {
		l.destroy()
		return nil, err
	}
	return l, nil
}

func (l *eventLoop) destroy() {
	l.p.Close()
	unix.Close(l.wakeR)
	unix.Close(l.wakeW)
}

func (l *eventLoop) run() {
	defer l.eng.wg.Done()

	// Few I/O threads exist; pinning them keeps scheduling predictable
	// under load.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		select {
		case <-l.eng.stopCh:
			l.shutdown()
			return
		default:
		}

		evs, err := l.p.Wait(pollIntervalMs)
		if err != nil {
			l.eng.fatal(err)
			l.shutdown()
			return
		}

		l.applyPending()
		for _, ev := range evs {
			l.handleEvent(ev)
		}
		// Caller-runs backpressure may have completed requests inline
		// during event handling; flush those without another wakeup.
		l.applyPending()
		l.maybeSweep()
	}
}

func (l *eventLoop) handleEvent(ev poller.Event) {
	if l.id == 0 && ev.FD == l.eng.listenFd {
		l.acceptAll()
		return
	}
	if ev.FD == l.wakeR {
		l.drainWake()
		return
	}

	c, ok := l.conns[ev.FD]
	if !ok {
		return
	}

	if ev.Writable && c.state == StateWriting {
		l.flushWrite(c)
		if c.fd < 0 {
			return
		}
	}
	if ev.Readable || ev.Hup {
		switch c.state {
		case StateReading, StateIdle:
			l.handleRead(c)
		default:
			// Request in flight; a peer shutdown surfaces on the
			// next read or write attempt for this socket.
		}
	}
}

// acceptAll drains the accept backlog, spreading connections across loops
// round-robin.
func (l *eventLoop) acceptAll() {
	for {
		nfd, _, err := unix.Accept(l.eng.listenFd)
		if err != nil {
			switch err {
			case unix.EAGAIN:
				return
			case unix.EINTR, unix.ECONNABORTED:
				continue
			default:
				if !l.eng.stopping.Load() {
					l.eng.log.Warn().Err(err).Msg("accept error")
				}
				return
			}
		}

		l.eng.accepted.Add(1)
		if l.eng.openConns.Load() >= int64(l.eng.opts.MaxConnections) {
			unix.Close(nfd)
			continue
		}

		unix.SetNonblock(nfd, true)
		unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		unix.SetsockoptInt(nfd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)

		idx := int(l.eng.nextLoop.Add(1)) % len(l.eng.loops)
		target := l.eng.loops[idx]
		if target == l {
			l.register(nfd)
		} else {
			target.adopt(nfd)
		}
	}
}

// adopt hands a freshly accepted fd to this loop from another thread.
func (l *eventLoop) adopt(fd int) {
	l.mu.Lock()
	l.newConns = append(l.newConns, fd)
	l.mu.Unlock()
	l.wake()
}

// enqueue hands a finished response to this loop from a worker thread.
func (l *eventLoop) enqueue(comp completion) {
	l.mu.Lock()
	l.completions = append(l.completions, comp)
	l.mu.Unlock()
	l.wake()
}

func (l *eventLoop) wake() {
	var b [1]byte
	unix.Write(l.wakeW, b[:])
}

func (l *eventLoop) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(l.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (l *eventLoop) applyPending() {
	l.mu.Lock()
	newConns := l.newConns
	comps := l.completions
	l.newConns = nil
	l.completions = nil
	l.mu.Unlock()

	for _, fd := range newConns {
		l.register(fd)
	}
	for _, comp := range comps {
		l.applyCompletion(comp)
	}
}

func (l *eventLoop) register(fd int) {
	c := l.eng.connPool.Get().(*conn)
	c.fd = fd
	c.loop = l
	c.state = StateReading
	c.lastActive = time.Now()

	if err := l.p.Add(fd); err != nil {
		c.fd = -1
		l.eng.connPool.Put(c)
		unix.Close(fd)
		return
	}
	l.conns[fd] = c
	l.eng.openConns.Add(1)
}

// handleRead drains the socket until it would block, then feeds the parser.
func (l *eventLoop) handleRead(c *conn) {
	c.state = StateReading
	c.lastActive = time.Now()

	for {
		if c.in == nil {
			c.in = l.local.Acquire()
			c.inLen = 0
		}
		if c.inLen == len(c.in) {
			// Oversize request: chain another pooled buffer, bounded
			// by the configured header+body limits.
			if c.buffered() >= l.eng.limits.MaxHeaderBytes+l.eng.limits.MaxBodyBytes+4096 {
				l.protocolError(c, &spindlehttp.ProtocolError{
					Status:    413,
					Reason:    "request exceeds buffer limit",
					StartLine: spindlehttp.ValidStartLine(c.firstChunk()),
				})
				return
			}
			c.prev = append(c.prev, c.in)
			c.in = l.local.Acquire()
			c.inLen = 0
		}

		n, err := unix.Read(c.fd, c.in[c.inLen:])
		if err != nil {
			if err == unix.EAGAIN {
				break
			}
			if err == unix.EINTR {
				continue
			}
			// Per-socket I/O error: closes only this connection.
			l.closeConn(c)
			return
		}
		if n == 0 {
			l.closeConn(c)
			return
		}
		c.inLen += n
	}

	l.tryParse(c)
}

// tryParse attempts to cut one complete request out of the buffered bytes.
// Pipelined requests stay buffered and are parsed one at a time, after the
// previous response was written: per-connection serialization.
func (l *eventLoop) tryParse(c *conn) {
	data := c.joined()
	if len(data) == 0 {
		return
	}

	req, consumed, err := spindlehttp.Parse(data, l.eng.limits)
	if err == spindlehttp.ErrIncomplete {
		c.state = StateReading
		return
	}
	if pe, ok := err.(*spindlehttp.ProtocolError); ok {
		l.protocolError(c, pe)
		return
	}

	l.resetInput(c, data, consumed)

	quota := l.eng.opts.MaxRequestsPerConn
	quotaClose := quota > 0 && c.served+1 >= quota

	c.state = StateDispatched
	c.dispatched = time.Now()
	l.p.Mod(c.fd, false, false)
	l.eng.dispatch(c, req, quotaClose)
}

// resetInput retains the bytes after the consumed request and returns every
// no-longer-needed chained buffer to the pool.
func (l *eventLoop) resetInput(c *conn, data []byte, consumed int) {
	if len(c.prev) == 0 {
		// data aliases c.in: shift the remainder to the front.
		copy(c.in, c.in[consumed:c.inLen])
		c.inLen -= consumed
		return
	}

	rem := data[consumed:]
	for _, b := range c.prev {
		l.local.Release(b)
	}
	c.prev = nil
	c.inLen = 0
	for {
		n := copy(c.in[c.inLen:], rem)
		c.inLen += n
		rem = rem[n:]
		if len(rem) == 0 {
			return
		}
		c.prev = append(c.prev, c.in)
		c.in = l.local.Acquire()
		c.inLen = 0
	}
}

// protocolError handles a connection-fatal framing failure: an error
// response is synthesized only when a valid start-line was parsed, then
// the connection closes. Never retried.
func (l *eventLoop) protocolError(c *conn, pe *spindlehttp.ProtocolError) {
	l.eng.log.Debug().Int("status", pe.Status).Str("reason", pe.Reason).Msg("protocol error")

	if !pe.StartLine {
		l.closeConn(c)
		return
	}

	if c.in != nil {
		l.local.Release(c.in)
		c.in = nil
		c.inLen = 0
	}
	for _, b := range c.prev {
		l.local.Release(b)
	}
	c.prev = nil

	c.pending = spindlehttp.AppendErrorResponse(nil, pe.Status, true)
	c.woff = 0
	c.closeAfter = true
	c.state = StateWriting
	l.flushWrite(c)
}

// applyCompletion picks up a worker's finished response. A stale completion
// for a connection that timed out or closed is dropped by the generation
// check; the handler is never re-invoked to regenerate output.
func (l *eventLoop) applyCompletion(comp completion) {
	c := comp.c
	if c.gen.Load() != comp.gen {
		return
	}
	if c.state != StateDispatched {
		return
	}

	c.closeAfter = c.closeAfter || comp.closeAfter
	c.pending = comp.wire
	c.woff = 0
	c.state = StateWriting
	l.flushWrite(c)
}

// flushWrite writes pending bytes until done or the socket would block, in
// which case write interest is registered and the write resumes later from
// the unwritten offset.
func (l *eventLoop) flushWrite(c *conn) {
	c.lastActive = time.Now()

	for c.woff < len(c.pending) {
		n, err := unix.Write(c.fd, c.pending[c.woff:])
		if err != nil {
			if err == unix.EAGAIN {
				l.p.Mod(c.fd, false, true)
				return
			}
			if err == unix.EINTR {
				continue
			}
			l.closeConn(c)
			return
		}
		c.woff += n
	}

	c.pending = nil
	c.woff = 0
	if c.closeAfter {
		l.closeConn(c)
		return
	}

	c.served++
	if c.buffered() > 0 {
		// A pipelined request is already buffered; responses go out in
		// request order.
		c.state = StateReading
		l.p.Mod(c.fd, true, false)
		l.tryParse(c)
		return
	}
	c.state = StateIdle
	l.p.Mod(c.fd, true, false)
}

// maybeSweep closes idle connections and abandons requests stuck past the
// processing timeout. Runs at most once per second per loop.
func (l *eventLoop) maybeSweep() {
	now := time.Now()
	if now.Sub(l.lastSweep) < time.Second {
		return
	}
	l.lastSweep = now

	var doomed []*conn
	var timedOut []*conn
	for _, c := range l.conns {
		switch c.state {
		case StateDispatched:
			if rt := l.eng.opts.RequestTimeout; rt > 0 && now.Sub(c.dispatched) > rt {
				doomed = append(doomed, c)
			}
		case StateReading:
			if it := l.eng.opts.IdleTimeout; it > 0 && now.Sub(c.lastActive) > it {
				if c.buffered() > 0 && spindlehttp.ValidStartLine(c.firstChunk()) {
					timedOut = append(timedOut, c)
				} else {
					doomed = append(doomed, c)
				}
			}
		case StateIdle, StateWriting:
			if it := l.eng.opts.IdleTimeout; it > 0 && now.Sub(c.lastActive) > it {
				doomed = append(doomed, c)
			}
		}
	}
	for _, c := range timedOut {
		// Partial request with a valid start-line: tell the client
		// before closing.
		l.protocolError(c, &spindlehttp.ProtocolError{Status: 408, Reason: "read timeout", StartLine: true})
	}
	for _, c := range doomed {
		l.closeConn(c)
	}
}

// closeConn releases everything a connection holds: poller registration,
// socket, pooled buffers, and finally the conn object itself. Bumping the
// generation first invalidates any in-flight completion.
func (l *eventLoop) closeConn(c *conn) {
	if c.fd < 0 {
		return
	}
	c.gen.Add(1)

	fd := c.fd
	l.p.Remove(fd)
	unix.Close(fd)
	delete(l.conns, fd)

	if c.in != nil {
		l.local.Release(c.in)
		c.in = nil
	}
	for _, b := range c.prev {
		l.local.Release(b)
	}
	c.prev = nil
	c.pending = nil
	c.fd = -1

	l.eng.openConns.Add(-1)
	l.eng.connPool.Put(c)
}

// shutdown flushes what it cheaply can and releases all loop resources.
func (l *eventLoop) shutdown() {
	l.applyPending()

	remaining := make([]*conn, 0, len(l.conns))
	for _, c := range l.conns {
		remaining = append(remaining, c)
	}
	for _, c := range remaining {
		if c.state == StateWriting && c.woff < len(c.pending) {
			l.flushWrite(c)
		}
	}
	for _, c := range remaining {
		l.closeConn(c)
	}

	l.local.Drain()
	l.destroy()
}
