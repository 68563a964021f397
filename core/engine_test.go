package core

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	spindlehttp "github.com/spindlehttp/spindle/core/http"
	"github.com/spindlehttp/spindle/core/middleware"
	"github.com/spindlehttp/spindle/core/router"
)

func startEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	opts.Port = 0
	opts.Logger = zerolog.Nop()
	e := NewEngine(opts)
	require.NoError(t, e.Start())
	t.Cleanup(func() { e.Stop(2 * time.Second) })
	return e
}

func dialEngine(t *testing.T, e *Engine) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", e.Port()), 2*time.Second)
	require.NoError(t, err)
	return conn
}

type testResponse struct {
	status  int
	headers map[string]string
	body    string
}

// readResponse reads exactly one framed response off the wire.
func readResponse(t *testing.T, r *bufio.Reader) testResponse {
	t.Helper()

	line, err := r.ReadString('\n')
	require.NoError(t, err)
	parts := strings.SplitN(strings.TrimRight(line, "\r\n"), " ", 3)
	require.GreaterOrEqual(t, len(parts), 2, "status line %q", line)
	status, err := strconv.Atoi(parts[1])
	require.NoError(t, err)

	headers := make(map[string]string)
	for {
		line, err = r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		k, v, ok := strings.Cut(line, ": ")
		require.True(t, ok, "header line %q", line)
		headers[strings.ToLower(k)] = v
	}

	cl, err := strconv.Atoi(headers["content-length"])
	require.NoError(t, err)
	body := make([]byte, cl)
	_, err = io.ReadFull(r, body)
	require.NoError(t, err)

	return testResponse{status: status, headers: headers, body: string(body)}
}

func roundTrip(t *testing.T, conn net.Conn, raw string) testResponse {
	t.Helper()
	_, err := conn.Write([]byte(raw))
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	return readResponse(t, bufio.NewReader(conn))
}

func TestEngineServesRoutes(t *testing.T) {
	e := startEngine(t, Options{})
	e.Router().GET("/hello/:name", func(req *spindlehttp.Request, res *spindlehttp.Response) {
		res.String(200, "hello "+req.Param("name"))
	})

	conn := dialEngine(t, e)
	defer conn.Close()

	res := roundTrip(t, conn, "GET /hello/world HTTP/1.1\r\nHost: t\r\n\r\n")
	assert.Equal(t, 200, res.status)
	assert.Equal(t, "hello world", res.body)
}

func TestEngineNotFound(t *testing.T) {
	e := startEngine(t, Options{})

	conn := dialEngine(t, e)
	defer conn.Close()

	res := roundTrip(t, conn, "GET /nope HTTP/1.1\r\nHost: t\r\n\r\n")
	assert.Equal(t, 404, res.status)
}

func TestEngineKeepAlive(t *testing.T) {
	e := startEngine(t, Options{})
	e.Router().GET("/n/:i", func(req *spindlehttp.Request, res *spindlehttp.Response) {
		res.String(200, req.Param("i"))
	})

	conn := dialEngine(t, e)
	defer conn.Close()
	r := bufio.NewReader(conn)

	for i := 0; i < 5; i++ {
		_, err := fmt.Fprintf(conn, "GET /n/%d HTTP/1.1\r\nHost: t\r\n\r\n", i)
		require.NoError(t, err)
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		res := readResponse(t, r)
		assert.Equal(t, strconv.Itoa(i), res.body)
		assert.Equal(t, "keep-alive", res.headers["connection"])
	}
}

func TestEngineConnectionClose(t *testing.T) {
	e := startEngine(t, Options{})
	e.Router().GET("/bye", func(req *spindlehttp.Request, res *spindlehttp.Response) {
		res.String(200, "bye")
	})

	conn := dialEngine(t, e)
	defer conn.Close()
	r := bufio.NewReader(conn)

	_, err := conn.Write([]byte("GET /bye HTTP/1.1\r\nHost: t\r\nConnection: close\r\n\r\n"))
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	res := readResponse(t, r)
	assert.Equal(t, "close", res.headers["connection"])

	// The server closes after the response.
	_, err = r.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
}

func TestEngineEchoIsolation(t *testing.T) {
	e := startEngine(t, Options{EventLoops: 2})
	e.Router().POST("/echo", func(req *spindlehttp.Request, res *spindlehttp.Response) {
		res.Bytes(200, "text/plain", req.Body)
	})

	const conns = 16
	const rounds = 10

	var wg sync.WaitGroup
	for i := 0; i < conns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", e.Port()), 2*time.Second)
			if err != nil {
				t.Error(err)
				return
			}
			defer conn.Close()
			r := bufio.NewReader(conn)

			token := fmt.Sprintf("token-%d", i)
			for j := 0; j < rounds; j++ {
				body := fmt.Sprintf("%s-%d", token, j)
				_, err := fmt.Fprintf(conn, "POST /echo HTTP/1.1\r\nHost: t\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
				if err != nil {
					t.Error(err)
					return
				}
				conn.SetReadDeadline(time.Now().Add(5 * time.Second))
				res := readResponse(t, r)
				// Every connection gets exactly its own token back.
				if res.body != body {
					t.Errorf("conn %d: got %q want %q", i, res.body, body)
					return
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestEngineOversizeBodyEcho(t *testing.T) {
	// Bodies many times the read buffer exercise buffer chaining on the
	// way in and the chained remainder handling between requests.
	e := startEngine(t, Options{ReadBufferSize: 4096})
	e.Router().POST("/echo", func(req *spindlehttp.Request, res *spindlehttp.Response) {
		res.Bytes(200, "application/octet-stream", req.Body)
	})

	body := make([]byte, 64*1024)
	for i := range body {
		body[i] = byte(i % 251)
	}

	conn := dialEngine(t, e)
	defer conn.Close()
	r := bufio.NewReader(conn)

	for round := 0; round < 3; round++ {
		_, err := fmt.Fprintf(conn, "POST /echo HTTP/1.1\r\nHost: t\r\nContent-Length: %d\r\n\r\n", len(body))
		require.NoError(t, err)
		_, err = conn.Write(body)
		require.NoError(t, err)

		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		res := readResponse(t, r)
		require.Equal(t, 200, res.status, "round %d", round)
		require.Equal(t, string(body), res.body, "round %d", round)
		assert.Equal(t, "keep-alive", res.headers["connection"])
	}
}

func TestEngineLargeResponseWrite(t *testing.T) {
	// A response much larger than the socket send buffer forces partial
	// writes and resumption from the unwritten offset.
	e := startEngine(t, Options{})
	payload := make([]byte, 512*1024)
	for i := range payload {
		payload[i] = byte('a' + i%23)
	}
	e.Router().GET("/big", func(req *spindlehttp.Request, res *spindlehttp.Response) {
		res.Bytes(200, "application/octet-stream", payload)
	})

	conn := dialEngine(t, e)
	defer conn.Close()
	r := bufio.NewReader(conn)

	for round := 0; round < 2; round++ {
		_, err := conn.Write([]byte("GET /big HTTP/1.1\r\nHost: t\r\n\r\n"))
		require.NoError(t, err)
		conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		res := readResponse(t, r)
		require.Equal(t, 200, res.status)
		require.Equal(t, len(payload), len(res.body), "round %d", round)
		require.Equal(t, string(payload), res.body, "round %d", round)
	}
}

func TestEnginePipelinedRequestsInOrder(t *testing.T) {
	e := startEngine(t, Options{})
	e.Router().GET("/p/:i", func(req *spindlehttp.Request, res *spindlehttp.Response) {
		res.String(200, req.Param("i"))
	})

	conn := dialEngine(t, e)
	defer conn.Close()
	r := bufio.NewReader(conn)

	// All three requests in one write; responses must come back in
	// request order.
	_, err := conn.Write([]byte(
		"GET /p/0 HTTP/1.1\r\nHost: t\r\n\r\n" +
			"GET /p/1 HTTP/1.1\r\nHost: t\r\n\r\n" +
			"GET /p/2 HTTP/1.1\r\nHost: t\r\n\r\n"))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		res := readResponse(t, r)
		assert.Equal(t, strconv.Itoa(i), res.body)
	}
}

func TestEngineHandlerPanicYields500(t *testing.T) {
	e := startEngine(t, Options{})
	e.Router().GET("/boom", func(req *spindlehttp.Request, res *spindlehttp.Response) {
		panic("handler exploded")
	})
	e.Router().GET("/ok", func(req *spindlehttp.Request, res *spindlehttp.Response) {
		res.String(200, "still alive")
	})

	conn := dialEngine(t, e)
	defer conn.Close()
	r := bufio.NewReader(conn)

	_, err := conn.Write([]byte("GET /boom HTTP/1.1\r\nHost: t\r\n\r\n"))
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	res := readResponse(t, r)
	assert.Equal(t, 500, res.status)
	// Generic message only, never the panic cause.
	assert.NotContains(t, res.body, "exploded")

	// The engine survived.
	_, err = conn.Write([]byte("GET /ok HTTP/1.1\r\nHost: t\r\n\r\n"))
	require.NoError(t, err)
	res = readResponse(t, r)
	assert.Equal(t, 200, res.status)
}

func TestEngineMalformedRequestCloses(t *testing.T) {
	e := startEngine(t, Options{})

	conn := dialEngine(t, e)
	defer conn.Close()
	r := bufio.NewReader(conn)

	_, err := conn.Write([]byte("GET / HTTP/1.1\r\nbroken header line\r\n\r\n"))
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	res := readResponse(t, r)
	assert.Equal(t, 400, res.status)
	assert.Equal(t, "close", res.headers["connection"])

	_, err = r.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
}

func TestEngineGlobalMiddleware(t *testing.T) {
	e := startEngine(t, Options{})
	e.Use(middleware.RequestID())
	e.Router().GET("/id", func(req *spindlehttp.Request, res *spindlehttp.Response) {
		res.String(200, "ok")
	})

	conn := dialEngine(t, e)
	defer conn.Close()

	res := roundTrip(t, conn, "GET /id HTTP/1.1\r\nHost: t\r\n\r\n")
	assert.NotEmpty(t, res.headers["x-request-id"])
}

func TestEngineMountedRouter(t *testing.T) {
	e := startEngine(t, Options{})

	users := router.New()
	users.GET("/:id", func(req *spindlehttp.Request, res *spindlehttp.Response) {
		res.String(200, "user "+req.Param("id"))
	})
	e.Router().Mount("/api/users", users)

	conn := dialEngine(t, e)
	defer conn.Close()

	res := roundTrip(t, conn, "GET /api/users/9 HTTP/1.1\r\nHost: t\r\n\r\n")
	assert.Equal(t, 200, res.status)
	assert.Equal(t, "user 9", res.body)
}

func TestEngineMaxRequestsPerConn(t *testing.T) {
	e := startEngine(t, Options{MaxRequestsPerConn: 2})
	e.Router().GET("/q", func(req *spindlehttp.Request, res *spindlehttp.Response) {
		res.String(200, "ok")
	})

	conn := dialEngine(t, e)
	defer conn.Close()
	r := bufio.NewReader(conn)

	_, err := conn.Write([]byte("GET /q HTTP/1.1\r\nHost: t\r\n\r\n"))
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	res := readResponse(t, r)
	assert.Equal(t, "keep-alive", res.headers["connection"])

	_, err = conn.Write([]byte("GET /q HTTP/1.1\r\nHost: t\r\n\r\n"))
	require.NoError(t, err)
	res = readResponse(t, r)
	assert.Equal(t, "close", res.headers["connection"])

	_, err = r.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
}

func TestEngineStartStop(t *testing.T) {
	e := NewEngine(Options{Port: 0, Logger: zerolog.Nop()})

	ready := make(chan int, 1)
	e.opts.Lifecycle.OnReady = func(port int) { ready <- port }

	require.NoError(t, e.Start())
	select {
	case port := <-ready:
		assert.Equal(t, e.Port(), port)
		assert.NotZero(t, port)
	case <-time.After(time.Second):
		t.Fatal("OnReady never fired")
	}

	assert.ErrorIs(t, e.Start(), ErrAlreadyRunning)
	assert.True(t, e.Stop(2*time.Second))

	// The port is released.
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", e.Port()))
	require.NoError(t, err)
	ln.Close()

	// One-shot: the worker pool is gone, so a restart is refused rather
	// than accepting connections it cannot serve.
	assert.ErrorIs(t, e.Start(), ErrStopped)
}

func TestEngineStats(t *testing.T) {
	e := startEngine(t, Options{})
	e.Router().GET("/s", func(req *spindlehttp.Request, res *spindlehttp.Response) {
		res.String(200, "ok")
	})

	conn := dialEngine(t, e)
	defer conn.Close()
	roundTrip(t, conn, "GET /s HTTP/1.1\r\nHost: t\r\n\r\n")

	s := e.Stats()
	assert.GreaterOrEqual(t, s.Accepted, uint64(1))
	assert.GreaterOrEqual(t, s.Requests, uint64(1))
	assert.Positive(t, s.EventLoops)

	out, err := e.StatsJSON()
	require.NoError(t, err)
	assert.Contains(t, string(out), "open_connections")
}
