package middleware

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/spindlehttp/spindle/core/http"
)

// Logger logs one line per request with method, path, status and duration.
func Logger(log zerolog.Logger) Middleware {
	return func(req *http.Request, res *http.Response, next Next) {
		start := time.Now()
		next()
		log.Info().
			Str("method", req.Method).
			Str("path", req.Path).
			Int("status", res.StatusCode()).
			Dur("duration", time.Since(start)).
			Msg("request")
	}
}

// RequestID tags each request with a monotonically increasing id, exposed
// both as a response header and a request attribute.
func RequestID() Middleware {
	var counter atomic.Uint64

	return func(req *http.Request, res *http.Response, next Next) {
		id := strconv.FormatUint(counter.Add(1), 10)
		req.Set("request_id", id)
		res.SetHeader("X-Request-ID", id)
		next()
	}
}

// RateLimit rejects requests above the given rate with 429, without
// invoking downstream steps.
func RateLimit(rps float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(rps), burst)

	return func(req *http.Request, res *http.Response, next Next) {
		if !limiter.Allow() {
			res.Error(429, "too many requests")
			return
		}
		next()
	}
}

// Timing records handler latency in an X-Response-Time header.
func Timing() Middleware {
	return func(req *http.Request, res *http.Response, next Next) {
		start := time.Now()
		next()
		res.SetHeader("X-Response-Time", time.Since(start).String())
	}
}
