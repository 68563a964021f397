// Package middleware implements the per-request execution pipeline: an
// ordered, short-circuiting sequence of steps around a terminal handler.
package middleware

import (
	"errors"

	"github.com/spindlehttp/spindle/core/http"
)

// Handler is the terminal step of a chain.
type Handler func(*http.Request, *http.Response)

// Next advances the chain. Calling it runs everything downstream, both the
// remaining middleware and the handler, and returns once they completed,
// so a middleware can act both before and after (wrap patterns). Not
// calling it short-circuits the rest of the chain.
type Next func()

// Middleware is one cross-cutting step in a chain.
type Middleware func(*http.Request, *http.Response, Next)

// Usage errors surfaced as panics out of Next. They reach the worker task
// that owns the chain, like any other panic from middleware or handler.
var (
	ErrNextAfterSend   = errors.New("middleware: next called after response was sent")
	ErrNextCalledTwice = errors.New("middleware: next called twice from the same step")
)

// Chain is an assembled pipeline: global, router-mounted and route-specific
// middleware in that order, then the terminal handler.
type Chain struct {
	steps []Middleware
	final Handler
}

// NewChain builds a chain around final. Earlier groups run first.
func NewChain(final Handler, groups ...[]Middleware) *Chain {
	n := 0
	for _, g := range groups {
		n += len(g)
	}
	steps := make([]Middleware, 0, n)
	for _, g := range groups {
		steps = append(steps, g...)
	}
	return &Chain{steps: steps, final: final}
}

// Len returns the number of middleware steps excluding the handler.
func (c *Chain) Len() int {
	return len(c.steps)
}

// Run executes the chain synchronously. A panic from any step or the
// handler propagates to the caller; it is never absorbed here.
func (c *Chain) Run(req *http.Request, res *http.Response) {
	c.exec(0, req, res)
}

func (c *Chain) exec(i int, req *http.Request, res *http.Response) {
	if i == len(c.steps) {
		if c.final != nil {
			c.final(req, res)
		}
		return
	}

	called := false
	next := func() {
		if called {
			panic(ErrNextCalledTwice)
		}
		if res.Sent() {
			panic(ErrNextAfterSend)
		}
		called = true
		c.exec(i+1, req, res)
	}
	c.steps[i](req, res, next)
}
