package pools

import (
	"sync"
	"sync/atomic"
)

// Poolable is implemented by objects recycled through a ConnectionPool.
type Poolable interface {
	Reset()
}

// ConnectionPool recycles per-connection state objects so accepting a
// socket does not allocate on the steady-state path.
type ConnectionPool struct {
	pool sync.Pool
	gets atomic.Uint64
	puts atomic.Uint64
}

// NewConnectionPool creates a connection object pool.
func NewConnectionPool(newFunc func() any) *ConnectionPool {
	cp := &ConnectionPool{}
	cp.pool.New = newFunc
	return cp
}

// Get retrieves an object from the pool.
func (cp *ConnectionPool) Get() any {
	cp.gets.Add(1)
	return cp.pool.Get()
}

// Put resets the object and returns it to the pool.
func (cp *ConnectionPool) Put(obj any) {
	if poolable, ok := obj.(Poolable); ok {
		poolable.Reset()
	}
	cp.puts.Add(1)
	cp.pool.Put(obj)
}

// Stats returns get/put counters and the reuse rate.
func (cp *ConnectionPool) Stats() (gets, puts uint64, reuseRate float64) {
	g := cp.gets.Load()
	p := cp.puts.Load()
	if g > 0 {
		reuseRate = float64(p) / float64(g)
	}
	return g, p, reuseRate
}
