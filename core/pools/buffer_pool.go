package pools

import (
	"errors"
	"sync/atomic"
)

// ErrCapacityMismatch is returned when a buffer released to a pool does not
// have the pool's configured capacity.
var ErrCapacityMismatch = errors.New("pools: released buffer capacity does not match pool size")

// Default buffer pool sizing for HTTP read buffers.
const (
	DefaultBufferSize    = 8 * 1024
	DefaultGlobalBuffers = 1024
	DefaultLocalBuffers  = 64
)

// BufferPool hands out fixed-capacity byte buffers through two tiers: a
// per-loop LocalCache and a bounded global free list behind it. A buffer is
// never held by two owners at once; the tier a buffer travels through only
// affects contention, never correctness.
type BufferPool struct {
	size   int
	global chan []byte

	allocs     atomic.Uint64
	localHits  atomic.Uint64
	globalHits atomic.Uint64
	discards   atomic.Uint64
}

// BufferPoolStats is a point-in-time snapshot of pool counters.
type BufferPoolStats struct {
	BufferSize  int    `json:"buffer_size"`
	Allocations uint64 `json:"allocations"`
	LocalHits   uint64 `json:"local_hits"`
	GlobalHits  uint64 `json:"global_hits"`
	Discards    uint64 `json:"discards"`
	GlobalFree  int    `json:"global_free"`
}

// NewBufferPool creates a pool of size-byte buffers with a bounded global tier.
func NewBufferPool(size, globalCap int) *BufferPool {
	if size <= 0 {
		size = DefaultBufferSize
	}
	if globalCap <= 0 {
		globalCap = DefaultGlobalBuffers
	}
	return &BufferPool{
		size:   size,
		global: make(chan []byte, globalCap),
	}
}

// Size returns the fixed capacity of every buffer in the pool.
func (p *BufferPool) Size() int {
	return p.size
}

// Acquire returns a zeroed buffer of exactly Size() bytes from the global
// tier, falling back to a counted fresh allocation.
func (p *BufferPool) Acquire() []byte {
	select {
	case buf := <-p.global:
		p.globalHits.Add(1)
		return buf
	default:
		p.allocs.Add(1)
		return make([]byte, p.size)
	}
}

// Release clears buf and returns it to the global tier, discarding it when
// the tier is full. A buffer of the wrong capacity is rejected.
func (p *BufferPool) Release(buf []byte) error {
	if cap(buf) != p.size {
		return ErrCapacityMismatch
	}
	buf = buf[:p.size]
	clear(buf)
	select {
	case p.global <- buf:
	default:
		p.discards.Add(1)
	}
	return nil
}

// Local creates a LocalCache bound to this pool. Each event loop owns one;
// the cache itself is not safe for concurrent use.
func (p *BufferPool) Local(localCap int) *LocalCache {
	if localCap <= 0 {
		localCap = DefaultLocalBuffers
	}
	return &LocalCache{
		pool: p,
		free: make([][]byte, 0, localCap),
		max:  localCap,
	}
}

// Stats returns current pool counters.
func (p *BufferPool) Stats() BufferPoolStats {
	return BufferPoolStats{
		BufferSize:  p.size,
		Allocations: p.allocs.Load(),
		LocalHits:   p.localHits.Load(),
		GlobalHits:  p.globalHits.Load(),
		Discards:    p.discards.Load(),
		GlobalFree:  len(p.global),
	}
}

// LocalCache is the loop-local tier of a BufferPool. Acquire and Release
// work without synchronization; the global tier is only touched when the
// cache runs dry or fills up.
type LocalCache struct {
	pool *BufferPool
	free [][]byte
	max  int
}

// Acquire returns a buffer from the local tier, else from the pool.
func (c *LocalCache) Acquire() []byte {
	if n := len(c.free); n > 0 {
		buf := c.free[n-1]
		c.free[n-1] = nil
		c.free = c.free[:n-1]
		c.pool.localHits.Add(1)
		return buf
	}
	return c.pool.Acquire()
}

// Release clears buf and keeps it locally if room exists, else hands it to
// the global tier.
func (c *LocalCache) Release(buf []byte) error {
	if cap(buf) != c.pool.size {
		return ErrCapacityMismatch
	}
	if len(c.free) < c.max {
		buf = buf[:c.pool.size]
		clear(buf)
		c.free = append(c.free, buf)
		return nil
	}
	return c.pool.Release(buf)
}

// Drain moves all locally cached buffers to the global tier so a retiring
// loop does not strand them.
func (c *LocalCache) Drain() {
	for _, buf := range c.free {
		c.pool.Release(buf)
	}
	c.free = c.free[:0]
}
