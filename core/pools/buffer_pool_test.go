package pools

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferPoolAcquireRelease(t *testing.T) {
	p := NewBufferPool(128, 4)

	buf := p.Acquire()
	require.Len(t, buf, 128)
	require.Equal(t, 128, cap(buf))

	copy(buf, []byte("sensitive"))
	require.NoError(t, p.Release(buf))

	// The same buffer comes back zeroed.
	buf2 := p.Acquire()
	assert.Equal(t, make([]byte, 128), buf2)

	s := p.Stats()
	assert.Equal(t, uint64(1), s.Allocations)
	assert.Equal(t, uint64(1), s.GlobalHits)
}

func TestBufferPoolCapacityMismatch(t *testing.T) {
	p := NewBufferPool(128, 4)

	assert.ErrorIs(t, p.Release(make([]byte, 64)), ErrCapacityMismatch)
	assert.ErrorIs(t, p.Release(make([]byte, 256)), ErrCapacityMismatch)

	// A reslice of a pool buffer still has the right capacity.
	buf := p.Acquire()
	assert.NoError(t, p.Release(buf[:10]))
}

func TestBufferPoolDiscardWhenFull(t *testing.T) {
	p := NewBufferPool(64, 2)

	bufs := [][]byte{p.Acquire(), p.Acquire(), p.Acquire()}
	for _, b := range bufs {
		require.NoError(t, p.Release(b))
	}

	s := p.Stats()
	assert.Equal(t, 2, s.GlobalFree)
	assert.Equal(t, uint64(1), s.Discards)
}

func TestLocalCacheTiering(t *testing.T) {
	p := NewBufferPool(64, 8)
	c := p.Local(2)

	a := c.Acquire()
	b := c.Acquire()
	require.NoError(t, c.Release(a))
	require.NoError(t, c.Release(b))

	// Both fit locally: no global traffic yet.
	assert.Equal(t, 0, p.Stats().GlobalFree)

	c.Acquire()
	assert.Equal(t, uint64(1), p.Stats().LocalHits)

	// Overflowing the local tier spills to the global one.
	extra := p.Acquire()
	require.NoError(t, c.Release(extra))
	require.NoError(t, c.Release(p.Acquire()))
	assert.Equal(t, 1, p.Stats().GlobalFree)
}

func TestLocalCacheRejectsWrongCapacity(t *testing.T) {
	p := NewBufferPool(64, 8)
	c := p.Local(2)

	assert.ErrorIs(t, c.Release(make([]byte, 32)), ErrCapacityMismatch)
}

func TestLocalCacheDrain(t *testing.T) {
	p := NewBufferPool(64, 8)
	c := p.Local(4)

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Release(p.Acquire()))
	}
	c.Drain()

	assert.Equal(t, 3, p.Stats().GlobalFree)

	// Drained cache starts cold again.
	c.Acquire()
	assert.Equal(t, uint64(0), p.Stats().LocalHits)
}
