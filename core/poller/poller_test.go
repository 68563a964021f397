package poller

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func testPipe(t *testing.T) (int, int) {
	t.Helper()
	fds := make([]int, 2)
	require.NoError(t, unix.Pipe(fds))
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestPollerReadReadiness(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	r, w := testPipe(t)
	require.NoError(t, p.Add(r))

	// Nothing readable yet.
	evs, err := p.Wait(10)
	require.NoError(t, err)
	assert.Empty(t, evs)

	_, err = unix.Write(w, []byte("x"))
	require.NoError(t, err)

	evs, err = p.Wait(1000)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, r, evs[0].FD)
	assert.True(t, evs[0].Readable)
	assert.False(t, evs[0].Writable)
}

func TestPollerWriteInterest(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	r, w := testPipe(t)
	require.NoError(t, p.Add(w))

	// Read-only interest: an empty pipe reports nothing.
	evs, err := p.Wait(10)
	require.NoError(t, err)
	assert.Empty(t, evs)

	require.NoError(t, p.Mod(w, false, true))
	evs, err = p.Wait(1000)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, w, evs[0].FD)
	assert.True(t, evs[0].Writable)

	_ = r
}

func TestPollerHangup(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	fds := make([]int, 2)
	require.NoError(t, unix.Pipe(fds))
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, p.Add(fds[0]))

	// Closing the write side hangs up the reader.
	unix.Close(fds[1])

	evs, err := p.Wait(1000)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.True(t, evs[0].Hup)

	require.NoError(t, p.Remove(fds[0]))
	unix.Close(fds[0])
}

func TestPollerRemove(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	r, w := testPipe(t)
	require.NoError(t, p.Add(r))
	require.NoError(t, p.Remove(r))

	_, err = unix.Write(w, []byte("x"))
	require.NoError(t, err)

	evs, err := p.Wait(10)
	require.NoError(t, err)
	assert.Empty(t, evs)
}
