package poller

// Event is a single readiness notification for a file descriptor.
type Event struct {
	FD       int
	Readable bool
	Writable bool
	// Hup reports peer shutdown or a socket error condition. The owner
	// should close the connection once no request is in flight on it.
	Hup bool
}

// Poller is the I/O multiplexing interface. One Poller is owned by exactly
// one event loop; Add and Mod may additionally be called from other
// goroutines when handing a descriptor over to the owning loop.
type Poller interface {
	// Add registers fd with read interest.
	Add(fd int) error
	// Mod replaces the interest set for fd. With both read and write
	// false only peer-shutdown conditions are reported.
	Mod(fd int, read, write bool) error
	Remove(fd int) error
	// Wait blocks up to timeout milliseconds and returns ready events.
	// The returned slice is reused by the next Wait call.
	Wait(timeout int) ([]Event, error)
	Close() error
}
