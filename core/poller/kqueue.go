//go:build darwin || freebsd || netbsd || openbsd

package poller

import (
	"golang.org/x/sys/unix"
)

// KqueuePoller is a kqueue-based I/O multiplexer.
type KqueuePoller struct {
	kqfd   int
	events []unix.Kevent_t
	out    []Event
}

// New creates a new Poller (BSD/macOS).
func New() (Poller, error) {
	kqfd, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}

	return &KqueuePoller{
		kqfd:   kqfd,
		events: make([]unix.Kevent_t, 1024),
		out:    make([]Event, 0, 1024),
	}, nil
}

// Add adds a file descriptor with read interest.
func (p *KqueuePoller) Add(fd int) error {
	return p.Mod(fd, true, false)
}

// Mod replaces the interest set for fd. kqueue tracks read and write
// filters independently, so the unwanted filter is deleted and the wanted
// one (re)enabled in a single kevent call.
func (p *KqueuePoller) Mod(fd int, read, write bool) error {
	changes := make([]unix.Kevent_t, 0, 2)

	readFlags := uint16(unix.EV_ADD | unix.EV_ENABLE)
	if !read {
		readFlags = unix.EV_ADD | unix.EV_DISABLE
	}
	changes = append(changes, unix.Kevent_t{
		Ident:  uint64(fd),
		Filter: unix.EVFILT_READ,
		Flags:  readFlags,
	})

	writeFlags := uint16(unix.EV_ADD | unix.EV_ENABLE)
	if !write {
		writeFlags = unix.EV_ADD | unix.EV_DISABLE
	}
	changes = append(changes, unix.Kevent_t{
		Ident:  uint64(fd),
		Filter: unix.EVFILT_WRITE,
		Flags:  writeFlags,
	})

	_, err := unix.Kevent(p.kqfd, changes, nil, nil)
	return err
}

// Remove removes a file descriptor from the watch list.
func (p *KqueuePoller) Remove(fd int) error {
	changes := []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE},
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE},
	}
	// ENOENT from a filter that was never enabled is not an error here.
	unix.Kevent(p.kqfd, changes[:1], nil, nil)
	unix.Kevent(p.kqfd, changes[1:], nil, nil)
	return nil
}

// Wait waits for I/O events.
func (p *KqueuePoller) Wait(timeout int) ([]Event, error) {
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.Timespec{
			Sec:  int64(timeout / 1000),
			Nsec: int64((timeout % 1000) * 1000000),
		}
		ts = &t
	}

	n, err := unix.Kevent(p.kqfd, nil, p.events, ts)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}

	p.out = p.out[:0]
	for i := 0; i < n; i++ {
		e := p.events[i]
		p.out = append(p.out, Event{
			FD:       int(e.Ident),
			Readable: e.Filter == unix.EVFILT_READ,
			Writable: e.Filter == unix.EVFILT_WRITE,
			Hup:      e.Flags&unix.EV_EOF != 0,
		})
	}
	return p.out, nil
}

// Close closes the Poller.
func (p *KqueuePoller) Close() error {
	return unix.Close(p.kqfd)
}
