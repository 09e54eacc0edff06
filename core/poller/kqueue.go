//go:build darwin || freebsd || netbsd || openbsd
// +build darwin freebsd netbsd openbsd

package poller

import (
	"golang.org/x/sys/unix"
)

// KqueuePoller is a kqueue-based I/O multiplexer
type KqueuePoller struct {
	kqfd   int
	events []unix.Kevent_t
}

// NewPoller creates a new Poller (BSD/macOS)
func NewPoller() (Poller, error) {
	kqfd, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}

	return &KqueuePoller{
		kqfd:   kqfd,
		events: make([]unix.Kevent_t, 1024),
	}, nil
}

func (p *KqueuePoller) apply(changes []unix.Kevent_t) error {
	for i := range changes {
		_, err := unix.Kevent(p.kqfd, changes[i:i+1], nil, nil)
		if err != nil && err != unix.ENOENT {
			return err
		}
	}
	return nil
}

func changesFor(fd, mask int) []unix.Kevent_t {
	// Level-triggered (no EV_CLEAR) for reliability.
	changes := make([]unix.Kevent_t, 0, 2)
	rd := unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ}
	wr := unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE}
	if mask&Readable != 0 {
		rd.Flags = unix.EV_ADD | unix.EV_ENABLE
	} else {
		rd.Flags = unix.EV_DELETE
	}
	if mask&Writable != 0 {
		wr.Flags = unix.EV_ADD | unix.EV_ENABLE
	} else {
		wr.Flags = unix.EV_DELETE
	}
	changes = append(changes, rd, wr)
	return changes
}

// Add adds a file descriptor to the watch list
func (p *KqueuePoller) Add(fd, mask int) error {
	return p.apply(changesFor(fd, mask))
}

// Modify replaces the interest mask of a registered file descriptor
func (p *KqueuePoller) Modify(fd, mask int) error {
	return p.apply(changesFor(fd, mask))
}

// Remove removes a file descriptor from the watch list
func (p *KqueuePoller) Remove(fd int) error {
	return p.apply(changesFor(fd, 0))
}

// Wait waits for I/O events. timeout is in milliseconds, -1 blocks.
func (p *KqueuePoller) Wait(timeout int, events []Event) (int, error) {
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
			return 0, nil
		}
		return 0, err
	}

	if n <= 0 {
		return 0, nil
	}
	if n > len(events) {
		n = len(events)
	}

	for i := 0; i < n; i++ {
		var mask int
		switch p.events[i].Filter {
		case unix.EVFILT_READ:
			mask = Readable
		case unix.EVFILT_WRITE:
			mask = Writable
		}
		events[i] = Event{Fd: int(p.events[i].Ident), Mask: mask}
	}

	return n, nil
}

// Close closes the Poller
func (p *KqueuePoller) Close() error {
	return unix.Close(p.kqfd)
}
