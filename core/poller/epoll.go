//go:build linux
// +build linux

package poller

import (
	"golang.org/x/sys/unix"
)

// EpollPoller is an epoll-based I/O multiplexer
type EpollPoller struct {
	epfd   int
	events []unix.EpollEvent
}

// NewPoller creates a new Poller (Linux)
func NewPoller() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	return &EpollPoller{
		epfd:   epfd,
		events: make([]unix.EpollEvent, 1024),
	}, nil
}

func toEpoll(mask int) uint32 {
	// Level-triggered for reliability; EPOLLRDHUP detects peer shutdown.
	var ev uint32
	if mask&Readable != 0 {
		ev |= uint32(unix.EPOLLIN) | uint32(unix.EPOLLRDHUP)
	}
	if mask&Writable != 0 {
		ev |= uint32(unix.EPOLLOUT)
	}
	return ev
}

// Add adds a file descriptor to the watch list
func (p *EpollPoller) Add(fd, mask int) error {
	ev := unix.EpollEvent{
		Events: toEpoll(mask),
		Fd:     int32(fd),
	}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// Modify replaces the interest mask of a registered file descriptor
func (p *EpollPoller) Modify(fd, mask int) error {
	ev := unix.EpollEvent{
		Events: toEpoll(mask),
		Fd:     int32(fd),
	}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

// Remove removes a file descriptor from the watch list
func (p *EpollPoller) Remove(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait waits for I/O events. timeout is in milliseconds, -1 blocks.
func (p *EpollPoller) Wait(timeout int, events []Event) (int, error) {
	n, err := unix.EpollWait(p.epfd, p.events, timeout)
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
		ev := p.events[i].Events
		if ev&(unix.EPOLLIN|uint32(unix.EPOLLRDHUP)|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			mask |= Readable
		}
		if ev&unix.EPOLLOUT != 0 {
			mask |= Writable
		}
		events[i] = Event{Fd: int(p.events[i].Fd), Mask: mask}
	}

	return n, nil
}

// Close closes the Poller
func (p *EpollPoller) Close() error {
	return unix.Close(p.epfd)
}
