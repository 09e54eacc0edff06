// Package ae implements the per-reactor event loop: a pollable file
// descriptor registry, periodic time events and a before-sleep hook,
// driven by the platform multiplexer from core/poller.
package ae

import (
	"errors"
	"reflect"
	"time"

	"github.com/searchktools/evhttp/core/poller"
)

// File event masks.
const (
	None     = 0
	Readable = poller.Readable
	Writable = poller.Writable
)

// NoMore deletes a time event when returned from its callback.
const NoMore = -1

var (
	// ErrNoSpace reports a file descriptor outside the registered set size.
	ErrNoSpace = errors.New("ae: fd out of range, resize the event loop")
	// ErrResize reports a shrink below the highest registered fd.
	ErrResize = errors.New("ae: set size below highest registered fd")
)

// FileProc handles readiness on a registered file descriptor.
type FileProc func(el *EventLoop, fd int, opaque any, mask int)

// TimeProc runs a due time event and returns the next delay in
// milliseconds, or NoMore to delete the event.
type TimeProc func(el *EventLoop, id int64, opaque any) int

// BeforeSleepProc runs just before the loop blocks on the multiplexer.
type BeforeSleepProc func(el *EventLoop)

type fileEvent struct {
	mask   int
	rproc  FileProc
	wproc  FileProc
	opaque any
}

type timeEvent struct {
	id     int64
	when   int64
	proc   TimeProc
	opaque any
}

// EventLoop drives one reactor.
type EventLoop struct {
	events     []fileEvent
	fired      []poller.Event
	maxfd      int
	p          poller.Poller
	timeEvents []*timeEvent
	nextTimeID int64
	stop       bool
	before     BeforeSleepProc
	start      time.Time

	// Data is an opaque owner pointer handed back to callbacks that
	// only receive the loop.
	Data any
}

// Create returns an event loop able to register fds in [0, setsize).
func Create(setsize int) (*EventLoop, error) {
	p, err := poller.NewPoller()
	if err != nil {
		return nil, err
	}
	return &EventLoop{
		events: make([]fileEvent, setsize),
		fired:  make([]poller.Event, setsize),
		maxfd:  -1,
		p:      p,
		start:  time.Now(),
	}, nil
}

func (el *EventLoop) now() int64 {
	return time.Since(el.start).Milliseconds()
}

// SetSize returns the current capacity of the fd registry.
func (el *EventLoop) SetSize() int {
	return len(el.events)
}

// Resize grows or shrinks the fd registry, preserving registrations.
// Shrinking below the highest registered fd fails.
func (el *EventLoop) Resize(setsize int) error {
	if setsize == len(el.events) {
		return nil
	}
	if el.maxfd >= setsize {
		return ErrResize
	}
	events := make([]fileEvent, setsize)
	copy(events, el.events)
	el.events = events
	el.fired = make([]poller.Event, setsize)
	return nil
}

// CreateFileEvent registers proc for mask readiness on fd.
func (el *EventLoop) CreateFileEvent(fd, mask int, proc FileProc, opaque any) error {
	if fd >= len(el.events) {
		return ErrNoSpace
	}
	fe := &el.events[fd]
	merged := fe.mask | mask

	var err error
	if fe.mask == None {
		err = el.p.Add(fd, merged)
	} else if merged != fe.mask {
		err = el.p.Modify(fd, merged)
	}
	if err != nil {
		return err
	}

	fe.mask = merged
	if mask&Readable != 0 {
		fe.rproc = proc
	}
	if mask&Writable != 0 {
		fe.wproc = proc
	}
	fe.opaque = opaque
	if fd > el.maxfd {
		el.maxfd = fd
	}
	return nil
}

// DeleteFileEvent removes interest in mask readiness on fd.
func (el *EventLoop) DeleteFileEvent(fd, mask int) {
	if fd < 0 || fd >= len(el.events) {
		return
	}
	fe := &el.events[fd]
	if fe.mask == None {
		return
	}
	remaining := fe.mask &^ mask
	if remaining == None {
		el.p.Remove(fd)
		*fe = fileEvent{}
	} else if remaining != fe.mask {
		el.p.Modify(fd, remaining)
		fe.mask = remaining
	}
	if fe.mask == None && fd == el.maxfd {
		for el.maxfd >= 0 && el.events[el.maxfd].mask == None {
			el.maxfd--
		}
	}
}

// GetFileEvents returns the registered mask for fd.
func (el *EventLoop) GetFileEvents(fd int) int {
	if fd < 0 || fd >= len(el.events) {
		return None
	}
	return el.events[fd].mask
}

// CreateTimeEvent schedules proc to run after ms milliseconds. The
// callback's return value reschedules it; NoMore deletes it.
func (el *EventLoop) CreateTimeEvent(ms int64, proc TimeProc, opaque any) int64 {
	el.nextTimeID++
	te := &timeEvent{
		id:     el.nextTimeID,
		when:   el.now() + ms,
		proc:   proc,
		opaque: opaque,
	}
	el.timeEvents = append(el.timeEvents, te)
	return te.id
}

// DeleteTimeEvent removes a scheduled time event.
func (el *EventLoop) DeleteTimeEvent(id int64) bool {
	for i, te := range el.timeEvents {
		if te.id == id {
			el.timeEvents = append(el.timeEvents[:i], el.timeEvents[i+1:]...)
			return true
		}
	}
	return false
}

// SetBeforeSleep installs the hook invoked before each poll.
func (el *EventLoop) SetBeforeSleep(proc BeforeSleepProc) {
	el.before = proc
}

func (el *EventLoop) nearestTimer() int64 {
	nearest := int64(-1)
	for _, te := range el.timeEvents {
		if nearest == -1 || te.when < nearest {
			nearest = te.when
		}
	}
	return nearest
}

func (el *EventLoop) processTimeEvents() {
	now := el.now()
	// Snapshot: callbacks may add or delete events.
	due := make([]*timeEvent, 0, len(el.timeEvents))
	for _, te := range el.timeEvents {
		if te.when <= now {
			due = append(due, te)
		}
	}
	for _, te := range due {
		if !el.scheduled(te) {
			continue
		}
		ret := te.proc(el, te.id, te.opaque)
		if ret == NoMore {
			el.DeleteTimeEvent(te.id)
		} else {
			te.when = el.now() + int64(ret)
		}
	}
}

func sameProc(a, b FileProc) bool {
	if a == nil || b == nil {
		return false
	}
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}

func (el *EventLoop) scheduled(te *timeEvent) bool {
	for _, cur := range el.timeEvents {
		if cur == te {
			return true
		}
	}
	return false
}

func (el *EventLoop) processEvents() {
	timeout := -1
	if nearest := el.nearestTimer(); nearest != -1 {
		wait := nearest - el.now()
		if wait < 0 {
			wait = 0
		}
		timeout = int(wait)
	}

	n, err := el.p.Wait(timeout, el.fired)
	if err == nil {
		for i := 0; i < n; i++ {
			fd := el.fired[i].Fd
			mask := el.fired[i].Mask
			if fd < 0 || fd >= len(el.events) {
				continue
			}
			fe := &el.events[fd]
			rfired := false
			if fe.mask&mask&Readable != 0 && fe.rproc != nil {
				rfired = true
				fe.rproc(el, fd, fe.opaque, mask)
			}
			// The callback may have unregistered the fd; refetch.
			fe = &el.events[fd]
			if fe.mask&mask&Writable != 0 && fe.wproc != nil {
				if !rfired || !sameProc(fe.rproc, fe.wproc) {
					fe.wproc(el, fd, fe.opaque, mask)
				}
			}
		}
	}

	el.processTimeEvents()
}

// Main runs the loop until Stop is called.
func (el *EventLoop) Main() {
	el.stop = false
	for !el.stop {
		if el.before != nil {
			el.before(el)
		}
		el.processEvents()
	}
}

// Stop makes Main return after the current tick.
func (el *EventLoop) Stop() {
	el.stop = true
}

// Close releases the multiplexer. Registered fds are not closed.
func (el *EventLoop) Close() {
	el.p.Close()
	el.events = nil
	el.timeEvents = nil
}
