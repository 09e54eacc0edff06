package evhttp

import (
	"bytes"
	"container/list"
	"errors"
	"reflect"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/searchktools/evhttp/core/ae"
	"github.com/searchktools/evhttp/core/netutil"
)

const (
	defaultHz          = 10
	defaultMaxIdleTime = 1000000000
	maxAcceptsPerCall  = 16
	clientsCronMinIter = 5
)

// FileEventListener handles readiness on a caller-registered fd.
type FileEventListener func(s *Server, fd int, mask int, opaque any)

// File event masks for the passthrough surface.
const (
	FileEventReadable = ae.Readable
	FileEventWritable = ae.Writable
)

type fileEvent struct {
	mask   int
	read   FileEventListener
	write  FileEventListener
	opaque any
}

// Server is one reactor: a single-threaded event loop owning its
// accepted connections, their deferred writes and the cron sweep. A
// group server is a sentinel fanning configuration out to workers.
type Server struct {
	current   *Client
	clients   *list.List
	pending   *list.List
	closing   *list.List
	listening []int

	shutdown atomic.Int32
	el       *ae.EventLoop

	logger       Logger
	loggerLevel  LogLevel
	loggerOpaque any

	listener       Listener
	listenerMask   EventType
	listenerOpaque any

	unixTime  int64
	msTime    int64
	hz        int64
	maxIdle   int64
	cronLoops int32

	group  []*Server
	strict bool

	events       []fileEvent
	nextClientID uint64
	readBuf      [protoReadChunk]byte
	dispatchGoid atomic.Int64

	stats *Stats
}

func newServer() *Server {
	return &Server{
		clients: list.New(),
		pending: list.New(),
		closing: list.New(),
		hz:      defaultHz,
		maxIdle: defaultMaxIdleTime,
		strict:  true,
		stats:   newStats(),
	}
}

// Create returns a single-reactor server ready for the builder chain.
func Create() *Server {
	return newServer()
}

// GroupCreate returns a server group of size worker reactors sharing
// the bind address through SO_REUSEPORT. A size of one or less
// degenerates to a plain server. useProcess is reserved and ignored.
func GroupCreate(size int, useProcess bool) *Server {
	if size <= 1 {
		return Create()
	}
	s := &Server{}
	s.group = make([]*Server, size)
	for i := range s.group {
		s.group[i] = newServer()
	}
	return s
}

// forEach applies fn to every worker of a group, or to the server
// itself when it is not a group sentinel.
func (s *Server) forEach(fn func(*Server)) {
	if s.group != nil {
		for _, w := range s.group {
			fn(w)
		}
	} else {
		fn(s)
	}
}

// Hz sets the cron tick rate in events per second.
func (s *Server) Hz(hz int) *Server {
	if s == nil {
		return nil
	}
	s.forEach(func(w *Server) {
		if hz > 0 {
			w.hz = int64(hz)
		}
	})
	return s
}

// MaxIdleTime sets the idle sweep threshold in seconds; zero disables
// the sweep.
func (s *Server) MaxIdleTime(seconds int64) *Server {
	if s == nil {
		return nil
	}
	s.forEach(func(w *Server) { w.maxIdle = seconds })
	return s
}

// Bind parses "host:port" or "host" (port 80) and creates IPv6 and
// IPv4 listeners; at least one family must succeed. On a group every
// worker binds its own listeners with SO_REUSEPORT.
func (s *Server) Bind(address string, backlog int) *Server {
	if s == nil {
		return nil
	}
	host := address
	port := 80
	if i := strings.IndexByte(address, ':'); i >= 0 {
		host = address[:i]
		if p, err := strconv.Atoi(address[i+1:]); err == nil {
			port = p
		}
	}
	reusePort := s.group != nil
	s.forEach(func(w *Server) { w.doBind(host, port, backlog, reusePort) })
	return s
}

func (s *Server) doBind(host string, port, backlog int, reusePort bool) {
	// Try both families; binding succeeds if either one does.
	v6host, v4host := host, host
	if host == "localhost" {
		v6host, v4host = "::1", "127.0.0.1"
	}

	fd6, err6 := netutil.TCP6Server(port, v6host, backlog, reusePort)
	fd4, err4 := netutil.TCPServer(port, v4host, backlog, reusePort)
	if err6 != nil && err4 != nil {
		s.logf(LogError, "could not create listening socket %s:%d: %v; %v", host, port, err6, err4)
		return
	}
	if err6 == nil {
		s.listening = append(s.listening, fd6)
	}
	if err4 == nil {
		s.listening = append(s.listening, fd4)
	}
}

// ConnectionLimit sizes the event loop and the per-fd file event
// table; it must be called before Main.
func (s *Server) ConnectionLimit(limit int) *Server {
	if s == nil {
		return nil
	}
	s.forEach(func(w *Server) { w.doConnectionLimit(limit) })
	return s
}

func (s *Server) doConnectionLimit(limit int) {
	if s.el != nil {
		if err := s.el.Resize(limit); err != nil {
			s.logf(LogError, "could not set connection limit to %d: %v", limit, err)
			return
		}
	} else {
		el, err := ae.Create(limit)
		if err != nil {
			s.logf(LogError, "could not create event loop: %v", err)
			return
		}
		s.el = el
		s.el.Data = s
	}
	events := make([]fileEvent, limit)
	copy(events, s.events)
	s.events = events
}

// SetLogger installs the log callback with its minimum level.
func (s *Server) SetLogger(logger Logger, level LogLevel, opaque any) *Server {
	if s == nil {
		return nil
	}
	s.forEach(func(w *Server) {
		w.logger = logger
		w.loggerLevel = level
		w.loggerOpaque = opaque
	})
	return s
}

// SetListener installs the event listener with its event mask.
func (s *Server) SetListener(listener Listener, mask EventType, opaque any) *Server {
	if s == nil {
		return nil
	}
	s.forEach(func(w *Server) {
		w.listener = listener
		w.listenerMask = mask
		w.listenerOpaque = opaque
	})
	return s
}

// Strict selects the strict request parser.
func (s *Server) Strict() *Server {
	if s == nil {
		return nil
	}
	s.forEach(func(w *Server) { w.strict = true })
	return s
}

// Relaxed selects the lenient request parser.
func (s *Server) Relaxed() *Server {
	if s == nil {
		return nil
	}
	s.forEach(func(w *Server) { w.strict = false })
	return s
}

func updateCachedTime(s *Server) {
	now := time.Now()
	s.unixTime = now.Unix()
	s.msTime = now.UnixMilli()
}

func clientsCronHandleTimeout(s *Server, c *Client, nowMs int64) bool {
	now := nowMs / 1000
	if s.maxIdle > 0 && now-c.lastInteraction > s.maxIdle {
		freeClient(s.el, c)
		return true
	}
	return false
}

func clientsCron(s *Server) {
	numclients := s.clients.Len()
	iterations := numclients / int(s.hz)
	now := time.Now().UnixMilli()

	if iterations < clientsCronMinIter {
		iterations = clientsCronMinIter
		if numclients < iterations {
			iterations = numclients
		}
	}

	for s.clients.Len() > 0 && iterations > 0 {
		iterations--
		// Rotate so the examined client lands at the tail; a client
		// freed here is then never at an interior node.
		head := s.clients.Front()
		s.clients.MoveToBack(head)
		c := head.Value.(*Client)
		if clientsCronHandleTimeout(s, c, now) {
			continue
		}
	}
}

func serverCron(el *ae.EventLoop, id int64, opaque any) int {
	s := el.Data.(*Server)

	updateCachedTime(s)
	clientsCron(s)
	freeClientsInAsyncFreeQueue(el)

	s.cronLoops++

	if s.shutdown.Load() != 0 {
		el.Stop()
	}

	return int(1000 / s.hz)
}

func acceptTCPHandler(el *ae.EventLoop, fd int, opaque any, mask int) {
	s := opaque.(*Server)

	for i := 0; i < maxAcceptsPerCall; i++ {
		cfd, cip, cport, err := netutil.Accept(fd)
		if err != nil {
			if !errors.Is(err, netutil.ErrWouldBlock) {
				s.logf(LogError, "could not accept new connection from client: %v", err)
			}
			return
		}
		s.stats.connectionsAccepted.Inc()
		s.logf(LogTrace, "accepted %s:%d at fd %d", cip, cport, cfd)
		createClient(s, cfd)
	}
}

func beforeSleep(el *ae.EventLoop) {
	handleClientsWithPendingWrites(el)
}

func (s *Server) doMain() {
	if s.el == nil {
		s.logf(LogError, "no event loop, ConnectionLimit was never applied")
		return
	}
	succeeded := 0
	for _, fd := range s.listening {
		if err := s.el.CreateFileEvent(fd, ae.Readable, acceptTCPHandler, s); err == nil {
			succeeded++
		}
	}
	if succeeded == 0 {
		s.logf(LogError, "could not create file event for any of the listening sockets")
		return
	}
	s.el.CreateTimeEvent(1, serverCron, nil)
	s.el.SetBeforeSleep(beforeSleep)
	updateCachedTime(s)
	s.dispatchGoid.Store(goid())
	s.el.Main()
	for _, fd := range s.listening {
		s.el.DeleteFileEvent(fd, ae.Readable)
	}
}

// Main runs the reactor until Shutdown; on a group it runs one
// goroutine per worker and joins them all.
func (s *Server) Main() *Server {
	if s == nil {
		return nil
	}
	if s.group != nil {
		var wg sync.WaitGroup
		for _, w := range s.group {
			wg.Add(1)
			go func(w *Server) {
				defer wg.Done()
				w.doMain()
			}(w)
		}
		wg.Wait()
	} else {
		s.doMain()
	}
	return s
}

// Shutdown asks every reactor to stop at its next cron tick. Safe to
// call from any goroutine.
func (s *Server) Shutdown() *Server {
	if s == nil {
		return nil
	}
	s.forEach(func(w *Server) { w.shutdown.Store(1) })
	return s
}

// Free releases listeners and the event loop. The server must not be
// used afterwards.
func (s *Server) Free() {
	if s == nil {
		return
	}
	s.forEach(func(w *Server) {
		for _, fd := range w.listening {
			netutil.Close(fd)
		}
		w.listening = nil
		if w.el != nil {
			w.el.Close()
			w.el = nil
		}
		w.clients.Init()
		w.pending.Init()
		w.closing.Init()
	})
}

// Addrs returns the local addresses of the listening sockets. For a
// group the workers share one address, so the first worker answers.
func (s *Server) Addrs() []string {
	if s == nil {
		return nil
	}
	w := s
	if s.group != nil {
		w = s.group[0]
	}
	var addrs []string
	for _, fd := range w.listening {
		if ip, port, err := netutil.SockName(fd); err == nil {
			addrs = append(addrs, netutil.JoinHostPort(ip, port))
		}
	}
	return addrs
}

// IsDispatchingThread reports whether the caller runs on the goroutine
// driving this reactor's event loop.
func (s *Server) IsDispatchingThread() bool {
	return s.dispatchGoid.Load() == goid()
}

// Workers returns the group's worker reactors, or nil for a solo
// server.
func (s *Server) Workers() []*Server {
	return s.group
}

func goid() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	// "goroutine 123 [running]:"
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, _ := strconv.ParseInt(string(fields[1]), 10, 64)
	return id
}

func serverFileEvent(el *ae.EventLoop, fd int, opaque any, mask int) {
	s := el.Data.(*Server)
	event := opaque.(*fileEvent)
	rfired := false
	if event.mask&mask&FileEventReadable != 0 && event.read != nil {
		rfired = true
		event.read(s, fd, mask, event.opaque)
	}
	if event.mask&mask&FileEventWritable != 0 && event.write != nil {
		if !rfired || !sameListener(event.read, event.write) {
			event.write(s, fd, mask, event.opaque)
		}
	}
}

func sameListener(a, b FileEventListener) bool {
	if a == nil || b == nil {
		return false
	}
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}

// CreateFileEvent registers a caller-owned fd on the reactor's event
// loop, e.g. for outbound probes started with Connect.
func (s *Server) CreateFileEvent(fd, mask int, listener FileEventListener, opaque any) error {
	if fd < 0 || fd >= len(s.events) {
		return ae.ErrNoSpace
	}
	event := &s.events[fd]
	if err := s.el.CreateFileEvent(fd, mask, serverFileEvent, event); err != nil {
		return err
	}
	event.mask = s.el.GetFileEvents(fd)
	if mask&FileEventReadable != 0 {
		event.read = listener
	}
	if mask&FileEventWritable != 0 {
		event.write = listener
	}
	event.opaque = opaque
	return nil
}

// DeleteFileEvent removes interest in mask readiness on a
// caller-owned fd.
func (s *Server) DeleteFileEvent(fd, mask int) {
	if fd < 0 || s.el == nil || s.el.SetSize() <= fd {
		return
	}
	s.el.DeleteFileEvent(fd, mask)
	if fd < len(s.events) {
		s.events[fd].mask = s.el.GetFileEvents(fd)
	}
}

// GetFileEvents returns the registered mask for fd.
func (s *Server) GetFileEvents(fd int) int {
	if s.el == nil {
		return 0
	}
	return s.el.GetFileEvents(fd)
}

// Connect starts a non-blocking outbound connection and returns its
// fd for use with CreateFileEvent. No client is created for it.
func (s *Server) Connect(addr string, port int) (int, error) {
	return netutil.NonBlockConnect(addr, port)
}
