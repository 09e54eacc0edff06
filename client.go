package evhttp

import (
	"container/list"

	"golang.org/x/sys/unix"

	"github.com/searchktools/evhttp/core/ae"
	"github.com/searchktools/evhttp/core/httparse"
	"github.com/searchktools/evhttp/core/netutil"
)

// Generic I/O sizes.
const (
	protoIOBufLen  = 16 * 1024
	protoReadChunk = 8 * 1024
)

// Client flags.
const (
	clientCloseAfterReply = 1 << 6
	clientCloseASAP       = 1 << 10
	clientPendingWrite    = 1 << 21
	clientReplyOff        = 1 << 22
	clientReplySkip       = 1 << 24
)

type clientState uint8

const (
	clientStateBegin clientState = iota
	clientStateURL
	clientStateStatus
	clientStateHeaderField
	clientStateHeaderValue
	clientStateHeaderComplete
	clientStateBody
	clientStateChunkHeader
	clientStateChunkComplete
	clientStateComplete
)

// Client is the server-side state for one accepted connection: the
// incremental parser feeding the in-progress message, and the two-tier
// output buffer the reply helpers fill.
type Client struct {
	id       uint64
	fd       int
	buffer   [protoIOBufLen]byte
	position int
	sent     int

	reply      *list.List
	replyBytes int

	flags  int32
	server *Server

	lastInteraction int64

	state      clientState
	lengthSent bool

	parser    httparse.Parser
	callbacks httparse.Callbacks
	message   Message

	field    []byte
	value    []byte
	fieldSet bool
	valueSet bool

	clientsElem *list.Element
	pendingElem *list.Element
	closingElem *list.Element
}

func createClient(s *Server, fd int) *Client {
	c := &Client{fd: fd, reply: list.New()}

	if fd != -1 {
		netutil.NonBlock(fd)
		netutil.EnableTCPNoDelay(fd)
		netutil.KeepAlive(fd, true)
		if err := s.el.CreateFileEvent(fd, ae.Readable, clientReadFrom, c); err != nil {
			netutil.Close(fd)
			s.logf(LogWarn, "could not watch client fd %d: %v", fd, err)
			return nil
		}
		c.clientsElem = s.clients.PushBack(c)
	}
	c.server = s

	s.nextClientID++
	c.id = s.nextClientID

	c.parser.Init()
	c.message.major, c.message.minor = 1, 1
	c.message.paramCursor = -1
	c.lastInteraction = s.unixTime
	c.callbacks = httparse.Callbacks{
		MessageBegin:    c.onMessageBegin,
		URL:             c.onURL,
		Status:          c.onStatus,
		HeaderField:     c.onHeaderField,
		HeaderValue:     c.onHeaderValue,
		HeadersComplete: c.onHeadersComplete,
		Body:            c.onBody,
		MessageComplete: c.onMessageComplete,
	}

	s.dispatchEvent(c, EventConnected, c)
	return c
}

// clientReadFrom is the readable handler: it pulls up to one chunk
// from the socket and runs it through the parser.
func clientReadFrom(el *ae.EventLoop, fd int, opaque any, mask int) {
	c := opaque.(*Client)
	s := el.Data.(*Server)

	nread, err := unix.Read(c.fd, s.readBuf[:])
	if err != nil {
		if err == unix.EAGAIN {
			return
		}
		s.logf(LogDebug, "could not read from fd %d: %v", c.fd, err)
		freeClient(el, c)
		return
	}
	if nread == 0 {
		s.logf(LogDebug, "client %d closed connection", c.id)
		freeClient(el, c)
		return
	}
	c.lastInteraction = s.unixTime

	parsed := c.parser.Execute(&c.callbacks, s.readBuf[:nread], s.strict)
	if c.parser.Upgrade {
		s.logf(LogWarn, "HTTP upgrade is not supported")
		c.SendError(500)
		c.Close()
		return
	}
	if parsed != nread {
		s.logf(LogWarn, "invalid protocol when trying to parse request")
		s.stats.protocolErrors.Inc()
		c.SendError(400)
		c.Close()
		return
	}
}

func (c *Client) onMessageBegin() {
	c.state = clientStateBegin
}

func (c *Client) onURL(b []byte) {
	c.message.url = append(c.message.url, b...)
	c.state = clientStateURL
}

func (c *Client) onStatus(b []byte) {
	c.state = clientStateStatus
}

func (c *Client) onHeaderField(b []byte) {
	if c.valueSet {
		// The previous pairing is complete.
		c.message.headers = append(c.message.headers, string(c.field), string(c.value))
		c.field = c.field[:0]
		c.value = c.value[:0]
		c.fieldSet = false
		c.valueSet = false
	}
	if !c.fieldSet {
		c.fieldSet = true
		c.field = c.field[:0]
	}
	c.field = append(c.field, b...)
	c.state = clientStateHeaderField
}

func (c *Client) onHeaderValue(b []byte) {
	if !c.valueSet {
		c.valueSet = true
		c.value = c.value[:0]
	}
	c.value = append(c.value, b...)
	c.state = clientStateHeaderValue
}

func (c *Client) onHeadersComplete() {
	if c.valueSet {
		c.message.headers = append(c.message.headers, string(c.field), string(c.value))
		c.field = c.field[:0]
		c.value = c.value[:0]
		c.fieldSet = false
		c.valueSet = false
	}
	c.state = clientStateHeaderComplete
}

func (c *Client) onBody(b []byte) {
	c.message.body = append(c.message.body, b...)
	c.state = clientStateBody
}

func (c *Client) onMessageComplete() {
	c.message.status = c.parser.StatusCode
	c.message.method = c.parser.Method
	c.message.major = c.parser.Major
	c.message.minor = c.parser.Minor
	c.state = clientStateComplete
	c.lengthSent = false
	c.server.stats.requests.Inc()
	c.server.dispatchEvent(c, EventRequest, &c.message)
	c.state = clientStateBegin
	c.message.reset()
	c.field = c.field[:0]
	c.value = c.value[:0]
	c.fieldSet = false
	c.valueSet = false
}

// unlinkClient detaches the client from the reactor: active-client
// list, file events, pending-write list and the socket itself.
func unlinkClient(el *ae.EventLoop, c *Client) {
	s := c.server

	if s.current == c {
		s.current = nil
	}

	if c.fd != -1 {
		s.clients.Remove(c.clientsElem)
		c.clientsElem = nil

		el.DeleteFileEvent(c.fd, ae.Readable)
		el.DeleteFileEvent(c.fd, ae.Writable)
		netutil.Close(c.fd)
		c.fd = -1
		s.stats.connectionsClosed.Inc()
		s.dispatchEvent(c, EventDisconnected, c)
	}

	if c.flags&clientPendingWrite != 0 {
		s.pending.Remove(c.pendingElem)
		c.pendingElem = nil
		c.flags &^= clientPendingWrite
	}
}

func freeClient(el *ae.EventLoop, c *Client) {
	s := c.server

	c.reply.Init()
	c.replyBytes = 0
	c.message.reset()

	unlinkClient(el, c)

	if c.flags&clientCloseASAP != 0 {
		s.closing.Remove(c.closingElem)
		c.closingElem = nil
		c.flags &^= clientCloseASAP
	}

	s.dispatchEvent(c, EventDestroyed, c)
}

// ID returns the connection's monotonically assigned identifier.
func (c *Client) ID() uint64 {
	return c.id
}

// Server returns the reactor owning this connection.
func (c *Client) Server() *Server {
	return c.server
}

// RemoteAddress returns the peer address of the connection.
func (c *Client) RemoteAddress() (string, int, error) {
	return netutil.PeerToString(c.fd)
}

// LocalAddress returns the local address of the connection.
func (c *Client) LocalAddress() (string, int, error) {
	return netutil.SockName(c.fd)
}

// Close marks the connection to be torn down once every queued reply
// byte has reached the socket.
func (c *Client) Close() {
	c.flags |= clientCloseAfterReply
}
