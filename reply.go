package evhttp

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"
	"golang.org/x/sys/unix"

	"github.com/searchktools/evhttp/core/ae"
)

// maxWritesPerDrain bounds the bytes pushed to one connection within a
// single drain so a fast consumer cannot starve its siblings.
const maxWritesPerDrain = 64 * 1024

func clientHasPendingReplies(c *Client) bool {
	return c.position > 0 || c.reply.Len() > 0
}

// prepareClientToWrite flags the client for the deferred before-sleep
// flush the first time output is queued. Returns false when the client
// must not receive replies.
func prepareClientToWrite(c *Client) bool {
	if c.flags&(clientReplyOff|clientReplySkip) != 0 {
		return false
	}

	if !clientHasPendingReplies(c) && c.flags&clientPendingWrite == 0 {
		// Flag the client instead of installing a write handler; the
		// before-sleep drain writes directly and installs the handler
		// only for what the socket did not take.
		c.flags |= clientPendingWrite
		c.pendingElem = c.server.pending.PushFront(c)
	}

	return true
}

func addReplyToBuffer(c *Client, b []byte) bool {
	if c.flags&clientCloseAfterReply != 0 {
		return true
	}
	if c.reply.Len() > 0 {
		return false
	}
	if len(b) > len(c.buffer)-c.position {
		return false
	}
	copy(c.buffer[c.position:], b)
	c.position += len(b)
	return true
}

// checkClientOutputBufferLimits is a stub: no limit is enforced yet.
func checkClientOutputBufferLimits(c *Client) bool {
	return false
}

func asyncCloseClientOnOutputBufferLimitReached(c *Client) {
	if c.replyBytes == 0 || c.flags&clientCloseASAP != 0 {
		return
	}
	if checkClientOutputBufferLimits(c) {
		freeClientAsync(c)
	}
}

func addReplyToList(c *Client, b []byte) {
	if c.flags&clientCloseAfterReply != 0 {
		return
	}
	c.reply.PushBack(b)
	c.replyBytes += len(b)
	asyncCloseClientOnOutputBufferLimitReached(c)
}

func addReply(c *Client, b []byte) {
	if !prepareClientToWrite(c) {
		return
	}
	if !addReplyToBuffer(c, b) {
		addReplyToList(c, b)
	}
}

// writeToClient flushes the inline buffer and then the overflow list
// to the socket. Returns false when the client was freed.
func writeToClient(el *ae.EventLoop, fd int, c *Client, handlerInstalled bool) bool {
	s := el.Data.(*Server)
	var werr error
	totwritten := 0

	for clientHasPendingReplies(c) {
		if c.position > 0 {
			n, err := unix.Write(fd, c.buffer[c.sent:c.position])
			if err != nil || n <= 0 {
				werr = err
				break
			}
			c.sent += n
			totwritten += n
			if c.sent == c.position {
				c.position = 0
				c.sent = 0
			}
		} else {
			head := c.reply.Front()
			chunk := head.Value.([]byte)
			if len(chunk) == 0 {
				c.reply.Remove(head)
				continue
			}
			n, err := unix.Write(fd, chunk[c.sent:])
			if err != nil || n <= 0 {
				werr = err
				break
			}
			c.sent += n
			totwritten += n
			if c.sent == len(chunk) {
				c.reply.Remove(head)
				c.sent = 0
				c.replyBytes -= len(chunk)
			}
		}
		if totwritten > maxWritesPerDrain {
			break
		}
	}

	if werr != nil {
		if werr != unix.EAGAIN {
			s.logf(LogTrace, "error writing to client: %v", werr)
			freeClient(el, c)
			return false
		}
	}
	if totwritten > 0 {
		c.lastInteraction = s.unixTime
		s.stats.bytesWritten.Add(totwritten)
	}
	if !clientHasPendingReplies(c) {
		c.sent = 0
		if handlerInstalled {
			el.DeleteFileEvent(c.fd, ae.Writable)
		}

		// Close connection after entire reply has been sent.
		if c.flags&clientCloseAfterReply != 0 {
			freeClient(el, c)
			return false
		}
	}
	return true
}

// sendReplyToClient is the writable handler for residual output.
func sendReplyToClient(el *ae.EventLoop, fd int, opaque any, mask int) {
	writeToClient(el, fd, opaque.(*Client), true)
}

// handleClientsWithPendingWrites runs before the loop sleeps and
// writes queued replies straight to their sockets, installing a write
// handler only for connections the kernel pushed back on.
func handleClientsWithPendingWrites(el *ae.EventLoop) int {
	s := el.Data.(*Server)
	processed := s.pending.Len()

	for s.pending.Len() > 0 {
		ln := s.pending.Front()
		c := ln.Value.(*Client)
		c.flags &^= clientPendingWrite
		s.pending.Remove(ln)
		c.pendingElem = nil

		if !writeToClient(el, c.fd, c, false) {
			continue
		}

		if clientHasPendingReplies(c) {
			if err := el.CreateFileEvent(c.fd, ae.Writable, sendReplyToClient, c); err != nil {
				freeClientAsync(c)
			}
		}
	}
	return processed
}

// freeClientAsync schedules the client to be freed by the next cron
// tick, for contexts where freeing in place would pull state out from
// under the running callback.
func freeClientAsync(c *Client) {
	if c.flags&clientCloseASAP != 0 {
		return
	}
	c.flags |= clientCloseASAP
	c.closingElem = c.server.closing.PushBack(c)
}

func freeClientsInAsyncFreeQueue(el *ae.EventLoop) {
	s := el.Data.(*Server)
	for s.closing.Len() > 0 {
		ln := s.closing.Front()
		c := ln.Value.(*Client)
		c.flags &^= clientCloseASAP
		s.closing.Remove(ln)
		c.closingElem = nil
		freeClient(el, c)
	}
}

// SetStatus queues the response status line, using the HTTP version of
// the request being answered.
func (c *Client) SetStatus(status int) {
	addReply(c, []byte(fmt.Sprintf("HTTP/%d.%d %d %s\r\n",
		c.message.major, c.message.minor, status, reasonPhrase(status))))
}

// SendError is a status-line shorthand for error replies.
func (c *Client) SendError(code int) {
	c.SetStatus(code)
}

// SendRedirect queues a complete 302 response pointing at location.
func (c *Client) SendRedirect(location string) {
	addReply(c, []byte(fmt.Sprintf(
		"HTTP/1.1 302 Found\r\nLocation: %s\r\nContent-Length: 0\r\n\r\n", location)))
}

// AddHeader queues one response header line. Setting Content-Length
// through here suppresses the automatic one from AddBody.
func (c *Client) AddHeader(name, value string) {
	if !httpguts.ValidHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(value) {
		c.server.logf(LogWarn, "dropping invalid response header %q", name)
		return
	}
	if strings.EqualFold(name, "Content-Length") {
		c.lengthSent = true
	}
	addReply(c, []byte(name+": "+value+"\r\n"))
}

// AddHeaderf queues one response header with a formatted value.
func (c *Client) AddHeaderf(name, format string, args ...any) {
	c.AddHeader(name, fmt.Sprintf(format, args...))
}

// AddDateHeader queues a date header in local time. date is in
// microseconds since the epoch; zero or negative means the server's
// cached clock.
func (c *Client) AddDateHeader(name string, date int64) {
	var t time.Time
	if date <= 0 {
		t = time.UnixMilli(c.server.msTime)
	} else {
		t = time.UnixMicro(date)
	}
	c.AddHeader(name, t.Local().Format("Mon, 02 Jan 2006 15:04:05 MST"))
}

// AddBody terminates the headers and queues the response body. The
// Content-Length header and the blank separator line are produced here
// unless the caller already sent a length, so AddBody must come after
// the final AddHeader. A nil body still terminates the headers with a
// zero length.
func (c *Client) AddBody(body []byte) {
	if body != nil {
		if !c.lengthSent {
			addReply(c, []byte(fmt.Sprintf("Content-Length: %d\r\n\r\n", len(body))))
			c.lengthSent = true
		}
		chunk := make([]byte, len(body))
		copy(chunk, body)
		addReply(c, chunk)
	} else if !c.lengthSent {
		addReply(c, []byte("Content-Length: 0\r\n\r\n"))
		c.lengthSent = true
	}
}

// AddBodyString queues a string body.
func (c *Client) AddBodyString(body string) {
	c.AddBody([]byte(body))
}

// AddBodyf queues a formatted body.
func (c *Client) AddBodyf(format string, args ...any) {
	body := fmt.Sprintf(format, args...)
	if !c.lengthSent {
		addReply(c, []byte(fmt.Sprintf("Content-Length: %d\r\n\r\n", len(body))))
		c.lengthSent = true
	}
	addReply(c, []byte(body))
}

// AddReply queues raw bytes with no framing at all.
func (c *Client) AddReply(data []byte) {
	chunk := make([]byte, len(data))
	copy(chunk, data)
	addReply(c, chunk)
}

// AddReplyString queues a raw string with no framing.
func (c *Client) AddReplyString(data string) {
	addReply(c, []byte(data))
}

// AddReplyf queues formatted raw output with no framing.
func (c *Client) AddReplyf(format string, args ...any) {
	addReply(c, []byte(fmt.Sprintf(format, args...)))
}
