/*
Package evhttp is an embeddable, event-driven HTTP/1.x server core.

A server is one reactor: a single-threaded event loop that accepts
connections, feeds an incremental request parser on non-blocking
sockets, dispatches REQUEST events to a listener callback and streams
the listener's reply back through a buffered output pipeline. Replies
are deferred to a write-before-sleep pass so small responses cost no
extra syscall.

A server group runs N independent reactors, each with its own listener
on the same address via SO_REUSEPORT, so the kernel load-balances
accepts without a shared lock.

Quick start

	package main

	import "github.com/searchktools/evhttp"

	func main() {
		s := evhttp.GroupCreate(3, false).
			SetLogger(evhttp.SimpleLogger, evhttp.LogInfo, nil).
			SetListener(func(s *evhttp.Server, c *evhttp.Client, ev evhttp.EventType, data, opaque any) {
				if ev != evhttp.EventRequest {
					return
				}
				c.SetStatus(200)
				c.AddHeader("Content-Type", "text/plain")
				c.AddBodyString("hi")
			}, evhttp.EventAll, nil).
			Bind("localhost:8888", 16).
			ConnectionLimit(1024).
			Hz(10)
		s.Main().Free()
	}

Every builder method returns its receiver and tolerates a nil one, so
a failed step propagates silently through the rest of the chain.

Listeners run on the reactor goroutine and must not block; the reply
for a request has to be produced synchronously inside the REQUEST
dispatch. The server never emits Date, Server, Content-Length or
connection-control headers on its own: AddBody derives Content-Length
when the caller did not, everything else is the caller's business.
Connections stay open across requests until the caller calls Close or
the idle sweep reaps them.

Modules

  - evhttp: server, group, connection, message and reply surface
  - core/ae: the per-reactor event loop (fd registry, time events,
    before-sleep hook)
  - core/poller: epoll/kqueue readiness backends
  - core/netutil: non-blocking TCP listeners, accept and connect
  - core/httparse: the incremental HTTP/1.x request tokenizer
*/
package evhttp
