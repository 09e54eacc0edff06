package evhttp

// EventType selects which connection events a listener observes.
type EventType int32

// Connection events, combinable into a listener mask.
const (
	EventConnected    EventType = 1 << 0
	EventDisconnected EventType = 1 << 1
	EventRequest      EventType = 1 << 2
	EventResponse     EventType = 1 << 3
	EventError        EventType = 1 << 4
	EventDestroyed    EventType = 1 << 5

	// EventAll subscribes to every event.
	EventAll EventType = ^EventType(0)
)

// Listener observes connection events on a server. data is the client
// itself, except for EventRequest where it is the parsed *Message.
// Listeners run on the reactor goroutine and must not block.
type Listener func(s *Server, c *Client, event EventType, data any, opaque any)

func (s *Server) dispatchEvent(c *Client, event EventType, data any) {
	if s.listener == nil || s.listenerMask&event != event {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logf(LogError, "listener panic on event %d: %v", event, r)
			if event != EventError {
				s.dispatchEvent(c, EventError, c)
			}
		}
	}()
	s.listener(s, c, event, data, s.listenerOpaque)
}
