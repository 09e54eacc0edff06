package evhttp

import (
	"strings"

	"github.com/searchktools/evhttp/core/httparse"
)

// Method re-exports the parser's request method type.
type Method = httparse.Method

// Common request methods, re-exported for listeners.
const (
	MethodDelete  = httparse.MethodDelete
	MethodGet     = httparse.MethodGet
	MethodHead    = httparse.MethodHead
	MethodPost    = httparse.MethodPost
	MethodPut     = httparse.MethodPut
	MethodConnect = httparse.MethodConnect
	MethodOptions = httparse.MethodOptions
	MethodTrace   = httparse.MethodTrace
	MethodPatch   = httparse.MethodPatch
)

// Message is one fully received HTTP request. It is owned by its
// connection and valid only for the duration of the REQUEST dispatch;
// callers must copy anything they keep.
type Message struct {
	status int
	method Method
	major  int
	minor  int

	url []byte

	// decoded is nil until the first URLDecoded call succeeds. It
	// shares the url backing when no byte was transformed.
	decoded  []byte
	queryOff int
	hasQuery bool

	// headers holds field/value pairs flattened in arrival order.
	headers []string

	body []byte

	parameter   []byte
	paramCursor int
}

// Status returns the status code (responses only).
func (m *Message) Status() int {
	return m.status
}

// Method returns the request method.
func (m *Message) Method() Method {
	return m.method
}

// Version returns the HTTP major and minor version of the message.
func (m *Message) Version() (int, int) {
	return m.major, m.minor
}

// URL returns the request target as it appeared on the wire.
func (m *Message) URL() string {
	return string(m.url)
}

// Body returns the request body, nil when absent.
func (m *Message) Body() []byte {
	return m.body
}

// BodyLength returns the size of the request body in bytes.
func (m *Message) BodyLength() int {
	return len(m.body)
}

// decodeURL materializes the decoded form of the URL. A decoded
// buffer is allocated only when some byte actually transforms; a
// malformed percent escape abandons the attempt entirely so the next
// call retries.
func (m *Message) decodeURL() {
	src := m.url
	var decoded []byte
	inQuery := false
	queryOff := 0

	materialize := func(upto int) {
		if decoded == nil {
			decoded = append(decoded, src[:upto]...)
		}
	}

	for idx := 0; idx < len(src); idx++ {
		c := src[idx]
		switch c {
		case '%':
			if idx+2 < len(src) {
				hi := hexNibble(src[idx+1])
				lo := hexNibble(src[idx+2])
				if hi >= 0 && lo >= 0 {
					materialize(idx)
					decoded = append(decoded, byte(hi<<4|lo))
					idx += 2
					continue
				}
			}
			m.hasQuery = false
			m.queryOff = 0
			return
		case '+':
			if inQuery {
				materialize(idx)
				decoded = append(decoded, ' ')
				continue
			}
		case '?':
			if !inQuery {
				inQuery = true
				if decoded != nil {
					queryOff = len(decoded)
				} else {
					queryOff = idx
				}
			}
		}
		if decoded != nil {
			decoded = append(decoded, c)
		}
	}

	if decoded == nil {
		m.decoded = m.url
	} else {
		m.decoded = decoded
	}
	if inQuery {
		m.queryOff = queryOff + 1
		m.hasQuery = true
	} else {
		m.queryOff = 0
		m.hasQuery = false
	}
}

func hexNibble(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	}
	return -1
}

// URLDecoded returns the percent-decoded request target, computing and
// memoizing it on first use. A malformed escape yields an empty
// string and leaves the query string unset.
func (m *Message) URLDecoded() string {
	if m.decoded == nil {
		m.decodeURL()
	}
	return string(m.decoded)
}

// Header returns the first value of field, matched case-insensitively.
func (m *Message) Header(field string) (string, bool) {
	v, _, ok := m.HeaderNext(field, -1)
	return v, ok
}

// HeaderNext iterates the values of field in arrival order, duplicates
// included. cursor -1 starts the iteration; pass the returned cursor
// to resume. ok reports whether a value was found.
func (m *Message) HeaderNext(field string, cursor int) (value string, next int, ok bool) {
	start := 0
	if cursor >= 0 {
		start = cursor + 2
	}
	for i := start; i+1 < len(m.headers); i += 2 {
		if strings.EqualFold(m.headers[i], field) {
			return m.headers[i+1], i, true
		}
	}
	return "", 0, false
}

// Parameter returns the first value of the query parameter name.
func (m *Message) Parameter(name string) (string, bool) {
	return m.ParameterNext(name, false)
}

// ParameterNext iterates the values of the query parameter name in
// query order, matching the name case-insensitively. resume false
// starts from the beginning of the query string; resume true
// continues after the previous match. The returned value is rebuilt
// in a per-message scratch buffer on every call.
func (m *Message) ParameterNext(name string, resume bool) (string, bool) {
	decoded := m.URLDecoded()
	if m.decoded == nil || !m.hasQuery || m.queryOff >= len(decoded) {
		return "", false
	}

	cursor := m.queryOff
	if resume {
		if m.paramCursor < 0 {
			return "", false
		}
		cursor = m.paramCursor
	}

	for pos := cursor; pos+len(name) < len(decoded); pos++ {
		if pos != cursor && decoded[pos-1] != '&' {
			continue
		}
		if decoded[pos+len(name)] != '=' {
			continue
		}
		if !strings.EqualFold(decoded[pos:pos+len(name)], name) {
			continue
		}
		start := pos + len(name) + 1
		stop := strings.IndexByte(decoded[start:], '&')
		end := len(decoded)
		if stop >= 0 {
			end = start + stop
		}
		m.parameter = append(m.parameter[:0], decoded[start:end]...)
		if end == len(decoded) {
			m.paramCursor = end
		} else {
			m.paramCursor = end + 1
		}
		return string(m.parameter), true
	}
	m.paramCursor = -1
	return "", false
}

// reset clears the message between requests on a keep-alive
// connection. Version, method and status survive until the next
// message overwrites them.
func (m *Message) reset() {
	m.url = nil
	m.decoded = nil
	m.queryOff = 0
	m.hasQuery = false
	m.headers = nil
	m.body = nil
	m.parameter = nil
	m.paramCursor = -1
}
