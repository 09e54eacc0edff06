package evhttp

import "testing"

func newTestMessage(url string, headers ...string) *Message {
	m := &Message{paramCursor: -1}
	m.url = []byte(url)
	m.headers = headers
	return m
}

func TestURLDecodedPlain(t *testing.T) {
	m := newTestMessage("/plain/path")
	if got := m.URLDecoded(); got != "/plain/path" {
		t.Errorf("URLDecoded = %q", got)
	}
	// No transformation: the decoded form aliases the raw bytes.
	if &m.decoded[0] != &m.url[0] {
		t.Error("untransformed URL did not alias the raw buffer")
	}
}

func TestURLDecodedPercentAndPlus(t *testing.T) {
	m := newTestMessage("/%2Fx%2By+z")
	if got := m.URLDecoded(); got != "//x+y+z" {
		t.Errorf("URLDecoded = %q, want %q", got, "//x+y+z")
	}
	if m.hasQuery {
		t.Error("query marked on a URL without ?")
	}

	m = newTestMessage("/p?a=b+c")
	if got := m.URLDecoded(); got != "/p?a=b c" {
		t.Errorf("URLDecoded = %q, want %q", got, "/p?a=b c")
	}
	if !m.hasQuery || m.queryOff != 3 {
		t.Errorf("queryOff = %d hasQuery = %v", m.queryOff, m.hasQuery)
	}
}

func TestURLDecodedCaseInsensitiveHex(t *testing.T) {
	m := newTestMessage("/%2f%2F%4a%4A")
	if got := m.URLDecoded(); got != "//JJ" {
		t.Errorf("URLDecoded = %q, want %q", got, "//JJ")
	}
}

func TestURLDecodedMalformedEscape(t *testing.T) {
	m := newTestMessage("/bad%zz?a=1")
	if got := m.URLDecoded(); got != "" {
		t.Errorf("URLDecoded = %q, want empty", got)
	}
	if m.hasQuery {
		t.Error("query set after failed decode")
	}
	if _, ok := m.Parameter("a"); ok {
		t.Error("Parameter found a value after failed decode")
	}
}

func TestURLDecodeRoundTrip(t *testing.T) {
	// Raw URLs over the plain alphabet decode to themselves.
	for _, url := range []string{
		"/a/b.c_d~e-f",
		"/x?k=v&k2=v2",
		"/UPPER/lower/0123456789",
	} {
		m := newTestMessage(url)
		want := url
		if got := m.URLDecoded(); got != want {
			t.Errorf("URLDecoded(%q) = %q", url, got)
		}
	}
}

func TestHeaderLookup(t *testing.T) {
	m := newTestMessage("/",
		"Host", "example.com",
		"Accept", "text/html",
		"accept", "text/plain",
		"X-Other", "1",
	)

	v, ok := m.Header("host")
	if !ok || v != "example.com" {
		t.Errorf("Header(host) = %q, %v", v, ok)
	}

	var got []string
	cursor := -1
	for {
		v, next, ok := m.HeaderNext("ACCEPT", cursor)
		if !ok {
			break
		}
		got = append(got, v)
		cursor = next
	}
	if len(got) != 2 || got[0] != "text/html" || got[1] != "text/plain" {
		t.Errorf("HeaderNext visited %v", got)
	}

	if _, ok := m.Header("missing"); ok {
		t.Error("Header found a missing field")
	}
}

func TestHeadersEvenInvariant(t *testing.T) {
	m := newTestMessage("/", "A", "1", "B", "2")
	if len(m.headers)%2 != 0 {
		t.Fatalf("headers length %d is odd", len(m.headers))
	}
}

func TestParameterIteration(t *testing.T) {
	m := newTestMessage("/p?a=1&b=2&a=3")

	v, ok := m.ParameterNext("a", false)
	if !ok || v != "1" {
		t.Fatalf("first a = %q, %v", v, ok)
	}
	v, ok = m.ParameterNext("a", true)
	if !ok || v != "3" {
		t.Fatalf("second a = %q, %v", v, ok)
	}
	if _, ok = m.ParameterNext("a", true); ok {
		t.Fatal("third a should not exist")
	}

	v, ok = m.Parameter("b")
	if !ok || v != "2" {
		t.Errorf("b = %q, %v", v, ok)
	}

	if _, ok := m.Parameter("missing"); ok {
		t.Error("found a missing parameter")
	}
}

func TestParameterCaseInsensitiveName(t *testing.T) {
	m := newTestMessage("/p?Name=x")
	if v, ok := m.Parameter("name"); !ok || v != "x" {
		t.Errorf("Parameter(name) = %q, %v", v, ok)
	}
}

func TestParameterNameMustStartAfterAmp(t *testing.T) {
	m := newTestMessage("/p?xa=1&a=2")
	v, ok := m.Parameter("a")
	if !ok || v != "2" {
		t.Errorf("a = %q, %v; the xa=1 pair must not match", v, ok)
	}
}

func TestParameterEmptyValue(t *testing.T) {
	m := newTestMessage("/p?a=&b=1")
	v, ok := m.Parameter("a")
	if !ok || v != "" {
		t.Errorf("a = %q, %v", v, ok)
	}
}

func TestParameterNoQuery(t *testing.T) {
	m := newTestMessage("/p")
	if _, ok := m.Parameter("a"); ok {
		t.Error("found parameter without query string")
	}
}

func TestMessageResetClearsState(t *testing.T) {
	m := newTestMessage("/p?a=1", "Host", "x")
	m.body = []byte("data")
	m.URLDecoded()
	m.Parameter("a")

	m.reset()

	if m.url != nil || m.decoded != nil || m.headers != nil || m.body != nil {
		t.Error("reset left message state behind")
	}
	if m.hasQuery || m.queryOff != 0 {
		t.Error("reset left query state behind")
	}
}
