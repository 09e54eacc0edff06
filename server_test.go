package evhttp

import (
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// startServer runs s.Main on its own goroutine and returns a stop
// function that shuts the server down and joins it.
func startServer(t *testing.T, s *Server) func() {
	t.Helper()
	done := make(chan struct{})
	go func() {
		s.Main()
		close(done)
	}()
	return func() {
		s.Shutdown()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop after Shutdown")
		}
		s.Free()
	}
}

func serverAddr(t *testing.T, s *Server) string {
	t.Helper()
	addrs := s.Addrs()
	if len(addrs) == 0 {
		t.Fatal("server has no listening address")
	}
	return addrs[0]
}

func readExactly(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("short read: %v (got %q)", err, buf)
	}
	return buf
}

func TestServeSimpleRequest(t *testing.T) {
	type seen struct {
		method Method
		url    string
		host   string
	}
	var mu sync.Mutex
	var got seen

	s := Create().
		SetListener(func(s *Server, c *Client, event EventType, data any, opaque any) {
			if event != EventRequest {
				return
			}
			m := data.(*Message)
			mu.Lock()
			got = seen{method: m.Method(), url: m.URL()}
			got.host, _ = m.Header("Host")
			mu.Unlock()
			c.SetStatus(200)
			c.AddHeader("Content-Type", "text/plain")
			c.AddBody([]byte("hi"))
		}, EventRequest, nil).
		Bind("127.0.0.1:0", 16).
		ConnectionLimit(1024).
		Hz(10)

	stop := startServer(t, s)
	defer stop()

	conn, err := net.Dial("tcp", serverAddr(t, s))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n")); err != nil {
		t.Fatal(err)
	}

	want := "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 2\r\n\r\nhi"
	if resp := string(readExactly(t, conn, len(want))); resp != want {
		t.Errorf("response = %q, want %q", resp, want)
	}

	mu.Lock()
	defer mu.Unlock()
	if got.method != MethodGet || got.url != "/" || got.host != "x" {
		t.Errorf("listener saw %+v", got)
	}
}

func TestKeepAliveResetsMessage(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	var headerCounts []int

	s := Create().
		SetListener(func(s *Server, c *Client, event EventType, data any, opaque any) {
			if event != EventRequest {
				return
			}
			m := data.(*Message)
			mu.Lock()
			bodies = append(bodies, string(m.Body()))
			headerCounts = append(headerCounts, len(m.headers)/2)
			mu.Unlock()
			c.SetStatus(200)
			c.AddBody(nil)
		}, EventRequest, nil).
		Bind("127.0.0.1:0", 16).
		ConnectionLimit(1024).
		Hz(10)

	stop := startServer(t, s)
	defer stop()

	conn, err := net.Dial("tcp", serverAddr(t, s))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	first := "POST /a HTTP/1.1\r\nHost: x\r\nContent-Length: 3\r\n\r\nabc"
	second := "POST /b HTTP/1.1\r\nContent-Length: 2\r\n\r\nxy"
	wantResp := "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"

	if _, err := conn.Write([]byte(first)); err != nil {
		t.Fatal(err)
	}
	readExactly(t, conn, len(wantResp))
	if _, err := conn.Write([]byte(second)); err != nil {
		t.Fatal(err)
	}
	readExactly(t, conn, len(wantResp))

	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 2 || bodies[0] != "abc" || bodies[1] != "xy" {
		t.Errorf("bodies = %v", bodies)
	}
	if len(headerCounts) != 2 || headerCounts[0] != 2 || headerCounts[1] != 1 {
		t.Errorf("header counts = %v, headers leaked across requests", headerCounts)
	}
}

func TestCloseDeliversThenTearsDown(t *testing.T) {
	var mu sync.Mutex
	var events []EventType

	s := Create().
		SetListener(func(s *Server, c *Client, event EventType, data any, opaque any) {
			mu.Lock()
			events = append(events, event)
			mu.Unlock()
			if event != EventRequest {
				return
			}
			c.SetStatus(200)
			c.AddBody([]byte("bye"))
			c.Close()
		}, EventAll, nil).
		Bind("127.0.0.1:0", 16).
		ConnectionLimit(1024).
		Hz(10)

	stop := startServer(t, s)
	defer stop()

	conn, err := net.Dial("tcp", serverAddr(t, s))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("GET / HTTP/1.1\r\n\r\n")); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	resp, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.HasSuffix(string(resp), "\r\nbye") {
		t.Errorf("response = %q", resp)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(events)
		mu.Unlock()
		if n >= 4 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []EventType{EventConnected, EventRequest, EventDisconnected, EventDestroyed}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}
}

func TestLargeResponseSpillsAndDelivers(t *testing.T) {
	body := strings.Repeat("y", 20*1024)

	s := Create().
		SetListener(func(s *Server, c *Client, event EventType, data any, opaque any) {
			if event != EventRequest {
				return
			}
			c.SetStatus(200)
			c.AddBody([]byte(body))
		}, EventRequest, nil).
		Bind("127.0.0.1:0", 16).
		ConnectionLimit(1024).
		Hz(10)

	stop := startServer(t, s)
	defer stop()

	conn, err := net.Dial("tcp", serverAddr(t, s))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("GET /big HTTP/1.1\r\n\r\n")); err != nil {
		t.Fatal(err)
	}

	head := fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n", len(body))
	resp := readExactly(t, conn, len(head)+len(body))
	if string(resp[:len(head)]) != head {
		t.Errorf("head = %q", resp[:len(head)])
	}
	if string(resp[len(head):]) != body {
		t.Error("body corrupted across the overflow path")
	}
}

func TestMalformedRequestGets400(t *testing.T) {
	s := Create().
		Bind("127.0.0.1:0", 16).
		ConnectionLimit(1024).
		Hz(10)

	stop := startServer(t, s)
	defer stop()

	conn, err := net.Dial("tcp", serverAddr(t, s))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("totally not http\r\n\r\n")); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	resp, _ := io.ReadAll(conn)
	if !strings.HasPrefix(string(resp), "HTTP/1.1 400 Bad Request\r\n") {
		t.Errorf("response = %q", resp)
	}
}

func TestIdleConnectionIsReaped(t *testing.T) {
	s := Create().
		MaxIdleTime(1).
		Bind("127.0.0.1:0", 16).
		ConnectionLimit(1024).
		Hz(10)

	stop := startServer(t, s)
	defer stop()

	conn, err := net.Dial("tcp", serverAddr(t, s))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err != io.EOF {
		t.Errorf("idle connection read = %v, want EOF", err)
	}
}

func TestGroupServesConcurrentRequests(t *testing.T) {
	// A fixed port is required so the three workers actually share it.
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := probe.Addr().(*net.TCPAddr).Port
	probe.Close()

	s := GroupCreate(3, false).
		SetListener(func(s *Server, c *Client, event EventType, data any, opaque any) {
			if event != EventRequest {
				return
			}
			c.SetStatus(200)
			c.AddBody([]byte("ok"))
		}, EventRequest, nil).
		Bind(fmt.Sprintf("127.0.0.1:%d", port), 128).
		ConnectionLimit(1024).
		Hz(10)

	if s.Workers() == nil || len(s.Workers()) != 3 {
		t.Fatalf("group has %d workers", len(s.Workers()))
	}

	stop := startServer(t, s)
	defer stop()

	const total = 90
	want := "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"
	errs := make(chan error, total)
	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
			if err != nil {
				errs <- err
				return
			}
			defer conn.Close()
			if _, err := conn.Write([]byte("GET / HTTP/1.1\r\n\r\n")); err != nil {
				errs <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			buf := make([]byte, len(want))
			if _, err := io.ReadFull(conn, buf); err != nil {
				errs <- err
				return
			}
			if string(buf) != want {
				errs <- fmt.Errorf("response = %q", buf)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	var sum uint64
	for _, w := range s.Workers() {
		sum += w.Stats().Requests()
	}
	if sum != total {
		t.Errorf("workers processed %d requests, want %d", sum, total)
	}
}

func TestNilBuilderChainIsSilent(t *testing.T) {
	var s *Server
	out := s.Hz(1).Bind("x:1", 1).ConnectionLimit(1).Strict().Relaxed().
		SetLogger(nil, LogTrace, nil).SetListener(nil, EventAll, nil).
		Shutdown().Main()
	if out != nil {
		t.Error("nil chain produced a server")
	}
}

func TestGroupCreateSizeOneIsPlainServer(t *testing.T) {
	s := GroupCreate(1, false)
	if s == nil || s.Workers() != nil {
		t.Error("GroupCreate(1) should return a solo server")
	}
	s = GroupCreate(0, true)
	if s == nil || s.Workers() != nil {
		t.Error("GroupCreate(0) should return a solo server")
	}
}

func TestVersionIsSemver(t *testing.T) {
	if Version() != "1.0.0" {
		t.Errorf("Version = %q", Version())
	}
}
