// Package netutil provides the non-blocking TCP plumbing under the
// reactor: IPv4/IPv6 listeners, accept, outbound connect and socket
// option helpers, all in terms of raw file descriptors.
package netutil

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock reports that an accept found no pending connection.
var ErrWouldBlock = errors.New("netutil: operation would block")

// TCPServer creates a non-blocking IPv4 listener. An empty bindaddr
// binds all interfaces. reusePort enables SO_REUSEPORT so several
// listeners can share the address.
func TCPServer(port int, bindaddr string, backlog int, reusePort bool) (int, error) {
	var addr [4]byte
	if bindaddr != "" {
		ip := net.ParseIP(bindaddr)
		if ip == nil {
			ips, err := net.LookupIP(bindaddr)
			if err != nil || len(ips) == 0 {
				return -1, fmt.Errorf("netutil: resolve %q: %w", bindaddr, err)
			}
			ip = ips[0]
		}
		v4 := ip.To4()
		if v4 == nil {
			return -1, fmt.Errorf("netutil: %q is not an IPv4 address", bindaddr)
		}
		copy(addr[:], v4)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("netutil: socket: %w", err)
	}
	if err = listenSetup(fd, reusePort); err != nil {
		unix.Close(fd)
		return -1, err
	}
	sa := &unix.SockaddrInet4{Port: port, Addr: addr}
	if err = unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netutil: bind: %w", err)
	}
	if err = unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netutil: listen: %w", err)
	}
	return fd, nil
}

// TCP6Server creates a non-blocking IPv6-only listener.
func TCP6Server(port int, bindaddr string, backlog int, reusePort bool) (int, error) {
	var addr [16]byte
	if bindaddr != "" {
		ip := net.ParseIP(bindaddr)
		if ip == nil || ip.To4() != nil {
			return -1, fmt.Errorf("netutil: %q is not an IPv6 address", bindaddr)
		}
		copy(addr[:], ip.To16())
	}

	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("netutil: socket: %w", err)
	}
	if err = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netutil: v6only: %w", err)
	}
	if err = listenSetup(fd, reusePort); err != nil {
		unix.Close(fd)
		return -1, err
	}
	sa := &unix.SockaddrInet6{Port: port, Addr: addr}
	if err = unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netutil: bind: %w", err)
	}
	if err = unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netutil: listen: %w", err)
	}
	return fd, nil
}

func listenSetup(fd int, reusePort bool) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("netutil: reuseaddr: %w", err)
	}
	if reusePort {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			return fmt.Errorf("netutil: reuseport: %w", err)
		}
	}
	return NonBlock(fd)
}

// Accept takes one pending connection from a non-blocking listener and
// returns the client fd with its remote address. ErrWouldBlock means
// no connection is pending.
func Accept(fd int) (int, string, int, error) {
	nfd, sa, err := unix.Accept(fd)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return -1, "", 0, ErrWouldBlock
		}
		return -1, "", 0, fmt.Errorf("netutil: accept: %w", err)
	}
	ip, port := saToAddr(sa)
	return nfd, ip, port, nil
}

// NonBlockConnect starts a non-blocking connect to host:port and
// returns the socket fd; the connection completes asynchronously.
func NonBlockConnect(host string, port int) (int, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			return -1, fmt.Errorf("netutil: resolve %q: %w", host, err)
		}
		ip = ips[0]
	}

	var fd int
	var sa unix.Sockaddr
	var err error
	if v4 := ip.To4(); v4 != nil {
		fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
		if err == nil {
			a := &unix.SockaddrInet4{Port: port}
			copy(a.Addr[:], v4)
			sa = a
		}
	} else {
		fd, err = unix.Socket(unix.AF_INET6, unix.SOCK_STREAM, 0)
		if err == nil {
			a := &unix.SockaddrInet6{Port: port}
			copy(a.Addr[:], ip.To16())
			sa = a
		}
	}
	if err != nil {
		return -1, fmt.Errorf("netutil: socket: %w", err)
	}
	if err = NonBlock(fd); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err = unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return -1, fmt.Errorf("netutil: connect: %w", err)
	}
	return fd, nil
}

// NonBlock puts fd into non-blocking mode.
func NonBlock(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return fmt.Errorf("netutil: nonblock: %w", err)
	}
	return nil
}

// EnableTCPNoDelay disables Nagle's algorithm on fd.
func EnableTCPNoDelay(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		return fmt.Errorf("netutil: nodelay: %w", err)
	}
	return nil
}

// KeepAlive toggles TCP keepalive probing on fd.
func KeepAlive(fd int, on bool) error {
	v := 0
	if on {
		v = 1
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, v); err != nil {
		return fmt.Errorf("netutil: keepalive: %w", err)
	}
	if on {
		tuneKeepAlive(fd)
	}
	return nil
}

// PeerToString returns the remote address of a connected fd.
func PeerToString(fd int) (string, int, error) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return "", 0, fmt.Errorf("netutil: getpeername: %w", err)
	}
	ip, port := saToAddr(sa)
	return ip, port, nil
}

// SockName returns the local address of fd.
func SockName(fd int) (string, int, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return "", 0, fmt.Errorf("netutil: getsockname: %w", err)
	}
	ip, port := saToAddr(sa)
	return ip, port, nil
}

// Close closes a file descriptor.
func Close(fd int) error {
	return unix.Close(fd)
}

func saToAddr(sa unix.Sockaddr) (string, int) {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IP(a.Addr[:]).String(), a.Port
	case *unix.SockaddrInet6:
		return net.IP(a.Addr[:]).String(), a.Port
	default:
		return "", 0
	}
}

// JoinHostPort formats an address as "host:port", wrapping IPv6 hosts
// in brackets. Server.Bind accepts the IPv4 form; it splits at the
// first colon, so it does not accept the bracketed IPv6 form.
func JoinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
