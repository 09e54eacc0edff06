//go:build linux
// +build linux

package netutil

import "golang.org/x/sys/unix"

// Probe after 30s idle, then every 10s, give up after 3 failures.
func tuneKeepAlive(fd int) {
	unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, 30)
	unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, 10)
	unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPCNT, 3)
}
