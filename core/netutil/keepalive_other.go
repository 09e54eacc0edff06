//go:build !linux
// +build !linux

package netutil

import "golang.org/x/sys/unix"

// Wait 30s before the first probe (TCP_KEEPALIVE on Darwin).
func tuneKeepAlive(fd int) {
	unix.SetsockoptInt(fd, unix.IPPROTO_TCP, 0x10, 30)
}
