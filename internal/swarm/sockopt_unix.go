//go:build !windows

package swarm

import (
	"net"

	"golang.org/x/sys/unix"
)

// tuneSocket raises the kernel send/receive buffers on a freshly
// connected peer socket so a burst of queued piece messages doesn't
// immediately back-pressure the connection. Best-effort: failures are
// swallowed, since the default buffer sizes are a perfectly valid
// fallback.
func tuneSocket(conn net.Conn, bufBytes int) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}

	rawConn, err := tcpConn.SyscallConn()
	if err != nil {
		return
	}

	rawConn.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, bufBytes)
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, bufBytes)
	})
}
