//go:build windows

package swarm

import "net"

// tuneSocket is a no-op on platforms without golang.org/x/sys/unix
// socket-option support; the OS default buffer sizes apply.
func tuneSocket(conn net.Conn, bufBytes int) {}
