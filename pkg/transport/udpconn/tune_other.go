//go:build !linux
// +build !linux

package udpconn

import "net"

// tuneBuffersPlatform is a no-op outside Linux; SO_BUSY_POLL has no
// portable equivalent.
func tuneBuffersPlatform(pc *net.UDPConn) {}
