//go:build linux
// +build linux

package udpconn

import (
	"net"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// tuneBuffersPlatform sets SO_BUSY_POLL on Linux so a blocked ReadFromUDP
// spends a little time spinning the NIC's receive queue before falling
// back to an interrupt, trading some CPU for lower datagram latency.
// Grounded on pkg/cla/mtcp/client_dial_linux.go's dialControl: reach the
// raw fd via SyscallConn and set socket options with unix.SetsockoptInt.
func tuneBuffersPlatform(pc *net.UDPConn) {
	const busyPollMicros = 50

	rawConn, err := pc.SyscallConn()
	if err != nil {
		log.WithField("error", err).Debug("udpconn: SyscallConn unavailable, skipping Linux socket tuning")
		return
	}

	ctrlErr := rawConn.Control(func(fd uintptr) {
		err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BUSY_POLL, busyPollMicros)
	})
	if ctrlErr != nil {
		err = ctrlErr
	}
	if err != nil {
		log.WithField("error", err).Debug("udpconn: SO_BUSY_POLL unavailable, continuing without it")
	}
}
