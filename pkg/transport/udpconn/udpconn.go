// Package udpconn implements transport.DatagramConn over a real UDP
// socket, for callers that want the core talking to the network
// instead of an in-memory pipe. Socket buffer tuning is split into a
// Linux-specific file and a portable fallback, the same way
// pkg/cla/mtcp splits its dialer.
package udpconn

import (
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ekr/mozquic/pkg/transport"
)

// Conn wraps a *net.UDPConn as a transport.DatagramConn. Recv is
// non-blocking: it sets a short read deadline so a single empty
// datagram slot is freed up quickly and ErrNoDatagram is returned
// promptly instead of blocking the caller's IO loop.
type Conn struct {
	pc   *net.UDPConn
	peer *net.UDPAddr
}

// pollTimeout bounds how long Recv blocks waiting for a datagram that
// may never arrive, so the owning Connection's IO loop never stalls.
const pollTimeout = 100 * time.Microsecond

// Listen opens a UDP socket bound to localAddr (server-side use; the
// peer is fixed by Recv from the first received datagram's source
// address, or set explicitly with Connect).
func Listen(localAddr string) (*Conn, error) {
	addr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, err
	}
	pc, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	tuneBuffers(pc)
	return &Conn{pc: pc}, nil
}

// Dial opens a UDP socket and fixes the remote peer (client-side use).
func Dial(remoteAddr string) (*Conn, error) {
	addr, err := net.ResolveUDPAddr("udp", remoteAddr)
	if err != nil {
		return nil, err
	}
	pc, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, err
	}
	tuneBuffers(pc)
	return &Conn{pc: pc, peer: addr}, nil
}

// Connect fixes the peer a Listen-opened Conn sends to, once it has
// been learned from an inbound datagram's source address.
func (c *Conn) Connect(peer *net.UDPAddr) { c.peer = peer }

// Send writes b to the fixed peer. Connect (or Dial) must have run
// first.
func (c *Conn) Send(b []byte) error {
	if c.peer == nil {
		return errNoPeer
	}
	_, err := c.pc.WriteToUDP(b, c.peer)
	return err
}

var errNoPeer = &net.AddrError{Err: "udpconn: no peer address set", Addr: ""}

// Recv reads the next datagram, or returns transport.ErrNoDatagram if
// none arrives within pollTimeout. The first datagram received on a
// Listen-opened Conn also fixes the peer, mirroring a connected
// socket's behaviour without requiring the caller to pre-know the
// client's address.
func (c *Conn) Recv(buf []byte) (int, error) {
	if err := c.pc.SetReadDeadline(time.Now().Add(pollTimeout)); err != nil {
		return 0, err
	}
	n, from, err := c.pc.ReadFromUDP(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, transport.ErrNoDatagram
		}
		return 0, err
	}
	if c.peer == nil {
		c.peer = from
	}
	return n, nil
}

// Close releases the underlying socket.
func (c *Conn) Close() error { return c.pc.Close() }

func tuneBuffers(pc *net.UDPConn) {
	const wantBufBytes = 1 << 20 // 1MiB, generous headroom over a handful of in-flight datagrams
	if err := pc.SetReadBuffer(wantBufBytes); err != nil {
		log.WithField("error", err).Debug("udpconn: SetReadBuffer failed, continuing with OS default")
	}
	if err := pc.SetWriteBuffer(wantBufBytes); err != nil {
		log.WithField("error", err).Debug("udpconn: SetWriteBuffer failed, continuing with OS default")
	}
	tuneBuffersPlatform(pc)
}

var _ transport.DatagramConn = (*Conn)(nil)
