// Package pipeconn implements an in-memory, optionally lossy
// transport.DatagramConn pair, used by tests and cmd/quicstream-pipe to
// exercise the core without a real socket.
package pipeconn

import (
	"errors"

	"github.com/ekr/mozquic/pkg/transport"
)

// Pipe is one end of a pair of connected datagram queues. Send enqueues
// onto the peer's inbox; Recv dequeues from this end's own inbox.
type Pipe struct {
	inbox chan []byte
	peer  *Pipe

	// DropRate, in [0,100], is the percentage of sent datagrams the
	// sender silently discards, for exercising retransmission (S3).
	// Guarded by the caller: this package runs single-threaded from the
	// owning Connection's IO loop, same as every other collaborator.
	DropRate int
	sendSeq  int
}

// New returns a connected pair of Pipes: bytes sent on a are received
// on b and vice versa.
func New(bufSize int) (a, b *Pipe) {
	a = &Pipe{inbox: make(chan []byte, bufSize)}
	b = &Pipe{inbox: make(chan []byte, bufSize)}
	a.peer, b.peer = b, a
	return a, b
}

// ErrQueueFull is returned by Send when the peer's inbox is saturated;
// the caller's chunks remain in unAcked and will be retransmitted.
var ErrQueueFull = errors.New("pipeconn: peer inbox full")

// Send enqueues b, copied, onto the peer's inbox, unless DropRate
// sacrifices it first.
func (p *Pipe) Send(b []byte) error {
	p.sendSeq++
	if p.DropRate > 0 && p.sendSeq%100 < p.DropRate {
		return nil
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	select {
	case p.peer.inbox <- cp:
		return nil
	default:
		return ErrQueueFull
	}
}

// Recv dequeues the next datagram, or returns transport.ErrNoDatagram
// immediately if none is pending.
func (p *Pipe) Recv(buf []byte) (int, error) {
	select {
	case b := <-p.inbox:
		n := copy(buf, b)
		return n, nil
	default:
		return 0, transport.ErrNoDatagram
	}
}

var _ transport.DatagramConn = (*Pipe)(nil)
