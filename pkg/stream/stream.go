// Package stream implements a single QUIC stream's send and receive
// state machines: the per-stream reassembly of inbound bytes and the
// enqueueing of outbound chunks into the owning StreamTable.
package stream

import (
	"errors"
	"fmt"

	"github.com/ekr/mozquic/pkg/reassembly"
	"github.com/ekr/mozquic/pkg/wire"
)

// Table is the non-owning handle a Stream uses to reach its StreamTable.
// A Stream never owns its table; its lifetime is strictly subordinate to
// it. StreamTable satisfies this interface.
type Table interface {
	// DoWriter appends a chunk to the table's unwritten queue.
	DoWriter(c *wire.Chunk)
	// NotifyNewData is invoked once per Supply call that made at least
	// one new byte readable, so the table can forward the connection
	// event.
	NotifyNewData(s *Stream)
	// NotifyReset is invoked when the peer resets this stream's receive
	// side.
	NotifyReset(s *Stream)
	// RequestStopSending asks the peer to cease sending on id; the wire
	// representation of that request is not specified by this package.
	RequestStopSending(id uint32, code uint64)
}

// ErrStreamFinished is returned by Write once the send side has already
// seen a FIN or a reset.
var ErrStreamFinished = errors.New("stream: send side already finished")

type sendState int

const (
	sendOpen sendState = iota
	sendFinSent
	sendReset
)

type recvState int

const (
	recvOpen recvState = iota
	recvFinSeen
	recvReset
)

// Stream is a bidirectional, ordered byte sequence identified by a
// numeric stream ID. It owns inbound reassembly; outbound chunks are
// queued on the owning StreamTable via Table.
type Stream struct {
	id    uint32
	table Table

	sendOffset uint64
	send       sendState
	resetCode  uint64

	recv          recvState
	peerResetCode uint64
	in *reassembly.Reassembly
}

// New creates a Stream bound to table. The StreamTable is responsible for
// choosing id according to the lazy-creation and parity rules in
// streamtable.
func New(id uint32, table Table) *Stream {
	return &Stream{
		id:    id,
		table: table,
		in:    reassembly.New(),
	}
}

// ID returns the stream's numeric identifier.
func (s *Stream) ID() uint32 { return s.id }

// Write appends one Chunk to the outbound unwritten queue. fin may only
// be set once; further writes after a FIN or reset are rejected.
func (s *Stream) Write(data []byte, fin bool) error {
	if s.send != sendOpen {
		return ErrStreamFinished
	}

	c := wire.NewChunk(s.id, s.sendOffset, data, fin)
	s.sendOffset += uint64(len(data))

	if fin {
		s.send = sendFinSent
	}

	s.table.DoWriter(c)
	return nil
}

// EndStream is equivalent to Write(nil, true).
func (s *Stream) EndStream() error {
	return s.Write(nil, true)
}

// RstStream queues a reset chunk carrying code and marks the send side
// reset; no further Write calls are accepted.
func (s *Stream) RstStream(code uint64) error {
	if s.send == sendReset {
		return nil
	}
	s.send = sendReset
	s.resetCode = code
	s.table.DoWriter(wire.NewResetChunk(s.id, code))
	return nil
}

// StopSending asks the peer to stop sending on this stream. The control
// frame this generates is a contract with the StreamTable, not this
// package's concern.
func (s *Stream) StopSending(code uint64) {
	s.table.RequestStopSending(s.id, code)
}

// Supply delivers an inbound chunk (data or reset) to the stream's
// receive side.
func (s *Stream) Supply(c *wire.Chunk) error {
	if c.RST {
		if s.recv != recvReset {
			s.recv = recvReset
			s.peerResetCode = c.ErrorCode
			s.table.NotifyReset(s)
		}
		return nil
	}

	newly, err := s.in.Supply(c.Offset, c.Data, c.FIN)
	if err != nil {
		return fmt.Errorf("stream %d: %w", s.id, err)
	}
	if c.FIN {
		s.recv = recvFinSeen
	}
	if newly {
		s.table.NotifyNewData(s)
	}
	return nil
}

// Read copies up to len(dst) contiguous bytes starting at the current
// read offset into dst, reporting fin true iff the read offset now equals
// the stream's terminal FIN offset.
func (s *Stream) Read(dst []byte) (n int, fin bool) {
	return s.in.Read(dst)
}

// Empty reports whether the stream currently has no readable bytes.
func (s *Stream) Empty() bool { return s.in.Empty() }

// SendFinished reports whether the send side has reached FIN or reset.
func (s *Stream) SendFinished() bool { return s.send != sendOpen }

// RecvFinished reports whether the receive side has reached FIN or reset.
func (s *Stream) RecvFinished() bool { return s.recv != recvOpen }

// Finished reports whether both directions have reached a terminal state
// and the application has drained every readable byte — the condition
// under which the owning StreamTable may destroy this Stream.
func (s *Stream) Finished() bool {
	if !s.SendFinished() || !s.RecvFinished() {
		return false
	}
	return s.recv == recvReset || s.in.AtFin()
}

// PeerResetCode returns the error code the peer supplied via RstStream,
// if the receive side has observed a reset.
func (s *Stream) PeerResetCode() (uint64, bool) {
	if s.recv != recvReset {
		return 0, false
	}
	return s.peerResetCode, true
}
