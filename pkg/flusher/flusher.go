// Package flusher implements the FramePacker and the Flush/retransmit
// loop: the component that drains a StreamTable's unwritten queue into
// MTU-bounded datagram payloads, hands them to the protection layer,
// and later resweeps the unacknowledged queue for retransmission.
package flusher

import (
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ekr/mozquic/pkg/transport"
	"github.com/ekr/mozquic/pkg/wire"
)

// ErrBackPressure is returned by Flush while back-pressure is engaged.
var ErrBackPressure = errors.New("flusher: back-pressure engaged, flush suppressed")

const (
	defaultRetransmitThreshold    = 500 * time.Millisecond
	defaultForgetUnAckedThreshold = 10 * time.Second
)

// FlushStats records what one Flush pass accomplished, so a caller can
// wire its own counters without this package importing a metrics
// library itself.
type FlushStats struct {
	Datagrams    int
	FramesSent   int
	BytesSent    int
	BytesSkipped int
}

// PeerLimits reports the currently effective flow-control limits; the
// method value of (*streamtable.StreamTable).PeerLimits has this type.
type PeerLimits func() (maxStreamData, maxData uint64, maxStreamID uint32)

// Flusher packs a StreamTable's unwritten chunks into datagrams and
// periodically resweeps its unacknowledged chunks for retransmission.
// It holds no locks and runs no goroutine of its own: the owning
// Connection drives Flush and RetransmitTimer synchronously, per the
// single-threaded cooperative model the core requires.
type Flusher struct {
	unwritten *[]*wire.Chunk
	unacked   *[]*wire.Chunk
	limits    PeerLimits

	prot  transport.Protector
	state transport.StateProvider
	clock transport.Clock

	maxDatagram int

	retransmitThresholdMillis    int64
	forgetUnAckedThresholdMillis int64

	nextPacketNumber uint64
	connBytesSent    uint64

	paused bool

	// OnFlush, if set, is called once per completed datagram with the
	// stats for that pass.
	OnFlush func(FlushStats)
}

// New builds a Flusher over a StreamTable's exported Unwritten/UnAcked
// queues, addressed through pointers so an append the Flusher makes
// (e.g. re-queueing a retransmission) is visible to the owning table,
// and vice versa.
func New(unwritten, unacked *[]*wire.Chunk, limits PeerLimits, prot transport.Protector, state transport.StateProvider, clock transport.Clock, maxDatagram int) *Flusher {
	return &Flusher{
		unwritten:                    unwritten,
		unacked:                      unacked,
		limits:                       limits,
		prot:                         prot,
		state:                        state,
		clock:                        clock,
		maxDatagram:                  maxDatagram,
		retransmitThresholdMillis:    defaultRetransmitThreshold.Milliseconds(),
		forgetUnAckedThresholdMillis: defaultForgetUnAckedThreshold.Milliseconds(),
	}
}

// SetTiming overrides the retransmission backoff and forget thresholds,
// wired from pkg/config.Config at connection construction time.
func (f *Flusher) SetTiming(retransmit, forgetUnAcked time.Duration) {
	f.retransmitThresholdMillis = retransmit.Milliseconds()
	f.forgetUnAckedThresholdMillis = forgetUnAcked.Milliseconds()
}

// Pause engages back-pressure: Flush returns ErrBackPressure without
// packing anything until Resume is called. Independent of flow control.
func (f *Flusher) Pause() { f.paused = true }

// Resume lifts back-pressure engaged by Pause.
func (f *Flusher) Resume() { f.paused = false }

// createStreamFrames implements the packing algorithm of spec §4.4: it
// walks the unwritten queue in order, packing chunks into dst until
// room is exhausted or the queue is drained, splitting any chunk that
// does not fit and reinserting its tail immediately after the current
// position so it is retried on the next Flush pass, never the same
// datagram.
func (f *Flusher) createStreamFrames(dst []byte, room int, stream0Only bool) ([]byte, FlushStats) {
	var stats FlushStats

	protected := f.state.State().IsProtected()
	keyPhase := wire.KeyPhaseUnprotected
	if protected {
		keyPhase = wire.KeyPhase1RTT
	}

	maxStreamData, maxData, maxStreamID := f.limits()

	queue := append([]*wire.Chunk(nil), (*f.unwritten)...)
	kept := make([]*wire.Chunk, 0, len(queue))

	i := 0
	for i < len(queue) {
		c := queue[i]

		if stream0Only && c.StreamID != 0 {
			kept = append(kept, c)
			i++
			continue
		}

		if c.RST {
			if room < wire.ResetFrameLen {
				kept = append(kept, queue[i:]...)
				break
			}
			dst = wire.EncodeResetFrame(dst, c)
			room -= wire.ResetFrameLen
			stats.FramesSent++
			i++
			continue
		}

		if c.StreamID != 0 {
			streamEnd := c.Offset + uint64(c.Len)
			if c.StreamID > maxStreamID || streamEnd > maxStreamData || f.connBytesSent+uint64(c.Len) > maxData {
				log.WithFields(log.Fields{
					"stream": c.StreamID,
					"offset": c.Offset,
					"len":    c.Len,
				}).Debug("skipping chunk, would exceed peer flow-control limit")
				stats.BytesSkipped += c.Len
				kept = append(kept, c)
				i++
				continue
			}
		}

		idLen := wire.StreamIDLen(c.StreamID)
		offLen, _ := wire.OffsetLen(c.Offset)
		hdr := wire.StreamFrameHeaderLen(idLen, offLen)
		if room < hdr+1 {
			kept = append(kept, queue[i:]...)
			break
		}

		dataRoom := room - hdr
		if dataRoom < c.Len {
			tail := c.Split(dataRoom)
			tailed := make([]*wire.Chunk, 0, len(queue)-i)
			tailed = append(tailed, queue[:i+1]...)
			tailed = append(tailed, tail)
			tailed = append(tailed, queue[i+1:]...)
			queue = tailed
		}

		dst = wire.EncodeStreamFrame(dst, c)
		room -= hdr + c.Len
		stats.FramesSent++
		stats.BytesSent += c.Len
		f.connBytesSent += uint64(c.Len)

		f.nextPacketNumber++
		c.PacketNumber = f.nextPacketNumber
		c.TransmitTime = f.clock.NowMillis()
		c.TransmitCount++
		c.TransmitKeyPhase = keyPhase
		c.Retransmitted = false

		*f.unacked = append(*f.unacked, c)

		log.WithFields(log.Fields{
			"stream": c.StreamID,
			"offset": c.Offset,
			"len":    c.Len,
			"fin":    c.FIN,
			"pn":     c.PacketNumber,
		}).Debug("packed stream frame")

		i++
	}

	*f.unwritten = kept
	return dst, stats
}

// Flush packs as many datagrams as needed to drain the unwritten queue
// (or, with forceAck, emits a single ack-bearing datagram even if the
// queue is empty), handing each to the protection layer in turn.
func (f *Flusher) Flush(forceAck bool) error {
	if f.paused {
		return ErrBackPressure
	}

	state := f.state.State()
	stream0Only := state == transport.StateUninitialized || state == transport.StateHandshaking

	if len(*f.unwritten) == 0 && !forceAck {
		return nil
	}

	buf := make([]byte, 0, f.maxDatagram)
	payload, stats := f.createStreamFrames(buf, f.maxDatagram, stream0Only)

	if len(payload) == 0 && !forceAck {
		return nil
	}

	if err := f.prot.ProtectedTransmit(nil, payload, f.maxDatagram, forceAck || stats.FramesSent > 0); err != nil {
		return err
	}

	stats.Datagrams = 1
	if f.OnFlush != nil {
		f.OnFlush(stats)
	}

	if stats.FramesSent > 0 && len(*f.unwritten) > 0 {
		return f.Flush(false)
	}
	return nil
}

// RetransmitTimer sweeps unAcked in transmit order, re-queueing any
// chunk whose linear-backoff deadline has passed, and drops chunks kept
// only for timing bookkeeping once the forget threshold elapses.
func (f *Flusher) RetransmitTimer(nowMillis int64) {
	unacked := *f.unacked
	kept := make([]*wire.Chunk, 0, len(unacked))

	for i, c := range unacked {
		deadline := c.TransmitTime + f.retransmitThresholdMillis*int64(c.TransmitCount)
		if nowMillis < deadline {
			kept = append(kept, unacked[i:]...)
			break
		}

		if c.Retransmitted {
			if c.TransmitTime+f.forgetUnAckedThresholdMillis < nowMillis {
				log.WithFields(log.Fields{"stream": c.StreamID, "offset": c.Offset}).
					Debug("forgetting unacked chunk past retention window")
				continue
			}
			kept = append(kept, c)
			continue
		}

		c.Retransmitted = true
		data := c.TakeData()
		retry := &wire.Chunk{
			StreamID:      c.StreamID,
			Offset:        c.Offset,
			Data:          data,
			Len:           len(data),
			FIN:           c.FIN,
			TransmitCount: c.TransmitCount,
		}
		*f.unwritten = append(*f.unwritten, retry)

		log.WithFields(log.Fields{"stream": c.StreamID, "offset": c.Offset, "count": c.TransmitCount}).
			Debug("retransmitting chunk")

		kept = append(kept, c)
	}

	*f.unacked = kept
}

// AckReceived removes every unAcked chunk whose packet number is named
// by packetNumbers.
func (f *Flusher) AckReceived(packetNumbers []uint64) {
	if len(packetNumbers) == 0 {
		return
	}
	acked := make(map[uint64]bool, len(packetNumbers))
	for _, pn := range packetNumbers {
		acked[pn] = true
	}

	kept := (*f.unacked)[:0]
	for _, c := range *f.unacked {
		if acked[c.PacketNumber] {
			continue
		}
		kept = append(kept, c)
	}
	*f.unacked = kept
}
