// Package streamtable implements the StreamTable: the collection of open
// streams, the outbound chunk queues shared by every stream, and the
// lazy peer-stream creation and destruction rules of spec.md §3.
package streamtable

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/ekr/mozquic/pkg/quicerr"
	"github.com/ekr/mozquic/pkg/reassembly"
	"github.com/ekr/mozquic/pkg/stream"
	"github.com/ekr/mozquic/pkg/transport"
	"github.com/ekr/mozquic/pkg/wire"
)

// ErrAlreadyFinished names a stream ID that has already been destroyed;
// frames naming it are dropped with no connection-level consequence.
var ErrAlreadyFinished = errors.New("streamtable: stream already finished")

// EventSink receives the connection-visible events a StreamTable
// produces while routing inbound chunks. Connection implements this.
type EventSink interface {
	OnNewStreamData(s *stream.Stream)
	OnStreamReset(s *stream.Stream)
}

// StreamTable owns every Stream and every queued Chunk for one
// connection. Unwritten and UnAcked are exported because the Flusher
// (a different package, operating under the same single-threaded
// cooperative model as spec.md §5 requires) packs and retransmits them
// directly; nothing outside this subsystem should touch them.
type StreamTable struct {
	role     transport.Role
	streams  map[uint32]*stream.Stream
	finished map[uint32]bool

	Unwritten []*wire.Chunk
	UnAcked   []*wire.Chunk

	nextLocalStreamID uint32
	nextPeerStreamID  uint32

	peerMaxStreamData uint64
	peerMaxData       uint64
	peerMaxStreamID   uint32

	sink EventSink
}

// New creates a StreamTable for the given role, pre-creating stream 0
// for handshake traffic.
func New(role transport.Role) *StreamTable {
	local, peer := uint32(1), uint32(2)
	if role == transport.RoleServer {
		local, peer = 2, 1
	}

	t := &StreamTable{
		role:              role,
		streams:           make(map[uint32]*stream.Stream),
		finished:          make(map[uint32]bool),
		nextLocalStreamID: local,
		nextPeerStreamID:  peer,
		peerMaxStreamData: DefaultPeerMaxStreamData,
		peerMaxData:       DefaultPeerMaxData,
		peerMaxStreamID:   DefaultPeerMaxStreamID,
	}
	t.streams[0] = stream.New(0, t)
	return t
}

// Default flow-control limits used until the peer advertises its own,
// matching the defaults original_source/Streams.cpp's StreamState
// constructor assigns (kMaxStreamDataDefault, kMaxDataDefault,
// kMaxStreamIDDefault) before any transport-parameter negotiation.
const (
	DefaultPeerMaxStreamData uint64 = 32 * 1024
	DefaultPeerMaxData       uint64 = 256 * 1024
	DefaultPeerMaxStreamID   uint32 = 4095
)

// SetEventSink registers the receiver of NewStreamData/StreamReset
// events. A nil sink is valid and simply suppresses notifications.
func (t *StreamTable) SetEventSink(sink EventSink) { t.sink = sink }

// Role reports which parity this table assigns to locally-initiated
// streams.
func (t *StreamTable) Role() transport.Role { return t.role }

// GetStream looks up a live (non-destroyed) stream by ID.
func (t *StreamTable) GetStream(id uint32) (*stream.Stream, bool) {
	s, ok := t.streams[id]
	return s, ok
}

// StreamIDs returns every currently live stream ID, in no particular
// order. Used by callers tearing down a connection after a fatal
// protocol violation.
func (t *StreamTable) StreamIDs() []uint32 {
	ids := make([]uint32, 0, len(t.streams))
	for id := range t.streams {
		ids = append(ids, id)
	}
	return ids
}

// SetPeerLimits installs the peer's advertised flow-control limits,
// enforced by the Flusher when packing.
func (t *StreamTable) SetPeerLimits(maxStreamData, maxData uint64, maxStreamID uint32) {
	t.peerMaxStreamData = maxStreamData
	t.peerMaxData = maxData
	t.peerMaxStreamID = maxStreamID
}

// PeerLimits returns the currently effective flow-control limits.
func (t *StreamTable) PeerLimits() (maxStreamData, maxData uint64, maxStreamID uint32) {
	return t.peerMaxStreamData, t.peerMaxData, t.peerMaxStreamID
}

// StartNewStream creates a new locally-initiated Stream, advances the
// local stream-ID counter by 2, and writes the given bytes on it if any
// are supplied.
func (t *StreamTable) StartNewStream(data []byte, fin bool) (*stream.Stream, error) {
	id := t.nextLocalStreamID
	t.nextLocalStreamID += 2

	s := stream.New(id, t)
	t.streams[id] = s

	if len(data) > 0 || fin {
		if err := s.Write(data, fin); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// FindOrCreate implements the peer-initiated lazy creation of spec.md
// §3: materialising every missing intermediate stream ID of the correct
// parity up to and including id.
func (t *StreamTable) FindOrCreate(id uint32) (*stream.Stream, error) {
	if s, ok := t.streams[id]; ok {
		return s, nil
	}
	if t.finished[id] {
		return nil, ErrAlreadyFinished
	}

	for id >= t.nextPeerStreamID {
		ns := stream.New(t.nextPeerStreamID, t)
		t.streams[t.nextPeerStreamID] = ns
		t.nextPeerStreamID += 2
	}

	s, ok := t.streams[id]
	if !ok {
		return nil, fmt.Errorf("streamtable: stream %d has the wrong parity for a peer-initiated stream", id)
	}
	return s, nil
}

// HandleStreamFrame validates and routes an inbound stream frame,
// per spec.md §4.3: FIN on stream 0 and non-zero stream IDs arriving
// during the handshake's cleartext phase are both fatal protocol
// violations.
func (t *StreamTable) HandleStreamFrame(sf wire.StreamFrame, fromCleartext bool) error {
	if sf.StreamID == 0 {
		if sf.FIN {
			return quicerr.NewProtocolError("FIN not allowed on stream 0", nil)
		}
		return t.deliver(t.streams[0], wire.NewChunk(0, sf.Offset, sf.Data, sf.FIN))
	}

	if fromCleartext {
		return quicerr.NewProtocolError(
			fmt.Sprintf("non-zero stream %d seen during cleartext handshake phase", sf.StreamID), nil)
	}

	s, err := t.FindOrCreate(sf.StreamID)
	if errors.Is(err, ErrAlreadyFinished) {
		log.WithField("stream", sf.StreamID).Debug("dropping frame for already-finished stream")
		return nil
	}
	if err != nil {
		return err
	}

	return t.deliver(s, wire.NewChunk(sf.StreamID, sf.Offset, sf.Data, sf.FIN))
}

// HandleResetFrame routes an inbound reset frame to its stream.
func (t *StreamTable) HandleResetFrame(streamID uint32, errorCode uint64) error {
	var s *stream.Stream
	if streamID == 0 {
		s = t.streams[0]
	} else {
		found, err := t.FindOrCreate(streamID)
		if errors.Is(err, ErrAlreadyFinished) {
			log.WithField("stream", streamID).Debug("dropping reset for already-finished stream")
			return nil
		}
		if err != nil {
			return err
		}
		s = found
	}

	return t.deliver(s, wire.NewResetChunk(streamID, errorCode))
}

func (t *StreamTable) deliver(s *stream.Stream, c *wire.Chunk) error {
	if err := s.Supply(c); err != nil {
		var beyond *reassembly.ErrBeyondFin
		if errors.As(err, &beyond) {
			return quicerr.NewProtocolError("stream data delivered beyond FIN offset", err)
		}
		var mismatch *reassembly.ErrFinMismatch
		if errors.As(err, &mismatch) {
			return quicerr.NewProtocolError("conflicting FIN offsets on stream", err)
		}
		return err
	}
	t.maybeDestroy(s)
	return nil
}

// maybeDestroy removes a Stream once both directions have reached a
// terminal state and the application has drained every readable byte.
func (t *StreamTable) maybeDestroy(s *stream.Stream) {
	if s.Finished() {
		t.DeleteStream(s.ID())
	}
}

// DeleteStream removes a stream from the table and remembers its ID as
// already-finished so future frames naming it are dropped, not treated
// as a fresh peer-initiated stream.
func (t *StreamTable) DeleteStream(id uint32) {
	delete(t.streams, id)
	t.finished[id] = true
	log.WithField("stream", id).Debug("stream destroyed")
}

// ScrubUnWritten removes all non-reset chunks belonging to streamID from
// the unwritten queue. Reset chunks are preserved so the peer still
// learns of the reset.
func (t *StreamTable) ScrubUnWritten(streamID uint32) {
	t.Unwritten = scrub(t.Unwritten, streamID)
}

// ScrubUnAcked removes all non-reset chunks belonging to streamID from
// the unacknowledged queue.
func (t *StreamTable) ScrubUnAcked(streamID uint32) {
	t.UnAcked = scrub(t.UnAcked, streamID)
}

func scrub(chunks []*wire.Chunk, streamID uint32) []*wire.Chunk {
	out := chunks[:0]
	for _, c := range chunks {
		if c.StreamID == streamID && !c.RST {
			continue
		}
		out = append(out, c)
	}
	return out
}

// DoWriter appends a chunk to the unwritten queue. It is used both by
// Streams (via the stream.Table interface) and by the retransmission
// path in the flusher package.
func (t *StreamTable) DoWriter(c *wire.Chunk) {
	t.Unwritten = append(t.Unwritten, c)
}

// NotifyNewData implements stream.Table, forwarding the event to the
// registered EventSink.
func (t *StreamTable) NotifyNewData(s *stream.Stream) {
	if t.sink != nil {
		t.sink.OnNewStreamData(s)
	}
}

// NotifyReset implements stream.Table, forwarding the event and
// attempting destruction since a reset can complete both directions at
// once.
func (t *StreamTable) NotifyReset(s *stream.Stream) {
	if t.sink != nil {
		t.sink.OnStreamReset(s)
	}
	t.maybeDestroy(s)
}

// RequestStopSending implements stream.Table. The control frame this
// would generate on the wire is not specified by this package; callers
// that need it wire their own transmission through the Connection.
func (t *StreamTable) RequestStopSending(id uint32, code uint64) {
	log.WithFields(log.Fields{"stream": id, "code": code}).Debug("StopSending requested")
}
