// Package wire implements the on-the-wire Chunk representation and the
// stream/reset/ack frame codec used by the stream multiplexing engine.
package wire

// KeyPhase labels which key set protected a Chunk when it was last
// transmitted.
type KeyPhase uint8

const (
	// KeyPhaseUnprotected marks a Chunk sent during the handshake's
	// cleartext phase.
	KeyPhaseUnprotected KeyPhase = iota
	// KeyPhase1RTT marks a Chunk sent once the connection holds 1-RTT keys.
	KeyPhase1RTT
)

func (k KeyPhase) String() string {
	if k == KeyPhase1RTT {
		return "1-RTT"
	}
	return "unprotected"
}

// Chunk is a slice of stream bytes (or a reset marker) together with the
// bookkeeping needed to retransmit it until acknowledged. A Chunk is
// immutable after construction except for the transmit/retransmit fields
// the Flusher stamps onto it and the "move-on-copy" TakeData idiom used by
// the retransmission path.
type Chunk struct {
	StreamID uint32
	Offset   uint64
	Data     []byte
	Len      int
	FIN      bool

	// RST chunks carry an abort code instead of bytes. RST implies
	// Len == 0 and FIN == false.
	RST       bool
	ErrorCode uint64

	PacketNumber     uint64
	TransmitTime     int64
	TransmitCount    int
	TransmitKeyPhase KeyPhase
	Retransmitted    bool
}

// NewChunk builds a data Chunk, copying data into owned storage.
func NewChunk(streamID uint32, offset uint64, data []byte, fin bool) *Chunk {
	buf := make([]byte, len(data))
	copy(buf, data)
	return &Chunk{
		StreamID: streamID,
		Offset:   offset,
		Data:     buf,
		Len:      len(buf),
		FIN:      fin,
	}
}

// NewResetChunk builds a reset marker Chunk for the given stream and
// application error code.
func NewResetChunk(streamID uint32, errorCode uint64) *Chunk {
	return &Chunk{
		StreamID:  streamID,
		RST:       true,
		ErrorCode: errorCode,
	}
}

// TakeData transfers ownership of c's data buffer to the caller, leaving c
// with Len and Offset intact for round-trip timing but no buffer of its
// own. This is the idiom the retransmission path uses to "steal" bytes
// from an unacknowledged Chunk without duplicating memory.
func (c *Chunk) TakeData() []byte {
	d := c.Data
	c.Data = nil
	return d
}

// Clone returns a value copy of c that shares the same underlying data
// buffer. Unlike TakeData, Clone never empties the source; it exists for
// callers that only need to read a Chunk's fields, never to hand its
// buffer to a second owner. Nothing in this module calls it: the frame
// encoder reads the *Chunk directly.
func (c Chunk) Clone() Chunk {
	return c
}

// Split divides a data Chunk into two at dataRoom bytes: c is mutated in
// place to become the head (truncated to dataRoom bytes, FIN cleared) and
// the returned tail Chunk inherits the FIN flag and the remaining bytes at
// the adjusted offset. Used by the packer when a chunk does not fit the
// remaining room in a datagram.
func (c *Chunk) Split(dataRoom int) *Chunk {
	return c.split(dataRoom)
}

// split divides a data Chunk into two at dataRoom bytes, returning a new
// tail Chunk inheriting the FIN flag and the remaining bytes. c is mutated
// in place to become the (truncated) head.
func (c *Chunk) split(dataRoom int) *Chunk {
	tail := &Chunk{
		StreamID: c.StreamID,
		Offset:   c.Offset + uint64(dataRoom),
		Data:     c.Data[dataRoom:],
		Len:      c.Len - dataRoom,
		FIN:      c.FIN,
	}
	c.Data = c.Data[:dataRoom]
	c.Len = dataRoom
	c.FIN = false
	return tail
}
