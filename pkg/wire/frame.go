package wire

import (
	"encoding/binary"
	"fmt"
)

// Stream frame type byte layout, MSB to LSB: 1 1 F S S O O D.
//
//   bit 7,6 - constant 1 1
//   bit 5   - FIN
//   bit 4,3 - stream-ID length minus one (SS)
//   bit 2,1 - offset width class (OO): 0 -> 0 bytes, 1 -> 2, 2 -> 4, 3 -> 8
//   bit 0   - explicit data-length field present, always 1 here
const (
	streamFrameBase      byte = 0xc1 // 1 1 0 00 00 1
	streamFrameFinBit    byte = 0x20
	streamFrameIDLenMask byte = 0x03 // pre-shift mask for SS
	streamFrameIDShift        = 3
	streamFrameOffMask   byte = 0x03 // pre-shift mask for OO
	streamFrameOffShift       = 1
)

var offsetWidths = [4]int{0, 2, 4, 8}

// StreamFrame is the decoded form of a stream frame: a Chunk's wire
// representation stripped of retransmission bookkeeping.
type StreamFrame struct {
	StreamID uint32
	Offset   uint64
	FIN      bool
	Data     []byte
}

// StreamIDLen returns the number of bytes needed to encode id, the
// smallest width in {1,2,3,4} that holds the value.
func StreamIDLen(id uint32) int {
	switch {
	case id < 1<<8:
		return 1
	case id < 1<<16:
		return 2
	case id < 1<<24:
		return 3
	default:
		return 4
	}
}

// OffsetLen returns the number of bytes needed to encode offset and the
// 2-bit width class used in the type byte. Offset 0 uses width 0; any
// other offset uses at least width 2 (the width-0 encoding is reserved
// for literal offset 0).
func OffsetLen(offset uint64) (width int, class uint8) {
	switch {
	case offset == 0:
		return 0, 0
	case offset < 1<<16:
		return 2, 1
	case offset < 1<<32:
		return 4, 2
	default:
		return 8, 3
	}
}

// StreamFrameHeaderLen returns the encoded header length (type byte,
// stream ID, offset, and the 16-bit data length field) for the given
// field widths.
func StreamFrameHeaderLen(idLen, offsetLen int) int {
	return 1 + idLen + offsetLen + 2
}

// EncodeStreamFrame appends the wire encoding of c (a non-reset Chunk) to
// dst and returns the extended slice. The caller is responsible for
// ensuring c.Data already fits the intended budget; EncodeStreamFrame
// performs no splitting.
func EncodeStreamFrame(dst []byte, c *Chunk) []byte {
	idLen := StreamIDLen(c.StreamID)
	offLen, offClass := OffsetLen(c.Offset)

	typeByte := streamFrameBase
	typeByte |= byte(idLen-1) << streamFrameIDShift
	typeByte |= offClass << streamFrameOffShift
	if c.FIN {
		typeByte |= streamFrameFinBit
	}
	dst = append(dst, typeByte)

	var idBuf [4]byte
	binary.BigEndian.PutUint32(idBuf[:], c.StreamID)
	dst = append(dst, idBuf[4-idLen:]...)

	if offLen > 0 {
		var offBuf [8]byte
		binary.BigEndian.PutUint64(offBuf[:], c.Offset)
		dst = append(dst, offBuf[8-offLen:]...)
	}

	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(c.Len))
	dst = append(dst, lenBuf[:]...)

	dst = append(dst, c.Data[:c.Len]...)
	return dst
}

// DecodeStreamFrame parses one stream frame from the front of src,
// returning the decoded frame and the remaining, unconsumed bytes.
func DecodeStreamFrame(src []byte) (sf StreamFrame, rest []byte, err error) {
	if len(src) < 1 {
		return StreamFrame{}, src, fmt.Errorf("wire: stream frame truncated before type byte")
	}

	typeByte := src[0]
	if typeByte&0xc0 != 0xc0 {
		return StreamFrame{}, src, fmt.Errorf("wire: %#x is not a stream frame type byte", typeByte)
	}
	if typeByte&0x01 == 0 {
		return StreamFrame{}, src, fmt.Errorf("wire: stream frame without explicit data length is unsupported")
	}

	idLen := int((typeByte>>streamFrameIDShift)&streamFrameIDLenMask) + 1
	offClass := (typeByte >> streamFrameOffShift) & streamFrameOffMask
	offLen := offsetWidths[offClass]
	fin := typeByte&streamFrameFinBit != 0

	p := src[1:]
	if len(p) < idLen+offLen+2 {
		return StreamFrame{}, src, fmt.Errorf("wire: stream frame header truncated")
	}

	var idBuf [4]byte
	copy(idBuf[4-idLen:], p[:idLen])
	streamID := binary.BigEndian.Uint32(idBuf[:])
	p = p[idLen:]

	var offset uint64
	if offLen > 0 {
		var offBuf [8]byte
		copy(offBuf[8-offLen:], p[:offLen])
		offset = binary.BigEndian.Uint64(offBuf[:])
		p = p[offLen:]
	}

	dataLen := int(binary.BigEndian.Uint16(p[:2]))
	p = p[2:]
	if len(p) < dataLen {
		return StreamFrame{}, src, fmt.Errorf("wire: stream frame data truncated: want %d, have %d", dataLen, len(p))
	}

	sf = StreamFrame{
		StreamID: streamID,
		Offset:   offset,
		FIN:      fin,
		Data:     p[:dataLen],
	}
	return sf, p[dataLen:], nil
}

// Reset and ack frames are not part of the original stream-frame layout;
// their formats are left unspecified by the core's collaborators, so this
// module defines a minimal one of its own.
const (
	// ResetFrameType and AckFrameType are exported so callers dispatching
	// on PeekFrameType's result can recognise them without reaching into
	// this package's codec internals.
	ResetFrameType byte = 0x10
	AckFrameType   byte = 0x02
)

// EncodeResetFrame appends the wire encoding of a reset Chunk to dst.
func EncodeResetFrame(dst []byte, c *Chunk) []byte {
	dst = append(dst, ResetFrameType)
	var idBuf [4]byte
	binary.BigEndian.PutUint32(idBuf[:], c.StreamID)
	dst = append(dst, idBuf[:]...)
	var codeBuf [8]byte
	binary.BigEndian.PutUint64(codeBuf[:], c.ErrorCode)
	dst = append(dst, codeBuf[:]...)
	return dst
}

// ResetFrameLen is the fixed encoded length of a reset frame.
const ResetFrameLen = 1 + 4 + 8

// DecodeResetFrame parses one reset frame from the front of src.
func DecodeResetFrame(src []byte) (streamID uint32, errorCode uint64, rest []byte, err error) {
	if len(src) < ResetFrameLen {
		return 0, 0, src, fmt.Errorf("wire: reset frame truncated")
	}
	if src[0] != ResetFrameType {
		return 0, 0, src, fmt.Errorf("wire: %#x is not a reset frame type byte", src[0])
	}
	streamID = binary.BigEndian.Uint32(src[1:5])
	errorCode = binary.BigEndian.Uint64(src[5:13])
	return streamID, errorCode, src[ResetFrameLen:], nil
}

// EncodeAckFrame appends an ack frame naming the given packet numbers.
func EncodeAckFrame(dst []byte, packetNumbers []uint64) []byte {
	dst = append(dst, AckFrameType)
	var countBuf [2]byte
	binary.BigEndian.PutUint16(countBuf[:], uint16(len(packetNumbers)))
	dst = append(dst, countBuf[:]...)
	for _, pn := range packetNumbers {
		var pnBuf [8]byte
		binary.BigEndian.PutUint64(pnBuf[:], pn)
		dst = append(dst, pnBuf[:]...)
	}
	return dst
}

// AckFrameLen returns the encoded length of an ack frame naming count
// packet numbers.
func AckFrameLen(count int) int {
	return 1 + 2 + count*8
}

// DecodeAckFrame parses one ack frame from the front of src.
func DecodeAckFrame(src []byte) (packetNumbers []uint64, rest []byte, err error) {
	if len(src) < 3 {
		return nil, src, fmt.Errorf("wire: ack frame truncated before count")
	}
	if src[0] != AckFrameType {
		return nil, src, fmt.Errorf("wire: %#x is not an ack frame type byte", src[0])
	}
	count := int(binary.BigEndian.Uint16(src[1:3]))
	p := src[3:]
	if len(p) < count*8 {
		return nil, src, fmt.Errorf("wire: ack frame truncated: want %d entries, have %d bytes", count, len(p))
	}
	packetNumbers = make([]uint64, count)
	for i := 0; i < count; i++ {
		packetNumbers[i] = binary.BigEndian.Uint64(p[:8])
		p = p[8:]
	}
	return packetNumbers, p, nil
}

// PeekFrameType reports the type byte at the front of src without
// consuming it, or an error if src is empty.
func PeekFrameType(src []byte) (byte, error) {
	if len(src) == 0 {
		return 0, fmt.Errorf("wire: empty frame buffer")
	}
	return src[0], nil
}

// IsStreamFrameType reports whether b is a stream frame type byte.
func IsStreamFrameType(b byte) bool { return b&0xc0 == 0xc0 }
