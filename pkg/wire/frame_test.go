package wire

import (
	"bytes"
	"testing"
)

func TestEncodeStreamFrameS1(t *testing.T) {
	c := NewChunk(1, 0, []byte{0x41, 0x42, 0x43}, true)

	got := EncodeStreamFrame(nil, c)
	want := []byte{
		0xe1, // 1 1 1 00 00 1 -> FIN set, idLen=1, offLen=0
		0x01, // stream id 1
		0x00, 0x03, // data length 3
		0x41, 0x42, 0x43,
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got % x, want % x", got, want)
	}

	sf, rest, err := DecodeStreamFrame(got)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("expected no trailing bytes, got %d", len(rest))
	}
	if sf.StreamID != 1 || sf.Offset != 0 || !sf.FIN || !bytes.Equal(sf.Data, []byte("ABC")) {
		t.Fatalf("unexpected frame: %+v", sf)
	}
}

func TestStreamFrameOffsetWidths(t *testing.T) {
	cases := []struct {
		offset   uint64
		wantLen  int
		wantByte byte
	}{
		{0, 0, 0},
		{1, 2, 1},
		{255, 2, 1},
		{1 << 16, 4, 2},
		{1 << 33, 8, 3},
	}
	for _, c := range cases {
		gotLen, gotClass := OffsetLen(c.offset)
		if gotLen != c.wantLen || gotClass != c.wantByte {
			t.Errorf("OffsetLen(%d) = (%d,%d), want (%d,%d)", c.offset, gotLen, gotClass, c.wantLen, c.wantByte)
		}
	}
}

func TestStreamIDLen(t *testing.T) {
	cases := []struct {
		id   uint32
		want int
	}{
		{0, 1},
		{255, 1},
		{256, 2},
		{1 << 16, 3},
		{1 << 24, 4},
	}
	for _, c := range cases {
		if got := StreamIDLen(c.id); got != c.want {
			t.Errorf("StreamIDLen(%d) = %d, want %d", c.id, got, c.want)
		}
	}
}

// TestRoundTripMatchesProperty7 covers spec property 7: encoding and
// re-parsing a stream frame yields the identical tuple.
func TestRoundTripMatchesProperty7(t *testing.T) {
	c := NewChunk(300, 70000, []byte("hello world"), false)
	encoded := EncodeStreamFrame(nil, c)

	sf, rest, err := DecodeStreamFrame(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("unexpected trailing bytes: % x", rest)
	}
	if sf.StreamID != c.StreamID || sf.Offset != c.Offset || sf.FIN != c.FIN || !bytes.Equal(sf.Data, c.Data) {
		t.Fatalf("round trip mismatch: got %+v from %+v", sf, c)
	}
}

func TestDecodeStreamFrameTruncated(t *testing.T) {
	c := NewChunk(1, 0, []byte("ABC"), false)
	full := EncodeStreamFrame(nil, c)

	if _, _, err := DecodeStreamFrame(full[:2]); err == nil {
		t.Fatal("expected error decoding truncated frame")
	}
}

func TestResetFrameRoundTrip(t *testing.T) {
	c := NewResetChunk(9, 42)
	encoded := EncodeResetFrame(nil, c)
	if len(encoded) != ResetFrameLen {
		t.Fatalf("unexpected reset frame length %d", len(encoded))
	}

	id, code, rest, err := DecodeResetFrame(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if id != 9 || code != 42 || len(rest) != 0 {
		t.Fatalf("unexpected reset frame decode: id=%d code=%d rest=%v", id, code, rest)
	}
}

func TestAckFrameRoundTrip(t *testing.T) {
	pns := []uint64{1, 2, 17, 1000000}
	encoded := EncodeAckFrame(nil, pns)
	if len(encoded) != AckFrameLen(len(pns)) {
		t.Fatalf("unexpected ack frame length")
	}

	got, rest, err := DecodeAckFrame(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("unexpected trailing bytes")
	}
	for i, pn := range pns {
		if got[i] != pn {
			t.Errorf("entry %d: got %d, want %d", i, got[i], pn)
		}
	}
}

func TestTakeDataTransfersOwnership(t *testing.T) {
	c := NewChunk(1, 0, []byte("ABC"), false)
	data := c.TakeData()
	if c.Data != nil {
		t.Fatal("expected Data to be nil after TakeData")
	}
	if c.Len != 3 {
		t.Fatalf("expected Len preserved, got %d", c.Len)
	}
	if !bytes.Equal(data, []byte("ABC")) {
		t.Fatalf("unexpected taken data: %s", data)
	}
}

// TestSplitInvariant covers spec property 3: for chunks (a, b) produced by
// the splitter, a.offset+a.len=b.offset, a.len+b.len=c.len, b.fin=c.fin,
// a.fin=false.
func TestSplitInvariant(t *testing.T) {
	orig := NewChunk(4, 100, bytes.Repeat([]byte{0xAB}, 50), true)
	origLen := orig.Len

	tail := orig.split(30)

	if orig.Offset+uint64(orig.Len) != tail.Offset {
		t.Fatalf("offset continuity broken: %d+%d != %d", orig.Offset, orig.Len, tail.Offset)
	}
	if orig.Len+tail.Len != origLen {
		t.Fatalf("length not preserved: %d+%d != %d", orig.Len, tail.Len, origLen)
	}
	if !tail.FIN {
		t.Fatal("tail should inherit FIN")
	}
	if orig.FIN {
		t.Fatal("head FIN should be cleared")
	}
}
