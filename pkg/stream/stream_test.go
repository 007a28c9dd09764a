package stream

import (
	"bytes"
	"testing"

	"github.com/ekr/mozquic/pkg/wire"
)

// fakeTable is a minimal Table recording what a Stream asked of it.
type fakeTable struct {
	written      []*wire.Chunk
	newData      []*Stream
	resets       []*Stream
	stopSendings []uint32
}

func (f *fakeTable) DoWriter(c *wire.Chunk)              { f.written = append(f.written, c) }
func (f *fakeTable) NotifyNewData(s *Stream)             { f.newData = append(f.newData, s) }
func (f *fakeTable) NotifyReset(s *Stream)               { f.resets = append(f.resets, s) }
func (f *fakeTable) RequestStopSending(id uint32, _ uint64) { f.stopSendings = append(f.stopSendings, id) }

func TestWriteEnqueuesMonotonicChunks(t *testing.T) {
	tbl := &fakeTable{}
	s := New(1, tbl)

	if err := s.Write([]byte("AB"), false); err != nil {
		t.Fatal(err)
	}
	if err := s.Write([]byte("CD"), true); err != nil {
		t.Fatal(err)
	}

	if len(tbl.written) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(tbl.written))
	}
	if tbl.written[0].Offset != 0 || tbl.written[1].Offset != 2 {
		t.Fatalf("offsets not monotonic: %d, %d", tbl.written[0].Offset, tbl.written[1].Offset)
	}
	if !tbl.written[1].FIN {
		t.Fatal("expected FIN on last write")
	}

	if err := s.Write([]byte("late"), false); err != ErrStreamFinished {
		t.Fatalf("expected ErrStreamFinished, got %v", err)
	}
}

func TestEndStream(t *testing.T) {
	tbl := &fakeTable{}
	s := New(3, tbl)

	if err := s.EndStream(); err != nil {
		t.Fatal(err)
	}
	if len(tbl.written) != 1 || !tbl.written[0].FIN || tbl.written[0].Len != 0 {
		t.Fatalf("unexpected EndStream chunk: %+v", tbl.written)
	}
}

func TestRstStreamScrubsFurtherWrites(t *testing.T) {
	tbl := &fakeTable{}
	s := New(5, tbl)

	if err := s.RstStream(7); err != nil {
		t.Fatal(err)
	}
	if len(tbl.written) != 1 || !tbl.written[0].RST || tbl.written[0].ErrorCode != 7 {
		t.Fatalf("unexpected reset chunk: %+v", tbl.written)
	}
	if err := s.Write([]byte("x"), false); err != ErrStreamFinished {
		t.Fatalf("expected write after reset to fail, got %v", err)
	}
}

func TestStopSendingDelegatesToTable(t *testing.T) {
	tbl := &fakeTable{}
	s := New(9, tbl)
	s.StopSending(3)

	if len(tbl.stopSendings) != 1 || tbl.stopSendings[0] != 9 {
		t.Fatalf("unexpected StopSending forwarding: %+v", tbl.stopSendings)
	}
}

func TestSupplyNotifiesOnlyOnNewData(t *testing.T) {
	tbl := &fakeTable{}
	s := New(1, tbl)

	if err := s.Supply(wire.NewChunk(1, 0, []byte("AB"), false)); err != nil {
		t.Fatal(err)
	}
	if len(tbl.newData) != 1 {
		t.Fatalf("expected one notification, got %d", len(tbl.newData))
	}

	// Duplicate chunk: no new bytes, no notification.
	if err := s.Supply(wire.NewChunk(1, 0, []byte("AB"), false)); err != nil {
		t.Fatal(err)
	}
	if len(tbl.newData) != 1 {
		t.Fatalf("expected no additional notification for duplicate, got %d", len(tbl.newData))
	}
}

func TestSupplyResetNotifiesOnce(t *testing.T) {
	tbl := &fakeTable{}
	s := New(1, tbl)

	if err := s.Supply(wire.NewResetChunk(1, 99)); err != nil {
		t.Fatal(err)
	}
	if err := s.Supply(wire.NewResetChunk(1, 99)); err != nil {
		t.Fatal(err)
	}
	if len(tbl.resets) != 1 {
		t.Fatalf("expected a single reset notification, got %d", len(tbl.resets))
	}
	code, ok := s.PeerResetCode()
	if !ok || code != 99 {
		t.Fatalf("unexpected peer reset code: %d, %v", code, ok)
	}
}

// TestReadReassemblesOutOfOrder exercises spec scenario S1/S2's server
// side: reading back exactly what was written.
func TestReadReassemblesOutOfOrder(t *testing.T) {
	tbl := &fakeTable{}
	s := New(1, tbl)

	if err := s.Supply(wire.NewChunk(1, 3, []byte("DEF"), true)); err != nil {
		t.Fatal(err)
	}
	if err := s.Supply(wire.NewChunk(1, 0, []byte("ABC"), false)); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 16)
	n, fin := s.Read(buf)
	if !fin || !bytes.Equal(buf[:n], []byte("ABCDEF")) {
		t.Fatalf("unexpected read: n=%d fin=%v data=%q", n, fin, buf[:n])
	}

	if !s.RecvFinished() {
		t.Fatal("expected receive side to be finished after FIN")
	}
	if s.SendFinished() {
		t.Fatal("send side was never used, should not be finished")
	}
	if err := s.EndStream(); err != nil {
		t.Fatal(err)
	}
	if !s.Finished() {
		t.Fatal("stream should be finished once both directions reach a terminal state and bytes are drained")
	}
}
