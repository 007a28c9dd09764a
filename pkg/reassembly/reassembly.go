// Package reassembly implements the offset-sorted inbound byte buffer a
// Stream uses to turn out-of-order, possibly overlapping chunks back into
// a contiguous byte sequence.
package reassembly

import "fmt"

// segment is a contiguous, received-but-unread run of bytes.
type segment struct {
	offset uint64
	data   []byte
}

func (s segment) end() uint64 { return s.offset + uint64(len(s.data)) }

// Reassembly holds received byte ranges for a single stream direction and
// tracks how much of the contiguous prefix has been consumed.
type Reassembly struct {
	segments   []segment
	readOffset uint64
	finOffset  *uint64
}

// New creates an empty Reassembly starting at offset 0.
func New() *Reassembly {
	return &Reassembly{}
}

// ErrBeyondFin is returned by Supply when a chunk would deliver bytes past
// an already-known terminal FIN offset.
type ErrBeyondFin struct {
	FinOffset uint64
	ChunkEnd  uint64
}

func (e *ErrBeyondFin) Error() string {
	return fmt.Sprintf("reassembly: chunk ends at %d beyond FIN offset %d", e.ChunkEnd, e.FinOffset)
}

// ErrFinMismatch is returned when two FIN-bearing chunks disagree about
// the stream's terminal offset.
type ErrFinMismatch struct {
	Have uint64
	Got  uint64
}

func (e *ErrFinMismatch) Error() string {
	return fmt.Sprintf("reassembly: conflicting FIN offsets %d and %d", e.Have, e.Got)
}

// Supply delivers a chunk of bytes at the given stream offset. Data
// already present at an offset is kept; bytes extending the covered
// region are stored; an exact duplicate is silently discarded. It
// reports whether at least one newly readable byte (i.e. contiguous from
// the current read offset) became available.
func (r *Reassembly) Supply(offset uint64, data []byte, fin bool) (newlyReadable bool, err error) {
	end := offset + uint64(len(data))

	if fin {
		if r.finOffset != nil && *r.finOffset != end {
			return false, &ErrFinMismatch{Have: *r.finOffset, Got: end}
		}
		f := end
		r.finOffset = &f
	}
	if r.finOffset != nil && end > *r.finOffset {
		return false, &ErrBeyondFin{FinOffset: *r.finOffset, ChunkEnd: end}
	}

	if end <= r.readOffset {
		// Entirely below the read cursor: already consumed, discard.
		return false, nil
	}
	if offset < r.readOffset {
		data = data[r.readOffset-offset:]
		offset = r.readOffset
	}

	before := r.readableLen()
	if len(data) > 0 {
		r.insert(segment{offset: offset, data: data})
	}
	after := r.readableLen()

	return after > before, nil
}

// readableLen returns the length of the contiguous run starting exactly
// at readOffset, i.e. how many bytes Read could return right now.
func (r *Reassembly) readableLen() int {
	if len(r.segments) == 0 || r.segments[0].offset != r.readOffset {
		return 0
	}
	return len(r.segments[0].data)
}

// insert merges a new segment into the sorted, non-overlapping segment
// list, copying only the bytes not already covered.
func (r *Reassembly) insert(s segment) {
	i := 0
	for i < len(r.segments) && r.segments[i].end() < s.offset {
		i++
	}

	merged := s
	j := i
	for j < len(r.segments) && r.segments[j].offset <= merged.end() {
		merged = mergeSegments(r.segments[j], merged)
		j++
	}

	r.segments = append(r.segments[:i], append([]segment{merged}, r.segments[j:]...)...)
}

// mergeSegments combines two overlapping or adjacent segments into one,
// preferring a's bytes where both cover the same offset: b is copied
// first, then a is written on top, so b only fills in the bytes a
// didn't already cover.
func mergeSegments(a, b segment) segment {
	lo := a.offset
	if b.offset < lo {
		lo = b.offset
	}
	hi := a.end()
	if b.end() > hi {
		hi = b.end()
	}

	buf := make([]byte, hi-lo)
	copy(buf[b.offset-lo:], b.data)
	copy(buf[a.offset-lo:], a.data)

	return segment{offset: lo, data: buf}
}

// Read copies up to len(dst) contiguous bytes starting at the current
// read offset into dst, advances the read offset, and reports fin true
// iff the new read offset equals the terminal FIN offset.
func (r *Reassembly) Read(dst []byte) (n int, fin bool) {
	if len(r.segments) == 0 || r.segments[0].offset != r.readOffset {
		return 0, r.atFin()
	}

	seg := &r.segments[0]
	n = copy(dst, seg.data)
	if n == len(seg.data) {
		r.segments = r.segments[1:]
	} else {
		seg.data = seg.data[n:]
		seg.offset += uint64(n)
	}
	r.readOffset += uint64(n)

	return n, r.atFin()
}

func (r *Reassembly) atFin() bool {
	return r.finOffset != nil && r.readOffset == *r.finOffset
}

// AtFin reports whether every byte up to the terminal FIN offset has
// already been consumed via Read. It is false if no FIN has been seen
// yet.
func (r *Reassembly) AtFin() bool {
	return r.atFin()
}

// Empty reports whether no bytes are available to Read right now.
func (r *Reassembly) Empty() bool {
	return r.readableLen() == 0
}

// ReadOffset returns the current contiguous-prefix byte count.
func (r *Reassembly) ReadOffset() uint64 { return r.readOffset }

// FinOffset returns the terminal FIN offset, if known.
func (r *Reassembly) FinOffset() (uint64, bool) {
	if r.finOffset == nil {
		return 0, false
	}
	return *r.finOffset, true
}
