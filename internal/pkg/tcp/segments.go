package tcp

import "sort"

// diff returns the signed modular distance from a to b. It is positive when
// b is after a, and handles 32-bit wraparound.
func diff(a, b uint32) int32 {
	return int32(b - a)
}

// segment is a buffered out-of-order piece of the stream.
type segment struct {
	seq  uint32
	data []byte
}

func (s segment) end() uint32 {
	return s.seq + uint32(len(s.data))
}

// reassembler is the in-order delivery state of one stream direction. It is
// guarded by the owning context's lock.
type reassembler struct {
	expected uint32
	pending  []segment // ordered by seq relative to expected
	limit    int
}

// outcome is what one accepted segment produced.
type outcome struct {
	chunks    [][]byte
	discarded int
	gaps      int
}

// accept applies the delivery rule to one segment and returns the bytes that
// became deliverable, in stream order.
func (r *reassembler) accept(seq uint32, data []byte) outcome {
	var out outcome
	end := seq + uint32(len(data))

	switch {
	case diff(r.expected, end) <= 0:
		// Entirely before expected: duplicate or trailing retransmission.
		out.discarded++
		return out
	case diff(r.expected, seq) > 0:
		r.insert(segment{seq: seq, data: append([]byte(nil), data...)})
	default:
		out.chunks = append(out.chunks, data[diff(seq, r.expected):])
		r.expected = end
	}

	r.drain(&out)
	for len(r.pending) > r.limit {
		// Give up on the gap in front of the lowest buffered segment.
		r.expected = r.pending[0].seq
		out.gaps++
		r.drain(&out)
	}
	return out
}

// insert keeps pending ordered by distance from expected.
func (r *reassembler) insert(s segment) {
	i := sort.Search(len(r.pending), func(i int) bool {
		return diff(r.expected, r.pending[i].seq) > diff(r.expected, s.seq)
	})
	r.pending = append(r.pending, segment{})
	copy(r.pending[i+1:], r.pending[i:])
	r.pending[i] = s
}

// drain delivers buffered segments while the lowest one reaches expected.
func (r *reassembler) drain(out *outcome) {
	for len(r.pending) > 0 {
		low := r.pending[0]
		if diff(r.expected, low.end()) <= 0 {
			r.pending = r.pending[1:]
			out.discarded++
			continue
		}
		if diff(r.expected, low.seq) > 0 {
			return
		}
		out.chunks = append(out.chunks, low.data[diff(low.seq, r.expected):])
		r.expected = low.end()
		r.pending = r.pending[1:]
	}
}
