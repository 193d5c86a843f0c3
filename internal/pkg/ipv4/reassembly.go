package ipv4

import (
	"container/list"
	"encoding/binary"
	"math"

	"github.com/endorses/flowscope/internal/pkg/errs"
)

// infinity is the open end of the initial hole.
const infinity = math.MaxInt

// hole is a not-yet-received byte range [first, last) of a datagram.
type hole struct {
	first int
	last  int
}

// fragment is one stored piece of a datagram's payload.
type fragment struct {
	dg    *datagram
	first int
	data  []byte
	elem  *list.Element
}

// datagram is the reassembly bookkeeping for one datagram id.
type datagram struct {
	id        uint16
	holes     []hole
	header    []byte
	fragments []*fragment
}

func newDatagram(id uint16) *datagram {
	return &datagram{id: id, holes: []hole{{first: 0, last: infinity}}}
}

// fill removes the range [first, last) from the hole list, re-inserting the
// uncovered parts of every hole it intersects. The trailing part of a hole
// is only kept while the fragment says more fragments follow.
func (d *datagram) fill(first, last int, more bool) {
	kept := d.holes[:0:0]
	for _, h := range d.holes {
		if first >= h.last || last <= h.first {
			kept = append(kept, h)
			continue
		}
		if first > h.first {
			kept = append(kept, hole{first: h.first, last: first})
		}
		if last < h.last && more {
			kept = append(kept, hole{first: last, last: h.last})
		}
	}
	d.holes = kept
}

func (d *datagram) complete() bool {
	return len(d.holes) == 0
}

// assemble rebuilds the full datagram from the cached first-fragment header
// and every stored fragment, plus the fragment completing it. Total length,
// fragmentation fields and checksum are rewritten. A datagram whose first
// header and payload together exceed the IPv4 maximum is malformed.
func (d *datagram) assemble(first int, data []byte) ([]byte, error) {
	end := first + len(data)
	for _, f := range d.fragments {
		if e := f.first + len(f.data); e > end {
			end = e
		}
	}

	ihl := len(d.header)
	if ihl+end > MaxDatagramLen {
		return nil, errs.Malformed("ipv4: reassembled datagram %d of %d bytes exceeds maximum size", d.id, ihl+end)
	}
	out := make([]byte, ihl+end)
	copy(out, d.header)
	for _, f := range d.fragments {
		copy(out[ihl+f.first:], f.data)
	}
	copy(out[ihl+first:], data)

	binary.BigEndian.PutUint16(out[2:4], uint16(ihl+end))
	word := binary.BigEndian.Uint16(out[6:8])
	binary.BigEndian.PutUint16(out[6:8], word&flagDontFragment)
	SetChecksum(out[:ihl])
	return out, nil
}

// state is the reassembly state of one network context.
type state struct {
	datagrams map[uint16]*datagram
	queue     *list.List // of *fragment, oldest first
}

func newState() any {
	return &state{
		datagrams: make(map[uint16]*datagram),
		queue:     list.New(),
	}
}

// store keeps a copy of data as a fragment of d.
func (s *state) store(d *datagram, first int, data []byte) {
	f := &fragment{dg: d, first: first, data: append([]byte(nil), data...)}
	f.elem = s.queue.PushBack(f)
	d.fragments = append(d.fragments, f)
}

// release forgets d and takes its fragments out of the queue.
func (s *state) release(d *datagram) {
	for _, f := range d.fragments {
		s.queue.Remove(f.elem)
	}
	d.fragments = nil
	if s.datagrams[d.id] == d {
		delete(s.datagrams, d.id)
	}
}

// evict drops the oldest fragments, and with each the whole datagram it
// belongs to, until at most limit fragments remain. It returns the number of
// fragments dropped.
func (s *state) evict(limit int) int {
	dropped := 0
	for s.queue.Len() > limit {
		oldest := s.queue.Front().Value.(*fragment)
		dropped += len(oldest.dg.fragments)
		s.release(oldest.dg)
	}
	return dropped
}
