// Package ipv4 implements the network layer of the analysis engine: IPv4
// header validation, RFC 815 fragment reassembly and dispatch of complete
// datagrams to transport handlers.
package ipv4

import (
	"encoding/binary"

	"github.com/endorses/flowscope/internal/pkg/errs"
	"github.com/google/gopacket/layers"
)

const (
	// HeaderMinLen is the length of an IPv4 header without options.
	HeaderMinLen = 20

	// MaxDatagramLen is the largest total length an IPv4 datagram may declare.
	MaxDatagramLen = 65535

	flagDontFragment  = 0x4000
	flagMoreFragments = 0x2000
	offsetMask        = 0x1fff
)

// header is the decoded fixed part of an IPv4 header.
type header struct {
	ihl      int
	total    int
	id       uint16
	flags    uint16
	offset   int // in bytes
	protocol layers.IPProtocol
	src      []byte
	dst      []byte
}

func (h header) moreFragments() bool {
	return h.flags&flagMoreFragments != 0
}

// parseHeader validates pkt and decodes its header. Bytes captured beyond
// the declared total length are ignored by callers.
func parseHeader(pkt []byte) (header, error) {
	if len(pkt) < HeaderMinLen {
		return header{}, errs.Malformed("ipv4: packet too short (%d bytes)", len(pkt))
	}
	if v := pkt[0] >> 4; v != 4 {
		if v == 6 {
			return header{}, errs.Unsupported("ipv6")
		}
		return header{}, errs.Malformed("ipv4: version %d", v)
	}

	ihl := int(pkt[0]&0x0f) * 4
	if ihl < HeaderMinLen {
		return header{}, errs.Malformed("ipv4: header length %d", ihl)
	}
	total := int(binary.BigEndian.Uint16(pkt[2:4]))
	if total < HeaderMinLen || total < ihl {
		return header{}, errs.Malformed("ipv4: total length %d with header length %d", total, ihl)
	}
	if total > len(pkt) {
		return header{}, errs.Malformed("ipv4: total length %d exceeds captured %d", total, len(pkt))
	}
	if sum := Checksum(pkt[:ihl]); sum != 0 {
		return header{}, errs.Malformed("ipv4: header checksum residue 0x%04x", sum)
	}

	word := binary.BigEndian.Uint16(pkt[6:8])
	return header{
		ihl:      ihl,
		total:    total,
		id:       uint16(pkt[4])<<8 | uint16(pkt[5]),
		flags:    word &^ offsetMask,
		offset:   int(word&offsetMask) * 8,
		protocol: layers.IPProtocol(pkt[9]),
		src:      pkt[12:16],
		dst:      pkt[16:20],
	}, nil
}

// Checksum returns the ones' complement of the ones' complement sum of b.
// Over a header that carries a correct checksum the result is zero.
func Checksum(b []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if len(b)%2 == 1 {
		sum += uint32(b[len(b)-1]) << 8
	}
	for sum > 0xffff {
		sum = sum>>16 + sum&0xffff
	}
	return ^uint16(sum)
}

// SetChecksum recomputes the header checksum of hdr in place.
func SetChecksum(hdr []byte) {
	hdr[10], hdr[11] = 0, 0
	binary.BigEndian.PutUint16(hdr[10:12], Checksum(hdr))
}
