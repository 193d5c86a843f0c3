// Package dns decodes and encodes DNS messages, over UDP datagrams and
// length-framed TCP streams.
package dns

import (
	"encoding/binary"
	"fmt"
	"net"
	"strings"

	"github.com/endorses/flowscope/internal/pkg/errs"
	"github.com/google/gopacket/layers"
)

const (
	headerLen = 12

	// maxPointers bounds compression pointer hops within one name.
	maxPointers = 16

	// maxNameLen is the longest name in wire form (RFC 1035 3.1).
	maxNameLen = 255
)

// Message is one decoded DNS message and the detail of a dns_message
// event.
type Message struct {
	ID                 uint16 `json:"id" yaml:"id"`
	Response           bool   `json:"response" yaml:"response"`
	Opcode             Opcode `json:"opcode" yaml:"opcode"`
	Authoritative      bool   `json:"authoritative,omitempty" yaml:"authoritative,omitempty"`
	Truncated          bool   `json:"truncated,omitempty" yaml:"truncated,omitempty"`
	RecursionDesired   bool   `json:"recursion_desired,omitempty" yaml:"recursion_desired,omitempty"`
	RecursionAvailable bool   `json:"recursion_available,omitempty" yaml:"recursion_available,omitempty"`
	RCode              RCode  `json:"rcode" yaml:"rcode"`

	Questions   []Question `json:"questions" yaml:"questions"`
	Answers     []Record   `json:"answers,omitempty" yaml:"answers,omitempty"`
	Authorities []Record   `json:"authorities,omitempty" yaml:"authorities,omitempty"`
	Additionals []Record   `json:"additionals,omitempty" yaml:"additionals,omitempty"`
}

// Question is one entry of the question section.
type Question struct {
	Name  string `json:"name" yaml:"name"`
	Type  Type   `json:"type" yaml:"type"`
	Class Class  `json:"class" yaml:"class"`

	// Suspicious marks names shaped like data smuggled through DNS.
	Suspicious bool `json:"suspicious,omitempty" yaml:"suspicious,omitempty"`
}

// Record is one resource record. The RDATA fields used depend on Type;
// types without a decoder keep their RDATA in Raw.
type Record struct {
	Name  string `json:"name" yaml:"name"`
	Type  Type   `json:"type" yaml:"type"`
	Class Class  `json:"class" yaml:"class"`
	TTL   uint32 `json:"ttl" yaml:"ttl"`

	// IP holds A and AAAA data.
	IP net.IP `json:"ip,omitempty" yaml:"ip,omitempty"`
	// Target is the name of NS, CNAME, PTR, MX and SRV data.
	Target string `json:"target,omitempty" yaml:"target,omitempty"`
	// Preference is the MX preference.
	Preference uint16   `json:"preference,omitempty" yaml:"preference,omitempty"`
	TXT        []string `json:"txt,omitempty" yaml:"txt,omitempty"`
	SOA        *SOA     `json:"soa,omitempty" yaml:"soa,omitempty"`
	SRV        *SRV     `json:"srv,omitempty" yaml:"srv,omitempty"`
	Raw        []byte   `json:"raw,omitempty" yaml:"raw,omitempty"`
}

// SOA is the data of a start-of-authority record.
type SOA struct {
	MName   string `json:"mname" yaml:"mname"`
	RName   string `json:"rname" yaml:"rname"`
	Serial  uint32 `json:"serial" yaml:"serial"`
	Refresh uint32 `json:"refresh" yaml:"refresh"`
	Retry   uint32 `json:"retry" yaml:"retry"`
	Expire  uint32 `json:"expire" yaml:"expire"`
	Minimum uint32 `json:"minimum" yaml:"minimum"`
}

// SRV is the data of a service record, less its target.
type SRV struct {
	Priority uint16 `json:"priority" yaml:"priority"`
	Weight   uint16 `json:"weight" yaml:"weight"`
	Port     uint16 `json:"port" yaml:"port"`
}

// Parse decodes one complete message. Bytes after the last record are
// ignored. Any field running past the end of msg, or RDATA whose decoded
// length differs from RDLENGTH, is malformed.
func Parse(msg []byte) (*Message, error) {
	if len(msg) < headerLen {
		return nil, errs.Malformed("dns: %d byte message shorter than header", len(msg))
	}

	flags := binary.BigEndian.Uint16(msg[2:4])
	m := &Message{
		ID:                 binary.BigEndian.Uint16(msg[0:2]),
		Response:           flags&0x8000 != 0,
		Opcode:             Opcode((flags >> 11) & 0x0F),
		Authoritative:      flags&0x0400 != 0,
		Truncated:          flags&0x0200 != 0,
		RecursionDesired:   flags&0x0100 != 0,
		RecursionAvailable: flags&0x0080 != 0,
		RCode:              RCode(flags & 0x0F),
	}
	qd := int(binary.BigEndian.Uint16(msg[4:6]))
	an := int(binary.BigEndian.Uint16(msg[6:8]))
	ns := int(binary.BigEndian.Uint16(msg[8:10]))
	ar := int(binary.BigEndian.Uint16(msg[10:12]))

	off := headerLen
	for i := 0; i < qd; i++ {
		name, next, err := readName(msg, off)
		if err != nil {
			return nil, err
		}
		if next+4 > len(msg) {
			return nil, errs.Malformed("dns: question %d truncated", i)
		}
		m.Questions = append(m.Questions, Question{
			Name:       name,
			Type:       Type(binary.BigEndian.Uint16(msg[next:])),
			Class:      Class(binary.BigEndian.Uint16(msg[next+2:])),
			Suspicious: suspiciousName(name),
		})
		off = next + 4
	}

	var err error
	if m.Answers, off, err = readRecords(msg, off, an, "answer"); err != nil {
		return nil, err
	}
	if m.Authorities, off, err = readRecords(msg, off, ns, "authority"); err != nil {
		return nil, err
	}
	if m.Additionals, _, err = readRecords(msg, off, ar, "additional"); err != nil {
		return nil, err
	}
	return m, nil
}

func readRecords(msg []byte, off, count int, section string) ([]Record, int, error) {
	if count == 0 {
		return nil, off, nil
	}
	out := make([]Record, 0, min(count, 64))
	for i := 0; i < count; i++ {
		rr, next, err := readRecord(msg, off)
		if err != nil {
			return nil, off, fmt.Errorf("%s %d: %w", section, i, err)
		}
		out = append(out, rr)
		off = next
	}
	return out, off, nil
}

func readRecord(msg []byte, off int) (Record, int, error) {
	var rr Record
	name, off, err := readName(msg, off)
	if err != nil {
		return rr, 0, err
	}
	if off+10 > len(msg) {
		return rr, 0, errs.Malformed("dns: record header truncated")
	}
	rr.Name = name
	rr.Type = Type(binary.BigEndian.Uint16(msg[off:]))
	rr.Class = Class(binary.BigEndian.Uint16(msg[off+2:]))
	rr.TTL = binary.BigEndian.Uint32(msg[off+4:])
	rdlen := int(binary.BigEndian.Uint16(msg[off+8:]))
	off += 10

	end := off + rdlen
	if end > len(msg) {
		return rr, 0, errs.Malformed("dns: RDLENGTH %d past end of message", rdlen)
	}
	if err := readRData(&rr, msg, off, end); err != nil {
		return rr, 0, err
	}
	return rr, end, nil
}

// readRData decodes msg[off:end] into rr. Names inside RDATA may point
// anywhere in msg but must end exactly at end.
func readRData(rr *Record, msg []byte, off, end int) error {
	rdata := msg[off:end]
	exact := func(next int) error {
		if next != end {
			return errs.Malformed("dns: %s RDATA is %d bytes, decoded %d", rr.Type, end-off, next-off)
		}
		return nil
	}

	switch layers.DNSType(rr.Type) {
	case layers.DNSTypeA:
		if len(rdata) != net.IPv4len {
			return errs.Malformed("dns: A RDATA is %d bytes", len(rdata))
		}
		rr.IP = net.IP(append([]byte(nil), rdata...))

	case layers.DNSTypeAAAA:
		if len(rdata) != net.IPv6len {
			return errs.Malformed("dns: AAAA RDATA is %d bytes", len(rdata))
		}
		rr.IP = net.IP(append([]byte(nil), rdata...))

	case layers.DNSTypeNS, layers.DNSTypeCNAME, layers.DNSTypePTR:
		name, next, err := readName(msg, off)
		if err != nil {
			return err
		}
		rr.Target = name
		return exact(next)

	case layers.DNSTypeMX:
		if len(rdata) < 3 {
			return errs.Malformed("dns: MX RDATA is %d bytes", len(rdata))
		}
		rr.Preference = binary.BigEndian.Uint16(rdata)
		name, next, err := readName(msg, off+2)
		if err != nil {
			return err
		}
		rr.Target = name
		return exact(next)

	case layers.DNSTypeTXT:
		for i := 0; i < len(rdata); {
			n := int(rdata[i])
			if i+1+n > len(rdata) {
				return errs.Malformed("dns: TXT string overruns RDATA")
			}
			rr.TXT = append(rr.TXT, string(rdata[i+1:i+1+n]))
			i += 1 + n
		}

	case layers.DNSTypeSOA:
		mname, next, err := readName(msg, off)
		if err != nil {
			return err
		}
		rname, next, err := readName(msg, next)
		if err != nil {
			return err
		}
		if err := exact(next + 20); err != nil {
			return err
		}
		v := msg[next:end]
		rr.SOA = &SOA{
			MName:   mname,
			RName:   rname,
			Serial:  binary.BigEndian.Uint32(v[0:]),
			Refresh: binary.BigEndian.Uint32(v[4:]),
			Retry:   binary.BigEndian.Uint32(v[8:]),
			Expire:  binary.BigEndian.Uint32(v[12:]),
			Minimum: binary.BigEndian.Uint32(v[16:]),
		}

	case layers.DNSTypeSRV:
		if len(rdata) < 7 {
			return errs.Malformed("dns: SRV RDATA is %d bytes", len(rdata))
		}
		rr.SRV = &SRV{
			Priority: binary.BigEndian.Uint16(rdata[0:]),
			Weight:   binary.BigEndian.Uint16(rdata[2:]),
			Port:     binary.BigEndian.Uint16(rdata[4:]),
		}
		name, next, err := readName(msg, off+6)
		if err != nil {
			return err
		}
		rr.Target = name
		return exact(next)

	default:
		rr.Raw = append([]byte(nil), rdata...)
	}
	return nil
}

// readName decodes the name starting at off and returns it with the
// offset just past it in the original position. Compression pointers are
// followed without moving that offset.
func readName(msg []byte, off int) (string, int, error) {
	var (
		labels []string
		wire   int
		next   = -1
	)
	for hops := 0; ; {
		if off >= len(msg) {
			return "", 0, errs.Malformed("dns: name runs past end of message")
		}
		n := int(msg[off])
		switch n & 0xC0 {
		case 0x00:
			if n == 0 {
				if next < 0 {
					next = off + 1
				}
				return strings.Join(labels, "."), next, nil
			}
			if off+1+n > len(msg) {
				return "", 0, errs.Malformed("dns: label runs past end of message")
			}
			wire += 1 + n
			if wire+1 > maxNameLen {
				return "", 0, errs.Malformed("dns: name longer than %d bytes", maxNameLen)
			}
			labels = append(labels, string(msg[off+1:off+1+n]))
			off += 1 + n

		case 0xC0:
			if off+2 > len(msg) {
				return "", 0, errs.Malformed("dns: truncated compression pointer")
			}
			if hops++; hops > maxPointers {
				return "", 0, errs.Malformed("dns: compression pointer loop")
			}
			if next < 0 {
				next = off + 2
			}
			off = int(binary.BigEndian.Uint16(msg[off:]) & 0x3FFF)

		default:
			return "", 0, errs.Malformed("dns: label type 0x%02x", n&0xC0)
		}
	}
}
