package dns

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/google/gopacket/layers"
)

// Pack encodes m in wire form. Owner names and the names inside NS,
// CNAME, PTR, MX and SOA data are compressed against earlier names; SRV
// targets are not (RFC 2782).
func Pack(m *Message) ([]byte, error) {
	p := &packer{names: make(map[string]int)}

	var flags uint16
	if m.Response {
		flags |= 0x8000
	}
	flags |= uint16(m.Opcode&0x0F) << 11
	if m.Authoritative {
		flags |= 0x0400
	}
	if m.Truncated {
		flags |= 0x0200
	}
	if m.RecursionDesired {
		flags |= 0x0100
	}
	if m.RecursionAvailable {
		flags |= 0x0080
	}
	flags |= uint16(m.RCode & 0x0F)

	for _, n := range []int{len(m.Questions), len(m.Answers), len(m.Authorities), len(m.Additionals)} {
		if n > 0xFFFF {
			return nil, fmt.Errorf("dns: section of %d entries", n)
		}
	}
	p.u16(m.ID)
	p.u16(flags)
	p.u16(uint16(len(m.Questions)))
	p.u16(uint16(len(m.Answers)))
	p.u16(uint16(len(m.Authorities)))
	p.u16(uint16(len(m.Additionals)))

	for _, q := range m.Questions {
		if err := p.name(q.Name, true); err != nil {
			return nil, err
		}
		p.u16(uint16(q.Type))
		p.u16(uint16(q.Class))
	}
	for _, section := range [][]Record{m.Answers, m.Authorities, m.Additionals} {
		for i := range section {
			if err := p.record(&section[i]); err != nil {
				return nil, err
			}
		}
	}
	return p.buf, nil
}

type packer struct {
	buf []byte

	// names maps a lower-cased name suffix to the offset it was written at.
	names map[string]int
}

func (p *packer) u16(v uint16) { p.buf = binary.BigEndian.AppendUint16(p.buf, v) }
func (p *packer) u32(v uint32) { p.buf = binary.BigEndian.AppendUint32(p.buf, v) }

// name writes name, replacing its longest suffix already written with a
// pointer when compress is set.
func (p *packer) name(name string, compress bool) error {
	name = strings.TrimSuffix(name, ".")
	if name == "" {
		p.buf = append(p.buf, 0)
		return nil
	}

	labels := strings.Split(name, ".")
	wire := 1
	for _, l := range labels {
		if l == "" || len(l) > 63 {
			return fmt.Errorf("dns: label %q in %q", l, name)
		}
		wire += 1 + len(l)
	}
	if wire > maxNameLen {
		return fmt.Errorf("dns: name %q longer than %d bytes", name, maxNameLen)
	}

	for i, l := range labels {
		suffix := strings.ToLower(strings.Join(labels[i:], "."))
		if compress {
			if at, ok := p.names[suffix]; ok {
				p.u16(0xC000 | uint16(at))
				return nil
			}
			if len(p.buf) < 0x4000 {
				p.names[suffix] = len(p.buf)
			}
		}
		p.buf = append(p.buf, byte(len(l)))
		p.buf = append(p.buf, l...)
	}
	p.buf = append(p.buf, 0)
	return nil
}

func (p *packer) record(rr *Record) error {
	if err := p.name(rr.Name, true); err != nil {
		return err
	}
	p.u16(uint16(rr.Type))
	p.u16(uint16(rr.Class))
	p.u32(rr.TTL)

	// RDLENGTH is patched once the data is written.
	at := len(p.buf)
	p.u16(0)

	if err := p.rdata(rr); err != nil {
		return err
	}
	n := len(p.buf) - at - 2
	if n > 0xFFFF {
		return fmt.Errorf("dns: %s RDATA of %d bytes", rr.Type, n)
	}
	binary.BigEndian.PutUint16(p.buf[at:], uint16(n))
	return nil
}

func (p *packer) rdata(rr *Record) error {
	switch layers.DNSType(rr.Type) {
	case layers.DNSTypeA:
		ip := rr.IP.To4()
		if ip == nil {
			return fmt.Errorf("dns: A record with address %v", rr.IP)
		}
		p.buf = append(p.buf, ip...)

	case layers.DNSTypeAAAA:
		ip := rr.IP.To16()
		if ip == nil {
			return fmt.Errorf("dns: AAAA record with address %v", rr.IP)
		}
		p.buf = append(p.buf, ip...)

	case layers.DNSTypeNS, layers.DNSTypeCNAME, layers.DNSTypePTR:
		return p.name(rr.Target, true)

	case layers.DNSTypeMX:
		p.u16(rr.Preference)
		return p.name(rr.Target, true)

	case layers.DNSTypeTXT:
		for _, s := range rr.TXT {
			if len(s) > 255 {
				return fmt.Errorf("dns: TXT string of %d bytes", len(s))
			}
			p.buf = append(p.buf, byte(len(s)))
			p.buf = append(p.buf, s...)
		}

	case layers.DNSTypeSOA:
		if rr.SOA == nil {
			return fmt.Errorf("dns: SOA record without data")
		}
		if err := p.name(rr.SOA.MName, true); err != nil {
			return err
		}
		if err := p.name(rr.SOA.RName, true); err != nil {
			return err
		}
		p.u32(rr.SOA.Serial)
		p.u32(rr.SOA.Refresh)
		p.u32(rr.SOA.Retry)
		p.u32(rr.SOA.Expire)
		p.u32(rr.SOA.Minimum)

	case layers.DNSTypeSRV:
		if rr.SRV == nil {
			return fmt.Errorf("dns: SRV record without data")
		}
		p.u16(rr.SRV.Priority)
		p.u16(rr.SRV.Weight)
		p.u16(rr.SRV.Port)
		return p.name(rr.Target, false)

	default:
		p.buf = append(p.buf, rr.Raw...)
	}
	return nil
}
