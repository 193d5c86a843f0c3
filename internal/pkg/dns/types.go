package dns

import (
	"fmt"

	"github.com/google/gopacket/layers"
)

// Type is a resource record type. It renders as its mnemonic.
type Type layers.DNSType

func (t Type) String() string {
	switch layers.DNSType(t) {
	case layers.DNSTypeA:
		return "A"
	case layers.DNSTypeNS:
		return "NS"
	case layers.DNSTypeCNAME:
		return "CNAME"
	case layers.DNSTypeSOA:
		return "SOA"
	case layers.DNSTypePTR:
		return "PTR"
	case layers.DNSTypeMX:
		return "MX"
	case layers.DNSTypeTXT:
		return "TXT"
	case layers.DNSTypeAAAA:
		return "AAAA"
	case layers.DNSTypeSRV:
		return "SRV"
	case layers.DNSTypeOPT:
		return "OPT"
	case layers.DNSTypeURI:
		return "URI"
	case 255:
		return "ANY"
	default:
		return fmt.Sprintf("TYPE%d", uint16(t))
	}
}

func (t Type) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// Class is a resource record class. It renders as its mnemonic.
type Class layers.DNSClass

func (c Class) String() string {
	switch layers.DNSClass(c) {
	case layers.DNSClassIN:
		return "IN"
	case layers.DNSClassCS:
		return "CS"
	case layers.DNSClassCH:
		return "CH"
	case layers.DNSClassHS:
		return "HS"
	case layers.DNSClassAny:
		return "ANY"
	default:
		return fmt.Sprintf("CLASS%d", uint16(c))
	}
}

func (c Class) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// Opcode is the kind of query in a message header.
type Opcode layers.DNSOpCode

func (o Opcode) String() string {
	switch opcode := layers.DNSOpCode(o); opcode {
	case layers.DNSOpCodeQuery:
		return "QUERY"
	case layers.DNSOpCodeIQuery:
		return "IQUERY"
	case layers.DNSOpCodeStatus:
		return "STATUS"
	case layers.DNSOpCodeNotify:
		return "NOTIFY"
	case layers.DNSOpCodeUpdate:
		return "UPDATE"
	default:
		return fmt.Sprintf("OPCODE%d", opcode)
	}
}

func (o Opcode) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// RCode is the response code in a message header.
type RCode layers.DNSResponseCode

func (r RCode) String() string {
	switch rcode := layers.DNSResponseCode(r); rcode {
	case layers.DNSResponseCodeNoErr:
		return "NOERROR"
	case layers.DNSResponseCodeFormErr:
		return "FORMERR"
	case layers.DNSResponseCodeServFail:
		return "SERVFAIL"
	case layers.DNSResponseCodeNXDomain:
		return "NXDOMAIN"
	case layers.DNSResponseCodeNotImp:
		return "NOTIMP"
	case layers.DNSResponseCodeRefused:
		return "REFUSED"
	case layers.DNSResponseCodeYXDomain:
		return "YXDOMAIN"
	case layers.DNSResponseCodeYXRRSet:
		return "YXRRSET"
	case layers.DNSResponseCodeNXRRSet:
		return "NXRRSET"
	case layers.DNSResponseCodeNotAuth:
		return "NOTAUTH"
	case layers.DNSResponseCodeNotZone:
		return "NOTZONE"
	default:
		return fmt.Sprintf("RCODE%d", rcode)
	}
}

func (r RCode) MarshalText() ([]byte, error) { return []byte(r.String()), nil }
