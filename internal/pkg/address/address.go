// Package address provides the semantic endpoint model used to key flows.
//
// An Address names one endpoint at one layer: a protocol tag, the layer it
// belongs to, and the raw bytes identifying it at that layer (four bytes of
// IPv4 address, two bytes of port, nothing for application tags). A
// FlowAddress pairs a source and destination Address and is comparable, so it
// can be used directly as a map key.
package address

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
)

// Protocol tags the protocol an Address belongs to.
type Protocol uint8

const (
	ProtocolUnknown Protocol = iota
	ProtocolIPv4
	ProtocolIPv6
	ProtocolTCP
	ProtocolUDP
	ProtocolICMP
	ProtocolHTTP
	ProtocolDNS
	ProtocolSMTP
	ProtocolFTP
	ProtocolStream
	ProtocolDatagram
	ProtocolDevice
)

// String returns the short lower-case tag used when rendering addresses.
func (p Protocol) String() string {
	switch p {
	case ProtocolIPv4:
		return "ipv4"
	case ProtocolIPv6:
		return "ipv6"
	case ProtocolTCP:
		return "tcp"
	case ProtocolUDP:
		return "udp"
	case ProtocolICMP:
		return "icmp"
	case ProtocolHTTP:
		return "http"
	case ProtocolDNS:
		return "dns"
	case ProtocolSMTP:
		return "smtp"
	case ProtocolFTP:
		return "ftp"
	case ProtocolStream:
		return "stream"
	case ProtocolDatagram:
		return "datagram"
	case ProtocolDevice:
		return "device"
	default:
		return "unknown"
	}
}

// Purpose names the layer an Address identifies an endpoint at.
type Purpose uint8

const (
	PurposeNone Purpose = iota
	PurposeNetwork
	PurposeTransport
	PurposeApplication
	PurposeTrigger
)

// String returns the purpose name.
func (p Purpose) String() string {
	switch p {
	case PurposeNetwork:
		return "network"
	case PurposeTransport:
		return "transport"
	case PurposeApplication:
		return "application"
	case PurposeTrigger:
		return "trigger"
	default:
		return "none"
	}
}

// Address is one endpoint at one layer. Raw holds the identifying bytes as an
// immutable string so that Address stays comparable.
type Address struct {
	Protocol Protocol
	Purpose  Purpose
	Raw      string
}

// New builds an Address, copying raw.
func New(proto Protocol, purpose Purpose, raw []byte) Address {
	return Address{Protocol: proto, Purpose: purpose, Raw: string(raw)}
}

// IPv4 builds a network-layer IPv4 address from four bytes.
func IPv4(ip []byte) Address {
	return New(ProtocolIPv4, PurposeNetwork, ip)
}

// Port builds a transport-layer address for a TCP or UDP port.
func Port(proto Protocol, port uint16) Address {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], port)
	return New(proto, PurposeTransport, b[:])
}

// Application builds a tag-only application-layer address.
func Application(proto Protocol) Address {
	return Address{Protocol: proto, Purpose: PurposeApplication}
}

// Bytes returns a copy of the raw identifying bytes.
func (a Address) Bytes() []byte {
	return []byte(a.Raw)
}

// IsZero reports whether a is the zero Address.
func (a Address) IsZero() bool {
	return a == Address{}
}

// PortNumber returns the port carried by a transport address, or 0.
func (a Address) PortNumber() uint16 {
	if a.Purpose != PurposeTransport || len(a.Raw) != 2 {
		return 0
	}
	return uint16(a.Raw[0])<<8 | uint16(a.Raw[1])
}

// Value renders the raw bytes according to the protocol tag.
func (a Address) Value() string {
	switch {
	case a.Raw == "":
		return ""
	case a.Protocol == ProtocolIPv4 && len(a.Raw) == net.IPv4len,
		a.Protocol == ProtocolIPv6 && len(a.Raw) == net.IPv6len:
		return net.IP(a.Raw).String()
	case a.Purpose == PurposeTransport && len(a.Raw) == 2:
		return strconv.Itoa(int(a.PortNumber()))
	default:
		return fmt.Sprintf("%x", a.Raw)
	}
}

// String renders the address as "proto:value", or just "proto" for
// tag-only addresses.
func (a Address) String() string {
	v := a.Value()
	if v == "" {
		return a.Protocol.String()
	}
	return a.Protocol.String() + ":" + v
}

// FlowAddress is a (source, destination) pair identifying a child context
// within its parent.
type FlowAddress struct {
	Src Address
	Dst Address
}

// NewFlow pairs src and dst.
func NewFlow(src, dst Address) FlowAddress {
	return FlowAddress{Src: src, Dst: dst}
}

// Reverse returns the flow address of the opposite direction.
func (f FlowAddress) Reverse() FlowAddress {
	return FlowAddress{Src: f.Dst, Dst: f.Src}
}

// String renders "src -> dst".
func (f FlowAddress) String() string {
	return f.Src.String() + " -> " + f.Dst.String()
}
