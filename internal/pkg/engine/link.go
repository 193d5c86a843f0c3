package engine

import (
	"fmt"
	"strings"

	"github.com/endorses/flowscope/internal/pkg/errs"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// LinkType says what framing wraps the IP packets handed to Process.
type LinkType uint8

const (
	// LinkRaw frames start with the IP header.
	LinkRaw LinkType = iota
	// LinkEthernet frames carry an Ethernet header, optionally 802.1Q tagged.
	LinkEthernet
)

func (l LinkType) String() string {
	switch l {
	case LinkRaw:
		return "raw"
	case LinkEthernet:
		return "ethernet"
	default:
		return fmt.Sprintf("link(%d)", uint8(l))
	}
}

// ParseLinkType converts a link type name.
func ParseLinkType(name string) (LinkType, error) {
	switch strings.ToLower(name) {
	case "", "raw", "ip":
		return LinkRaw, nil
	case "ethernet", "ether", "en10mb":
		return LinkEthernet, nil
	default:
		return LinkRaw, fmt.Errorf("unknown link type %q", name)
	}
}

// FromPcap maps a capture file link type to a LinkType.
func FromPcap(lt layers.LinkType) (LinkType, error) {
	switch lt {
	case layers.LinkTypeEthernet:
		return LinkEthernet, nil
	case layers.LinkTypeRaw, layers.LinkTypeIPv4:
		return LinkRaw, nil
	default:
		return LinkRaw, errs.Unsupported("link type %s", lt)
	}
}

// maxVLANTags bounds stacked 802.1Q headers.
const maxVLANTags = 2

// network strips the link framing from frame and returns the IPv4 packet.
func network(link LinkType, frame []byte) ([]byte, error) {
	if link == LinkRaw {
		if len(frame) > 0 && frame[0]>>4 == 6 {
			return nil, errs.Unsupported("ipv6")
		}
		return frame, nil
	}

	var eth layers.Ethernet
	if err := eth.DecodeFromBytes(frame, gopacket.NilDecodeFeedback); err != nil {
		return nil, errs.Malformed("ethernet: %v", err)
	}
	etype, payload := eth.EthernetType, eth.Payload

	for tags := 0; etype == layers.EthernetTypeDot1Q || etype == layers.EthernetTypeQinQ; tags++ {
		if tags == maxVLANTags {
			return nil, errs.Unsupported("more than %d VLAN tags", maxVLANTags)
		}
		var tag layers.Dot1Q
		if err := tag.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
			return nil, errs.Malformed("802.1q: %v", err)
		}
		etype, payload = tag.Type, tag.Payload
	}

	if etype != layers.EthernetTypeIPv4 {
		return nil, errs.Unsupported("ethertype %s", etype)
	}
	return payload, nil
}
