package detector

import (
	"github.com/endorses/flowscope/internal/pkg/detector/signatures"
	"github.com/endorses/flowscope/internal/pkg/detector/signatures/application"
	"github.com/endorses/flowscope/internal/pkg/flowtree"
)

// WellKnownPorts returns the ports that force binding of a service kind
// over TCP.
func WellKnownPorts(kind flowtree.Kind) []uint16 {
	switch kind {
	case flowtree.KindSMTP:
		return []uint16{25, 587}
	case flowtree.KindFTP:
		return []uint16{21}
	case flowtree.KindDNS:
		return []uint16{53}
	default:
		return nil
	}
}

// DefaultSignature returns the built-in stream signature for a service
// kind, or nil when the kind is only bound by port.
func DefaultSignature(kind flowtree.Kind) signatures.Signature {
	switch kind {
	case flowtree.KindHTTP:
		return application.NewHTTPSignature() // Priority 80
	case flowtree.KindSMTP:
		return application.NewSMTPSignature() // Priority 95
	case flowtree.KindFTP:
		return application.NewFTPSignature() // Priority 90
	case flowtree.KindDNS:
		return application.NewDNSStreamSignature() // Priority 120
	default:
		return nil
	}
}
