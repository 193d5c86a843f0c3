// Package detector selects the application parser for a transport flow,
// either from a well-known port or by sniffing the first bytes of the
// stream against the registered signatures.
package detector

import (
	"fmt"
	"sort"
	"time"

	"github.com/endorses/flowscope/internal/pkg/address"
	"github.com/endorses/flowscope/internal/pkg/detector/signatures"
	"github.com/endorses/flowscope/internal/pkg/flowtree"
	"github.com/endorses/flowscope/internal/pkg/logger"
)

// Direction says which side of a dialogue a flow carries.
type Direction uint8

const (
	ToServer Direction = iota
	ToClient
)

func (d Direction) String() string {
	switch d {
	case ToServer:
		return "to_server"
	case ToClient:
		return "to_client"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// Parser consumes the application bytes of one flow direction. A Parser is
// the state of its application context; Feed and Close take the context
// lock themselves and must be called without any context lock held.
type Parser interface {
	// Feed consumes the next in-order bytes. A returned error ends parsing
	// for this context.
	Feed(app *flowtree.Context, data []byte, ts time.Time) error

	// Close flushes whatever the end of the stream completes.
	Close(app *flowtree.Context, ts time.Time)
}

// Service describes one application protocol the engine can bind.
type Service struct {
	Name     string
	Kind     flowtree.Kind
	Protocol address.Protocol

	// Ports force binding without sniffing when seen as either endpoint.
	Ports []uint16

	// Signature identifies the service from a stream prefix. Port-only
	// services leave it nil.
	Signature signatures.Signature

	// New builds the parser for one direction.
	New func(dir Direction) Parser
}

// Flow returns the flow address keying the service's application context
// under a transport context.
func (s *Service) Flow() address.FlowAddress {
	tag := address.Application(s.Protocol)
	return address.NewFlow(tag, tag)
}

// Factory returns the context factory building the parser for dir.
func (s *Service) Factory(dir Direction) flowtree.Factory {
	return func() any { return s.New(dir) }
}

// Detector maps ports and stream prefixes to services. It is built once at
// startup and read-only afterwards.
type Detector struct {
	services []*Service // by signature priority, descending
	portMap  map[uint16]*Service
	fallback *Service
}

// New creates a Detector whose unmatched streams bind fallback.
func New(fallback Service) *Detector {
	return &Detector{
		portMap:  make(map[uint16]*Service),
		fallback: &fallback,
	}
}

// Register adds a service. The first service registered for a port keeps
// it.
func (d *Detector) Register(svc Service) {
	s := &svc
	if s.Signature != nil {
		d.services = append(d.services, s)
		sort.SliceStable(d.services, func(i, j int) bool {
			return d.services[i].Signature.Priority() > d.services[j].Signature.Priority()
		})
	}
	for _, port := range s.Ports {
		if _, exists := d.portMap[port]; !exists {
			d.portMap[port] = s
		}
	}

	logger.Debug("Registered service",
		"name", s.Name,
		"kind", s.Kind.String(),
		"ports", s.Ports,
		"signature", s.Signature != nil)
}

// ByPort returns the service forced by a well-known port. The destination
// port is checked first; a match there means the flow carries the client
// side.
func (d *Detector) ByPort(src, dst uint16) (*Service, Direction, bool) {
	if s, ok := d.portMap[dst]; ok {
		return s, ToServer, true
	}
	if s, ok := d.portMap[src]; ok {
		return s, ToClient, true
	}
	return nil, ToServer, false
}

// Identify tries every signature in priority order against prefix. No
// match returns the fallback service.
func (d *Detector) Identify(prefix []byte) (*Service, Direction) {
	for _, s := range d.services {
		result := s.Signature.Detect(prefix)
		if result == nil || result.Confidence < signatures.ConfidenceMedium {
			continue
		}
		dir := ToServer
		if result.Response {
			dir = ToClient
		}
		return s, dir
	}
	return d.fallback, ToServer
}

// Fallback returns the service bound to unrecognised streams.
func (d *Detector) Fallback() *Service {
	return d.fallback
}
