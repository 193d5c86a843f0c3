// Package udp implements the UDP transport layer. Datagrams on a registered
// port, or matching a service signature, go to that service's parser whole;
// everything else is reported as an unrecognised datagram.
package udp

import (
	"time"

	"github.com/endorses/flowscope/internal/pkg/address"
	"github.com/endorses/flowscope/internal/pkg/constants"
	"github.com/endorses/flowscope/internal/pkg/detector"
	"github.com/endorses/flowscope/internal/pkg/errs"
	"github.com/endorses/flowscope/internal/pkg/event"
	"github.com/endorses/flowscope/internal/pkg/flowtree"
	"github.com/endorses/flowscope/internal/pkg/logger"
	"github.com/endorses/flowscope/internal/pkg/metrics"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Handler processes UDP datagrams for network contexts.
type Handler struct {
	detector *detector.Detector
	metrics  *metrics.Metrics
}

// NewHandler creates a Handler. d maps ports to datagram services; its
// fallback receives datagrams on unknown ports.
func NewHandler(d *detector.Detector, m *metrics.Metrics) *Handler {
	return &Handler{detector: d, metrics: m}
}

// HandleTransport decodes one UDP datagram carried by network.
func (h *Handler) HandleTransport(network *flowtree.Context, payload []byte, ts time.Time) error {
	var dg layers.UDP
	if err := dg.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
		return errs.Malformed("udp: %v", err)
	}
	if int(dg.Length) > len(payload) {
		return errs.Malformed("udp: length %d exceeds datagram %d", dg.Length, len(payload))
	}

	src, dst := uint16(dg.SrcPort), uint16(dg.DstPort)
	flow := address.NewFlow(address.Port(address.ProtocolUDP, src), address.Port(address.ProtocolUDP, dst))
	conn, created := flowtree.GetOrCreate(network, flow, flowtree.KindUDP, ts, nil)
	if created {
		h.metrics.ContextCreated(flowtree.KindUDP.String())
	}
	conn.Touch(ts)

	svc, dir, ok := h.detector.ByPort(src, dst)
	if ok {
		return h.feed(conn, svc, dir, dg.Payload, ts)
	}

	svc, dir = h.detector.Identify(dg.Payload)
	fallback := h.detector.Fallback()
	err := h.feed(conn, svc, dir, dg.Payload, ts)
	if err != nil && svc != fallback {
		// A signature match that does not parse is just an unknown datagram.
		h.metrics.ParserViolation(svc.Name)
		logger.Debug("Sniffed datagram did not parse",
			"flow", conn.String(),
			"service", svc.Name,
			"error", err)
		return h.feed(conn, fallback, detector.ToServer, dg.Payload, ts)
	}
	return err
}

func (h *Handler) feed(conn *flowtree.Context, svc *detector.Service, dir detector.Direction, payload []byte, ts time.Time) error {
	app, created := flowtree.GetOrCreate(conn, svc.Flow(), svc.Kind, ts, svc.Factory(dir))
	if created {
		h.metrics.ContextCreated(svc.Kind.String())
	}
	app.Touch(ts)

	return flowtree.StateOf[detector.Parser](app).Feed(app, payload, ts)
}

// Datagram is the detail of an unrecognised_datagram event.
type Datagram struct {
	Length    int    `json:"length" yaml:"length"`
	Payload   []byte `json:"payload,omitempty" yaml:"payload,omitempty"`
	Truncated bool   `json:"truncated,omitempty" yaml:"truncated,omitempty"`
}

type datagramParser struct {
	emitter    *event.Emitter
	maxPayload int
}

// NewDatagramService returns the service reporting datagrams on ports no
// parser claims. Events carry at most maxPayload bytes; zero selects the
// default.
func NewDatagramService(em *event.Emitter, maxPayload int) detector.Service {
	if maxPayload <= 0 {
		maxPayload = constants.MaxPayloadSize
	}
	p := &datagramParser{emitter: em, maxPayload: maxPayload}
	return detector.Service{
		Name:     "datagram",
		Kind:     flowtree.KindDatagram,
		Protocol: address.ProtocolDatagram,
		New:      func(detector.Direction) detector.Parser { return p },
	}
}

func (p *datagramParser) Feed(app *flowtree.Context, data []byte, ts time.Time) error {
	keep := min(len(data), p.maxPayload)
	p.emitter.Emit(app, event.UnrecognisedDatagram, ts, &Datagram{
		Length:    len(data),
		Payload:   append([]byte(nil), data[:keep]...),
		Truncated: keep < len(data),
	})
	return nil
}

func (p *datagramParser) Close(*flowtree.Context, time.Time) {}
