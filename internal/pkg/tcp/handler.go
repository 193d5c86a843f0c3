// Package tcp implements the TCP transport layer: connection state
// tracking, in-order stream reassembly and binding of each stream direction
// to an application parser.
package tcp

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

// Config holds transport layer settings.
type Config struct {
	// MaxBufferedSegments caps the out-of-order set per direction.
	MaxBufferedSegments int

	// IdentBufferSize is the number of bytes sniffed before signatures run.
	IdentBufferSize int

	// ClosingTTL replaces a context's TTL once FIN or RST is seen.
	ClosingTTL time.Duration
}

// DefaultConfig returns the default transport layer settings.
func DefaultConfig() Config {
	return Config{
		MaxBufferedSegments: constants.MaxBufferedSegments,
		IdentBufferSize:     constants.IdentBufferSize,
		ClosingTTL:          constants.ClosingFlowTTL,
	}
}

// state is the protocol state of one TCP context, i.e. one direction of a
// connection.
type state struct {
	synObserved bool
	connected   bool
	finObserved bool
	ack         uint32

	stream reassembler

	// ident holds sniffed bytes until a service is bound.
	ident   []byte
	service *detector.Service
	dir     detector.Direction
}

// Handler processes TCP segments for network contexts.
type Handler struct {
	config   Config
	detector *detector.Detector
	emitter  *event.Emitter
	metrics  *metrics.Metrics
}

// NewHandler creates a Handler binding streams through d.
func NewHandler(config Config, d *detector.Detector, em *event.Emitter, m *metrics.Metrics) *Handler {
	def := DefaultConfig()
	if config.MaxBufferedSegments <= 0 {
		config.MaxBufferedSegments = def.MaxBufferedSegments
	}
	if config.IdentBufferSize <= 0 {
		config.IdentBufferSize = def.IdentBufferSize
	}
	if config.ClosingTTL <= 0 {
		config.ClosingTTL = def.ClosingTTL
	}
	return &Handler{config: config, detector: d, emitter: em, metrics: m}
}

func (h *Handler) newState() any {
	return &state{stream: reassembler{limit: h.config.MaxBufferedSegments}}
}

// binding is a service chosen under the context lock, replayed after it is
// released.
type binding struct {
	service *detector.Service
	dir     detector.Direction
	replay  []byte
}

// HandleTransport decodes one TCP segment carried by network.
func (h *Handler) HandleTransport(network *flowtree.Context, payload []byte, ts time.Time) error {
	var seg layers.TCP
	if err := seg.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
		return errs.Malformed("tcp: %v", err)
	}

	flow := address.NewFlow(
		address.Port(address.ProtocolTCP, uint16(seg.SrcPort)),
		address.Port(address.ProtocolTCP, uint16(seg.DstPort)))
	conn, created := flowtree.GetOrCreate(network, flow, flowtree.KindTCP, ts, h.newState)
	if created {
		h.metrics.ContextCreated(flowtree.KindTCP.String())
	}
	conn.Touch(ts)
	st := flowtree.StateOf[*state](conn)

	conn.Lock()
	if seg.SYN {
		reopened := st.finObserved
		if reopened {
			// The port pair is reused by a new connection.
			*st = state{stream: reassembler{limit: h.config.MaxBufferedSegments}}
			flowtree.DropChildren(conn)
		}
		if !st.synObserved {
			st.synObserved = true
			st.stream.expected = seg.Seq + 1
			// The responder's SYN|ACK completes its side without an event.
			st.connected = seg.ACK
		}
		conn.Unlock()
		if reopened {
			conn.ResetTTL()
			logger.Debug("TCP connection reopened", "flow", conn.String())
		}
		return nil
	}
	if !st.synObserved {
		conn.Unlock()
		return nil
	}

	if seg.FIN || seg.RST {
		if st.finObserved {
			conn.Unlock()
			return nil
		}
		st.finObserved = true
		bound := st.service
		dir := st.dir
		var late *binding
		if bound == nil && len(st.ident) > 0 {
			late = h.identify(conn, st, false)
		}
		conn.Unlock()

		conn.SetTTL(h.config.ClosingTTL)
		h.emitter.Emit(conn, event.ConnectionDown, ts, nil)

		if late != nil {
			h.bind(conn, st, late, ts)
			bound, dir = late.service, late.dir
		}
		if bound != nil {
			if app := flowtree.Lookup(conn, bound.Flow()); app != nil {
				flowtree.StateOf[detector.Parser](app).Close(app, ts)
			}
			logger.Debug("TCP stream closed",
				"flow", conn.String(),
				"service", bound.Name,
				"direction", dir.String())
		}
		return nil
	}

	up := false
	if seg.ACK {
		st.ack = seg.Ack
		if !st.connected {
			st.connected = true
			up = true
		}
	}
	if st.finObserved || len(seg.Payload) == 0 {
		conn.Unlock()
		if up {
			h.emitter.Emit(conn, event.ConnectionUp, ts, nil)
		}
		return nil
	}

	out := st.stream.accept(seg.Seq, seg.Payload)
	var bind *binding
	var deliver [][]byte
	if st.service == nil {
		for _, chunk := range out.chunks {
			st.ident = append(st.ident, chunk...)
		}
		bind = h.identify(conn, st, true)
	} else {
		deliver = out.chunks
	}
	svc, dir := st.service, st.dir
	conn.Unlock()

	for i := 0; i < out.discarded; i++ {
		h.metrics.SegmentDiscarded()
	}
	for i := 0; i < out.gaps; i++ {
		h.metrics.SegmentGap()
	}
	if out.gaps > 0 {
		logger.Debug("Out-of-order set full, skipped sequence gap",
			"flow", conn.String(),
			"gaps", out.gaps)
	}
	if up {
		h.emitter.Emit(conn, event.ConnectionUp, ts, nil)
	}

	if bind != nil {
		h.bind(conn, st, bind, ts)
		return nil
	}
	for _, chunk := range deliver {
		svc, dir = h.deliver(conn, st, svc, dir, chunk, ts)
	}
	return nil
}

// identify binds a service to an unbound stream when a well-known port
// forces one or, once the ident budget is reached or wait is false, when the
// signatures decide. It runs under the context lock and returns nil while
// more bytes are needed.
func (h *Handler) identify(conn *flowtree.Context, st *state, wait bool) *binding {
	if len(st.ident) == 0 {
		return nil
	}

	flow := conn.Flow()
	svc, dir, ok := h.detector.ByPort(flow.Src.PortNumber(), flow.Dst.PortNumber())
	if !ok {
		if wait && len(st.ident) < h.config.IdentBufferSize {
			return nil
		}
		svc, dir = h.detector.Identify(st.ident[:min(len(st.ident), h.config.IdentBufferSize)])
	}

	b := &binding{service: svc, dir: dir, replay: st.ident}
	st.service, st.dir, st.ident = svc, dir, nil
	return b
}

// bind replays the sniffed bytes into the newly bound parser.
func (h *Handler) bind(conn *flowtree.Context, st *state, b *binding, ts time.Time) {
	logger.Debug("Bound TCP stream",
		"flow", conn.String(),
		"service", b.service.Name,
		"direction", b.dir.String(),
		"replay_bytes", len(b.replay))
	h.deliver(conn, st, b.service, b.dir, b.replay, ts)
}

// deliver feeds data to the parser of svc. A grammar violation rebinds the
// stream to the fallback service, which the returned service reflects.
func (h *Handler) deliver(conn *flowtree.Context, st *state, svc *detector.Service, dir detector.Direction, data []byte, ts time.Time) (*detector.Service, detector.Direction) {
	app, created := flowtree.GetOrCreate(conn, svc.Flow(), svc.Kind, ts, svc.Factory(dir))
	if created {
		h.metrics.ContextCreated(svc.Kind.String())
	}
	app.Touch(ts)

	err := flowtree.StateOf[detector.Parser](app).Feed(app, data, ts)
	if err == nil {
		return svc, dir
	}

	h.metrics.ParserViolation(svc.Name)
	logger.Debug("Parser stopped, stream treated as unrecognised",
		"flow", conn.String(),
		"service", svc.Name,
		"error", err)

	fallback := h.detector.Fallback()
	conn.Lock()
	if st.service == svc {
		st.service, st.dir = fallback, dir
	}
	conn.Unlock()
	return fallback, dir
}
