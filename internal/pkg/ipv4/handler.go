package ipv4

import (
	"time"

	"github.com/endorses/flowscope/internal/pkg/address"
	"github.com/endorses/flowscope/internal/pkg/constants"
	"github.com/endorses/flowscope/internal/pkg/errs"
	"github.com/endorses/flowscope/internal/pkg/flowtree"
	"github.com/endorses/flowscope/internal/pkg/logger"
	"github.com/endorses/flowscope/internal/pkg/metrics"
	"github.com/google/gopacket/layers"
)

// TransportHandler decodes the payload of a complete datagram. network is
// the context of the datagram's directed IP pair.
type TransportHandler interface {
	HandleTransport(network *flowtree.Context, payload []byte, ts time.Time) error
}

// Config holds network layer settings.
type Config struct {
	// QueueSize caps the fragments buffered per network context.
	QueueSize int
}

// DefaultConfig returns the default network layer settings.
func DefaultConfig() Config {
	return Config{QueueSize: constants.FragmentQueueSize}
}

// Handler validates IPv4 packets, reassembles fragments and dispatches
// complete datagrams by protocol number.
type Handler struct {
	config     Config
	transports map[layers.IPProtocol]TransportHandler
	metrics    *metrics.Metrics
}

// NewHandler creates a Handler with no transports registered.
func NewHandler(config Config, m *metrics.Metrics) *Handler {
	if config.QueueSize <= 0 {
		config.QueueSize = constants.FragmentQueueSize
	}
	return &Handler{
		config:     config,
		transports: make(map[layers.IPProtocol]TransportHandler),
		metrics:    m,
	}
}

// Register routes datagrams carrying proto to t. It must be called before
// the first Process.
func (h *Handler) Register(proto layers.IPProtocol, t TransportHandler) {
	h.transports[proto] = t
}

// Process decodes one IPv4 packet seen under root.
func (h *Handler) Process(root *flowtree.Context, pkt []byte, ts time.Time) error {
	hdr, err := parseHeader(pkt)
	if err != nil {
		return err
	}
	pkt = pkt[:hdr.total]
	payload := pkt[hdr.ihl:]

	first := hdr.offset
	last := first + len(payload)
	if hdr.ihl+last > MaxDatagramLen {
		return errs.Malformed("ipv4: fragment end %d exceeds maximum datagram size", hdr.ihl+last)
	}

	flow := address.NewFlow(address.IPv4(hdr.src), address.IPv4(hdr.dst))
	network, created := flowtree.GetOrCreate(root, flow, flowtree.KindIPv4, ts, newState)
	if created {
		h.metrics.ContextCreated(flowtree.KindIPv4.String())
	}
	network.Touch(ts)
	st := flowtree.StateOf[*state](network)

	network.Lock()
	dg, inProgress := st.datagrams[hdr.id]
	if !inProgress && !hdr.moreFragments() && first == 0 {
		network.Unlock()
		return h.dispatch(network, hdr.protocol, payload, ts)
	}

	if !inProgress {
		dg = newDatagram(hdr.id)
		st.datagrams[hdr.id] = dg
	}
	dg.fill(first, last, hdr.moreFragments())
	if first == 0 {
		dg.header = append([]byte(nil), pkt[:hdr.ihl]...)
	}

	if dg.complete() {
		whole, err := dg.assemble(first, payload)
		st.release(dg)
		network.Unlock()
		if err != nil {
			return err
		}

		h.metrics.DatagramReassembled()
		logger.Debug("Reassembled IPv4 datagram",
			"flow", flow.String(),
			"datagram_id", hdr.id,
			"length", len(whole))
		return h.Process(root, whole, ts)
	}

	st.store(dg, first, payload)
	dropped := st.evict(h.config.QueueSize)
	network.Unlock()

	for i := 0; i < dropped; i++ {
		h.metrics.FragmentEvicted()
	}
	if dropped > 0 {
		logger.Debug("Fragment queue full, abandoned reassembly",
			"flow", flow.String(),
			"fragments_dropped", dropped)
	}
	return nil
}

func (h *Handler) dispatch(network *flowtree.Context, proto layers.IPProtocol, payload []byte, ts time.Time) error {
	t, ok := h.transports[proto]
	if !ok {
		return errs.Unsupported("ipv4: protocol %s", proto)
	}
	return t.HandleTransport(network, payload, ts)
}
