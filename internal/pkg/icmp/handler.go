// Package icmp reports every ICMPv4 message as one event.
package icmp

import (
	"time"

	"github.com/endorses/flowscope/internal/pkg/address"
	"github.com/endorses/flowscope/internal/pkg/errs"
	"github.com/endorses/flowscope/internal/pkg/event"
	"github.com/endorses/flowscope/internal/pkg/flowtree"
	"github.com/endorses/flowscope/internal/pkg/metrics"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Message is the detail of an icmp event.
type Message struct {
	Type     uint8  `json:"type" yaml:"type"`
	Code     uint8  `json:"code" yaml:"code"`
	Name     string `json:"name" yaml:"name"`
	ID       uint16 `json:"id" yaml:"id"`
	Seq      uint16 `json:"seq" yaml:"seq"`
	Checksum uint16 `json:"checksum" yaml:"checksum"`
	Length   int    `json:"length" yaml:"length"`
}

// flow keys the single ICMP context under a network context.
var flow = address.NewFlow(
	address.New(address.ProtocolICMP, address.PurposeTransport, nil),
	address.New(address.ProtocolICMP, address.PurposeTransport, nil))

// Handler processes ICMPv4 messages for network contexts.
type Handler struct {
	emitter *event.Emitter
	metrics *metrics.Metrics
}

// NewHandler creates a Handler.
func NewHandler(em *event.Emitter, m *metrics.Metrics) *Handler {
	return &Handler{emitter: em, metrics: m}
}

// HandleTransport decodes one ICMP message carried by network.
func (h *Handler) HandleTransport(network *flowtree.Context, payload []byte, ts time.Time) error {
	var msg layers.ICMPv4
	if err := msg.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
		return errs.Malformed("icmp: %v", err)
	}

	ctx, created := flowtree.GetOrCreate(network, flow, flowtree.KindICMP, ts, nil)
	if created {
		h.metrics.ContextCreated(flowtree.KindICMP.String())
	}
	ctx.Touch(ts)

	h.emitter.Emit(ctx, event.ICMP, ts, &Message{
		Type:     msg.TypeCode.Type(),
		Code:     msg.TypeCode.Code(),
		Name:     msg.TypeCode.String(),
		ID:       msg.Id,
		Seq:      msg.Seq,
		Checksum: msg.Checksum,
		Length:   len(payload),
	})
	return nil
}
