// Package metrics instruments the analysis engine with Prometheus counters.
//
// All recording methods are safe on a nil *Metrics so that components built
// without instrumentation (tests, embedded use) need no guards.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "flowscope"

// Metrics holds the engine's collectors.
type Metrics struct {
	packets           *prometheus.CounterVec
	events            *prometheus.CounterVec
	eventsDropped     *prometheus.CounterVec
	contexts          *prometheus.CounterVec
	violations        *prometheus.CounterVec
	reassembled       prometheus.Counter
	fragmentsEvicted  prometheus.Counter
	segmentGaps       prometheus.Counter
	segmentsDiscarded prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_total",
			Help:      "Packets handed to the engine, by decode result.",
		}, []string{"result"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Protocol events emitted, by kind.",
		}, []string{"kind"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Protocol events not emitted, by kind and reason.",
		}, []string{"kind", "reason"}),
		contexts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "contexts_created_total",
			Help:      "Flow contexts created, by kind.",
		}, []string{"kind"}),
		violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parser_violations_total",
			Help:      "Stream parsers terminated by a grammar violation, by parser.",
		}, []string{"parser"}),
		reassembled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ipv4_datagrams_reassembled_total",
			Help:      "IPv4 datagrams rebuilt from fragments.",
		}),
		fragmentsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ipv4_fragments_evicted_total",
			Help:      "Fragments dropped from a full fragment queue.",
		}),
		segmentGaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tcp_gaps_skipped_total",
			Help:      "Sequence gaps abandoned because the out-of-order set was full.",
		}),
		segmentsDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tcp_segments_discarded_total",
			Help:      "Duplicate or already-delivered TCP segments discarded.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.packets, m.events, m.eventsDropped, m.contexts, m.violations,
			m.reassembled, m.fragmentsEvicted, m.segmentGaps, m.segmentsDiscarded,
		)
	}
	return m
}

// PacketProcessed counts one packet with its decode result.
func (m *Metrics) PacketProcessed(result string) {
	if m == nil {
		return
	}
	m.packets.WithLabelValues(result).Inc()
}

// EventEmitted counts one emitted event.
func (m *Metrics) EventEmitted(kind string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind).Inc()
}

// EventDropped counts one event that could not be emitted.
func (m *Metrics) EventDropped(kind, reason string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(kind, reason).Inc()
}

// ContextCreated counts one new context.
func (m *Metrics) ContextCreated(kind string) {
	if m == nil {
		return
	}
	m.contexts.WithLabelValues(kind).Inc()
}

// ParserViolation counts one parser terminated by a grammar violation.
func (m *Metrics) ParserViolation(parser string) {
	if m == nil {
		return
	}
	m.violations.WithLabelValues(parser).Inc()
}

// DatagramReassembled counts one reassembled IPv4 datagram.
func (m *Metrics) DatagramReassembled() {
	if m == nil {
		return
	}
	m.reassembled.Inc()
}

// FragmentEvicted counts one fragment dropped by queue eviction.
func (m *Metrics) FragmentEvicted() {
	if m == nil {
		return
	}
	m.fragmentsEvicted.Inc()
}

// SegmentGap counts one forced advance over a sequence gap.
func (m *Metrics) SegmentGap() {
	if m == nil {
		return
	}
	m.segmentGaps.Inc()
}

// SegmentDiscarded counts one duplicate or trailing segment.
func (m *Metrics) SegmentDiscarded() {
	if m == nil {
		return
	}
	m.segmentsDiscarded.Inc()
}

// Total sums every series of the named metric family gathered from g. A
// family that has not been observed yet totals zero.
func Total(g prometheus.Gatherer, name string) float64 {
	families, err := g.Gather()
	if err != nil {
		return 0
	}
	var sum float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			sum += m.GetCounter().GetValue()
		}
	}
	return sum
}
