package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.PacketProcessed("ok")
		m.EventEmitted("icmp")
		m.EventDropped("icmp", "detached")
		m.ContextCreated("tcp")
		m.ParserViolation("http")
		m.DatagramReassembled()
		m.FragmentEvicted()
		m.SegmentGap()
		m.SegmentDiscarded()
	})
}

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.PacketProcessed("ok")
	m.PacketProcessed("ok")
	m.PacketProcessed("malformed")
	m.EventEmitted("dns_message")
	m.EventDropped("connection_up", "detached")
	m.DatagramReassembled()
	m.FragmentEvicted()
	m.FragmentEvicted()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.packets.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.packets.WithLabelValues("malformed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.events.WithLabelValues("dns_message")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsDropped.WithLabelValues("connection_up", "detached")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reassembled))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.fragmentsEvicted))
}

func TestExporter_Handler(t *testing.T) {
	exp := NewExporter(0)
	m := New(exp.Registry())
	m.EventEmitted("icmp")

	rec := httptest.NewRecorder()
	exp.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `flowscope_events_total{kind="icmp"} 1`)
}

func TestTotal(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	assert.Zero(t, Total(reg, "flowscope_packets_total"))

	m.PacketProcessed("ok")
	m.PacketProcessed("malformed")
	m.PacketProcessed("ok")
	m.SegmentGap()

	assert.Equal(t, 3.0, Total(reg, "flowscope_packets_total"))
	assert.Equal(t, 1.0, Total(reg, "flowscope_tcp_gaps_skipped_total"))
}
