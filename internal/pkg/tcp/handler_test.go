package tcp

import (
	"sync"
	"testing"
	"time"

	"github.com/endorses/flowscope/internal/pkg/address"
	"github.com/endorses/flowscope/internal/pkg/detector"
	"github.com/endorses/flowscope/internal/pkg/errs"
	"github.com/endorses/flowscope/internal/pkg/event"
	"github.com/endorses/flowscope/internal/pkg/flowtree"
	"github.com/endorses/flowscope/internal/pkg/metrics"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

var (
	clientIP = []byte{10, 0, 0, 1}
	serverIP = []byte{10, 0, 0, 2}
)

// sink records what every parser received, keyed by service name.
type sink struct {
	mu     sync.Mutex
	data   map[string][]byte
	dirs   map[string]detector.Direction
	closed map[string]int
}

func newSink() *sink {
	return &sink{
		data:   make(map[string][]byte),
		dirs:   make(map[string]detector.Direction),
		closed: make(map[string]int),
	}
}

func (s *sink) bytes(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.data[name])
}

type recParser struct {
	name   string
	dir    detector.Direction
	sink   *sink
	reject byte
}

func (p *recParser) Feed(_ *flowtree.Context, data []byte, _ time.Time) error {
	p.sink.mu.Lock()
	defer p.sink.mu.Unlock()
	for i, b := range data {
		if p.reject != 0 && b == p.reject {
			p.sink.data[p.name] = append(p.sink.data[p.name], data[:i]...)
			return errs.Violation("%s: unexpected byte 0x%02x", p.name, b)
		}
	}
	p.sink.data[p.name] = append(p.sink.data[p.name], data...)
	p.sink.dirs[p.name] = p.dir
	return nil
}

func (p *recParser) Close(*flowtree.Context, time.Time) {
	p.sink.mu.Lock()
	p.sink.closed[p.name]++
	p.sink.mu.Unlock()
}

func recService(s *sink, name string, kind flowtree.Kind, proto address.Protocol, ports []uint16, reject byte) detector.Service {
	return detector.Service{
		Name:      name,
		Kind:      kind,
		Protocol:  proto,
		Ports:     ports,
		Signature: detector.DefaultSignature(kind),
		New: func(dir detector.Direction) detector.Parser {
			return &recParser{name: name, dir: dir, sink: s, reject: reject}
		},
	}
}

type fixture struct {
	handler  *Handler
	events   *event.Recorder
	sink     *sink
	registry *prometheus.Registry
	root     *flowtree.Context
	toServer *flowtree.Context
	toClient *flowtree.Context
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	s := newSink()
	d := detector.New(recService(s, "stream", flowtree.KindStream, address.ProtocolStream, nil, 0))
	d.Register(recService(s, "http", flowtree.KindHTTP, address.ProtocolHTTP, nil, 0))
	d.Register(recService(s, "smtp", flowtree.KindSMTP, address.ProtocolSMTP, []uint16{25}, 0))
	d.Register(recService(s, "ftp", flowtree.KindFTP, address.ProtocolFTP, []uint16{21}, '!'))

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	rec := &event.Recorder{}
	root := flowtree.NewTree(time.Minute).NewRoot("dev", "net", t0)
	toServer, _ := flowtree.GetOrCreate(root, address.NewFlow(address.IPv4(clientIP), address.IPv4(serverIP)), flowtree.KindIPv4, t0, nil)
	toClient, _ := flowtree.GetOrCreate(root, address.NewFlow(address.IPv4(serverIP), address.IPv4(clientIP)), flowtree.KindIPv4, t0, nil)

	return &fixture{
		handler:  NewHandler(cfg, d, event.NewEmitter(rec, m), m),
		events:   rec,
		sink:     s,
		registry: reg,
		root:     root,
		toServer: toServer,
		toClient: toClient,
	}
}

type flags struct{ syn, ack, fin, rst bool }

func segment(t *testing.T, src, dst uint16, seq, ack uint32, f flags, payload []byte) []byte {
	t.Helper()
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(src),
		DstPort: layers.TCPPort(dst),
		Seq:     seq,
		Ack:     ack,
		SYN:     f.syn,
		ACK:     f.ack,
		FIN:     f.fin,
		RST:     f.rst,
		Window:  65535,
	}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, tcp, gopacket.Payload(payload)))
	return buf.Bytes()
}

const (
	clientISN = uint32(1000)
	serverISN = uint32(5000)
)

// handshake runs SYN, SYN|ACK, ACK between client port cport and server
// port sport.
func (f *fixture) handshake(t *testing.T, cport, sport uint16) {
	t.Helper()
	require.NoError(t, f.handler.HandleTransport(f.toServer, segment(t, cport, sport, clientISN, 0, flags{syn: true}, nil), t0))
	require.NoError(t, f.handler.HandleTransport(f.toClient, segment(t, sport, cport, serverISN, clientISN+1, flags{syn: true, ack: true}, nil), t0))
	require.NoError(t, f.handler.HandleTransport(f.toServer, segment(t, cport, sport, clientISN+1, serverISN+1, flags{ack: true}, nil), t0))
}

func (f *fixture) send(t *testing.T, cport, sport uint16, off int, data []byte) {
	t.Helper()
	seg := segment(t, cport, sport, clientISN+1+uint32(off), serverISN+1, flags{ack: true}, data)
	require.NoError(t, f.handler.HandleTransport(f.toServer, seg, t0))
}

func TestHandshake_EmitsOneConnectionUp(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.handshake(t, 4444, 80)

	ups := f.events.OfKind(event.ConnectionUp)
	require.Len(t, ups, 1)
	assert.Equal(t, "ipv4:10.0.0.1/tcp:4444", ups[0].Chain.Src())
	assert.Equal(t, "ipv4:10.0.0.2/tcp:80", ups[0].Chain.Dst())
	assert.Len(t, f.events.Events(), 1)

	// A further ACK does not announce the connection again.
	f.send(t, 4444, 80, 0, nil)
	assert.Len(t, f.events.OfKind(event.ConnectionUp), 1)
}

func TestSegmentsBeforeSYNAreIgnored(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	f.send(t, 4444, 25, 0, []byte("MAIL FROM:<a@b>\r\n"))
	fin := segment(t, 4444, 25, clientISN+1, 0, flags{fin: true, ack: true}, nil)
	require.NoError(t, f.handler.HandleTransport(f.toServer, fin, t0))

	assert.Empty(t, f.events.Events())
	assert.Empty(t, f.sink.bytes("smtp"))
}

func TestWellKnownPortBindsWithoutSniffing(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.handshake(t, 4444, 25)

	f.send(t, 4444, 25, 0, []byte("HE"))
	assert.Equal(t, "HE", f.sink.bytes("smtp"), "bound on the first byte")

	f.send(t, 4444, 25, 2, []byte("LO x\r\n"))
	assert.Equal(t, "HELO x\r\n", f.sink.bytes("smtp"))
	assert.Equal(t, detector.ToServer, f.sink.dirs["smtp"])

	conn := flowtree.Lookup(f.toServer, address.NewFlow(
		address.Port(address.ProtocolTCP, 4444), address.Port(address.ProtocolTCP, 25)))
	require.NotNil(t, conn)
	app := flowtree.Lookup(conn, address.NewFlow(address.Application(address.ProtocolSMTP), address.Application(address.ProtocolSMTP)))
	require.NotNil(t, app)
	assert.Equal(t, flowtree.KindSMTP, app.Kind())
}

func TestSignatureBindsAfterIdentBudgetAndReplays(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.handshake(t, 4444, 8080)

	req := []byte("GET /index.html HTTP/1.1\r\nHost: a\r\n\r\n")
	f.send(t, 4444, 8080, 0, req[:6])
	assert.Empty(t, f.sink.bytes("http"), "still sniffing")

	f.send(t, 4444, 8080, 6, req[6:20])
	assert.Equal(t, string(req[:20]), f.sink.bytes("http"), "sniffed bytes replayed on bind")

	f.send(t, 4444, 8080, 20, req[20:])
	assert.Equal(t, string(req), f.sink.bytes("http"))
}

func TestOutOfOrderSegmentsReachParserInOrder(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.handshake(t, 4444, 8080)

	req := []byte("POST /upload HTTP/1.1\r\nContent-Length: 10\r\n\r\n0123456789")
	split := 30
	f.send(t, 4444, 8080, split, req[split:])
	f.send(t, 4444, 8080, 0, req[:split])
	f.send(t, 4444, 8080, split, req[split:])

	assert.Equal(t, string(req), f.sink.bytes("http"))
	assert.Equal(t, 1.0, metrics.Total(f.registry, "flowscope_tcp_segments_discarded_total"))
}

func TestUnrecognisedStreamBindsFallback(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.handshake(t, 4444, 9999)

	blob := []byte("\x16\x03\x01\x02\x00\x01\x00\x01\xfc\x03\x03\x00\x01\x02\x03\x04\x05")
	f.send(t, 4444, 9999, 0, blob)
	assert.Equal(t, string(blob), f.sink.bytes("stream"))
}

func TestFINEmitsConnectionDownOnceAndClosesParser(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.handshake(t, 4444, 8080)

	// Shorter than the ident budget: identified at close.
	f.send(t, 4444, 8080, 0, []byte("GET / HTTP/1.0"))
	assert.Empty(t, f.sink.bytes("http"))

	fin := segment(t, 4444, 8080, clientISN+15, serverISN+1, flags{fin: true, ack: true}, nil)
	require.NoError(t, f.handler.HandleTransport(f.toServer, fin, t0))
	require.NoError(t, f.handler.HandleTransport(f.toServer, fin, t0))

	downs := f.events.OfKind(event.ConnectionDown)
	require.Len(t, downs, 1)
	assert.Equal(t, "ipv4:10.0.0.1/tcp:4444", downs[0].Chain.Src())
	assert.Equal(t, "GET / HTTP/1.0", f.sink.bytes("http"))
	assert.Equal(t, 1, f.sink.closed["http"])

	conn := flowtree.Lookup(f.toServer, address.NewFlow(
		address.Port(address.ProtocolTCP, 4444), address.Port(address.ProtocolTCP, 8080)))
	require.NotNil(t, conn)
	assert.Equal(t, t0.Add(DefaultConfig().ClosingTTL), conn.Expiry())

	// Payload after FIN is not processed.
	f.send(t, 4444, 8080, 14, []byte("more"))
	assert.Equal(t, "GET / HTTP/1.0", f.sink.bytes("http"))
}

func TestSYNAfterFINReopensConnection(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.handshake(t, 4444, 25)
	f.send(t, 4444, 25, 0, []byte("HELO a\r\n"))

	fin := segment(t, 4444, 25, clientISN+9, serverISN+1, flags{fin: true, ack: true}, nil)
	require.NoError(t, f.handler.HandleTransport(f.toServer, fin, t0))
	rst := segment(t, 25, 4444, serverISN+1, 0, flags{rst: true}, nil)
	require.NoError(t, f.handler.HandleTransport(f.toClient, rst, t0))
	require.Equal(t, 1, f.sink.closed["smtp"])

	// Same port pair, new connection.
	f.handshake(t, 4444, 25)
	f.send(t, 4444, 25, 0, []byte("EHLO b\r\n"))

	assert.Len(t, f.events.OfKind(event.ConnectionUp), 2)
	assert.Len(t, f.events.OfKind(event.ConnectionDown), 2)
	assert.Equal(t, "HELO a\r\nEHLO b\r\n", f.sink.bytes("smtp"))

	conn := flowtree.Lookup(f.toServer, address.NewFlow(
		address.Port(address.ProtocolTCP, 4444), address.Port(address.ProtocolTCP, 25)))
	require.NotNil(t, conn)
	assert.Equal(t, t0.Add(time.Minute), conn.Expiry(), "closing TTL lifted")
}

func TestRSTEmitsConnectionDown(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.handshake(t, 4444, 80)

	rst := segment(t, 80, 4444, serverISN+1, 0, flags{rst: true}, nil)
	require.NoError(t, f.handler.HandleTransport(f.toClient, rst, t0))

	downs := f.events.OfKind(event.ConnectionDown)
	require.Len(t, downs, 1)
	assert.Equal(t, "ipv4:10.0.0.2/tcp:80", downs[0].Chain.Src())
}

func TestViolationRebindsToFallback(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.handshake(t, 4444, 21)

	f.send(t, 4444, 21, 0, []byte("USER a\r\n"))
	f.send(t, 4444, 21, 8, []byte("PA!SS"))
	f.send(t, 4444, 21, 13, []byte("tail"))

	assert.Equal(t, "USER a\r\nPA", f.sink.bytes("ftp"))
	assert.Equal(t, "tail", f.sink.bytes("stream"))
	assert.Equal(t, 1.0, metrics.Total(f.registry, "flowscope_parser_violations_total"))
}

func TestGapSkippedWhenOutOfOrderSetFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBufferedSegments = 2
	f := newFixture(t, cfg)
	f.handshake(t, 4444, 25)

	// Bytes 0..4 never arrive.
	f.send(t, 4444, 25, 4, []byte("aaaa"))
	f.send(t, 4444, 25, 8, []byte("bbbb"))
	f.send(t, 4444, 25, 12, []byte("cccc"))

	assert.Equal(t, "aaaabbbbcccc", f.sink.bytes("smtp"))
	assert.Equal(t, 1.0, metrics.Total(f.registry, "flowscope_tcp_gaps_skipped_total"))
}

func TestMalformedSegmentRejected(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	err := f.handler.HandleTransport(f.toServer, []byte{0, 80, 0, 25, 0, 0}, t0)
	assert.ErrorIs(t, err, errs.ErrMalformed)
	assert.Zero(t, f.toServer.Len())
}
