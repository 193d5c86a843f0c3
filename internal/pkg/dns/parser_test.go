package dns

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/endorses/flowscope/internal/pkg/detector"
	"github.com/endorses/flowscope/internal/pkg/errs"
	"github.com/endorses/flowscope/internal/pkg/event"
	"github.com/endorses/flowscope/internal/pkg/flowtree"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// buildDNSQuery builds a raw DNS query packet
func buildDNSQuery(txnID uint16, name string) []byte {
	header := []byte{
		byte(txnID >> 8), byte(txnID & 0xff), // Transaction ID
		0x01, 0x00, // Flags: standard query, recursion desired
		0x00, 0x01, // Questions: 1
		0x00, 0x00, // Answers: 0
		0x00, 0x00, // Authority: 0
		0x00, 0x00, // Additional: 0
	}

	var question []byte
	for _, part := range strings.Split(name, ".") {
		question = append(question, byte(len(part)))
		question = append(question, part...)
	}
	question = append(question, 0x00)             // Root label
	question = append(question, 0, 1, 0x00, 0x01) // Type A, class IN

	return append(header, question...)
}

// serialize encodes a message with gopacket, which never compresses.
func serialize(t *testing.T, d *layers.DNS) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, d.SerializeTo(buf, gopacket.SerializeOptions{FixLengths: true}))
	return buf.Bytes()
}

func TestParse_Query(t *testing.T) {
	m, err := Parse(buildDNSQuery(0x1234, "example.com"))
	require.NoError(t, err)

	assert.Equal(t, uint16(0x1234), m.ID)
	assert.False(t, m.Response)
	assert.True(t, m.RecursionDesired)
	assert.Equal(t, "QUERY", m.Opcode.String())
	require.Len(t, m.Questions, 1)
	assert.Equal(t, "example.com", m.Questions[0].Name)
	assert.Equal(t, "A", m.Questions[0].Type.String())
	assert.Equal(t, "IN", m.Questions[0].Class.String())
	assert.False(t, m.Questions[0].Suspicious)
	assert.Empty(t, m.Answers)
}

func TestParse_GopacketResponse(t *testing.T) {
	raw := serialize(t, &layers.DNS{
		ID: 7, QR: true, RD: true, RA: true, ResponseCode: layers.DNSResponseCodeNXDomain,
		Questions: []layers.DNSQuestion{{Name: []byte("mail.example.org"), Type: layers.DNSTypeMX, Class: layers.DNSClassIN}},
		Answers: []layers.DNSResourceRecord{
			{Name: []byte("mail.example.org"), Type: layers.DNSTypeMX, Class: layers.DNSClassIN, TTL: 300,
				MX: layers.DNSMX{Preference: 10, Name: []byte("mx1.example.org")}},
			{Name: []byte("mx1.example.org"), Type: layers.DNSTypeA, Class: layers.DNSClassIN, TTL: 60,
				IP: net.IPv4(192, 0, 2, 1)},
			{Name: []byte("mx1.example.org"), Type: layers.DNSTypeAAAA, Class: layers.DNSClassIN, TTL: 60,
				IP: net.ParseIP("2001:db8::1")},
			{Name: []byte("example.org"), Type: layers.DNSTypeTXT, Class: layers.DNSClassIN, TTL: 60,
				TXTs: [][]byte{[]byte("v=spf1"), []byte("-all")}},
		},
		Authorities: []layers.DNSResourceRecord{
			{Name: []byte("example.org"), Type: layers.DNSTypeSOA, Class: layers.DNSClassIN, TTL: 900,
				SOA: layers.DNSSOA{MName: []byte("ns1.example.org"), RName: []byte("hostmaster.example.org"),
					Serial: 2024030101, Refresh: 7200, Retry: 900, Expire: 1209600, Minimum: 300}},
		},
	})

	m, err := Parse(raw)
	require.NoError(t, err)

	assert.True(t, m.Response)
	assert.Equal(t, "NXDOMAIN", m.RCode.String())
	require.Len(t, m.Answers, 4)
	assert.Equal(t, "MX", m.Answers[0].Type.String())
	assert.Equal(t, uint16(10), m.Answers[0].Preference)
	assert.Equal(t, "mx1.example.org", m.Answers[0].Target)
	assert.Equal(t, "192.0.2.1", m.Answers[1].IP.String())
	assert.Equal(t, "2001:db8::1", m.Answers[2].IP.String())
	assert.Equal(t, []string{"v=spf1", "-all"}, m.Answers[3].TXT)

	require.Len(t, m.Authorities, 1)
	soa := m.Authorities[0].SOA
	require.NotNil(t, soa)
	assert.Equal(t, "ns1.example.org", soa.MName)
	assert.Equal(t, "hostmaster.example.org", soa.RName)
	assert.Equal(t, uint32(2024030101), soa.Serial)
	assert.Equal(t, uint32(300), soa.Minimum)
}

func TestParse_CompressionPointerKeepsCursor(t *testing.T) {
	q := buildDNSQuery(1, "www.example.com")
	q[3] = 0x80 // RA
	q[7] = 2    // two answers

	// CNAME www.example.com -> example.com, both names compressed.
	answers := []byte{
		0xC0, 12, 0, 5, 0, 1, 0, 0, 0, 60, 0, 2, 0xC0, 16,
		0xC0, 16, 0, 1, 0, 1, 0, 0, 0, 60, 0, 4, 93, 184, 216, 34,
	}
	m, err := Parse(append(q, answers...))
	require.NoError(t, err)

	require.Len(t, m.Answers, 2)
	assert.Equal(t, "www.example.com", m.Answers[0].Name)
	assert.Equal(t, "CNAME", m.Answers[0].Type.String())
	assert.Equal(t, "example.com", m.Answers[0].Target)
	assert.Equal(t, "example.com", m.Answers[1].Name)
	assert.Equal(t, "93.184.216.34", m.Answers[1].IP.String())
}

func TestParse_Malformed(t *testing.T) {
	query := buildDNSQuery(1, "example.com")

	loop := append([]byte(nil), query[:12]...)
	loop = append(loop, 0xC0, 12, 0, 1, 0, 1)

	badRDLength := buildDNSQuery(1, "a.b")
	badRDLength[7] = 1
	badRDLength = append(badRDLength, 0xC0, 12, 0, 1, 0, 1, 0, 0, 0, 1, 0, 5, 1, 2, 3, 4, 5)

	cnameShort := buildDNSQuery(1, "a.b")
	cnameShort[7] = 1
	// RDLENGTH 3 but the name inside takes 5 bytes.
	cnameShort = append(cnameShort, 0xC0, 12, 0, 5, 0, 1, 0, 0, 0, 1, 0, 3, 1, 'x', 1, 'y', 0)

	for name, msg := range map[string][]byte{
		"short header":      query[:11],
		"question cut":      query[:len(query)-2],
		"label past end":    query[:16],
		"pointer loop":      loop,
		"reserved label":    append(append([]byte(nil), query[:12]...), 0x80, 0, 0, 1, 0, 1),
		"missing answer":    append(append([]byte(nil), query[:7]...), append([]byte{1}, query[8:]...)...),
		"A rdata length":    badRDLength,
		"name overruns rr":  cnameShort,
		"rdlength past end": append(append([]byte(nil), badRDLength[:len(badRDLength)-5]...), 1, 2),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(msg)
			assert.ErrorIs(t, err, errs.ErrMalformed)
		})
	}
}

func TestPack_RoundTrip(t *testing.T) {
	in := &Message{
		ID: 0xbeef, Response: true, Opcode: 0, RecursionDesired: true, RecursionAvailable: true,
		Questions: []Question{{Name: "www.example.com", Type: Type(layers.DNSTypeA), Class: Class(layers.DNSClassIN)}},
		Answers: []Record{
			{Name: "www.example.com", Type: Type(layers.DNSTypeCNAME), Class: Class(layers.DNSClassIN), TTL: 30, Target: "web.example.com"},
			{Name: "web.example.com", Type: Type(layers.DNSTypeA), Class: Class(layers.DNSClassIN), TTL: 30, IP: net.IPv4(10, 1, 2, 3).To4()},
		},
		Authorities: []Record{
			{Name: "example.com", Type: Type(layers.DNSTypeNS), Class: Class(layers.DNSClassIN), TTL: 3600, Target: "ns.example.com"},
		},
		Additionals: []Record{
			{Name: "_sip._tcp.example.com", Type: Type(layers.DNSTypeSRV), Class: Class(layers.DNSClassIN), TTL: 60,
				SRV: &SRV{Priority: 1, Weight: 5, Port: 5060}, Target: "sip.example.com"},
			{Name: "example.com", Type: Type(99), Class: Class(layers.DNSClassIN), TTL: 60, Raw: []byte{1, 2, 3}},
		},
	}

	wire, err := Pack(in)
	require.NoError(t, err)

	// Names repeat, so compression must have shortened the message.
	assert.Less(t, strings.Count(string(wire), "example"), 3)

	out, err := Parse(wire)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	// gopacket agrees on the wire form.
	var d layers.DNS
	require.NoError(t, d.DecodeFromBytes(wire, gopacket.NilDecodeFeedback))
	assert.Equal(t, "web.example.com", string(d.Answers[0].CNAME))
	assert.Equal(t, "ns.example.com", string(d.Authorities[0].NS))
}

func TestPack_Errors(t *testing.T) {
	for name, m := range map[string]*Message{
		"empty label": {Questions: []Question{{Name: "a..b"}}},
		"long label":  {Questions: []Question{{Name: strings.Repeat("x", 64) + ".com"}}},
		"A with v6":   {Answers: []Record{{Name: "a", Type: Type(layers.DNSTypeA), IP: net.ParseIP("::1")}}},
		"SOA no data": {Answers: []Record{{Name: "a", Type: Type(layers.DNSTypeSOA)}}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Pack(m)
			assert.Error(t, err)
		})
	}
}

func TestSuspiciousName(t *testing.T) {
	assert.False(t, suspiciousName("www.example.com"))
	assert.False(t, suspiciousName("4.3.2.1.in-addr.arpa"))
	assert.True(t, suspiciousName("a1b2c3d4e5f6g7h8.tunnel.example"))
	assert.True(t, suspiciousName(strings.Repeat("q", 55)+".example.com"))
	assert.True(t, suspiciousName("MZXW6YTBOI5GC3TEEBYGC43TO5XXEZDJ.t.example.net"))
}

func TestTypeNames(t *testing.T) {
	assert.Equal(t, "SRV", Type(layers.DNSTypeSRV).String())
	assert.Equal(t, "TYPE99", Type(99).String())
	assert.Equal(t, "CLASS42", Class(42).String())
	assert.Equal(t, "RCODE12", RCode(12).String())
	text, err := Type(layers.DNSTypeAAAA).MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "AAAA", string(text))
}

func TestDatagramService(t *testing.T) {
	rec := &event.Recorder{}
	svc := NewService(event.NewEmitter(rec, nil))
	assert.Equal(t, []uint16{53}, svc.Ports)
	require.NotNil(t, svc.Signature)
	assert.NotNil(t, svc.Signature.Detect(buildDNSQuery(9, "example.com")))

	root := flowtree.NewTree(time.Minute).NewRoot("dev", "net", t0)
	app, _ := flowtree.GetOrCreate(root, svc.Flow(), svc.Kind, t0, svc.Factory(detector.ToServer))
	p := flowtree.StateOf[detector.Parser](app)

	require.NoError(t, p.Feed(app, buildDNSQuery(9, "example.com"), t0))
	assert.ErrorIs(t, p.Feed(app, []byte{1, 2, 3}, t0), errs.ErrMalformed)

	evs := rec.OfKind(event.DNSMessage)
	require.Len(t, evs, 1)
	assert.Equal(t, uint16(9), evs[0].Detail.(*Message).ID)
}

func TestStreamService_Framing(t *testing.T) {
	rec := &event.Recorder{}
	svc := NewStreamService(event.NewEmitter(rec, nil))
	root := flowtree.NewTree(time.Minute).NewRoot("dev", "net", t0)
	app, _ := flowtree.GetOrCreate(root, svc.Flow(), svc.Kind, t0, svc.Factory(detector.ToServer))
	p := flowtree.StateOf[detector.Parser](app)

	frame := func(msg []byte) []byte {
		return append([]byte{byte(len(msg) >> 8), byte(len(msg))}, msg...)
	}
	var stream []byte
	stream = append(stream, frame(buildDNSQuery(1, "a.example"))...)
	stream = append(stream, frame([]byte{0, 0, 0})...) // malformed, skipped
	stream = append(stream, frame(buildDNSQuery(2, "b.example"))...)

	require.NotNil(t, svc.Signature)
	assert.NotNil(t, svc.Signature.Detect(stream[:16]), "length-prefixed query")
	assert.Nil(t, svc.Signature.Detect(buildDNSQuery(1, "a.example")), "bare message")

	// One byte at a time, including across the length prefixes.
	for i := range stream {
		require.NoError(t, p.Feed(app, stream[i:i+1], t0))
	}

	evs := rec.OfKind(event.DNSMessage)
	require.Len(t, evs, 2)
	assert.Equal(t, "a.example", evs[0].Detail.(*Message).Questions[0].Name)
	assert.Equal(t, uint16(2), evs[1].Detail.(*Message).ID)
}
