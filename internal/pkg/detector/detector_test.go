package detector

import (
	"testing"
	"time"

	"github.com/endorses/flowscope/internal/pkg/address"
	"github.com/endorses/flowscope/internal/pkg/flowtree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopParser struct{ dir Direction }

func (nopParser) Feed(*flowtree.Context, []byte, time.Time) error { return nil }
func (nopParser) Close(*flowtree.Context, time.Time)              {}

func service(name string, kind flowtree.Kind, proto address.Protocol) Service {
	return Service{
		Name:      name,
		Kind:      kind,
		Protocol:  proto,
		Ports:     WellKnownPorts(kind),
		Signature: DefaultSignature(kind),
		New:       func(dir Direction) Parser { return nopParser{dir: dir} },
	}
}

func newTestDetector() *Detector {
	d := New(service("stream", flowtree.KindStream, address.ProtocolStream))
	d.Register(service("http", flowtree.KindHTTP, address.ProtocolHTTP))
	d.Register(service("smtp", flowtree.KindSMTP, address.ProtocolSMTP))
	d.Register(service("ftp", flowtree.KindFTP, address.ProtocolFTP))
	d.Register(service("dns", flowtree.KindDNS, address.ProtocolDNS))
	return d
}

func TestDetector_ByPort(t *testing.T) {
	d := newTestDetector()

	svc, dir, ok := d.ByPort(40000, 25)
	require.True(t, ok)
	assert.Equal(t, "smtp", svc.Name)
	assert.Equal(t, ToServer, dir)

	svc, dir, ok = d.ByPort(21, 40000)
	require.True(t, ok)
	assert.Equal(t, "ftp", svc.Name)
	assert.Equal(t, ToClient, dir)

	_, _, ok = d.ByPort(40000, 80)
	assert.False(t, ok, "HTTP is identified by signature only")
}

func TestDetector_ByPortPrefersDestination(t *testing.T) {
	d := newTestDetector()

	svc, dir, ok := d.ByPort(21, 25)
	require.True(t, ok)
	assert.Equal(t, "smtp", svc.Name)
	assert.Equal(t, ToServer, dir)
}

func TestDetector_Identify(t *testing.T) {
	d := newTestDetector()

	tests := []struct {
		prefix  string
		name    string
		wantDir Direction
	}{
		{"GET /index.html ", "http", ToServer},
		{"HTTP/1.1 200 OK\r", "http", ToClient},
		{"EHLO client.exam", "smtp", ToServer},
		{"220 ProFTPD Serv", "ftp", ToClient},
		{"\x00\x1d\xab\xcd\x01\x00\x00\x01\x00\x00\x00\x00\x00\x00\x07e", "dns", ToServer},
		{"\x16\x03\x01\x02\x00\x01\x00\x01\xfc\x03\x03", "stream", ToServer},
		{"", "stream", ToServer},
	}
	for _, tt := range tests {
		svc, dir := d.Identify([]byte(tt.prefix))
		assert.Equal(t, tt.name, svc.Name, "prefix %q", tt.prefix)
		assert.Equal(t, tt.wantDir, dir, "prefix %q", tt.prefix)
	}
}

func TestDetector_ServicesOrderedByPriority(t *testing.T) {
	d := newTestDetector()

	var names []string
	for _, s := range d.services {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"dns", "smtp", "ftp", "http"}, names)
	assert.Equal(t, "stream", d.Fallback().Name)
}

func TestService_FactoryAndFlow(t *testing.T) {
	svc := service("http", flowtree.KindHTTP, address.ProtocolHTTP)

	p := svc.Factory(ToClient)()
	require.IsType(t, nopParser{}, p)
	assert.Equal(t, ToClient, p.(nopParser).dir)

	flow := svc.Flow()
	assert.Equal(t, flow, flow.Reverse(), "application flows are direction-free")
	assert.Equal(t, "http -> http", flow.String())
}

func TestDirection_String(t *testing.T) {
	assert.Equal(t, "to_server", ToServer.String())
	assert.Equal(t, "to_client", ToClient.String())
	assert.Equal(t, "direction(7)", Direction(7).String())
}
