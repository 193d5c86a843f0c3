package address

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddress_String(t *testing.T) {
	tests := []struct {
		name string
		addr Address
		want string
	}{
		{"ipv4", IPv4([]byte{10, 0, 0, 1}), "ipv4:10.0.0.1"},
		{"tcp port", Port(ProtocolTCP, 4444), "tcp:4444"},
		{"udp port", Port(ProtocolUDP, 53), "udp:53"},
		{"application tag", Application(ProtocolHTTP), "http"},
		{"opaque bytes", New(ProtocolDevice, PurposeTrigger, []byte{0xde, 0xad}), "device:dead"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.addr.String())
		})
	}
}

func TestAddress_CopiesRawBytes(t *testing.T) {
	raw := []byte{192, 168, 1, 1}
	a := IPv4(raw)
	raw[0] = 10

	assert.Equal(t, "ipv4:192.168.1.1", a.String())
	assert.Equal(t, []byte{192, 168, 1, 1}, a.Bytes())
}

func TestAddress_PortNumber(t *testing.T) {
	assert.Equal(t, uint16(8080), Port(ProtocolTCP, 8080).PortNumber())
	assert.Equal(t, uint16(0), IPv4([]byte{1, 2, 3, 4}).PortNumber())
}

func TestFlowAddress_MapKey(t *testing.T) {
	a := IPv4([]byte{10, 0, 0, 1})
	b := IPv4([]byte{10, 0, 0, 2})

	m := map[FlowAddress]int{NewFlow(a, b): 1}
	m[NewFlow(IPv4([]byte{10, 0, 0, 1}), IPv4([]byte{10, 0, 0, 2}))]++

	assert.Len(t, m, 1)
	assert.Equal(t, 2, m[NewFlow(a, b)])

	_, ok := m[NewFlow(a, b).Reverse()]
	assert.False(t, ok, "reverse direction is a distinct key")
}

func TestFlowAddress_String(t *testing.T) {
	f := NewFlow(Port(ProtocolTCP, 4444), Port(ProtocolTCP, 80))
	assert.Equal(t, "tcp:4444 -> tcp:80", f.String())
	assert.Equal(t, "tcp:80 -> tcp:4444", f.Reverse().String())
}
